//go:build integration

package persistence_test

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-campus-notify/internal/platform/persistence"
	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
)

type firestoreFixture struct {
	ctx   context.Context
	store *persistence.FirestoreStore
	user  string
}

// setupFirestore connects to the emulator named by FIRESTORE_EMULATOR_HOST.
func setupFirestore(t *testing.T) *firestoreFixture {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	client, err := firestore.NewClient(ctx, "test-project-persistence")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := persistence.NewFirestoreStore(client, zerolog.Nop())
	require.NoError(t, err)

	return &firestoreFixture{ctx: ctx, store: store, user: "user-" + uuid.NewString()}
}

func TestFirestoreStore_Lifecycle(t *testing.T) {
	fx := setupFirestore(t)
	base := time.Now().UTC().Truncate(time.Millisecond)

	ids := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
	for i, id := range ids {
		require.NoError(t, fx.store.Save(fx.ctx, newNotification(id, fx.user, base.Add(time.Duration(i)*time.Second), true)))
	}
	// Saving again is a no-op.
	require.NoError(t, fx.store.Save(fx.ctx, newNotification(ids[0], fx.user, base, true)))

	count, err := fx.store.UnreadCount(fx.ctx, fx.user)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	recent, err := fx.store.Recent(fx.ctx, fx.user, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[2], recent[0].ID)

	require.NoError(t, fx.store.MarkRead(fx.ctx, fx.user, ids[2]))
	require.NoError(t, fx.store.MarkRead(fx.ctx, fx.user, ids[2]))
	assert.ErrorIs(t, fx.store.MarkRead(fx.ctx, "someone-else", ids[1]), notify.ErrNotFound)

	require.NoError(t, fx.store.MarkAcknowledged(fx.ctx, fx.user, ids[0]))
	pending, err := fx.store.UnacknowledgedSince(fx.ctx, fx.user, base.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[1], pending[0].ID)

	require.NoError(t, fx.store.UpdateStatus(fx.ctx, ids[1], notify.StatusDelivered))
	require.NoError(t, fx.store.UpdateStatus(fx.ctx, ids[1], notify.StatusProcessing))

	require.NoError(t, fx.store.MarkAllRead(fx.ctx, fx.user))
	count, err = fx.store.UnreadCount(fx.ctx, fx.user)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestFirestoreStore_Contacts(t *testing.T) {
	fx := setupFirestore(t)

	_, err := fx.store.Contact(fx.ctx, fx.user)
	assert.ErrorIs(t, err, notify.ErrNotFound)

	require.NoError(t, fx.store.UpsertContact(fx.ctx, notify.Contact{UserID: fx.user, Email: "s@campus.edu", Role: "student"}))
	c, err := fx.store.Contact(fx.ctx, fx.user)
	require.NoError(t, err)
	assert.Equal(t, "s@campus.edu", c.Email)

	assert.NoError(t, fx.store.Ping(fx.ctx))
}
