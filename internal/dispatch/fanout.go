package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-campus-notify/internal/queue"
	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
)

var errJobExpired = errors.New("notification expired")

// handleNotification expands a notification job per channel. Push is
// synchronous and best effort; email and SMS become their own jobs.
func (d *Dispatcher) handleNotification(ctx context.Context, job queue.Job) error {
	var nj notify.NotificationJob
	if err := json.Unmarshal(job.Payload, &nj); err != nil {
		return fmt.Errorf("%w: %v", notify.ErrInvalidPayload, err)
	}
	if nj.EffectiveStatus(time.Now()) == notify.StatusExpired {
		if nj.UserID != "" {
			err := d.deps.Store.UpdateStatus(ctx, nj.ID, notify.StatusExpired)
			if err != nil && !errors.Is(err, notify.ErrNotFound) {
				d.logger.Warn().Err(err).Str("notification", nj.ID).Msg("Failed to record expired status.")
			}
		}
		return errJobExpired
	}

	n := notify.Notification{
		ID:         nj.ID,
		UserID:     nj.UserID,
		Title:      nj.Payload.Title,
		Message:    nj.Payload.Message,
		Category:   nj.Payload.Category,
		Priority:   nj.Payload.Priority,
		RequireAck: nj.Payload.RequireAck,
		Status:     notify.StatusProcessing,
		CreatedAt:  nj.EnqueuedAt,
	}
	log := d.logger.With().Str("notification", n.ID).Logger()

	if nj.Role != "" {
		sent := d.deps.Pusher.PushToRole(ctx, nj.Role, n)
		log.Debug().Str("role", nj.Role).Int("sockets", sent).Msg("Role notification pushed.")
		return nil
	}

	if err := d.deps.Store.Save(ctx, n); err != nil {
		return fmt.Errorf("failed to save notification: %w", err)
	}

	emitted := false
	for _, ch := range nj.Channels {
		switch ch {
		case notify.ChannelPush:
			if !d.deps.Pusher.Push(ctx, nj.UserID, n) {
				log.Debug().Str("user", nj.UserID).Msg("User offline, push not delivered now.")
				continue
			}
			emitted = true
			if n.RequireAck && d.deps.Tracker != nil {
				d.deps.Tracker.Track(ctx, nj.UserID, n)
			}
		case notify.ChannelEmail, notify.ChannelSMS:
			d.scheduleContact(ctx, ch, nj, n)
		}
	}

	// The stored record stays processing until a push lands, or until the
	// client acknowledges one that requires it.
	if emitted && !n.RequireAck {
		if err := d.deps.Store.UpdateStatus(ctx, n.ID, notify.StatusDelivered); err != nil {
			log.Warn().Err(err).Msg("Failed to record delivered status.")
		}
	}
	return nil
}

// scheduleContact enqueues the email or SMS sub-job for a notification.
func (d *Dispatcher) scheduleContact(ctx context.Context, ch notify.Channel, nj notify.NotificationJob, n notify.Notification) {
	log := d.logger.With().Str("notification", n.ID).Str("channel", string(ch)).Logger()

	contact, err := d.deps.Store.Contact(ctx, nj.UserID)
	if err != nil {
		log.Warn().Err(err).Str("user", nj.UserID).Msg("No contact details, skipping channel.")
		return
	}

	var desc notify.JobDescriptor
	switch ch {
	case notify.ChannelEmail:
		if contact.Email == "" {
			log.Debug().Msg("User has no email address.")
			return
		}
		desc, err = d.EnqueueEmail(ctx, notify.EmailMessage{To: contact.Email, Subject: n.Title, Body: n.Message}, n.Priority)
	case notify.ChannelSMS:
		if contact.Phone == "" {
			log.Debug().Msg("User has no phone number.")
			return
		}
		desc, err = d.EnqueueSMS(ctx, notify.SMSMessage{To: contact.Phone, Body: n.Title + ": " + n.Message}, n.Priority)
	}
	if err != nil {
		log.Warn().Err(err).Msg("Contact channel rejected.")
		return
	}
	log.Debug().Str("job", desc.ID).Str("mode", string(desc.Mode)).Msg("Channel job scheduled.")
}

func (d *Dispatcher) handleEmail(ctx context.Context, job queue.Job) error {
	var msg notify.EmailMessage
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		return fmt.Errorf("%w: %v", notify.ErrInvalidPayload, err)
	}
	if d.deps.Email == nil {
		return fmt.Errorf("%w: no email sender configured", notify.ErrTransport)
	}
	return d.deps.Email.SendEmail(ctx, msg)
}

func (d *Dispatcher) handleSMS(ctx context.Context, job queue.Job) error {
	var msg notify.SMSMessage
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		return fmt.Errorf("%w: %v", notify.ErrInvalidPayload, err)
	}
	if d.deps.SMS == nil {
		return fmt.Errorf("%w: no sms sender configured", notify.ErrTransport)
	}
	return d.deps.SMS.SendSMS(ctx, msg)
}

func (d *Dispatcher) handleReport(ctx context.Context, job queue.Job) error {
	var req notify.ReportRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return fmt.Errorf("%w: %v", notify.ErrInvalidPayload, err)
	}
	if d.deps.Reports == nil {
		return fmt.Errorf("no report runner configured")
	}
	return d.deps.Reports.RunReport(ctx, req)
}
