// Package api exposes the operator HTTP surface: job submission, queue stats,
// live connections, health and re-probing of degraded backends.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-campus-notify/internal/health"
	"github.com/tinywideclouds/go-campus-notify/internal/platform/auth"
	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
)

// Roles admitted by the API.
const (
	RoleService  = "service"
	RoleOperator = "operator"
)

// Dispatcher is the submission surface the API drives.
type Dispatcher interface {
	EnqueueNotification(ctx context.Context, userID string, payload notify.Payload, channels []notify.Channel) (notify.JobDescriptor, error)
	EnqueueRoleNotification(ctx context.Context, role string, payload notify.Payload) (notify.JobDescriptor, error)
	EnqueueEmail(ctx context.Context, msg notify.EmailMessage, priority notify.Priority) (notify.JobDescriptor, error)
	EnqueueSMS(ctx context.Context, msg notify.SMSMessage, priority notify.Priority) (notify.JobDescriptor, error)
	EnqueueReport(ctx context.Context, req notify.ReportRequest, priority notify.Priority) (notify.JobDescriptor, error)
	Stats(ctx context.Context) notify.DispatchStats
	Reprobe(ctx context.Context) bool
	Mode() notify.DispatchMode
}

// Gateway lists live connections.
type Gateway interface {
	Connections() []notify.Connection
}

// HealthReader returns the last cached health snapshot.
type HealthReader interface {
	Latest(ctx context.Context) (health.Snapshot, bool)
}

// CacheControl re-probes the distributed cache.
type CacheControl interface {
	Reprobe(ctx context.Context) bool
	Backend() string
}

// API holds the dependencies for the HTTP handlers.
type API struct {
	dispatcher Dispatcher
	gateway    Gateway
	health     HealthReader
	cache      CacheControl
	logger     zerolog.Logger
}

// NewAPI creates the handler set.
func NewAPI(dispatcher Dispatcher, gateway Gateway, healthReader HealthReader, cacheControl CacheControl, logger zerolog.Logger) *API {
	return &API{
		dispatcher: dispatcher,
		gateway:    gateway,
		health:     healthReader,
		cache:      cacheControl,
		logger:     logger.With().Str("component", "API").Logger(),
	}
}

// Router builds the gin engine with every route mounted.
func (a *API) Router(authn auth.Authenticator) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), a.requestLogger())

	r.GET("/healthz", a.HealthHandler)

	v1 := r.Group("/api/v1")
	v1.Use(RequireRole(authn, RoleService, RoleOperator))
	{
		v1.POST("/notifications", a.NotificationHandler)
		v1.POST("/emails", a.EmailHandler)
		v1.POST("/sms", a.SMSHandler)
		v1.POST("/reports", a.ReportHandler)
		v1.GET("/queues/stats", a.StatsHandler)
		v1.GET("/connections", a.ConnectionsHandler)
	}

	admin := r.Group("/api/v1/admin")
	admin.Use(RequireRole(authn, RoleOperator))
	admin.POST("/reprobe", a.ReprobeHandler)

	return r
}

type notificationRequest struct {
	UserID     string            `json:"userId"`
	Role       string            `json:"role"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	Category   string            `json:"category"`
	Priority   notify.Priority   `json:"priority"`
	RequireAck bool              `json:"requireAck"`
	Channels   []notify.Channel  `json:"channels"`
	Data       map[string]string `json:"data"`
	ExpiresAt  *time.Time        `json:"expiresAt"`
}

func (r notificationRequest) payload() notify.Payload {
	return notify.Payload{
		Title:      r.Title,
		Message:    r.Message,
		Category:   r.Category,
		Priority:   r.Priority,
		RequireAck: r.RequireAck,
		Data:       r.Data,
		ExpiresAt:  r.ExpiresAt,
	}
}

// NotificationHandler enqueues a notification for a user or a role.
func (a *API) NotificationHandler(c *gin.Context) {
	var req notificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if (req.UserID == "") == (req.Role == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exactly one of userId or role is required"})
		return
	}

	var desc notify.JobDescriptor
	var err error
	if req.Role != "" {
		desc, err = a.dispatcher.EnqueueRoleNotification(c.Request.Context(), req.Role, req.payload())
	} else {
		desc, err = a.dispatcher.EnqueueNotification(c.Request.Context(), req.UserID, req.payload(), req.Channels)
	}
	a.respondEnqueued(c, desc, err)
}

type emailRequest struct {
	notify.EmailMessage
	Priority notify.Priority `json:"priority"`
}

func (a *API) EmailHandler(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	desc, err := a.dispatcher.EnqueueEmail(c.Request.Context(), req.EmailMessage, req.Priority)
	a.respondEnqueued(c, desc, err)
}

type smsRequest struct {
	notify.SMSMessage
	Priority notify.Priority `json:"priority"`
}

func (a *API) SMSHandler(c *gin.Context) {
	var req smsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	desc, err := a.dispatcher.EnqueueSMS(c.Request.Context(), req.SMSMessage, req.Priority)
	a.respondEnqueued(c, desc, err)
}

type reportRequest struct {
	notify.ReportRequest
	Priority notify.Priority `json:"priority"`
}

// ReportHandler enqueues a report. RequestedBy defaults to the caller.
func (a *API) ReportHandler(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if req.RequestedBy == "" {
		req.RequestedBy = identity(c).UserID
	}
	desc, err := a.dispatcher.EnqueueReport(c.Request.Context(), req.ReportRequest, req.Priority)
	a.respondEnqueued(c, desc, err)
}

func (a *API) respondEnqueued(c *gin.Context, desc notify.JobDescriptor, err error) {
	if err != nil {
		var vErr *notify.ValidationError
		switch {
		case errors.As(err, &vErr):
			c.JSON(http.StatusBadRequest, gin.H{"error": vErr.Message, "field": vErr.Field})
		case errors.Is(err, notify.ErrInvalidPayload):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			a.logger.Error().Err(err).Msg("Enqueue failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue job"})
		}
		return
	}
	a.logger.Debug().Str("job", desc.ID).Str("type", string(desc.Type)).Str("mode", string(desc.Mode)).Msg("Job accepted.")
	c.JSON(http.StatusAccepted, desc)
}

// StatsHandler never fails: broker errors surface inside the body.
func (a *API) StatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, a.dispatcher.Stats(c.Request.Context()))
}

func (a *API) ConnectionsHandler(c *gin.Context) {
	conns := a.gateway.Connections()
	c.JSON(http.StatusOK, gin.H{"connections": conns, "count": len(conns)})
}

// HealthHandler serves the last snapshot written by the health monitor.
func (a *API) HealthHandler(c *gin.Context) {
	snap, ok := a.health.Latest(c.Request.Context())
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no recent health snapshot"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

type reprobeResponse struct {
	CachePrimary bool                `json:"cachePrimary"`
	CacheBackend string              `json:"cacheBackend"`
	Broker       bool                `json:"broker"`
	DispatchMode notify.DispatchMode `json:"dispatchMode"`
}

// ReprobeHandler asks the cache and the dispatcher to promote their primaries.
func (a *API) ReprobeHandler(c *gin.Context) {
	ctx := c.Request.Context()
	resp := reprobeResponse{
		CachePrimary: a.cache.Reprobe(ctx),
		Broker:       a.dispatcher.Reprobe(ctx),
	}
	resp.CacheBackend = a.cache.Backend()
	resp.DispatchMode = a.dispatcher.Mode()

	a.logger.Info().Str("operator", identity(c).UserID).Bool("cache_primary", resp.CachePrimary).Bool("broker", resp.Broker).Msg("Re-probe requested.")
	c.JSON(http.StatusOK, resp)
}
