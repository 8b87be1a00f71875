// Package audit records admin access to quality data and batch lifecycle
// transitions.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Event types.
const (
	EventStatsRead     = "quality.stats.read"
	EventLowRead       = "quality.low.read"
	EventBusinessRead  = "quality.business.read"
	EventBatchSubmit   = "quality.batch.submit"
	EventBatchStart    = "quality.batch.start"
	EventBatchComplete = "quality.batch.complete"
	EventBatchCancel   = "quality.batch.cancel"
	EventBatchRead     = "quality.batch.read"
	EventBatchList     = "quality.batch.list"
)

// Event is one audit record.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	TargetID  string         `json:"targetId,omitempty"`
	ActorID   string         `json:"actorId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Origin    string         `json:"origin,omitempty"`
	UserAgent string         `json:"userAgent,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Logger persists audit events.
type Logger interface {
	Log(ctx context.Context, e Event) error
}

// RequestInfo carries the caller details attached to every event.
type RequestInfo struct {
	Origin    string
	UserAgent string
}

type requestInfoKey struct{}

// WithRequestInfo stores info on ctx for Record to pick up.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFrom returns the info stored by WithRequestInfo, if any.
func RequestInfoFrom(ctx context.Context) RequestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info
}

// Record completes e with an id, timestamp and request info, then writes it.
// Failures are logged and never returned: auditing must not abort the
// operation being audited.
func Record(ctx context.Context, l Logger, e Event) {
	if l == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	info := RequestInfoFrom(ctx)
	if e.Origin == "" {
		e.Origin = info.Origin
	}
	if e.UserAgent == "" {
		e.UserAgent = info.UserAgent
	}

	if err := l.Log(ctx, e); err != nil {
		zap.L().Warn("audit: write failed",
			zap.String("event", e.Type),
			zap.String("target_id", e.TargetID),
			zap.Error(err),
		)
	}
}

// ZapLogger writes events to a structured logger.
type ZapLogger struct {
	log *zap.Logger
}

// NewZapLogger returns a Logger backed by log. A nil log uses zap.L().
func NewZapLogger(log *zap.Logger) *ZapLogger {
	if log == nil {
		log = zap.L()
	}
	return &ZapLogger{log: log.Named("audit")}
}

// Log implements Logger.
func (z *ZapLogger) Log(_ context.Context, e Event) error {
	z.log.Info(e.Type,
		zap.String("audit_id", e.ID),
		zap.String("target_id", e.TargetID),
		zap.String("actor_id", e.ActorID),
		zap.Any("metadata", e.Metadata),
		zap.String("origin", e.Origin),
		zap.String("user_agent", e.UserAgent),
		zap.Time("created_at", e.CreatedAt),
	)
	return nil
}

// Writer is the persistence side of StoreLogger.
type Writer interface {
	InsertAuditEvent(ctx context.Context, e Event) error
}

// StoreLogger persists events through a Writer.
type StoreLogger struct {
	w Writer
}

// NewStoreLogger returns a Logger backed by w.
func NewStoreLogger(w Writer) *StoreLogger {
	return &StoreLogger{w: w}
}

// Log implements Logger.
func (s *StoreLogger) Log(ctx context.Context, e Event) error {
	return eris.Wrap(s.w.InsertAuditEvent(ctx, e), "audit: insert event")
}

// Multi fans an event out to every logger, attempting all of them.
type Multi []Logger

// Log implements Logger.
func (m Multi) Log(ctx context.Context, e Event) error {
	var errs []error
	for _, l := range m {
		if err := l.Log(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
