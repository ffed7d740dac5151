package observe

import (
	"context"
	"log/slog"
)

// SlogObserver implements Observer using Go's structured logging (log/slog).
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	observer := observe.NewSlogObserver(logger, slog.LevelInfo)
//	backend := store.NewMemoryBackend(store.WithObserver(observer))
type SlogObserver struct {
	logger   *slog.Logger
	minLevel slog.Level
}

// NewSlogObserver creates an observer that logs to the given slog.Logger.
// Only events at or above minLevel will be logged.
func NewSlogObserver(logger *slog.Logger, minLevel slog.Level) *SlogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogObserver{
		logger:   logger,
		minLevel: minLevel,
	}
}

func (o *SlogObserver) OnOperation(ctx context.Context, event *OperationEvent) {
	if event.Error != nil {
		if o.minLevel <= slog.LevelError {
			o.logger.ErrorContext(ctx, "persistence operation failed",
				slog.String("backend", event.Backend),
				slog.String("op", event.Op),
				slog.String("type", event.Type),
				slog.Duration("duration", event.Duration),
				slog.String("error", event.Error.Error()),
			)
		}
		return
	}
	if o.minLevel <= slog.LevelDebug {
		o.logger.DebugContext(ctx, "persistence operation",
			slog.String("backend", event.Backend),
			slog.String("op", event.Op),
			slog.String("type", event.Type),
			slog.Bool("hit", event.Hit),
			slog.Bool("buffered", event.Buffered),
			slog.Duration("duration", event.Duration),
		)
	}
}

func (o *SlogObserver) OnTransaction(ctx context.Context, event *TransactionEvent) {
	if event.Error != nil {
		if o.minLevel <= slog.LevelWarn {
			o.logger.WarnContext(ctx, "transaction failed",
				slog.String("backend", event.Backend),
				slog.String("tx_id", event.TxID),
				slog.String("action", event.Action),
				slog.String("error", event.Error.Error()),
			)
		}
		return
	}
	if o.minLevel <= slog.LevelDebug {
		o.logger.DebugContext(ctx, "transaction",
			slog.String("backend", event.Backend),
			slog.String("tx_id", event.TxID),
			slog.String("action", event.Action),
			slog.Int("operations", event.Operations),
		)
	}
}

func (o *SlogObserver) OnSweep(ctx context.Context, event *SweepEvent) {
	if event.Error != nil {
		if o.minLevel <= slog.LevelError {
			o.logger.ErrorContext(ctx, "sweep failed",
				slog.String("component", event.Component),
				slog.String("type", event.Type),
				slog.String("error", event.Error.Error()),
			)
		}
		return
	}
	if event.Purged > 0 && o.minLevel <= slog.LevelInfo {
		o.logger.InfoContext(ctx, "sweep purged entries",
			slog.String("component", event.Component),
			slog.String("type", event.Type),
			slog.Int("purged", event.Purged),
			slog.Duration("duration", event.Duration),
		)
	}
}

func (o *SlogObserver) OnResolve(ctx context.Context, event *ResolveEvent) {
	if event.Error != nil {
		if o.minLevel <= slog.LevelWarn {
			o.logger.WarnContext(ctx, "state resolution failed",
				slog.String("type", event.Type),
				slog.String("scope", event.Scope),
				slog.String("error", event.Error.Error()),
			)
		}
		return
	}
	if o.minLevel <= slog.LevelDebug {
		o.logger.DebugContext(ctx, "state resolved",
			slog.String("type", event.Type),
			slog.String("key", event.Key),
			slog.String("source", event.Source),
			slog.Duration("latency", event.Latency),
		)
	}
}

func (o *SlogObserver) OnConnection(ctx context.Context, event *ConnectionEvent) {
	if o.minLevel > slog.LevelInfo {
		return
	}
	attrs := []any{
		slog.String("connection_id", event.ConnectionID),
		slog.String("action", event.Action),
		slog.Int("active", event.Active),
	}
	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.UserID != "" {
		attrs = append(attrs, slog.String("user_id", event.UserID))
	}
	if event.Reason != "" {
		attrs = append(attrs, slog.String("reason", event.Reason))
	}
	o.logger.InfoContext(ctx, "connection", attrs...)
}

func (o *SlogObserver) OnBroadcast(ctx context.Context, event *BroadcastEvent) {
	if event.Evicted > 0 {
		if o.minLevel <= slog.LevelWarn {
			o.logger.WarnContext(ctx, "broadcast evicted slow connections",
				slog.String("type", event.Type),
				slog.String("scope", event.Scope),
				slog.Int("evicted", event.Evicted),
			)
		}
	}
	if o.minLevel <= slog.LevelDebug {
		o.logger.DebugContext(ctx, "broadcast",
			slog.String("type", event.Type),
			slog.String("scope", event.Scope),
			slog.Int("targets", event.Targets),
			slog.Int("delivered", event.Delivered),
		)
	}
}
