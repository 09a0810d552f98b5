// Package orchestrator drives the sync loop: requeue entries whose
// backoff has passed, drain the outbox to the remote, then pull every
// configured scope. Cycles never overlap, a cycle requested while one
// runs is skipped rather than queued.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/syncwire/syncwire/pkg/errors"
	"github.com/syncwire/syncwire/pkg/logger"
	"github.com/syncwire/syncwire/pkg/messaging"
	"github.com/syncwire/syncwire/pkg/metrics"

	"github.com/syncwire/syncwire/internal/model"
	"github.com/syncwire/syncwire/internal/probe"
	"github.com/syncwire/syncwire/internal/repository"
	"github.com/syncwire/syncwire/internal/service/delta"
	"github.com/syncwire/syncwire/internal/service/outbox"
	"github.com/syncwire/syncwire/internal/transport"
)

type Config struct {
	// Interval between automatic cycles in Run.
	Interval time.Duration
	// BatchSize bounds how many entries one cycle drains.
	BatchSize int
	// SendTimeout bounds a single push to the remote.
	SendTimeout time.Duration
	// MaxAttempts parks an entry as errored for good once reached.
	MaxAttempts int
	// BackoffBase and BackoffMax shape the retry delay, which doubles
	// per attempt.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Scopes pulled each cycle.
	Scopes []string
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = outbox.DefaultPendingLimit
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Minute
	}
	if len(c.Scopes) == 0 {
		c.Scopes = []string{model.ScopeAll}
	}
}

type Service struct {
	config    Config
	outbox    outbox.OutboxServicer
	delta     delta.DeltaServicer
	transport transport.RemoteTransport
	probe     probe.ConnectivityProbe
	broker    messaging.Broker
	logger    *logger.Logger
	metrics   *metrics.Metrics

	running atomic.Bool

	mu           sync.RWMutex
	lastSyncAt   *time.Time
	lastError    string
	pendingCount int
}

func NewService(cfg Config, ob outbox.OutboxServicer, dt delta.DeltaServicer, rt transport.RemoteTransport, pr probe.ConnectivityProbe, broker messaging.Broker, log *logger.Logger, m *metrics.Metrics) *Service {
	cfg.setDefaults()
	if pr == nil {
		pr = probe.Static(true)
	}
	if log == nil {
		log = logger.NewLogger(nil)
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Service{
		config:    cfg,
		outbox:    ob,
		delta:     dt,
		transport: rt,
		probe:     pr,
		broker:    broker,
		logger:    log.WithComponent("orchestrator"),
		metrics:   m,
	}
}

// Status returns a point-in-time snapshot. Safe from any goroutine.
func (s *Service) Status() model.SyncStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.SyncStatus{
		LastSyncAt:   s.lastSyncAt,
		PendingCount: s.pendingCount,
		IsSyncing:    s.running.Load(),
		LastError:    s.lastError,
	}
}

// RunCycle executes one push-then-pull cycle. If a cycle is already in
// flight or the remote is unreachable the cycle is skipped, and the
// result says why.
func (s *Service) RunCycle(ctx context.Context) (*model.CycleResult, error) {
	result := &model.CycleResult{StartedAt: time.Now().UTC()}

	if !s.running.CompareAndSwap(false, true) {
		result.Skipped = true
		result.SkipReason = model.SkipReasonBusy
		s.metrics.CyclesTotal.WithLabelValues("skipped").Inc()
		return result, nil
	}
	defer s.running.Store(false)

	if !s.probe.IsOnline(ctx) {
		result.Skipped = true
		result.SkipReason = model.SkipReasonOffline
		s.metrics.CyclesTotal.WithLabelValues("offline").Inc()
		s.logger.Debug("cycle skipped, remote unreachable")
		return result, nil
	}

	start := time.Now()
	err := s.cycle(ctx, result)
	result.Duration = time.Since(start)
	s.metrics.CycleDuration.Observe(result.Duration.Seconds())

	s.finishCycle(ctx, result, err)
	if err != nil {
		s.metrics.CyclesTotal.WithLabelValues("failed").Inc()
		return result, err
	}
	s.metrics.CyclesTotal.WithLabelValues("success").Inc()
	return result, nil
}

func (s *Service) cycle(ctx context.Context, result *model.CycleResult) error {
	now := time.Now().UTC()

	requeued, err := s.outbox.RequeueDue(ctx, now, s.config.MaxAttempts)
	if err != nil {
		return err
	}
	result.Requeued = int(requeued)

	if err := s.drainOutbox(ctx, result); err != nil {
		return err
	}

	s.pullScopes(ctx, result)
	return ctx.Err()
}

// drainOutbox pushes pending entries oldest first. When an entry
// fails, later entries for the same entity are held back so the
// per-entity order never inverts, other entities keep going.
func (s *Service) drainOutbox(ctx context.Context, result *model.CycleResult) error {
	entries, err := s.outbox.GetPending(ctx, "", s.config.BatchSize)
	if err != nil {
		return err
	}

	failed := make(map[string]bool)
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		key := entry.EntityType + "/" + entry.EntityID
		if failed[key] {
			result.SendsSkipped++
			continue
		}

		if err := s.sendEntry(ctx, entry, result); err != nil {
			failed[key] = true
			result.SendFailures++
			if result.PushError == "" {
				result.PushError = err.Error()
			}
		} else {
			result.Sent++
		}
	}
	return nil
}

func (s *Service) sendEntry(ctx context.Context, entry *model.OutboxEntry, result *model.CycleResult) error {
	sendCtx, cancel := context.WithTimeout(ctx, s.config.SendTimeout)
	defer cancel()

	start := time.Now()
	res, err := s.transport.Send(sendCtx, entry)
	s.metrics.SendLatency.Observe(time.Since(start).Seconds())

	// Status writes run on a detached context: once the send has
	// happened its outcome must be recorded even if the cycle was
	// cancelled mid-flight.
	writeCtx, writeCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer writeCancel()

	if err != nil {
		s.metrics.SendFailures.Inc()
		s.recordSendFailure(writeCtx, entry, err)
		return err
	}

	if err := s.outbox.MarkSent(writeCtx, entry.ID, res.Metadata()); err != nil {
		return err
	}
	s.logger.WithFields(map[string]interface{}{
		"entry_id":    entry.ID,
		"entity_type": entry.EntityType,
		"entity_id":   entry.EntityID,
		"remote_id":   res.RemoteID,
	}).Debug("entry delivered")
	return nil
}

func (s *Service) recordSendFailure(ctx context.Context, entry *model.OutboxEntry, cause error) {
	var next *time.Time
	if apperrors.IsRetryable(cause) && entry.Attempts+1 < s.config.MaxAttempts {
		at := time.Now().UTC().Add(s.backoff(entry.Attempts + 1))
		next = &at
	}

	code := string(apperrors.CodeOf(cause))
	if err := s.outbox.MarkError(ctx, entry.ID, cause.Error(), code, next); err != nil {
		s.logger.Error(err, "failed to record send failure")
		return
	}
	s.logger.WithFields(map[string]interface{}{
		"entry_id": entry.ID,
		"attempts": entry.Attempts + 1,
		"code":     code,
	}).Warn("entry delivery failed")
}

// backoff returns the delay before attempt n is retried, doubling per
// attempt up to the cap.
func (s *Service) backoff(attempts int) time.Duration {
	d := s.config.BackoffBase << uint(attempts-1)
	if d <= 0 || d > s.config.BackoffMax {
		return s.config.BackoffMax
	}
	return d
}

// pullScopes syncs every configured scope. One scope failing does not
// stop the others.
func (s *Service) pullScopes(ctx context.Context, result *model.CycleResult) {
	for _, scope := range s.config.Scopes {
		if ctx.Err() != nil {
			return
		}

		applied, err := s.delta.SyncScope(ctx, scope)
		result.RecordsApplied += applied
		if err != nil {
			result.ScopesFailed++
			if result.PullError == "" {
				result.PullError = err.Error()
			}
			s.logger.WithFields(map[string]interface{}{"scope": scope}).Error(err, "scope pull failed")
			continue
		}
		result.ScopesSynced++
	}
}

// finishCycle refreshes the published status and emits the status
// event. It runs on a detached context so a cancelled cycle still
// reports truthfully.
func (s *Service) finishCycle(ctx context.Context, result *model.CycleResult, cycleErr error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	pending, err := s.outbox.PendingCount(writeCtx)
	if err != nil {
		s.logger.Error(err, "failed to refresh pending count")
		pending = -1
	} else {
		s.metrics.PendingEntries.Set(float64(pending))
	}

	lastError := ""
	switch {
	case cycleErr != nil:
		lastError = cycleErr.Error()
	case result.PushError != "":
		lastError = result.PushError
	case result.PullError != "":
		lastError = result.PullError
	}

	s.mu.Lock()
	if pending >= 0 {
		s.pendingCount = pending
	}
	finished := time.Now().UTC()
	s.lastSyncAt = &finished
	s.lastError = lastError
	s.mu.Unlock()

	if s.broker != nil {
		event := messaging.Event{
			Type:   messaging.EventStatusUpdated,
			Source: "orchestrator",
			Error:  lastError,
			At:     finished,
		}
		if err := s.broker.Publish(writeCtx, messaging.ChannelStatus, event); err != nil {
			s.logger.Error(err, "failed to publish status event")
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"sent":            result.Sent,
		"send_failures":   result.SendFailures,
		"sends_skipped":   result.SendsSkipped,
		"requeued":        result.Requeued,
		"scopes_synced":   result.ScopesSynced,
		"scopes_failed":   result.ScopesFailed,
		"records_applied": result.RecordsApplied,
		"duration":        result.Duration,
	}).Info("cycle finished")
}

// wantsCycle filters wake events. Local enqueues and server-side
// change signals warrant an early cycle; the records we just applied
// ourselves and status chatter do not.
func wantsCycle(event messaging.Event) bool {
	switch event.Type {
	case messaging.EventRemoteChanged:
		return true
	case messaging.EventEntityChanged:
		return event.Source == repository.ChangeSourceLocal
	default:
		return false
	}
}

// Run loops RunCycle until the context ends. A change event on the
// wake channel triggers an immediate cycle instead of waiting out the
// interval.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	var wake <-chan messaging.Event
	if s.broker != nil {
		ch, err := messaging.SubscribeEvents(ctx, s.broker, messaging.ChannelChanges)
		if err != nil {
			s.logger.Error(err, "failed to subscribe to change events, relying on interval only")
		} else {
			wake = ch
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"interval": s.config.Interval,
		"scopes":   s.config.Scopes,
	}).Info("sync loop started")

	if _, err := s.RunCycle(ctx); err != nil {
		s.logger.Error(err, "cycle failed")
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync loop stopped")
			return nil
		case <-ticker.C:
			if _, err := s.RunCycle(ctx); err != nil {
				s.logger.Error(err, "cycle failed")
			}
		case event, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			if !wantsCycle(event) {
				continue
			}
			if _, err := s.RunCycle(ctx); err != nil {
				s.logger.Error(err, "cycle failed")
			}
		}
	}
}
