package batchsync

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/gjovanov/harvex/internal/config"
	"github.com/gjovanov/harvex/internal/domain/batch"
	"github.com/gjovanov/harvex/internal/domain/events"
	"github.com/gjovanov/harvex/pkg/common/logger"
)

// ProgressStream is one live connection to a job's progress channel.
type ProgressStream interface {
	// Recv blocks for the next well-formed progress event. It returns io.EOF
	// when the server closes the stream and a transport error otherwise.
	Recv() (batch.ProgressEvent, error)

	// Close tears down the connection, unblocking a pending Recv.
	Close() error
}

// StreamOpener opens progress streams. Implemented by the harvexapi client.
type StreamOpener interface {
	OpenProgressStream(ctx context.Context, jobID string) (ProgressStream, error)
}

// StreamOpenerFunc adapts a function to the StreamOpener interface.
type StreamOpenerFunc func(ctx context.Context, jobID string) (ProgressStream, error)

// OpenProgressStream implements StreamOpener.
func (f StreamOpenerFunc) OpenProgressStream(ctx context.Context, jobID string) (ProgressStream, error) {
	return f(ctx, jobID)
}

// applyFunc routes one inbound event into the merge path and reports whether
// the merged job reached a terminal status.
type applyFunc func(ctx context.Context, evt batch.ProgressEvent) bool

// subscription is the ephemeral per-job record for one open stream. It is
// owned exclusively by the subscription manager and never escapes it.
type subscription struct {
	jobID  string
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	reason batch.StreamCloseReason
}

// setReason records the close reason. The first recorded reason wins so a
// cancellation racing a transport error keeps the earlier cause.
func (s *subscription) setReason(reason batch.StreamCloseReason) {
	s.mu.Lock()
	if s.reason == "" {
		s.reason = reason
	}
	s.mu.Unlock()
}

// resetReason clears a recorded reason before a reconnect attempt.
func (s *subscription) resetReason() {
	s.mu.Lock()
	s.reason = ""
	s.mu.Unlock()
}

func (s *subscription) closeReason() batch.StreamCloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason == "" {
		return batch.StreamCloseUnsubscribed
	}
	return s.reason
}

// close records the reason and cancels the subscription context, unblocking
// the reader. Used for externally driven closes.
func (s *subscription) close(reason batch.StreamCloseReason) {
	s.setReason(reason)
	s.cancel()
}

// subscriptionManager owns at most one open progress stream per job id. Each
// inbound event is routed through the merge path; a subscription tears itself
// down on terminal state, explicit unsubscribe, or transport error.
type subscriptionManager struct {
	opener    StreamOpener
	apply     applyFunc
	publisher events.DomainEventPublisher
	logger    *logger.Logger
	tracer    trace.Tracer
	metrics   SyncMetrics

	reconnect   config.ReconnectConfig
	idleTimeout time.Duration

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]*subscription
}

func newSubscriptionManager(
	opener StreamOpener,
	apply applyFunc,
	publisher events.DomainEventPublisher,
	streamCfg config.StreamConfig,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics SyncMetrics,
) *subscriptionManager {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &subscriptionManager{
		opener:      opener,
		apply:       apply,
		publisher:   publisher,
		logger:      log,
		tracer:      tracer,
		metrics:     metrics,
		reconnect:   streamCfg.Reconnect,
		idleTimeout: streamCfg.IdleTimeout.Std(),
		rootCtx:     rootCtx,
		rootCancel:  rootCancel,
		subs:        make(map[string]*subscription),
	}
}

// subscribe opens the job's progress stream unless one is already open.
// Idempotent: a second call for the same job id is a no-op.
func (m *subscriptionManager) subscribe(ctx context.Context, jobID string) error {
	_, span := m.tracer.Start(ctx, "subscription_manager.subscribe",
		trace.WithAttributes(attribute.String("job_id", jobID)))
	defer span.End()

	m.mu.Lock()
	if _, exists := m.subs[jobID]; exists {
		m.mu.Unlock()
		span.AddEvent("already_subscribed")
		return nil
	}
	if err := m.rootCtx.Err(); err != nil {
		m.mu.Unlock()
		return errors.New("subscription manager is closed")
	}

	subCtx, cancel := context.WithCancel(m.rootCtx)
	sub := &subscription{
		jobID:  jobID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.subs[jobID] = sub
	m.mu.Unlock()

	go m.run(subCtx, sub)
	span.AddEvent("subscription_opened")
	return nil
}

// unsubscribe closes the job's stream and waits for its reader to exit.
// Safe to call for jobs with no open subscription.
func (m *subscriptionManager) unsubscribe(jobID string) {
	m.mu.Lock()
	sub, exists := m.subs[jobID]
	m.mu.Unlock()
	if !exists {
		return
	}

	sub.close(batch.StreamCloseUnsubscribed)
	<-sub.done
}

// closeAsync cancels the job's stream without waiting for the reader to
// exit. Used from the merge path, which must not block on the reader
// goroutine it may itself be running on.
func (m *subscriptionManager) closeAsync(jobID string, reason batch.StreamCloseReason) {
	m.mu.Lock()
	sub, exists := m.subs[jobID]
	m.mu.Unlock()
	if exists {
		sub.close(reason)
	}
}

// isSubscribed reports whether a subscription is currently open for the job.
func (m *subscriptionManager) isSubscribed(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.subs[jobID]
	return exists
}

// closeAll tears down every subscription and waits for all readers.
func (m *subscriptionManager) closeAll() {
	m.rootCancel()

	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			sub.close(batch.StreamCloseUnsubscribed)
			<-sub.done
			return nil
		})
	}
	_ = g.Wait()
}

func (m *subscriptionManager) remove(sub *subscription) {
	m.mu.Lock()
	if m.subs[sub.jobID] == sub {
		delete(m.subs, sub.jobID)
	}
	m.mu.Unlock()
}

// run is the per-subscription reader loop. It owns the connection lifecycle:
// open, consume until a close condition, optionally reconnect with backoff,
// then publish the close signal.
func (m *subscriptionManager) run(ctx context.Context, sub *subscription) {
	defer close(sub.done)
	defer sub.cancel()

	var cause string

	var bo backoff.BackOff
	if m.reconnect.Enabled {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = m.reconnect.InitialWait.Std()
		exp.MaxInterval = m.reconnect.MaxWait.Std()
		exp.MaxElapsedTime = 0
		bo = backoff.WithContext(exp, ctx)
	}

	attempts := 0
	for {
		stream, err := m.opener.OpenProgressStream(ctx, sub.jobID)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			m.metrics.IncStreamErrors(ctx)
			sub.setReason(batch.StreamCloseTransportError)
			cause = err.Error()
			if !m.retryAfter(ctx, bo, &attempts, sub) {
				break
			}
			continue
		}

		streamCause, retryable := m.consume(ctx, sub, stream)
		if streamCause != "" {
			cause = streamCause
		}
		if !retryable || !m.retryAfter(ctx, bo, &attempts, sub) {
			break
		}
	}

	reason := sub.closeReason()
	m.remove(sub)
	m.logger.Info(context.WithoutCancel(ctx), "progress stream closed",
		"job_id", sub.jobID,
		"reason", string(reason),
	)
	if m.publisher != nil {
		_ = m.publisher.PublishDomainEvent(context.WithoutCancel(ctx), events.DomainEvent{
			Type:      batch.EventTypeStreamClosed,
			Key:       sub.jobID,
			Timestamp: time.Now(),
			Payload:   batch.NewStreamClosedEvent(sub.jobID, reason, cause),
		})
	}
}

// consume reads the stream until it ends. It returns the failure cause (if
// any) and whether the ending is a transport failure that reconnection may
// recover from.
func (m *subscriptionManager) consume(ctx context.Context, sub *subscription, stream ProgressStream) (string, bool) {
	m.metrics.IncOpenStreams(ctx)
	defer m.metrics.DecOpenStreams(ctx)
	defer stream.Close()

	// Unblock Recv when the subscription is canceled.
	watcherDone := make(chan struct{})
	defer close(watcherDone)
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-watcherDone:
		}
	}()

	var idleMu sync.Mutex
	var idleFired bool
	var idleTimer *time.Timer
	if m.idleTimeout > 0 {
		idleTimer = time.AfterFunc(m.idleTimeout, func() {
			idleMu.Lock()
			idleFired = true
			idleMu.Unlock()
			stream.Close()
		})
		defer idleTimer.Stop()
	}

	for {
		evt, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				// Closed via unsubscribe, terminal detection on the fetch
				// path, or shutdown. The reason was already recorded.
				return "", false
			}

			idleMu.Lock()
			fired := idleFired
			idleMu.Unlock()
			if fired {
				sub.setReason(batch.StreamCloseIdleTimeout)
				return "no events within idle timeout", false
			}

			m.metrics.IncStreamErrors(ctx)
			sub.setReason(batch.StreamCloseTransportError)
			if errors.Is(err, io.EOF) {
				return "server closed stream", true
			}
			m.logger.Warn(ctx, "progress stream transport error",
				"job_id", sub.jobID, "error", err)
			return err.Error(), true
		}

		if idleTimer != nil {
			idleTimer.Reset(m.idleTimeout)
		}

		if terminal := m.apply(ctx, evt); terminal {
			sub.setReason(batch.StreamCloseTerminal)
			return "", false
		}
	}
}

// retryAfter waits for the next backoff interval. It returns false when
// reconnection is disabled, exhausted, or the subscription was canceled.
// A successful wait re-arms the subscription for another attempt.
func (m *subscriptionManager) retryAfter(ctx context.Context, bo backoff.BackOff, attempts *int, sub *subscription) bool {
	if bo == nil {
		return false
	}
	if m.reconnect.MaxAttempts > 0 && *attempts >= m.reconnect.MaxAttempts {
		return false
	}

	next := bo.NextBackOff()
	if next == backoff.Stop {
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case <-time.After(next):
	}

	*attempts++
	sub.resetReason()
	m.logger.Info(ctx, "reconnecting progress stream",
		"job_id", sub.jobID, "attempt", *attempts)
	return true
}
