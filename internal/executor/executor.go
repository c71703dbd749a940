package executor

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"

	coreerrors "github.com/proxmux/proxmux/internal/errors"
	"github.com/proxmux/proxmux/pkg/pve"
	"github.com/rs/zerolog/log"
)

// Session is the authentication lifecycle of one endpoint. Implemented by
// *pve.Client; faked in tests.
type Session interface {
	Authenticate(ctx context.Context) error
	ClearSession()
	HasSession() bool
}

// StatusSink receives connection status transitions. Only executor outcomes
// drive these transitions; nothing else mutates ConnectionStatus.
type StatusSink interface {
	MarkConnected(endpointID string)
	MarkError(endpointID string, err error)
}

// RetryPolicy bounds retries of transient failures. Independently testable
// without network calls.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// DefaultRetryPolicy retries three times with linearly increasing delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt) * time.Second
		},
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.Backoff == nil {
		return time.Duration(attempt) * time.Second
	}
	return p.Backoff(attempt)
}

// Executor issues logical calls against one endpoint, re-authenticating once
// on 401 and applying the retry policy on transient failures.
type Executor struct {
	endpointID string
	session    Session
	policy     RetryPolicy
	sink       StatusSink
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates an executor for one endpoint.
func New(endpointID string, session Session, policy RetryPolicy, sink StatusSink) *Executor {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Executor{
		endpointID: endpointID,
		session:    session,
		policy:     policy,
		sink:       sink,
		sleep:      sleepContext,
	}
}

// SetSleep overrides the retry delay function, for tests.
func (e *Executor) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	e.sleep = fn
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute runs one logical call. The call closure must be re-runnable: it is
// re-issued after re-authentication and on transient retry.
func (e *Executor) Execute(ctx context.Context, op string, call func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := e.ensureSession(ctx, op); err != nil {
			if coreerrors.IsAuthError(err) {
				e.markError(err)
				return err
			}
			// Network trouble reaching the auth endpoint is transient
			lastErr = err
			if !e.backoff(ctx, attempt) {
				break
			}
			continue
		}

		err := call(ctx)
		if err == nil {
			e.markConnected()
			return nil
		}

		if pve.IsAuthStatus(err) {
			// Stale ticket: invalidate, re-authenticate once, re-run.
			e.session.ClearSession()
			if authErr := e.session.Authenticate(ctx); authErr != nil {
				final := coreerrors.WrapAuth(op, e.endpointID, authErr)
				e.markError(final)
				return final
			}
			if err = call(ctx); err == nil {
				e.markConnected()
				return nil
			}
			if pve.IsAuthStatus(err) {
				final := coreerrors.WrapAuth(op, e.endpointID, err)
				e.markError(final)
				return final
			}
		}

		if !isTransient(err) {
			return coreerrors.WrapAPI(op, e.endpointID, err, pve.StatusCode(err))
		}

		lastErr = err
		log.Debug().
			Err(err).
			Str("endpoint", e.endpointID).
			Str("op", op).
			Int("attempt", attempt).
			Msg("Transient failure, will retry")

		if !e.backoff(ctx, attempt) {
			break
		}
	}

	final := classifyFinal(op, e.endpointID, lastErr)
	// A cancelled caller context (batch deadline, shutdown) says nothing
	// about endpoint health; leave ConnectionStatus alone.
	if ctx.Err() == nil {
		e.markError(final)
	}
	return final
}

func (e *Executor) ensureSession(ctx context.Context, op string) error {
	if e.session.HasSession() {
		return nil
	}
	if err := e.session.Authenticate(ctx); err != nil {
		if pve.IsAuthStatus(err) {
			return coreerrors.WrapAuth(op, e.endpointID, err)
		}
		return err
	}
	return nil
}

// backoff sleeps before the next attempt. Returns false when no attempts
// remain or the context expired.
func (e *Executor) backoff(ctx context.Context, attempt int) bool {
	if attempt >= e.policy.MaxAttempts {
		return false
	}
	if err := e.sleep(ctx, e.policy.delay(attempt)); err != nil {
		return false
	}
	return true
}

func (e *Executor) markConnected() {
	if e.sink != nil {
		e.sink.MarkConnected(e.endpointID)
	}
}

func (e *Executor) markError(err error) {
	if e.sink != nil {
		e.sink.MarkError(e.endpointID, err)
	}
}

func classifyFinal(op, endpointID string, err error) error {
	if err == nil {
		err = coreerrors.ErrConnectionFailed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return coreerrors.New(coreerrors.ErrorTypeTimeout, op, endpointID, err)
	}
	return coreerrors.WrapConnection(op, endpointID, err)
}

// isTransient reports failures worth retrying: network errors, timeouts,
// and 5xx-class API responses.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}

	switch status := pve.StatusCode(err); {
	case status >= 500:
		return true
	case status == 408, status == 429:
		return true
	}
	return false
}
