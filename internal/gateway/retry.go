package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v57/github"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// maxRateLimitWait bounds how long a single call waits in place for a
// rate-limit reset. Resets further out fail the call; the poller sees
// the RateLimited error and sits out the window instead.
const maxRateLimitWait = time.Minute

var errRateLimitWindow = errors.New("rate limit window active")

// do runs one gateway operation with pacing, classification, and retry.
//
// Idempotent operations retry transient failures up to MaxRetries times
// on an exponential schedule. Non-idempotent operations get exactly one
// attempt. A rate-limit rejection blocks the whole gateway until the
// reported reset time; while blocked, every call fails fast without
// touching the network.
func (g *gitHubGateway) do(ctx context.Context, op string, idempotent bool, fn func(ctx context.Context) (*github.Response, error)) error {
	ctx, span := g.tracer.Start(ctx, "gateway."+op)
	defer span.End()

	if until, blocked := g.blockedWindow(); blocked {
		err := &Error{Op: op, Class: ClassRateLimited, RetryAfter: until, Err: errRateLimitWindow}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.recordCall(ctx, op, "blocked", 0)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.config.InitialBackoff
	bo.MaxInterval = g.config.MaxBackoff
	bo.RandomizationFactor = 0.2
	// The attempt counter terminates the loop, not the schedule.
	bo.MaxElapsedTime = 0

	attempts := 1
	if idempotent {
		attempts = g.config.MaxRetries + 1
	}

	start := time.Now()
	var lastErr *Error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := g.waitTurn(ctx, op); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		resp, err := g.callOnce(ctx, fn)
		gerr := classify(op, resp, err)
		if gerr == nil {
			if attempt > 0 {
				g.logger.Info("gateway call recovered",
					zap.String("op", op),
					zap.Int("attempts", attempt+1),
					zap.Duration("elapsed", time.Since(start)))
			}
			g.recordCall(ctx, op, "ok", time.Since(start))
			return nil
		}
		lastErr = gerr

		switch gerr.Class {
		case ClassRateLimited:
			g.setBlocked(gerr.RetryAfter)
			g.countRateLimit(ctx, op)
			wait := time.Until(gerr.RetryAfter)
			if idempotent && attempt+1 < attempts && wait > 0 && wait <= maxRateLimitWait {
				g.logger.Warn("gateway rate limited, waiting for reset",
					zap.String("op", op),
					zap.Duration("wait", wait))
				if err := sleepCtx(ctx, wait+time.Second); err != nil {
					break
				}
				g.countRetry(ctx, op)
				continue
			}
		case ClassTransient:
			if attempt+1 < attempts {
				wait := bo.NextBackOff()
				g.logger.Warn("gateway call failed, retrying",
					zap.String("op", op),
					zap.Int("attempt", attempt+1),
					zap.Int("max_attempts", attempts),
					zap.Int("status", gerr.StatusCode),
					zap.Duration("backoff", wait),
					zap.Error(err))
				if err := sleepCtx(ctx, wait); err != nil {
					break
				}
				g.countRetry(ctx, op)
				continue
			}
		}
		break
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	g.recordCall(ctx, op, lastErr.Class.String(), time.Since(start))

	if lastErr.Class != ClassRateLimited {
		g.logger.Warn("gateway call failed",
			zap.String("op", op),
			zap.String("class", lastErr.Class.String()),
			zap.Int("status", lastErr.StatusCode),
			zap.Error(lastErr.Err))
	}
	return lastErr
}

// callOnce applies the per-attempt timeout around a single API call.
func (g *gitHubGateway) callOnce(ctx context.Context, fn func(ctx context.Context) (*github.Response, error)) (*github.Response, error) {
	if g.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.config.RequestTimeout)
		defer cancel()
	}
	return fn(ctx)
}

// waitTurn blocks until the pacing limiter admits the call.
func (g *gitHubGateway) waitTurn(ctx context.Context, op string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return &Error{Op: op, Class: ClassTransient, Err: err}
	}
	return nil
}

// blockedWindow reports the active rate-limit window, if any.
func (g *gitHubGateway) blockedWindow() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if time.Now().Before(g.blockedUntil) {
		return g.blockedUntil, true
	}
	return time.Time{}, false
}

// setBlocked extends the rate-limit window to the given reset time. A
// zero reset falls back to one minute from now.
func (g *gitHubGateway) setBlocked(until time.Time) {
	if until.IsZero() {
		until = time.Now().Add(time.Minute)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if until.After(g.blockedUntil) {
		g.blockedUntil = until
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
