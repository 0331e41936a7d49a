package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/drover/internal/config"
)

// testGateway builds a gateway that never touches the network; tests
// drive do directly with fake operations.
func testGateway(t *testing.T, cfg *Config) *gitHubGateway {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	if !cfg.Token.IsSet() {
		cfg.Token = config.Secret("ghp_test")
	}
	if cfg.Owner == "" {
		cfg.Owner = "fyrsmithlabs"
	}
	if cfg.Repo == "" {
		cfg.Repo = "widgets"
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = 10 * time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 50 * time.Millisecond
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = 1000
	}

	gw, err := NewGitHub(cfg, zap.NewNop())
	require.NoError(t, err)
	return gw.(*gitHubGateway)
}

func TestDo_SuccessFirstAttempt(t *testing.T) {
	g := testGateway(t, nil)

	calls := 0
	err := g.do(context.Background(), "test_op", true, func(ctx context.Context) (*github.Response, error) {
		calls++
		return respWithStatus(200), nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	g := testGateway(t, nil)

	calls := 0
	err := g.do(context.Background(), "test_op", true, func(ctx context.Context) (*github.Response, error) {
		calls++
		if calls < 3 {
			return respWithStatus(503), errors.New("service unavailable")
		}
		return respWithStatus(200), nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsRetries(t *testing.T) {
	g := testGateway(t, &Config{MaxRetries: 2})

	calls := 0
	err := g.do(context.Background(), "test_op", true, func(ctx context.Context) (*github.Response, error) {
		calls++
		return respWithStatus(503), errors.New("service unavailable")
	})

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 3, calls, "one attempt plus two retries")
}

func TestDo_PermanentNotRetried(t *testing.T) {
	g := testGateway(t, nil)

	calls := 0
	err := g.do(context.Background(), "test_op", true, func(ctx context.Context) (*github.Response, error) {
		calls++
		return respWithStatus(404), errors.New("not found")
	})

	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestDo_AuthExpired(t *testing.T) {
	g := testGateway(t, nil)

	calls := 0
	err := g.do(context.Background(), "test_op", true, func(ctx context.Context) (*github.Response, error) {
		calls++
		return respWithStatus(401), errors.New("bad credentials")
	})

	require.Error(t, err)
	assert.True(t, IsAuthExpired(err))
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestDo_NonIdempotentSingleAttempt(t *testing.T) {
	g := testGateway(t, nil)

	calls := 0
	err := g.do(context.Background(), "create_sub_issue", false, func(ctx context.Context) (*github.Response, error) {
		calls++
		return respWithStatus(503), errors.New("service unavailable")
	})

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 1, calls, "non-idempotent writes never retry")
}

func TestDo_FarResetFailsFast(t *testing.T) {
	g := testGateway(t, nil)
	reset := time.Now().Add(5 * time.Minute)

	calls := 0
	op := func(ctx context.Context) (*github.Response, error) {
		calls++
		resp := respWithStatus(429)
		resp.Rate = github.Rate{Limit: 5000, Remaining: 0, Reset: github.Timestamp{Time: reset}}
		return resp, errors.New("too many requests")
	}

	err := g.do(context.Background(), "list_issues", true, op)
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.Equal(t, 1, calls, "reset beyond the in-call wait cap returns immediately")

	got, ok := ResetTime(err)
	require.True(t, ok)
	assert.WithinDuration(t, reset, got, time.Second)

	// The window now blocks every call without touching the network.
	err = g.do(context.Background(), "get_fields", true, op)
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.Equal(t, 1, calls, "blocked window short-circuits before the operation runs")
}

func TestDo_NearResetWaitsThenRetries(t *testing.T) {
	g := testGateway(t, nil)
	reset := time.Now().Add(50 * time.Millisecond)

	calls := 0
	start := time.Now()
	err := g.do(context.Background(), "list_issues", true, func(ctx context.Context) (*github.Response, error) {
		calls++
		if calls == 1 {
			resp := respWithStatus(429)
			resp.Rate = github.Rate{Limit: 5000, Remaining: 0, Reset: github.Timestamp{Time: reset}}
			return resp, errors.New("too many requests")
		}
		return respWithStatus(200), nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	// Waited through the reset plus the settle buffer.
	assert.GreaterOrEqual(t, time.Since(start), time.Until(reset))
}

func TestDo_ContextCanceledDuringBackoff(t *testing.T) {
	g := testGateway(t, &Config{InitialBackoff: 200 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := g.do(ctx, "test_op", true, func(ctx context.Context) (*github.Response, error) {
		calls++
		cancel()
		return respWithStatus(503), errors.New("service unavailable")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "cancellation stops the retry loop")
}

func TestSetBlocked_WindowOnlyExtends(t *testing.T) {
	g := testGateway(t, nil)

	far := time.Now().Add(2 * time.Minute)
	near := time.Now().Add(10 * time.Second)

	g.setBlocked(far)
	g.setBlocked(near)

	until, blocked := g.blockedWindow()
	require.True(t, blocked)
	assert.Equal(t, far, until, "an earlier reset must not shrink the window")
}

func TestSetBlocked_ZeroResetDefaultsToOneMinute(t *testing.T) {
	g := testGateway(t, nil)

	g.setBlocked(time.Time{})

	until, blocked := g.blockedWindow()
	require.True(t, blocked)
	assert.WithinDuration(t, time.Now().Add(time.Minute), until, 2*time.Second)
}
