package router

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wooster-ai/wooster/runtime/config"
	"github.com/wooster-ai/wooster/runtime/model"
)

// scriptedClient fails a fixed number of completions before succeeding.
type scriptedClient struct {
	name      string
	failures  int32
	completes atomic.Int32
	pingErr   error
	delay     time.Duration
}

func (c *scriptedClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	n := c.completes.Add(1)
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return model.Response{}, ctx.Err()
		}
	}
	if n <= c.failures {
		return model.Response{}, errors.New("scripted failure")
	}
	return model.Response{Content: c.name + " answered"}, nil
}

func (c *scriptedClient) Ping(context.Context) error { return c.pingErr }

func testRoutingConfig() config.Routing {
	return config.Routing{
		Profiles: map[string]config.Profile{
			string(TaskToolExecution): {
				Preferred:   []string{"primary/model-a", "secondary/model-b"},
				Temperature: 0.2,
				MaxTokens:   512,
			},
		},
		FallbackChain: []string{"tertiary/model-c"},
		MaxAttempts:   3,
		MissThreshold: 1,
	}
}

func TestSelectChatModel_PrefersFirstHealthy(t *testing.T) {
	primary := &scriptedClient{name: "primary"}
	secondary := &scriptedClient{name: "secondary"}
	r, err := New(testRoutingConfig(), map[string]model.Client{
		"primary": primary, "secondary": secondary,
	}, nil, nil, nil)
	require.NoError(t, err)

	sel, err := r.SelectChatModel(context.Background(), TaskToolExecution)
	require.NoError(t, err)
	require.Equal(t, "primary", sel.Candidate.Provider)
	require.Equal(t, "model-a", sel.Candidate.Model)
}

func TestSelectChatModel_SkipsDownProvider(t *testing.T) {
	primary := &scriptedClient{name: "primary", pingErr: errors.New("down")}
	secondary := &scriptedClient{name: "secondary"}
	r, err := New(testRoutingConfig(), map[string]model.Client{
		"primary": primary, "secondary": secondary,
	}, nil, nil, nil)
	require.NoError(t, err)

	r.health.recordFailure("primary", errors.New("down"))

	sel, err := r.SelectChatModel(context.Background(), TaskToolExecution)
	require.NoError(t, err)
	require.Equal(t, "secondary", sel.Candidate.Provider)

	decisions := r.Decisions()
	require.NotEmpty(t, decisions)
	last := decisions[len(decisions)-1]
	require.Len(t, last.FallbacksTried, 1)
}

func TestSelectChatModel_AllDown(t *testing.T) {
	primary := &scriptedClient{name: "primary"}
	r, err := New(testRoutingConfig(), map[string]model.Client{"primary": primary}, nil, nil, nil)
	require.NoError(t, err)

	r.health.recordFailure("primary", errors.New("down"))

	_, err = r.SelectChatModel(context.Background(), TaskToolExecution)
	require.ErrorIs(t, err, ErrRoutingUnavailable)
	require.Equal(t, int64(1), r.Stats().Failures)
}

func TestComplete_FallsBackToNextCandidate(t *testing.T) {
	primary := &scriptedClient{name: "primary", failures: 10}
	secondary := &scriptedClient{name: "secondary"}
	r, err := New(testRoutingConfig(), map[string]model.Client{
		"primary": primary, "secondary": secondary,
	}, nil, nil, nil)
	require.NoError(t, err)

	resp, err := r.Complete(context.Background(), TaskToolExecution, model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, "secondary answered", resp.Content)
	require.Equal(t, int32(1), primary.completes.Load())
}

func TestComplete_AppliesProfileDefaults(t *testing.T) {
	var got model.Request
	capture := &captureClient{onComplete: func(req model.Request) { got = req }}
	r, err := New(testRoutingConfig(), map[string]model.Client{
		"primary": capture, "secondary": capture,
	}, nil, nil, nil)
	require.NoError(t, err)

	_, err = r.Complete(context.Background(), TaskToolExecution, model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, "model-a", got.Model)
	require.InDelta(t, 0.2, got.Temperature, 1e-9)
	require.Equal(t, 512, got.MaxTokens)
}

func TestComplete_StopsOnParentDeadline(t *testing.T) {
	slow := &scriptedClient{name: "slow", delay: 200 * time.Millisecond, failures: 10}
	r, err := New(testRoutingConfig(), map[string]model.Client{
		"primary": slow, "secondary": slow, "tertiary": slow,
	}, nil, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.Complete(ctx, TaskToolExecution, model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	// The parent deadline stops the retry walk; only one attempt ran.
	require.Equal(t, int32(1), slow.completes.Load())
}

func TestComplete_AttemptCap(t *testing.T) {
	failing := &scriptedClient{name: "failing", failures: 100}
	cfg := testRoutingConfig()
	cfg.MaxAttempts = 2
	r, err := New(cfg, map[string]model.Client{
		"primary": failing, "secondary": failing, "tertiary": failing,
	}, nil, nil, nil)
	require.NoError(t, err)

	_, err = r.Complete(context.Background(), TaskToolExecution, model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.ErrorIs(t, err, ErrRoutingUnavailable)
	require.Equal(t, int32(2), failing.completes.Load())
}

func TestUnknownTagUsesToolExecutionProfile(t *testing.T) {
	primary := &scriptedClient{name: "primary"}
	r, err := New(testRoutingConfig(), map[string]model.Client{"primary": primary}, nil, nil, nil)
	require.NoError(t, err)

	sel, err := r.SelectChatModel(context.Background(), TaskTag("SOMETHING_NEW"))
	require.NoError(t, err)
	require.Equal(t, "primary", sel.Candidate.Provider)
}

func TestSelectEmbeddingModel(t *testing.T) {
	primary := &scriptedClient{name: "primary"}
	r, err := New(testRoutingConfig(), map[string]model.Client{"primary": primary}, nil, nil, nil)
	require.NoError(t, err)
	_, err = r.SelectEmbeddingModel(context.Background())
	require.ErrorIs(t, err, ErrRoutingUnavailable)
}

func TestDecisionRingBounded(t *testing.T) {
	primary := &scriptedClient{name: "primary"}
	r, err := New(testRoutingConfig(), map[string]model.Client{"primary": primary}, nil, nil, nil)
	require.NoError(t, err)

	for i := 0; i < maxDecisions+50; i++ {
		_, _ = r.SelectChatModel(context.Background(), TaskToolExecution)
	}
	require.Len(t, r.Decisions(), maxDecisions)
}

// captureClient records the last request and succeeds.
type captureClient struct {
	onComplete func(model.Request)
}

func (c *captureClient) Complete(_ context.Context, req model.Request) (model.Response, error) {
	if c.onComplete != nil {
		c.onComplete(req)
	}
	return model.Response{Content: "ok"}, nil
}

func (c *captureClient) Ping(context.Context) error { return nil }
