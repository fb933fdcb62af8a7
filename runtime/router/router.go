// Package router selects chat and embedding models for tasks. Each task tag
// carries a profile with an ordered preference list of provider/model
// candidates; selection skips candidates whose cached health is down, then
// walks the global fallback chain. Completions retry across candidates on
// timeout or error, and every attempt is recorded as a routing decision.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wooster-ai/wooster/runtime/config"
	"github.com/wooster-ai/wooster/runtime/model"
	"github.com/wooster-ai/wooster/runtime/telemetry"
)

// ErrRoutingUnavailable reports that every candidate for a task, including
// the global fallback chain, is unhealthy or failed.
var ErrRoutingUnavailable = errors.New("routing unavailable: no healthy model candidate")

// TaskTag classifies the work a model call performs. The set is closed;
// unknown tags select the TaskToolExecution profile.
type TaskTag string

// The closed set of task tags.
const (
	TaskToolExecution        TaskTag = "TOOL_EXECUTION"
	TaskComplexReasoning     TaskTag = "COMPLEX_REASONING"
	TaskCodeAssistance       TaskTag = "CODE_ASSISTANCE"
	TaskCreativeWriting      TaskTag = "CREATIVE_WRITING"
	TaskBackgroundTask       TaskTag = "BACKGROUND_TASK"
	TaskRAGProcessing        TaskTag = "RAG_PROCESSING"
	TaskRouterClassification TaskTag = "ROUTER_CLASSIFICATION"
)

type (
	// Candidate is a provider/model pair parsed from a "provider/model"
	// identifier.
	Candidate struct {
		// Provider names a registered client.
		Provider string
		// Model is the provider-specific model identifier. Empty uses the
		// provider default.
		Model string
	}

	// Profile is the resolved per-task selection profile.
	Profile struct {
		// Preferred is the ordered candidate list.
		Preferred []Candidate
		// Temperature overrides the request temperature when set.
		Temperature float64
		// MaxTokens overrides the request token cap when set.
		MaxTokens int
		// Timeout bounds each attempt. Zero disables the per-attempt bound.
		Timeout time.Duration
		// Criteria records the optimization criteria (speed, quality,
		// accuracy, cost, creativity) for diagnostics.
		Criteria string
	}

	// Selection is the outcome of choosing a chat model for a task.
	Selection struct {
		// Client is the provider client to call.
		Client model.Client
		// Candidate identifies the chosen provider/model.
		Candidate Candidate
		// Profile is the profile that drove the selection.
		Profile Profile
	}

	// Decision is one routing decision record kept for diagnostics.
	Decision struct {
		// Timestamp is when the decision was made.
		Timestamp time.Time
		// TaskTag is the requested task classification.
		TaskTag TaskTag
		// Provider and Model identify the selected candidate.
		Provider string
		Model    string
		// Reasoning is a short human-readable selection explanation.
		Reasoning string
		// FallbacksTried lists candidates skipped or failed before this one.
		FallbacksTried []string
		// Latency is the attempt duration for completion decisions; zero for
		// pure selections.
		Latency time.Duration
	}

	// Stats aggregates routing counters.
	Stats struct {
		// Selections counts successful selections per task tag.
		Selections map[TaskTag]int64
		// Fallbacks counts selections that skipped at least one candidate.
		Fallbacks int64
		// Failures counts ErrRoutingUnavailable outcomes.
		Failures int64
	}

	// Router implements task-profile-based model selection with health checks
	// and cascading fallback.
	Router struct {
		clients     map[string]model.Client
		embedder    model.Embedder
		profiles    map[TaskTag]Profile
		fallback    []Candidate
		maxAttempts int
		health      *healthMonitor
		logger      telemetry.Logger
		metrics     telemetry.Metrics

		mu        sync.Mutex
		decisions []Decision
		stats     Stats
	}
)

// maxDecisions bounds the in-memory decision ring.
const maxDecisions = 256

// New builds a router from the routing configuration and the registered
// provider clients. embedder may be nil when no embedding provider is
// configured; SelectEmbeddingModel then fails.
func New(cfg config.Routing, clients map[string]model.Client, embedder model.Embedder, logger telemetry.Logger, metrics telemetry.Metrics) (*Router, error) {
	if len(clients) == 0 {
		return nil, errors.New("router: at least one provider client is required")
	}
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	profiles := make(map[TaskTag]Profile, len(cfg.Profiles))
	for tag, p := range cfg.Profiles {
		profiles[TaskTag(tag)] = Profile{
			Preferred:   parseCandidates(p.Preferred),
			Temperature: p.Temperature,
			MaxTokens:   p.MaxTokens,
			Timeout:     p.Timeout,
			Criteria:    p.Criteria,
		}
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	r := &Router{
		clients:     clients,
		embedder:    embedder,
		profiles:    profiles,
		fallback:    parseCandidates(cfg.FallbackChain),
		maxAttempts: maxAttempts,
		health:      newHealthMonitor(clients, cfg.HealthCheckInterval, cfg.MissThreshold, logger),
		logger:      logger,
		metrics:     metrics,
	}
	r.stats.Selections = make(map[TaskTag]int64)
	return r, nil
}

// Start launches the background health prober.
func (r *Router) Start(ctx context.Context) {
	r.health.start(ctx)
}

// Stop terminates the health prober.
func (r *Router) Stop() {
	r.health.stop()
}

// SelectChatModel returns the first healthy candidate for the task tag's
// profile, falling back to the global chain. Unknown tags use the
// TaskToolExecution profile.
func (r *Router) SelectChatModel(ctx context.Context, tag TaskTag) (Selection, error) {
	profile := r.profileFor(tag)
	var skipped []string
	for _, cand := range append(append([]Candidate{}, profile.Preferred...), r.fallback...) {
		client, ok := r.clients[cand.Provider]
		if !ok {
			skipped = append(skipped, cand.String()+" (unregistered)")
			continue
		}
		if !r.health.usable(cand.Provider) {
			skipped = append(skipped, cand.String()+" (down)")
			continue
		}
		reasoning := "first healthy preferred candidate"
		if len(skipped) > 0 {
			reasoning = fmt.Sprintf("fallback after skipping %d candidate(s)", len(skipped))
		}
		r.record(Decision{
			Timestamp:      time.Now(),
			TaskTag:        tag,
			Provider:       cand.Provider,
			Model:          cand.Model,
			Reasoning:      reasoning,
			FallbacksTried: skipped,
		}, len(skipped) > 0, false)
		return Selection{Client: client, Candidate: cand, Profile: profile}, nil
	}
	r.record(Decision{Timestamp: time.Now(), TaskTag: tag, Reasoning: "all candidates unhealthy", FallbacksTried: skipped}, false, true)
	return Selection{}, fmt.Errorf("%w (task %s)", ErrRoutingUnavailable, tag)
}

// SelectEmbeddingModel returns the configured embedder.
func (r *Router) SelectEmbeddingModel(context.Context) (model.Embedder, error) {
	if r.embedder == nil {
		return nil, fmt.Errorf("%w (no embedding provider configured)", ErrRoutingUnavailable)
	}
	return r.embedder, nil
}

// Complete runs a completion for the task, retrying with the next candidate
// on per-attempt timeout or request error, up to the configured attempt cap.
// The profile's temperature, token cap and model identifier are applied to
// the request when the request leaves them unset.
func (r *Router) Complete(ctx context.Context, tag TaskTag, req model.Request) (model.Response, error) {
	profile := r.profileFor(tag)
	candidates := append(append([]Candidate{}, profile.Preferred...), r.fallback...)
	var tried []string
	attempts := 0
	for _, cand := range candidates {
		if attempts >= r.maxAttempts {
			break
		}
		client, ok := r.clients[cand.Provider]
		if !ok {
			tried = append(tried, cand.String()+" (unregistered)")
			continue
		}
		if !r.health.usable(cand.Provider) {
			tried = append(tried, cand.String()+" (down)")
			continue
		}
		attempts++
		attemptReq := req
		if attemptReq.Model == "" {
			attemptReq.Model = cand.Model
		}
		if attemptReq.Temperature == 0 {
			attemptReq.Temperature = profile.Temperature
		}
		if attemptReq.MaxTokens == 0 {
			attemptReq.MaxTokens = profile.MaxTokens
		}
		attemptCtx := ctx
		var cancel context.CancelFunc
		if profile.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, profile.Timeout)
		}
		start := time.Now()
		resp, err := client.Complete(attemptCtx, attemptReq)
		if cancel != nil {
			cancel()
		}
		latency := time.Since(start)
		r.record(Decision{
			Timestamp:      time.Now(),
			TaskTag:        tag,
			Provider:       cand.Provider,
			Model:          attemptReq.Model,
			Reasoning:      attemptReason(err, attempts),
			FallbacksTried: append([]string{}, tried...),
			Latency:        latency,
		}, len(tried) > 0, err != nil)
		r.metrics.RecordTimer("router.complete", latency, "provider", cand.Provider, "task", string(tag))
		if err == nil {
			r.health.recordSuccess(cand.Provider)
			return resp, nil
		}
		// The parent context expiring is the caller's deadline, not a
		// provider fault: stop retrying.
		if ctx.Err() != nil {
			return model.Response{}, ctx.Err()
		}
		r.health.recordFailure(cand.Provider, err)
		r.logger.Warn(ctx, "completion attempt failed", "provider", cand.Provider, "model", attemptReq.Model, "err", err.Error())
		tried = append(tried, cand.String()+" (error)")
	}
	return model.Response{}, fmt.Errorf("%w (task %s, tried %s)", ErrRoutingUnavailable, tag, strings.Join(tried, ", "))
}

// HealthSnapshot returns the cached per-provider health status.
func (r *Router) HealthSnapshot() map[string]ProviderHealth {
	return r.health.snapshot()
}

// Stats returns a copy of the routing counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Stats{
		Selections: make(map[TaskTag]int64, len(r.stats.Selections)),
		Fallbacks:  r.stats.Fallbacks,
		Failures:   r.stats.Failures,
	}
	for tag, n := range r.stats.Selections {
		out.Selections[tag] = n
	}
	return out
}

// Decisions returns a copy of the recent routing decisions, newest last.
func (r *Router) Decisions() []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Decision, len(r.decisions))
	copy(out, r.decisions)
	return out
}

func (r *Router) profileFor(tag TaskTag) Profile {
	if p, ok := r.profiles[tag]; ok {
		return p
	}
	if p, ok := r.profiles[TaskToolExecution]; ok {
		return p
	}
	// No profiles configured at all: every registered provider is a
	// candidate in name order via the fallback chain.
	return Profile{}
}

func (r *Router) record(d Decision, fellBack, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
	if len(r.decisions) > maxDecisions {
		r.decisions = r.decisions[len(r.decisions)-maxDecisions:]
	}
	if failed {
		r.stats.Failures++
	} else {
		r.stats.Selections[d.TaskTag]++
	}
	if fellBack {
		r.stats.Fallbacks++
	}
	r.metrics.IncCounter("router.decisions", 1, "task", string(d.TaskTag), "provider", d.Provider)
}

// String renders the candidate as "provider/model".
func (c Candidate) String() string {
	if c.Model == "" {
		return c.Provider
	}
	return c.Provider + "/" + c.Model
}

func parseCandidates(ids []string) []Candidate {
	out := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		provider, modelID, _ := strings.Cut(id, "/")
		out = append(out, Candidate{Provider: provider, Model: modelID})
	}
	return out
}

func attemptReason(err error, attempt int) string {
	switch {
	case err == nil && attempt == 1:
		return "first healthy preferred candidate"
	case err == nil:
		return fmt.Sprintf("succeeded on attempt %d", attempt)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("attempt %d exceeded profile timeout", attempt)
	default:
		return fmt.Sprintf("attempt %d errored", attempt)
	}
}
