package router

import (
	"context"
	"sync"
	"time"

	"github.com/wooster-ai/wooster/runtime/model"
	"github.com/wooster-ai/wooster/runtime/telemetry"
)

// Provider health states.
const (
	// HealthUnknown means the provider has not been probed yet.
	HealthUnknown = "unknown"
	// HealthUp means the most recent probe succeeded.
	HealthUp = "up"
	// HealthDown means the provider missed the configured number of
	// consecutive probes.
	HealthDown = "down"
)

// Default probe settings.
const (
	// DefaultProbeInterval is the default interval between health probes.
	DefaultProbeInterval = 30 * time.Second
	// DefaultMissThreshold is the default number of consecutive probe
	// failures before a provider transitions up -> down.
	DefaultMissThreshold = 1
)

type (
	// ProviderHealth is one provider's cached probe status.
	ProviderHealth struct {
		// State is one of HealthUnknown, HealthUp, HealthDown.
		State string
		// ConsecutiveMisses counts probe failures since the last success.
		ConsecutiveMisses int
		// LastSuccess is the time of the last successful probe.
		LastSuccess time.Time
		// LastFailure is the time of the last failed probe.
		LastFailure time.Time
		// LastError is the message of the last probe failure.
		LastError string
	}

	// healthMonitor probes every provider on a fixed interval and caches the
	// results. Selection consults the cache; it never probes inline. Success
	// transitions unknown|down -> up. Failure transitions up -> down only
	// after missThreshold consecutive misses.
	healthMonitor struct {
		clients       map[string]model.Client
		interval      time.Duration
		missThreshold int
		logger        telemetry.Logger

		mu     sync.RWMutex
		status map[string]*ProviderHealth

		stopOnce sync.Once
		stopCh   chan struct{}
		doneCh   chan struct{}
	}
)

func newHealthMonitor(clients map[string]model.Client, interval time.Duration, missThreshold int, logger telemetry.Logger) *healthMonitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if missThreshold <= 0 {
		missThreshold = DefaultMissThreshold
	}
	status := make(map[string]*ProviderHealth, len(clients))
	for name := range clients {
		status[name] = &ProviderHealth{State: HealthUnknown}
	}
	return &healthMonitor{
		clients:       clients,
		interval:      interval,
		missThreshold: missThreshold,
		logger:        logger,
		status:        status,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// start launches the probe loop. An initial probe pass runs immediately so
// selection has real data as soon as possible.
func (h *healthMonitor) start(ctx context.Context) {
	go func() {
		defer close(h.doneCh)
		h.probeAll(ctx)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case <-ticker.C:
				h.probeAll(ctx)
			}
		}
	}()
}

// stop terminates the probe loop and waits for it to exit.
func (h *healthMonitor) stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.doneCh
}

// usable reports whether the provider may serve requests. Unknown providers
// are usable so a cold start does not block selection before the first probe
// completes.
func (h *healthMonitor) usable(provider string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.status[provider]
	if !ok {
		return false
	}
	return st.State != HealthDown
}

// recordSuccess marks a provider healthy based on an out-of-band successful
// request, keeping the cache fresher than the probe interval alone.
func (h *healthMonitor) recordSuccess(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.status[provider]; ok {
		st.State = HealthUp
		st.ConsecutiveMisses = 0
		st.LastSuccess = time.Now()
	}
}

// recordFailure feeds a request failure into the miss counter.
func (h *healthMonitor) recordFailure(provider string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.status[provider]
	if !ok {
		return
	}
	st.ConsecutiveMisses++
	st.LastFailure = time.Now()
	if err != nil {
		st.LastError = err.Error()
	}
	if st.ConsecutiveMisses >= h.missThreshold {
		st.State = HealthDown
	}
}

// snapshot returns a copy of the cached per-provider status.
func (h *healthMonitor) snapshot() map[string]ProviderHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]ProviderHealth, len(h.status))
	for name, st := range h.status {
		out[name] = *st
	}
	return out
}

func (h *healthMonitor) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for name, client := range h.clients {
		wg.Add(1)
		go func(name string, client model.Client) {
			defer wg.Done()
			err := client.Ping(ctx)
			if err == nil {
				h.recordSuccess(name)
				return
			}
			h.recordFailure(name, err)
			h.logger.Debug(ctx, "provider probe failed", "provider", name, "err", err.Error())
		}(name, client)
	}
	wg.Wait()
}
