package proxy

import (
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/watchllm/gateway/internal/providers"
)

// flightCapacity bounds the in-memory coalescing map. When the map is full a
// new miss simply runs uncoalesced — shedding coalescing, never requests.
const flightCapacity = 10_000

// flightWait bounds how long a joiner waits for a leader before giving up
// and re-entering the normal miss path.
const flightWait = providers.StreamTotalTimeout + 2*time.Second

// flight is one in-progress upstream stream. The leader owns the completion
// channel; joiners never touch the leader once the flight is resolved.
type flight struct {
	done       chan struct{}
	completion *providers.ChatCompletion // nil when the leader failed
}

// flightMap tracks in-progress streaming upstream calls per
// (projectID, fingerprint) so concurrent misses share one provider call.
type flightMap struct {
	mu      sync.Mutex
	flights map[string]*flight
}

func newFlightMap() *flightMap {
	return &flightMap{flights: make(map[string]*flight)}
}

func flightKey(projectID, fingerprint string) string {
	return projectID + ":" + fingerprint
}

// begin returns (flight, true) when the caller is the leader for key.
// When another leader is already in flight it returns (theirs, false).
// A full map returns (nil, true): the caller leads uncoalesced.
func (m *flightMap) begin(key string) (*flight, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.flights[key]; ok {
		return f, false
	}
	if len(m.flights) >= flightCapacity {
		return nil, true
	}
	f := &flight{done: make(chan struct{})}
	m.flights[key] = f
	return f, true
}

// finish resolves the flight and removes it from the map. completion is nil
// when the upstream call failed — joiners then fall back to their own call.
func (m *flightMap) finish(key string, f *flight, completion *providers.ChatCompletion) {
	if f == nil {
		return
	}
	m.mu.Lock()
	delete(m.flights, key)
	m.mu.Unlock()

	f.completion = completion
	close(f.done)
}

// wait joins an existing flight for key, if any, and blocks until the leader
// resolves it. The second return is false when there was no flight to join or
// the wait timed out.
func (m *flightMap) wait(ctx *fasthttp.RequestCtx, key string) (*providers.ChatCompletion, bool) {
	m.mu.Lock()
	f, ok := m.flights[key]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}

	timer := time.NewTimer(flightWait)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.completion, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// waitResolved blocks on a flight the joiner already holds a pointer to.
func (f *flight) waitResolved() (*providers.ChatCompletion, bool) {
	timer := time.NewTimer(flightWait)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.completion, true
	case <-timer.C:
		return nil, false
	}
}
