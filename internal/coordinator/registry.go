package coordinator

import (
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/gregwargamer/ffmppegui/pkg/ffmpegeasy/types"
)

// Transport is the send side of an agent's control connection. Send must not
// block on the network.
type Transport interface {
	Send(env types.Envelope) error
	Close(code int, reason string) error
}

type agentSession struct {
	info      types.AgentInfo
	transport Transport
}

// Registry tracks connected agents in registration order. Like JobStore it
// relies on the Service lock.
type Registry struct {
	agents map[types.AgentID]*agentSession
	order  []types.AgentID
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		agents: make(map[types.AgentID]*agentSession),
		now:    now,
	}
}

// Register adds an agent, or refreshes an existing one on reconnect. An empty
// id gets a generated UUID. The active count of a known agent is left alone;
// the Service reconciles it with the agent's open leases.
func (r *Registry) Register(id types.AgentID, name string, concurrency int, encoders []string, t Transport) types.AgentID {
	if id == "" {
		id = types.AgentID(uuid.NewString())
	}
	if name == "" {
		short := string(id)
		if len(short) > 6 {
			short = short[:6]
		}
		name = "agent-" + short
	}
	if concurrency <= 0 {
		concurrency = max(1, runtime.NumCPU())
	}
	now := r.now()

	if existing, ok := r.agents[id]; ok {
		existing.info.Name = name
		existing.info.Concurrency = concurrency
		existing.info.Encoders = append([]string(nil), encoders...)
		existing.info.LastHeartbeat = now
		existing.info.ActiveJobs = min(existing.info.ActiveJobs, concurrency)
		existing.transport = t
		return id
	}

	r.agents[id] = &agentSession{
		info: types.AgentInfo{
			ID:            id,
			Name:          name,
			Concurrency:   concurrency,
			Encoders:      append([]string(nil), encoders...),
			LastHeartbeat: now,
			ConnectedAt:   now,
		},
		transport: t,
	}
	r.order = append(r.order, id)
	return id
}

// Heartbeat refreshes an agent's liveness. Unknown agents are ignored.
func (r *Registry) Heartbeat(id types.AgentID, stats *types.SystemStats) bool {
	a, ok := r.agents[id]
	if !ok {
		return false
	}
	a.info.LastHeartbeat = r.now()
	if stats != nil {
		a.info.Stats = stats
	}
	return true
}

// CapacityOf returns the free slots of an agent, 0 when unknown.
func (r *Registry) CapacityOf(id types.AgentID) int {
	a, ok := r.agents[id]
	if !ok {
		return 0
	}
	return a.info.FreeSlots()
}

// IncrementActive charges one slot. It refuses when the agent is unknown or full.
func (r *Registry) IncrementActive(id types.AgentID) bool {
	a, ok := r.agents[id]
	if !ok || a.info.ActiveJobs >= a.info.Concurrency {
		return false
	}
	a.info.ActiveJobs++
	return true
}

// DecrementActive releases one slot, clamped at zero.
func (r *Registry) DecrementActive(id types.AgentID) {
	if a, ok := r.agents[id]; ok && a.info.ActiveJobs > 0 {
		a.info.ActiveJobs--
	}
}

// ResetActive clears an agent's active count.
func (r *Registry) ResetActive(id types.AgentID) {
	if a, ok := r.agents[id]; ok {
		a.info.ActiveJobs = 0
	}
}

// Get returns a copy of the agent's info.
func (r *Registry) Get(id types.AgentID) (types.AgentInfo, bool) {
	a, ok := r.agents[id]
	if !ok {
		return types.AgentInfo{}, false
	}
	return a.info, true
}

func (r *Registry) transportOf(id types.AgentID) Transport {
	if a, ok := r.agents[id]; ok {
		return a.transport
	}
	return nil
}

// ListAll returns agent info in registration order.
func (r *Registry) ListAll() []types.AgentInfo {
	out := make([]types.AgentInfo, 0, len(r.order))
	for _, id := range r.order {
		info := r.agents[id].info
		info.Encoders = append([]string(nil), info.Encoders...)
		out = append(out, info)
	}
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	return len(r.order)
}

// MostFree returns the agent with the most free slots. Ties go to the
// earliest registered agent; no agent is returned when all are full.
func (r *Registry) MostFree() (*agentSession, bool) {
	return r.mostFreeExcept(nil)
}

func (r *Registry) mostFreeExcept(skip map[types.AgentID]bool) (*agentSession, bool) {
	var best *agentSession
	for _, id := range r.order {
		if skip[id] {
			continue
		}
		a := r.agents[id]
		free := a.info.FreeSlots()
		if free == 0 {
			continue
		}
		if best == nil || free > best.info.FreeSlots() {
			best = a
		}
	}
	return best, best != nil
}

// EvictStale removes agents whose last heartbeat is older than window and
// returns them.
func (r *Registry) EvictStale(now time.Time, window time.Duration) []*agentSession {
	var evicted []*agentSession
	kept := r.order[:0]
	for _, id := range r.order {
		a := r.agents[id]
		if now.Sub(a.info.LastHeartbeat) > window {
			evicted = append(evicted, a)
			delete(r.agents, id)
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	return evicted
}

// Remove drops an agent only if t is still its transport, so a stale
// connection closing after a reconnect does not remove the new session.
func (r *Registry) Remove(id types.AgentID, t Transport) bool {
	a, ok := r.agents[id]
	if !ok || a.transport != t {
		return false
	}
	delete(r.agents, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}
