package swarm

import (
	"context"
	"sync"
	"time"

	"github.com/selivandex/tradeswarm/pkg/faults"
	"github.com/selivandex/tradeswarm/pkg/models"
)

// Transport delivers a message to a target agent's /message endpoint.
// The local transport calls hosts in-process; a remote transport would POST.
type Transport interface {
	Deliver(ctx context.Context, target models.AgentID, msg *models.Message) error
}

// LocalTransport routes deliveries to in-process hosts
type LocalTransport struct {
	mu      sync.RWMutex
	hosts   map[string]*Host
	timeout time.Duration
}

// NewLocalTransport creates an empty local transport
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{
		hosts:   make(map[string]*Host),
		timeout: 10 * time.Second,
	}
}

// Attach makes a host reachable for dispatch
func (t *LocalTransport) Attach(host *Host) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hosts[host.agent.ID().String()] = host
}

// Detach removes a host from the routing table
func (t *LocalTransport) Detach(id models.AgentID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.hosts, id.String())
}

// Deliver hands the message to the target host with a per-delivery timeout
// so a slow agent cannot stall the dispatcher
func (t *LocalTransport) Deliver(ctx context.Context, target models.AgentID, msg *models.Message) error {
	t.mu.RLock()
	host, ok := t.hosts[target.String()]
	t.mu.RUnlock()

	if !ok {
		return faults.Newf(faults.KindNotFound, "no route to agent %s", target)
	}

	deliverCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	_, err := host.Deliver(deliverCtx, msg)
	return err
}
