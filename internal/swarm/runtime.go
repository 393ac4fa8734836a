package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/tradeswarm/pkg/clock"
	"github.com/selivandex/tradeswarm/pkg/logger"
	"github.com/selivandex/tradeswarm/pkg/models"
)

// Agent is the behavior a durable actor plugs into the runtime
type Agent interface {
	// ID returns the agent's immutable identity
	ID() models.AgentID

	// HandleMessage processes one inbound message and returns a JSON-able
	// response ({"ack": true} when nil)
	HandleMessage(ctx context.Context, msg *models.Message) (any, error)
}

// Starter is implemented by agents that load state before serving requests
type Starter interface {
	OnStart(ctx context.Context) error
}

// Alarmed is implemented by agents with periodic maintenance work
type Alarmed interface {
	OnAlarm(ctx context.Context) error
}

// Snapshotter exposes an opaque state snapshot for the /state route
type Snapshotter interface {
	StateSnapshot() any
}

// Router handles agent-specific routes beyond the uniform surface
type Router interface {
	HandleRequest(ctx context.Context, path string, body []byte) (any, error)
}

// CapabilityLister advertises capabilities in the registry directory
type CapabilityLister interface {
	Capabilities() []string
}

// RegistryClient is the slice of the registry surface the runtime uses on
// behalf of its agent
type RegistryClient interface {
	Register(status models.AgentStatus) error
	Heartbeat(id models.AgentID, status models.AgentState) error
	Subscribe(id models.AgentID, topic string) error
	Unsubscribe(id models.AgentID, topic string) error
	Poll(id models.AgentID, limit int) ([]models.Message, error)
}

// hostRequest is one queued invocation for the agent's single writer loop
type hostRequest struct {
	path  string
	body  []byte
	msg   *models.Message
	reply chan hostReply
}

type hostReply struct {
	result any
	err    error
}

// HostOptions tune one runtime host
type HostOptions struct {
	AlarmInterval   time.Duration
	InboxDrainLimit int
}

// Host runs one agent as a single-writer actor: requests are processed
// strictly one at a time, in arrival order. Concurrency across hosts is
// unconstrained.
type Host struct {
	agent    Agent
	registry RegistryClient
	clk      clock.Clock
	opts     HostOptions

	requests chan hostRequest
	started  chan struct{} // closed once OnStart completes (init barrier)
	done     chan struct{}

	mu              sync.Mutex
	lastHeartbeatMS int64
	status          models.AgentState

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
}

// NewHost creates a runtime host for the agent
func NewHost(agent Agent, registry RegistryClient, clk clock.Clock, opts HostOptions) *Host {
	if opts.AlarmInterval <= 0 {
		opts.AlarmInterval = 60 * time.Second
	}
	if opts.InboxDrainLimit <= 0 {
		opts.InboxDrainLimit = 50
	}
	return &Host{
		agent:    agent,
		registry: registry,
		clk:      clk,
		opts:     opts,
		requests: make(chan hostRequest, 256),
		started:  make(chan struct{}),
		done:     make(chan struct{}),
		status:   models.AgentIdle,
	}
}

// Start initializes the agent under the init barrier and begins serving.
// Requests received before initialization completes queue in the inbox.
func (h *Host) Start(ctx context.Context) error {
	var startErr error

	h.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		h.cancel = cancel

		if starter, ok := h.agent.(Starter); ok {
			if err := starter.OnStart(runCtx); err != nil {
				startErr = fmt.Errorf("agent %s failed to start: %w", h.agent.ID(), err)
				cancel()
				return
			}
		}

		if err := h.register(); err != nil {
			logger.Warn("initial registration failed",
				zap.String("agent", h.agent.ID().String()),
				zap.Error(err),
			)
		}

		close(h.started)

		go h.loop(runCtx)

		logger.Info("agent host started",
			zap.String("agent", h.agent.ID().String()),
			zap.Duration("alarm_interval", h.opts.AlarmInterval),
		)
	})

	return startErr
}

// Stop terminates the host loop; in-flight outbound calls are dropped
func (h *Host) Stop() {
	h.stopOnce.Do(func() {
		if h.cancel != nil {
			h.cancel()
		}
		<-h.done
	})
}

func (h *Host) register() error {
	var caps []string
	if lister, ok := h.agent.(CapabilityLister); ok {
		caps = lister.Capabilities()
	}
	nowMS := h.clk.NowMS()
	h.mu.Lock()
	h.lastHeartbeatMS = nowMS
	h.status = models.AgentActive
	h.mu.Unlock()

	return h.registry.Register(models.AgentStatus{
		ID:              h.agent.ID(),
		Type:            h.agent.ID().Type,
		Status:          models.AgentActive,
		LastHeartbeatMS: nowMS,
		Capabilities:    caps,
	})
}

// loop is the single writer: every handler invocation for this agent runs here
func (h *Host) loop(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.opts.AlarmInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case req := <-h.requests:
			result, err := h.dispatch(ctx, req)
			req.reply <- hostReply{result: result, err: err}

		case <-ticker.C:
			h.alarm(ctx)
		}
	}
}

// Request invokes one route on the agent. Blocks until the single writer
// picks it up; the init barrier holds requests until OnStart completes.
func (h *Host) Request(ctx context.Context, path string, body []byte) (any, error) {
	select {
	case <-h.started:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	req := hostRequest{path: path, body: body, reply: make(chan hostReply, 1)}

	select {
	case h.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return nil, fmt.Errorf("agent %s is stopped", h.agent.ID())
	}

	select {
	case reply := <-req.reply:
		return reply.result, reply.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return nil, fmt.Errorf("agent %s is stopped", h.agent.ID())
	}
}

// Deliver hands one message to the agent, equivalent to POST /message
func (h *Host) Deliver(ctx context.Context, msg *models.Message) (any, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return h.Request(ctx, "/message", raw)
}

func (h *Host) dispatch(ctx context.Context, req hostRequest) (result any, err error) {
	// Handler panics are converted to errors; the message counts as
	// undelivered and the registry retries per its backoff policy.
	defer func() {
		if r := recover(); r != nil {
			logger.Error("agent handler panicked",
				zap.String("agent", h.agent.ID().String()),
				zap.String("path", req.path),
				zap.Any("panic", r),
			)
			result = nil
			err = fmt.Errorf("agent %s panicked handling %s", h.agent.ID(), req.path)
		}
	}()

	switch req.path {
	case "/health":
		h.mu.Lock()
		status, hbMS := h.status, h.lastHeartbeatMS
		h.mu.Unlock()
		return map[string]any{
			"status":            string(status),
			"type":              string(h.agent.ID().Type),
			"agent_id":          h.agent.ID().String(),
			"last_heartbeat_ms": hbMS,
		}, nil

	case "/message":
		var msg models.Message
		if err := json.Unmarshal(req.body, &msg); err != nil {
			return nil, fmt.Errorf("invalid message body: %w", err)
		}
		resp, err := h.agent.HandleMessage(ctx, &msg)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			resp = map[string]any{"ack": true}
		}
		return resp, nil

	case "/state":
		if snap, ok := h.agent.(Snapshotter); ok {
			return snap.StateSnapshot(), nil
		}
		return map[string]any{}, nil

	case "/swarm/poll":
		var params struct {
			Limit int `json:"limit"`
		}
		_ = json.Unmarshal(req.body, &params)
		if params.Limit <= 0 || params.Limit > 100 {
			params.Limit = 100
		}
		msgs, err := h.registry.Poll(h.agent.ID(), params.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"messages": msgs, "count": len(msgs)}, nil

	case "/swarm/subscribe", "/swarm/unsubscribe":
		var params struct {
			Topic string `json:"topic"`
		}
		if err := json.Unmarshal(req.body, &params); err != nil || params.Topic == "" {
			return nil, fmt.Errorf("topic is required")
		}
		if req.path == "/swarm/subscribe" {
			err = h.registry.Subscribe(h.agent.ID(), params.Topic)
		} else {
			err = h.registry.Unsubscribe(h.agent.ID(), params.Topic)
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"ack": true, "topic": params.Topic}, nil

	default:
		if router, ok := h.agent.(Router); ok {
			return router.HandleRequest(ctx, req.path, req.body)
		}
		return nil, fmt.Errorf("unknown route %s", req.path)
	}
}

// alarm runs the periodic maintenance turn inside the single writer loop
func (h *Host) alarm(ctx context.Context) {
	nowMS := h.clk.NowMS()

	h.mu.Lock()
	h.lastHeartbeatMS = nowMS
	status := h.status
	h.mu.Unlock()

	if err := h.registry.Heartbeat(h.agent.ID(), status); err != nil {
		logger.Warn("heartbeat failed",
			zap.String("agent", h.agent.ID().String()),
			zap.Error(err),
		)
	}

	// Drain the inbox before subclass maintenance so OnAlarm sees fresh state
	msgs, err := h.registry.Poll(h.agent.ID(), h.opts.InboxDrainLimit)
	if err != nil {
		logger.Warn("inbox drain failed",
			zap.String("agent", h.agent.ID().String()),
			zap.Error(err),
		)
	}
	for i := range msgs {
		if _, err := h.agent.HandleMessage(ctx, &msgs[i]); err != nil {
			logger.Warn("inbox message handling failed",
				zap.String("agent", h.agent.ID().String()),
				zap.String("message_id", msgs[i].ID),
				zap.Error(err),
			)
		}
	}

	if alarmed, ok := h.agent.(Alarmed); ok {
		if err := alarmed.OnAlarm(ctx); err != nil {
			logger.Warn("agent alarm failed",
				zap.String("agent", h.agent.ID().String()),
				zap.Error(err),
			)
		}
	}
}
