package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/tradeswarm/internal/adapters/redis"
	"github.com/selivandex/tradeswarm/pkg/clock"
	"github.com/selivandex/tradeswarm/pkg/ident"
	"github.com/selivandex/tradeswarm/pkg/logger"
	"github.com/selivandex/tradeswarm/pkg/models"
)

const (
	// staleHeartbeat is the age past which a target is considered away;
	// its messages stay queued without consuming attempts
	staleHeartbeat = 5 * time.Minute

	// retryBaseDelay and retryMaxDelay bound the redelivery backoff
	retryBaseDelay = time.Second
	retryMaxDelay  = 30 * time.Second

	// DefaultMaxAttempts applies when enqueue callers don't specify one
	DefaultMaxAttempts = 3

	// maxDispatchPerTick caps one dispatch pass
	maxDispatchPerTick = 200

	// maxPollLimit caps one poll drain
	maxPollLimit = 100
)

// Registry is the singleton coordination agent: directory, pub/sub,
// delayed queue, dispatcher, and dead letter set. It is the only writer of
// its state; all entry points serialize on the internal mutex.
type Registry struct {
	mu        sync.Mutex
	state     *registryState
	store     SnapshotStore
	transport Transport
	clk       clock.Clock
	lock      redis.DispatchLock
	id        models.AgentID
}

// NewRegistry creates the registry and loads its persisted state
func NewRegistry(ctx context.Context, store SnapshotStore, transport Transport, clk clock.Clock, lock redis.DispatchLock) (*Registry, error) {
	state, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load registry state: %w", err)
	}
	if lock == nil {
		lock = redis.NoopLock{}
	}

	r := &Registry{
		state:     state,
		store:     store,
		transport: transport,
		clk:       clk,
		lock:      lock,
		id:        models.NewAgentID(models.AgentRegistry),
	}

	logger.Info("swarm registry loaded",
		zap.Int("agents", len(state.Agents)),
		zap.Int("queued", len(state.Queue)),
		zap.Int("dead_lettered", len(state.DeadLetters)),
	)

	return r, nil
}

// ID returns the registry's own agent identity
func (r *Registry) ID() models.AgentID {
	return r.id
}

// save persists the current state; callers hold the mutex
func (r *Registry) save(ctx context.Context) error {
	return r.store.Save(ctx, r.state)
}

// Register upserts an agent record. An agent is discoverable only after
// its first Register call.
func (r *Registry) Register(status models.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if status.ID.IsZero() {
		return fmt.Errorf("agent id is required")
	}
	if status.Status == "" {
		status.Status = models.AgentActive
	}
	status.LastHeartbeatMS = r.clk.NowMS()
	r.state.Agents[status.ID.String()] = status

	if err := r.save(context.Background()); err != nil {
		return err
	}

	logger.Info("agent registered",
		zap.String("agent", status.ID.String()),
		zap.Strings("capabilities", status.Capabilities),
	)
	return nil
}

// Heartbeat touches an agent record
func (r *Registry) Heartbeat(id models.AgentID, status models.AgentState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.state.Agents[id.String()]
	if !ok {
		return fmt.Errorf("agent %s is not registered", id)
	}
	record.LastHeartbeatMS = r.clk.NowMS()
	if status != "" {
		record.Status = status
	}
	r.state.Agents[id.String()] = record

	return r.save(context.Background())
}

// Agents lists the directory
func (r *Registry) Agents() []models.AgentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.AgentStatus, 0, len(r.state.Agents))
	for _, status := range r.state.Agents {
		out = append(out, status)
	}
	return out
}

// Subscribe adds an agent to a topic; membership is idempotent and ordered
// by first insertion
func (r *Registry) Subscribe(id models.AgentID, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if topic == "" {
		return fmt.Errorf("topic is required")
	}

	subscribers := r.state.Subscriptions[topic]
	for _, existing := range subscribers {
		if existing == id.String() {
			return nil
		}
	}
	r.state.Subscriptions[topic] = append(subscribers, id.String())

	return r.save(context.Background())
}

// Unsubscribe removes an agent from a topic; removing the last subscriber
// deletes the topic key
func (r *Registry) Unsubscribe(id models.AgentID, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	subscribers := r.state.Subscriptions[topic]
	next := make([]string, 0, len(subscribers))
	for _, existing := range subscribers {
		if existing != id.String() {
			next = append(next, existing)
		}
	}
	if len(next) == 0 {
		delete(r.state.Subscriptions, topic)
	} else {
		r.state.Subscriptions[topic] = next
	}

	return r.save(context.Background())
}

// Subscriptions returns a copy of the topic table
func (r *Registry) Subscriptions() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string][]string, len(r.state.Subscriptions))
	for topic, subscribers := range r.state.Subscriptions {
		copied := make([]string, len(subscribers))
		copy(copied, subscribers)
		out[topic] = copied
	}
	return out
}

// Enqueue appends a message to the delayed queue. The state is persisted
// before the queue id is returned, so an acknowledged enqueue survives.
func (r *Registry) Enqueue(msg *models.Message, delay time.Duration, maxAttempts int) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	nowMS := r.clk.NowMS()
	entry := models.QueuedMessage{
		QueueID:       ident.MessageID("queue"),
		Message:       *msg,
		EnqueuedAtMS:  nowMS,
		AvailableAtMS: nowMS + delay.Milliseconds(),
		Attempts:      0,
		MaxAttempts:   maxAttempts,
		Status:        models.QueuedPending,
	}
	r.state.Queue = append(r.state.Queue, entry)
	r.state.Metrics.Enqueued++

	if err := r.save(context.Background()); err != nil {
		// Roll the append back; an unpersisted accept would be a lie
		r.state.Queue = r.state.Queue[:len(r.state.Queue)-1]
		r.state.Metrics.Enqueued--
		return "", err
	}

	return entry.QueueID, nil
}

// Publish fans a payload out to every current subscriber of the topic
func (r *Registry) Publish(source models.AgentID, topic string, payload map[string]any) (int, error) {
	r.mu.Lock()
	subscribers := make([]string, len(r.state.Subscriptions[topic]))
	copy(subscribers, r.state.Subscriptions[topic])
	r.mu.Unlock()

	enqueued := 0
	for _, subscriber := range subscribers {
		target, err := models.ParseAgentID(subscriber)
		if err != nil {
			continue
		}
		msg := &models.Message{
			ID:          ident.MessageID("event"),
			Source:      source,
			Target:      target,
			Topic:       topic,
			Type:        models.MessageEvent,
			Payload:     payload,
			TimestampMS: r.clk.NowMS(),
			Priority:    models.PriorityNormal,
		}
		if _, err := r.Enqueue(msg, 0, DefaultMaxAttempts); err != nil {
			logger.Warn("publish enqueue failed",
				zap.String("topic", topic),
				zap.String("subscriber", subscriber),
				zap.Error(err),
			)
			continue
		}
		enqueued++
	}

	return enqueued, nil
}

// Poll drains up to limit ready messages addressed to the agent. Returned
// messages are removed from the queue and counted as delivered.
func (r *Registry) Poll(id models.AgentID, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > maxPollLimit {
		limit = maxPollLimit
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	nowMS := r.clk.NowMS()
	out := make([]models.Message, 0, limit)
	remaining := make([]models.QueuedMessage, 0, len(r.state.Queue))

	for _, entry := range r.state.Queue {
		if len(out) >= limit || entry.Message.Target != id || entry.AvailableAtMS > nowMS {
			remaining = append(remaining, entry)
			continue
		}
		if entry.Message.Expired(nowMS) {
			r.deadLetterLocked(entry, "Message expired", nowMS)
			r.state.Metrics.Expired++
			continue
		}
		out = append(out, entry.Message)
		r.state.Metrics.Delivered++
	}
	changed := len(remaining) != len(r.state.Queue)
	r.state.Queue = remaining

	if changed {
		if err := r.save(context.Background()); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// deadLetterLocked parks an entry; callers hold the mutex
func (r *Registry) deadLetterLocked(entry models.QueuedMessage, reason string, nowMS int64) {
	entry.Status = models.QueuedFailed
	entry.LastError = reason
	r.state.DeadLetters = append(r.state.DeadLetters, models.DeadLetter{
		QueuedMessage: entry,
		Reason:        reason,
		DeadAtMS:      nowMS,
	})
	r.state.Metrics.DeadLettered++
}

// retryBackoff computes the redelivery delay after the given attempt count
func retryBackoff(attempts int) time.Duration {
	delay := retryBaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return delay
}

// DispatchResult summarizes one dispatch pass
type DispatchResult struct {
	Processed    int `json:"processed"`
	Delivered    int `json:"delivered"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"dead_lettered"`
	Expired      int `json:"expired"`
	Skipped      int `json:"skipped"`
}

// Dispatch pushes ready messages to their targets, FIFO, up to limit. The
// dispatch lock keeps concurrent processes from double-delivering; when
// another process holds it this pass is a silent no-op.
func (r *Registry) Dispatch(ctx context.Context, limit int) (DispatchResult, error) {
	if limit <= 0 || limit > maxDispatchPerTick {
		limit = maxDispatchPerTick
	}

	var result DispatchResult

	acquired, err := r.lock.TryAcquire(ctx)
	if err != nil {
		return result, err
	}
	if !acquired {
		return result, nil
	}
	defer func() {
		_ = r.lock.Release(ctx)
	}()

	// Snapshot candidate ids in FIFO order; entries may be polled away
	// while we deliver, so every step re-finds its entry under the lock.
	r.mu.Lock()
	candidates := make([]string, 0, len(r.state.Queue))
	for _, entry := range r.state.Queue {
		candidates = append(candidates, entry.QueueID)
	}
	r.mu.Unlock()

	for _, queueID := range candidates {
		if result.Processed >= limit {
			break
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		action, msg, target := r.evaluate(queueID)
		switch action {
		case actionGone, actionNotReady:
			continue
		case actionSkipStale:
			result.Skipped++
			continue
		case actionExpired:
			result.Processed++
			result.Expired++
			continue
		case actionRetried:
			result.Processed++
			result.Retried++
			continue
		case actionDeadLettered:
			result.Processed++
			result.DeadLettered++
			continue
		case actionDeliver:
		}

		result.Processed++
		err := r.transport.Deliver(ctx, target, msg)
		if r.settle(queueID, err) {
			result.Delivered++
		} else if err != nil {
			result.Retried++
		}
	}

	r.mu.Lock()
	saveErr := r.save(context.Background())
	r.mu.Unlock()
	if saveErr != nil {
		return result, saveErr
	}

	if result.Processed > 0 {
		logger.Debug("dispatch pass completed",
			zap.Int("processed", result.Processed),
			zap.Int("delivered", result.Delivered),
			zap.Int("retried", result.Retried),
			zap.Int("dead_lettered", result.DeadLettered),
		)
	}

	return result, nil
}

type dispatchAction int

const (
	actionGone dispatchAction = iota
	actionNotReady
	actionSkipStale
	actionExpired
	actionRetried
	actionDeadLettered
	actionDeliver
)

// evaluate applies the pre-delivery steps of the dispatch algorithm to one
// entry and returns what to do with it
func (r *Registry) evaluate(queueID string) (dispatchAction, *models.Message, models.AgentID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.findLocked(queueID)
	if idx < 0 {
		return actionGone, nil, models.AgentID{}
	}
	entry := &r.state.Queue[idx]
	nowMS := r.clk.NowMS()

	// 1. Not yet available
	if entry.AvailableAtMS > nowMS {
		return actionNotReady, nil, models.AgentID{}
	}

	// 2. Expired
	if entry.Message.Expired(nowMS) {
		removed := r.removeLocked(idx)
		r.deadLetterLocked(removed, "Message expired", nowMS)
		r.state.Metrics.Expired++
		return actionExpired, nil, models.AgentID{}
	}

	target := entry.Message.Target

	// 3. Target unregistered: consume an attempt
	status, registered := r.state.Agents[target.String()]
	if !registered {
		if r.bumpLocked(idx, fmt.Sprintf("target %s not registered", target), nowMS) {
			return actionDeadLettered, nil, models.AgentID{}
		}
		return actionRetried, nil, models.AgentID{}
	}

	// 4. Target away: transient, leave the entry untouched
	if nowMS-status.LastHeartbeatMS >= staleHeartbeat.Milliseconds() {
		return actionSkipStale, nil, models.AgentID{}
	}

	// 5. Deliverable
	msg := entry.Message
	return actionDeliver, &msg, target
}

// settle applies the delivery outcome; returns true when the entry was
// removed as delivered
func (r *Registry) settle(queueID string, deliverErr error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.findLocked(queueID)
	if idx < 0 {
		// Polled away mid-delivery; the poll already counted it
		return false
	}

	if deliverErr == nil {
		r.removeLocked(idx)
		r.state.Metrics.Delivered++
		return true
	}

	r.bumpLocked(idx, deliverErr.Error(), r.clk.NowMS())
	return false
}

// bumpLocked consumes one attempt; moves to DLQ on exhaustion. Returns true
// when the entry was dead lettered. Callers hold the mutex.
func (r *Registry) bumpLocked(idx int, reason string, nowMS int64) bool {
	entry := &r.state.Queue[idx]
	entry.Attempts++
	entry.Status = models.QueuedFailed
	entry.LastError = reason
	r.state.Metrics.Retried++

	if entry.Attempts >= entry.MaxAttempts {
		removed := r.removeLocked(idx)
		r.deadLetterLocked(removed, reason, nowMS)
		return true
	}

	entry.AvailableAtMS = nowMS + retryBackoff(entry.Attempts).Milliseconds()
	return false
}

// findLocked locates a queue entry by id; callers hold the mutex
func (r *Registry) findLocked(queueID string) int {
	for i := range r.state.Queue {
		if r.state.Queue[i].QueueID == queueID {
			return i
		}
	}
	return -1
}

// removeLocked deletes and returns the entry at idx preserving FIFO order;
// callers hold the mutex
func (r *Registry) removeLocked(idx int) models.QueuedMessage {
	entry := r.state.Queue[idx]
	r.state.Queue = append(r.state.Queue[:idx], r.state.Queue[idx+1:]...)
	return entry
}

// QueueState reports queue depths and metrics
func (r *Registry) QueueState() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	return map[string]any{
		"queued":        len(r.state.Queue),
		"dead_lettered": len(r.state.DeadLetters),
		"stats":         r.state.Metrics,
	}
}

// DeadLetterCount returns the DLQ depth
func (r *Registry) DeadLetterCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.state.DeadLetters)
}

// RequeueDeadLetters moves up to limit DLQ entries back to the head of the
// queue with a fresh attempt budget
func (r *Registry) RequeueDeadLetters(limit int) (int, error) {
	if limit <= 0 {
		limit = 10
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n := limit
	if n > len(r.state.DeadLetters) {
		n = len(r.state.DeadLetters)
	}
	if n == 0 {
		return 0, nil
	}

	nowMS := r.clk.NowMS()
	revived := make([]models.QueuedMessage, 0, n)
	for _, dead := range r.state.DeadLetters[:n] {
		entry := dead.QueuedMessage
		entry.Attempts = 0
		entry.Status = models.QueuedPending
		entry.AvailableAtMS = nowMS
		entry.LastError = ""
		revived = append(revived, entry)
	}
	r.state.DeadLetters = r.state.DeadLetters[n:]
	r.state.Queue = append(revived, r.state.Queue...)

	if err := r.save(context.Background()); err != nil {
		return 0, err
	}

	logger.Info("dead letters requeued", zap.Int("count", n))
	return n, nil
}

// HandleMessage lets the registry act as an addressable agent; heartbeat
// events route here when agents address the registry directly
func (r *Registry) HandleMessage(ctx context.Context, msg *models.Message) (any, error) {
	if msg.Topic == models.TopicHeartbeat {
		status := models.AgentState("")
		if raw, ok := msg.Payload["status"].(string); ok {
			status = models.AgentState(raw)
		}
		if err := r.Heartbeat(msg.Source, status); err != nil {
			return nil, err
		}
		return map[string]any{"ack": true}, nil
	}
	return map[string]any{"ack": true}, nil
}
