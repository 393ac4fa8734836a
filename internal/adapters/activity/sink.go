package activity

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/tradeswarm/pkg/logger"
)

// Entry is one agent activity record destined for the analytics store
type Entry struct {
	TimestampMS int64
	EventType   string
	Severity    string
	Status      string
	Agent       string
	Action      string
	Description string
	Metadata    map[string]any
}

// SearchableText flattens the entry into a single lowercased string for
// full-text style filtering on the analytics side
func (e *Entry) SearchableText() string {
	parts := []string{e.EventType, e.Severity, e.Status, e.Agent, e.Action, e.Description}
	return strings.ToLower(strings.Join(parts, " "))
}

// Sink receives activity entries
type Sink interface {
	Record(entry Entry)
	Close()
}

// NopSink discards entries; used when ClickHouse is disabled
type NopSink struct{}

// Record discards the entry
func (NopSink) Record(entry Entry) {}

// Close is a no-op
func (NopSink) Close() {}

// BufferedSink batches entries and flushes them through a writer.
// Losing activity rows on a crash is acceptable; slowing an agent is not.
type BufferedSink struct {
	writer   Writer
	buffer   []Entry
	bufferMu sync.Mutex
	maxBatch int
	ticker   *time.Ticker
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Writer persists a batch of entries
type Writer interface {
	WriteBatch(ctx context.Context, entries []Entry) error
}

// NewBufferedSink creates a batching sink
func NewBufferedSink(writer Writer, maxBatch int, maxWait time.Duration) *BufferedSink {
	ctx, cancel := context.WithCancel(context.Background())

	s := &BufferedSink{
		writer:   writer,
		buffer:   make([]Entry, 0, maxBatch),
		maxBatch: maxBatch,
		ticker:   time.NewTicker(maxWait),
		ctx:      ctx,
		cancel:   cancel,
	}

	s.wg.Add(1)
	go s.autoFlush()

	return s
}

// Record buffers an entry, flushing when the batch is full
func (s *BufferedSink) Record(entry Entry) {
	s.bufferMu.Lock()
	s.buffer = append(s.buffer, entry)
	shouldFlush := len(s.buffer) >= s.maxBatch
	s.bufferMu.Unlock()

	if shouldFlush {
		s.flush()
	}
}

// Close flushes remaining entries and stops the background flusher
func (s *BufferedSink) Close() {
	s.cancel()
	s.wg.Wait()
	s.ticker.Stop()
}

func (s *BufferedSink) autoFlush() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ticker.C:
			s.flush()
		case <-s.ctx.Done():
			s.flush()
			return
		}
	}
}

func (s *BufferedSink) flush() {
	s.bufferMu.Lock()
	if len(s.buffer) == 0 {
		s.bufferMu.Unlock()
		return
	}
	batch := s.buffer
	s.buffer = make([]Entry, 0, s.maxBatch)
	s.bufferMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.writer.WriteBatch(ctx, batch); err != nil {
		logger.Warn("activity batch write failed",
			zap.Int("entries", len(batch)),
			zap.Error(err),
		)
	}
}
