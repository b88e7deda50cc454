package agentloop

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventKind identifies the type of loop event.
type EventKind string

const (
	EventSessionStart       EventKind = "session_start"
	EventSessionEnd         EventKind = "session_end"
	EventUserInput          EventKind = "user_input"
	EventAssistantTextStart EventKind = "assistant_text_start"
	EventAssistantTextDelta EventKind = "assistant_text_delta"
	EventAssistantTextEnd   EventKind = "assistant_text_end"
	EventToolCallStart      EventKind = "tool_call_start"
	EventToolCallEnd        EventKind = "tool_call_end"
	EventSteeringInjected   EventKind = "steering_injected"
	EventTurnLimit          EventKind = "turn_limit"
	EventLoopDetection      EventKind = "loop_detection"
	EventCompaction         EventKind = "compaction"
	EventFallback           EventKind = "fallback"
	EventCheckpoint         EventKind = "checkpoint"
	EventInputRequested     EventKind = "input_requested"
	EventWarning            EventKind = "warning"
	EventError              EventKind = "error"
)

// LoopEvent is one progress notification for an attached UI. Seq increases
// by one per emitted event, so a gap tells the reader events were dropped.
type LoopEvent struct {
	Kind   EventKind      `json:"kind"`
	Seq    uint64         `json:"seq"`
	Time   time.Time      `json:"time"`
	LoopID string         `json:"loop_id"`
	Data   map[string]any `json:"data,omitempty"`
}

// EventEmitter fans loop progress out to a single buffered channel. It never
// blocks the loop: a full buffer drops the event and counts it.
type EventEmitter struct {
	loopID  string
	ch      chan LoopEvent
	seq     atomic.Uint64
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// NewEventEmitter buffers up to size events; size <= 0 means 256.
func NewEventEmitter(loopID string, size int) *EventEmitter {
	if size <= 0 {
		size = 256
	}
	return &EventEmitter{loopID: loopID, ch: make(chan LoopEvent, size)}
}

// Emit queues an event. A nil or closed emitter ignores it.
func (e *EventEmitter) Emit(kind EventKind, data map[string]any) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	ev := LoopEvent{
		Kind:   kind,
		Seq:    e.seq.Add(1),
		Time:   time.Now(),
		LoopID: e.loopID,
		Data:   data,
	}
	select {
	case e.ch <- ev:
	default:
		e.dropped.Add(1)
	}
}

// Events is closed by Close.
func (e *EventEmitter) Events() <-chan LoopEvent { return e.ch }

// Dropped reports how many events did not fit in the buffer.
func (e *EventEmitter) Dropped() uint64 {
	if e == nil {
		return 0
	}
	return e.dropped.Load()
}

// Close is idempotent.
func (e *EventEmitter) Close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
