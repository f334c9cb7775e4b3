package s2s

import (
	"encoding/json"
	"fmt"
	"sync"
)

// DefaultEventBuffer is the Events channel depth used by the built-in
// providers.
const DefaultEventBuffer = 64

// EventStream is the inbound half of a session, shared by provider
// implementations. A single receive goroutine calls Emit and finally Finish;
// any goroutine may call Stop.
//
// The Events channel is only ever closed by Finish, so Emit never races a
// close.
type EventStream struct {
	ch   chan Event
	done chan struct{}
	stop sync.Once
	fin  sync.Once

	mu  sync.Mutex
	err error
}

// NewEventStream returns a stream with the given channel buffer.
func NewEventStream(buffer int) *EventStream {
	return &EventStream{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Events returns the channel consumers read from.
func (s *EventStream) Events() <-chan Event { return s.ch }

// Done is closed by Stop.
func (s *EventStream) Done() <-chan struct{} { return s.done }

// Emit delivers ev, waiting for buffer space. It returns false without
// delivering once Stop has been called.
func (s *EventStream) Emit(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Stop makes pending and future Emit calls return false. It does not close
// the Events channel; the receive goroutine does that through Finish.
func (s *EventStream) Stop() {
	s.stop.Do(func() { close(s.done) })
}

// Stopped reports whether Stop has been called.
func (s *EventStream) Stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Finish ends the stream. A non-nil err on a stream that was not stopped is
// recorded for Err and delivered as a final EventLinkError. Only the first
// call has any effect.
func (s *EventStream) Finish(err error) {
	s.fin.Do(func() {
		defer close(s.ch)
		if err == nil || s.Stopped() {
			return
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.Emit(Event{Kind: EventLinkError, Err: err})
	})
}

// Err returns the error passed to Finish, if any.
func (s *EventStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// TurnTracker derives EventTurnStarted for protocols that only mark the end
// of a turn. It is not safe for concurrent use; keep it on the receive
// goroutine.
type TurnTracker struct {
	inTurn bool
}

// Content records that reply content arrived and reports whether it opens a
// new turn.
func (t *TurnTracker) Content() (started bool) {
	if t.inTurn {
		return false
	}
	t.inTurn = true
	return true
}

// End records a turn boundary (complete or interrupted).
func (t *TurnTracker) End() { t.inTurn = false }

// InTurn reports whether reply content has arrived since the last End.
func (t *TurnTracker) InTurn() bool { return t.inTurn }

// InvokeTool calls handler with args re-encoded as JSON and shapes the result
// as a response object. Results that are not JSON objects are wrapped under
// "output"; handler errors become {"error": msg}. A nil handler yields an
// error object.
func InvokeTool(handler ToolCallHandler, name string, args map[string]any) map[string]any {
	if handler == nil {
		return map[string]any{"error": "no tool handler registered"}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	result, callErr := handler(name, string(argsJSON))
	if callErr != nil {
		return map[string]any{"error": callErr.Error()}
	}
	var respObj map[string]any
	if jsonErr := json.Unmarshal([]byte(result), &respObj); jsonErr != nil || respObj == nil {
		respObj = map[string]any{"output": result}
	}
	return respObj
}

// RateFromMIME extracts the rate parameter of an "audio/pcm;rate=N" MIME
// type, returning fallback when it is absent or malformed.
func RateFromMIME(mime string, fallback int) int {
	var rate int
	if _, err := fmt.Sscanf(mime, "audio/pcm;rate=%d", &rate); err == nil && rate > 0 {
		return rate
	}
	return fallback
}
