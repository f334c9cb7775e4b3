package session

import (
	"context"
	"sync"
)

// playItem is one entry of the playback queue: a resampled audio chunk or,
// when turnEnd is set, the marker for the end of a reply turn.
type playItem struct {
	gen     uint64
	pcm     []byte
	turnEnd bool
}

// playQueue is the unbounded FIFO between the receive loop and the playback
// loop. The receive loop must never wait on playback, otherwise it could not
// act on an interruption while a chunk is being written.
type playQueue struct {
	mu     sync.Mutex
	items  []playItem
	notify chan struct{}
}

func newPlayQueue() *playQueue {
	return &playQueue{notify: make(chan struct{}, 1)}
}

func (q *playQueue) push(it playItem) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop waits for the next item or for ctx to end.
func (q *playQueue) pop(ctx context.Context) (playItem, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items[0] = playItem{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return playItem{}, ctx.Err()
		}
	}
}

// clear drops every queued audio chunk and returns how many were dropped.
// Turn-end markers are dropped too.
func (q *playQueue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if !it.turnEnd {
			n++
		}
	}
	q.items = nil
	return n
}

func (q *playQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// hasAudio reports whether an audio chunk is queued.
func (q *playQueue) hasAudio() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if !it.turnEnd {
			return true
		}
	}
	return false
}
