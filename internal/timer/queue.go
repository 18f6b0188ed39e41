// Package timer is the single-worker facility that fires scheduled step
// thunks at absolute instants.
package timer

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"
)

// Func is the work registered for an instant.
type Func func(ctx context.Context)

type entry struct {
	at    time.Time
	key   string
	fn    Func
	seq   uint64
	index int
}

type entries []*entry

func (h entries) Len() int { return len(h) }
func (h entries) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h entries) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entries) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entries) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue orders work by instant and runs it on one worker. Entries with the
// same instant fire in registration order.
type Queue struct {
	Now func() time.Time

	mu   sync.Mutex
	heap entries
	keys map[string]*entry
	seq  uint64
	wake chan struct{}

	work sync.Mutex
}

func New(now func() time.Time) *Queue {
	return &Queue{
		Now:  now,
		keys: map[string]*entry{},
		wake: make(chan struct{}, 1),
	}
}

func (q *Queue) now() time.Time {
	if q.Now == nil {
		return time.Now()
	}
	return q.Now()
}

// Schedule registers fn under key to fire at at. It reports false and keeps
// the existing entry when key is already pending.
func (q *Queue) Schedule(at time.Time, key string, fn Func) bool {
	q.mu.Lock()
	if q.keys == nil {
		q.keys = map[string]*entry{}
	}
	if _, ok := q.keys[key]; ok {
		q.mu.Unlock()
		return false
	}
	q.seq++
	e := &entry{at: at, key: key, fn: fn, seq: q.seq}
	heap.Push(&q.heap, e)
	q.keys[key] = e
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// RunDue fires every entry due at now, including entries registered by the
// work it runs, and returns how many fired.
func (q *Queue) RunDue(ctx context.Context, now time.Time) int {
	q.work.Lock()
	defer q.work.Unlock()
	n := 0
	for ctx.Err() == nil {
		e := q.popDue(now)
		if e == nil {
			break
		}
		e.fn(ctx)
		n++
	}
	return n
}

func (q *Queue) popDue(now time.Time) *entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 || q.heap[0].at.After(now) {
		return nil
	}
	e := heap.Pop(&q.heap).(*entry)
	delete(q.keys, e.key)
	return e
}

func (q *Queue) next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return time.Time{}, false
	}
	return q.heap[0].at, true
}

// Run fires entries as they come due until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	if q.wake == nil {
		q.wake = make(chan struct{}, 1)
	}
	for {
		q.RunDue(ctx, q.now())
		if err := ctx.Err(); err != nil {
			return err
		}

		if at, ok := q.next(); ok {
			t := time.NewTimer(at.Sub(q.now()))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-q.wake:
				t.Stop()
			case <-t.C:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Pending describes one registered entry.
type Pending struct {
	At  time.Time
	Key string
}

// Pending lists registered entries in firing order.
func (q *Queue) Pending() []Pending {
	q.mu.Lock()
	out := make([]Pending, 0, len(q.heap))
	for _, e := range q.heap {
		out = append(out, Pending{At: e.at, Key: e.key})
	}
	seqs := make(map[string]uint64, len(q.heap))
	for _, e := range q.heap {
		seqs[e.key] = e.seq
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return seqs[out[i].Key] < seqs[out[j].Key]
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

// Has reports whether key is pending.
func (q *Queue) Has(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.keys[key]
	return ok
}
