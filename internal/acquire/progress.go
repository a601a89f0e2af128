package acquire

import (
	"sync"

	"chatd/pkg/types"
)

// Sink receives progress events in order. It runs on a delivery goroutine
// of its own, so a slow sink delays later events but never the transfers.
// Every event has been delivered by the time Acquire returns.
type Sink func(types.ProgressEvent)

// Fraction of an artifact's share reached when its download completes;
// validation covers the rest.
const downloadShare = 0.9

// tracker folds per-artifact progress into one monotonic percentage and
// queues the resulting events for ordered delivery to the sink. The lock
// guards state and the queue only; the sink is called without it.
type tracker struct {
	mu      sync.Mutex
	id      string
	model   string
	sink    Sink
	weights map[string]float64
	frac    map[string]float64
	last    int
	status  map[string]string

	queue    []types.ProgressEvent
	wake     chan struct{}
	done     chan struct{}
	finished bool
}

func newTracker(id, model string, sink Sink, weights map[string]float64) *tracker {
	if sink == nil {
		sink = func(types.ProgressEvent) {}
	}
	t := &tracker{
		id:      id,
		model:   model,
		sink:    sink,
		weights: weights,
		frac:    make(map[string]float64, len(weights)),
		status:  make(map[string]string, len(weights)),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go t.deliver()
	return t
}

// deliver hands queued events to the sink until finish is called.
func (t *tracker) deliver() {
	defer close(t.done)
	for range t.wake {
		t.drain()
	}
	t.drain()
}

func (t *tracker) drain() {
	for {
		t.mu.Lock()
		batch := t.queue
		t.queue = nil
		t.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			t.sink(ev)
		}
	}
}

// finish stops accepting events and waits until every queued event has
// reached the sink.
func (t *tracker) finish() {
	t.mu.Lock()
	if !t.finished {
		t.finished = true
		close(t.wake)
	}
	t.mu.Unlock()
	<-t.done
}

// percent is the weighted sum capped at 99; only completion reports 100.
func (t *tracker) percent() int {
	var sum float64
	for k, w := range t.weights {
		sum += w * t.frac[k]
	}
	p := int(sum * 100)
	if p > 99 {
		p = 99
	}
	if p < t.last {
		p = t.last
	}
	return p
}

func (t *tracker) emit(ev types.ProgressEvent) {
	ev.ID = t.id
	ev.Model = t.model
	if ev.Progress < t.last {
		ev.Progress = t.last
	}
	t.last = ev.Progress
	if t.finished {
		return
	}
	t.queue = append(t.queue, ev)
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *tracker) queued() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emit(types.ProgressEvent{Status: types.StatusQueued})
}

// downloading records bytes for one artifact. Events are emitted only when
// the percentage moves or the artifact's status changes.
func (t *tracker) downloading(file string, done, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if total > 0 {
		f := float64(done) / float64(total)
		if f > 1 {
			f = 1
		}
		if f*downloadShare > t.frac[file] {
			t.frac[file] = f * downloadShare
		}
	}
	p := t.percent()
	if p == t.last && t.status[file] == types.StatusDownloading && done != total {
		return
	}
	t.status[file] = types.StatusDownloading
	t.emit(types.ProgressEvent{Status: types.StatusDownloading, FileType: file, Progress: p, Downloaded: done, Total: total})
}

func (t *tracker) validating(file string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status[file] = types.StatusValidating
	t.emit(types.ProgressEvent{Status: types.StatusValidating, FileType: file, Progress: t.percent()})
}

// validated marks one artifact as fully done.
func (t *tracker) validated(file string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frac[file] = 1
	t.status[file] = types.StatusCompleted
}

// reset drops an artifact's fraction after its existing copy failed
// validation. The reported percentage never goes back.
func (t *tracker) reset(file string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frac[file] = 0
}

func (t *tracker) completed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emit(types.ProgressEvent{Status: types.StatusCompleted, Progress: 100})
}

func (t *tracker) failed(file string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emit(types.ProgressEvent{Status: types.StatusFailed, FileType: file, Progress: t.last, Error: err.Error()})
}
