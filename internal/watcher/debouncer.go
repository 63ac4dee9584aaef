package watcher

import (
	"sync"
	"time"
)

// debouncer coalesces rapid events for the same path so a file is
// processed once after writes settle. Sequences for one path merge as:
//
//	create + modify = create
//	create + delete = nothing
//	modify + delete = delete
//	delete + create = modify (file replaced in place)
type debouncer struct {
	window time.Duration

	mu      sync.Mutex
	pending map[string]*trackedEvent
	timer   *time.Timer
	out     chan []FileEvent
	stopped bool
}

type trackedEvent struct {
	event   FileEvent
	firstOp Operation
}

func newDebouncer(window time.Duration) *debouncer {
	return &debouncer{
		window:  window,
		pending: make(map[string]*trackedEvent),
		out:     make(chan []FileEvent, 16),
	}
}

// add records an event and arms the flush timer.
func (d *debouncer) add(fe FileEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if tracked, ok := d.pending[fe.Path]; ok {
		merged, keep := merge(tracked.firstOp, fe)
		if !keep {
			delete(d.pending, fe.Path)
		} else {
			tracked.event = merged
		}
	} else {
		d.pending[fe.Path] = &trackedEvent{event: fe, firstOp: fe.Operation}
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

// merge applies the coalescing rules given the first operation seen for
// the path and the newly arrived event. keep=false means the events
// cancelled out.
func merge(first Operation, next FileEvent) (FileEvent, bool) {
	switch {
	case first == OpCreate && next.Operation == OpModify:
		next.Operation = OpCreate
		return next, true
	case first == OpCreate && next.Operation == OpDelete:
		return FileEvent{}, false
	case first == OpDelete && next.Operation == OpCreate:
		next.Operation = OpModify
		return next, true
	default:
		return next, true
	}
}

func (d *debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || len(d.pending) == 0 {
		return
	}

	batch := make([]FileEvent, 0, len(d.pending))
	for _, tracked := range d.pending {
		batch = append(batch, tracked.event)
	}
	d.pending = make(map[string]*trackedEvent)

	select {
	case d.out <- batch:
	default:
		// Consumer stalled; drop rather than block the event loop.
	}
}

func (d *debouncer) output() <-chan []FileEvent {
	return d.out
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.out)
}
