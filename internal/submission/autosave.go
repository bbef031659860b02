package submission

import (
	"context"
	"sync"
	"time"

	"github.com/noah-isme/karierni-denik/internal/models"
)

// DefaultAutosaveDelay is the debounce window between the last edit and the save.
const DefaultAutosaveDelay = 1500 * time.Millisecond

// SaveState is the observable state of the autosave scheduler.
type SaveState string

const (
	SaveStateIdle   SaveState = "idle"
	SaveStateSaving SaveState = "saving"
	SaveStateSaved  SaveState = "saved"
	SaveStateError  SaveState = "error"
)

// Timer is the cancellable handle returned by AfterFunc.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules fn after d.
type AfterFunc func(d time.Duration, fn func()) Timer

// SaveResult describes one finished autosave call.
type SaveResult struct {
	Snapshot Snapshot
	State    SaveState
	Err      error
	Duration time.Duration
}

// AutosaveOptions configures an Autosaver.
type AutosaveOptions struct {
	Delay     time.Duration
	Timeout   time.Duration
	AfterFunc AfterFunc
	// OnResult is called after every settled autosave call.
	OnResult func(SaveResult)
}

// Autosaver debounces store mutations into draft saves. At most one save is in
// flight; a window that elapses meanwhile parks its snapshot in a single pending
// slot that is sent once the in-flight save settles.
type Autosaver struct {
	store     *Store
	delay     time.Duration
	timeout   time.Duration
	afterFunc AfterFunc
	onResult  func(SaveResult)

	mu          sync.Mutex
	timer       Timer
	generation  uint64
	inFlight    bool
	pending     *Snapshot
	state       SaveState
	idle        *sync.Cond
	subscribers map[chan SaveState]struct{}
	stopped     bool
}

// NewAutosaver attaches an autosave scheduler to store.
func NewAutosaver(store *Store, opts AutosaveOptions) *Autosaver {
	if opts.Delay <= 0 {
		opts.Delay = DefaultAutosaveDelay
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, fn func()) Timer {
			return time.AfterFunc(d, fn)
		}
	}

	a := &Autosaver{
		store:       store,
		delay:       opts.Delay,
		timeout:     opts.Timeout,
		afterFunc:   opts.AfterFunc,
		onResult:    opts.OnResult,
		state:       SaveStateIdle,
		subscribers: make(map[chan SaveState]struct{}),
	}
	a.idle = sync.NewCond(&a.mu)

	store.OnChange(func(Snapshot) { a.Touch() })

	return a
}

// State returns the current save state.
func (a *Autosaver) State() SaveState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Pending reports whether a debounce window or a save is outstanding.
func (a *Autosaver) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timer != nil || a.inFlight || a.pending != nil
}

// Touch restarts the debounce window.
func (a *Autosaver) Touch() {
	if a.store.Status() == models.SubmissionStatusSubmitted {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.cancelTimerLocked()
	generation := a.generation
	a.timer = a.afterFunc(a.delay, func() { a.fire(generation) })
}

// fire runs when a debounce window elapses. A superseded window is ignored.
func (a *Autosaver) fire(generation uint64) {
	a.mu.Lock()
	if generation != a.generation || a.timer == nil {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.mu.Unlock()

	a.saveNow(context.Background())
}

func (a *Autosaver) cancelTimerLocked() bool {
	a.generation++
	if a.timer == nil {
		return false
	}
	a.timer.Stop()
	a.timer = nil
	return true
}

// Flush sends any outstanding debounced edit immediately and waits until no save is
// in flight. A save started by Flush is bound to ctx.
func (a *Autosaver) Flush(ctx context.Context) {
	a.mu.Lock()
	hadTimer := a.cancelTimerLocked()
	a.mu.Unlock()

	if hadTimer {
		a.saveNow(ctx)
	}

	done := make(chan struct{})
	go func() {
		a.mu.Lock()
		for a.inFlight {
			a.idle.Wait()
		}
		a.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Stop cancels the pending window and closes every subscription.
func (a *Autosaver) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	a.cancelTimerLocked()
	a.pending = nil
	for ch := range a.subscribers {
		delete(a.subscribers, ch)
		close(ch)
	}
}

// Subscribe streams save state changes. The returned function cancels the
// subscription.
func (a *Autosaver) Subscribe() (<-chan SaveState, func()) {
	ch := make(chan SaveState, 8)

	a.mu.Lock()
	if a.stopped {
		close(ch)
		a.mu.Unlock()
		return ch, func() {}
	}
	a.subscribers[ch] = struct{}{}
	ch <- a.state
	a.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if _, ok := a.subscribers[ch]; ok {
				delete(a.subscribers, ch)
				close(ch)
			}
		})
	}
}

func (a *Autosaver) saveNow(ctx context.Context) {
	snapshot, ok := a.store.draftSnapshot()
	if !ok {
		return
	}

	a.mu.Lock()
	if a.inFlight {
		a.pending = &snapshot
		a.mu.Unlock()
		return
	}
	a.inFlight = true
	a.mu.Unlock()

	a.run(ctx, snapshot)
}

// run sends snapshot and then drains the pending slot. The caller has marked the
// autosaver in flight.
func (a *Autosaver) run(parent context.Context, snapshot Snapshot) {
	for {
		previous := a.State()
		a.setState(SaveStateSaving)

		ctx := parent
		cancel := func() {}
		if a.timeout > 0 {
			ctx, cancel = context.WithTimeout(parent, a.timeout)
		}
		started := time.Now()
		sent, err := a.store.SaveDraft(ctx, snapshot)
		cancel()

		state := SaveStateSaved
		if err != nil {
			state = SaveStateError
		}
		if sent {
			a.setState(state)
			if a.onResult != nil {
				a.onResult(SaveResult{Snapshot: snapshot, State: state, Err: err, Duration: time.Since(started)})
			}
		} else {
			a.setState(previous)
		}

		a.mu.Lock()
		if a.pending == nil {
			a.inFlight = false
			a.idle.Broadcast()
			a.mu.Unlock()
			return
		}
		snapshot = *a.pending
		a.pending = nil
		a.mu.Unlock()
	}
}

func (a *Autosaver) setState(state SaveState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = state
	for ch := range a.subscribers {
		select {
		case ch <- state:
		default:
		}
	}
}
