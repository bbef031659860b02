package submission

import (
	"context"
	"sync"
	"time"

	"github.com/noah-isme/karierni-denik/internal/models"
)

type fakePersister struct {
	mu        sync.Mutex
	saves     []Update
	deletes   int
	saveErr   error
	deleteErr error
	stampedAt time.Time

	// When block is set every Save signals entered and waits for release.
	block   bool
	entered chan struct{}
	release chan struct{}
}

func newFakePersister() *fakePersister {
	return &fakePersister{
		stampedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		entered:   make(chan struct{}, 16),
		release:   make(chan struct{}, 16),
	}
}

func (f *fakePersister) Save(ctx context.Context, update Update) (Receipt, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()

	var cancelled error
	if block {
		f.entered <- struct{}{}
		select {
		case <-f.release:
		case <-ctx.Done():
			cancelled = ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, update)
	if cancelled != nil {
		return Receipt{}, cancelled
	}
	if f.saveErr != nil {
		return Receipt{}, f.saveErr
	}
	receipt := Receipt{Status: update.Status}
	if update.Status == models.SubmissionStatusSubmitted {
		stamped := f.stampedAt
		receipt.SubmittedAt = &stamped
	}
	return receipt, nil
}

func (f *fakePersister) Delete(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return f.deleteErr
}

func (f *fakePersister) Saves() []Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Update(nil), f.saves...)
}

func (f *fakePersister) SetSaveErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveErr = err
}

type manualTimer struct {
	clock   *manualClock
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

// manualClock hands out timers that only fire when the test says so.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
	delays []time.Duration
}

func (c *manualClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &manualTimer{clock: c, fn: fn}
	c.timers = append(c.timers, timer)
	c.delays = append(c.delays, d)
	return timer
}

// Fire runs every active timer and reports how many fired.
func (c *manualClock) Fire() int {
	c.mu.Lock()
	due := make([]*manualTimer, 0, len(c.timers))
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired {
			timer.fired = true
			due = append(due, timer)
		}
	}
	c.mu.Unlock()

	for _, timer := range due {
		timer.fn()
	}
	return len(due)
}

func (c *manualClock) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	active := 0
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired {
			active++
		}
	}
	return active
}

func testTask() models.Task {
	return models.Task{
		ID:   "task-1",
		Kind: models.TaskKindTest,
		Questions: []models.Question{
			{
				ID:     "q1",
				Points: 10,
				Options: []models.Option{
					{ID: "A1", Correct: true},
					{ID: "A2"},
				},
			},
			{
				ID:       "q2",
				Points:   10,
				Multiple: true,
				Options: []models.Option{
					{ID: "B1", Correct: true},
					{ID: "B2"},
				},
			},
		},
	}
}

func classicTask() models.Task {
	return models.Task{ID: "essay", Kind: models.TaskKindClassic}
}

func link(name string) models.Attachment {
	return models.Attachment{Name: name, URL: "https://example.com/" + name, Kind: models.AttachmentKindLink}
}
