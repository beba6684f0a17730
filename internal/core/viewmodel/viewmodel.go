// Package viewmodel holds the single display state fed by image submissions.
package viewmodel

import (
	"context"
	"image"
	"sync"
	"time"

	"person-detect-go/internal/core/formatter"
	"person-detect-go/internal/core/predictor"

	log "github.com/sirupsen/logrus"
)

// Submitter starts a prediction and delivers exactly one result.
type Submitter interface {
	Predict(ctx context.Context, img image.Image) <-chan predictor.Result
}

// State is a snapshot of the display.
type State struct {
	Result      string            `json:"result"`
	PersonCount int               `json:"person_count"`
	Outcome     formatter.Outcome `json:"outcome,omitempty"`
	Pending     bool              `json:"pending"`
	Error       string            `json:"error,omitempty"`
	Submission  uint64            `json:"submission"`
	UpdatedAt   time.Time         `json:"updated_at"`
	// Superseded is set on the value handed back to a submission that was
	// replaced before it completed. Such values are never stored.
	Superseded bool `json:"superseded,omitempty"`
}

// ViewModel owns the display state. Each Picked call replaces the previous
// submission; only the latest one may write the result.
type ViewModel struct {
	predictor Submitter
	formatter *formatter.Formatter

	mu     sync.Mutex
	state  State
	seq    uint64
	cancel context.CancelFunc

	// notifyMu keeps listener calls in the order the state changed
	notifyMu  sync.Mutex
	listeners []func(State)
}

// New creates a ViewModel with an empty display.
func New(p Submitter, f *formatter.Formatter) *ViewModel {
	if f == nil {
		f = formatter.New(formatter.DefaultTargetLabel)
	}
	return &ViewModel{predictor: p, formatter: f}
}

// OnChange registers fn to be called after every state change. Listeners run
// synchronously and must not call Picked.
func (vm *ViewModel) OnChange(fn func(State)) {
	vm.notifyMu.Lock()
	defer vm.notifyMu.Unlock()
	vm.listeners = append(vm.listeners, fn)
}

// State returns the current display state.
func (vm *ViewModel) State() State {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.state
}

// Picked submits img. A nil image is ignored and yields a nil channel.
// Otherwise the display is reset, any in-flight submission is cancelled, and
// the returned channel receives the state this submission produced. ctx bounds
// the lifetime of the submission.
func (vm *ViewModel) Picked(ctx context.Context, img image.Image) <-chan State {
	if img == nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)

	vm.mu.Lock()
	if vm.cancel != nil {
		vm.cancel()
	}
	vm.seq++
	seq := vm.seq
	vm.cancel = cancel
	vm.state = State{Pending: true, Submission: seq, UpdatedAt: time.Now()}
	vm.publishLocked()

	log.Debugf("Display submission %d started", seq)

	results := vm.predictor.Predict(runCtx, img)
	done := make(chan State, 1)
	go func() {
		res := <-results
		done <- vm.complete(seq, res)
		cancel()
	}()
	return done
}

func (vm *ViewModel) complete(seq uint64, res predictor.Result) State {
	vm.mu.Lock()

	if seq != vm.seq {
		vm.mu.Unlock()
		log.Debugf("Display submission %d superseded, result discarded", seq)
		return State{Submission: seq, Superseded: true, UpdatedAt: time.Now()}
	}

	var next State
	if res.Err != nil {
		log.WithError(res.Err).Warnf("Display submission %d failed", seq)
		summary := vm.formatter.Failure()
		next = State{
			Result:  summary.Display,
			Outcome: summary.Outcome,
			Error:   res.Err.Error(),
		}
	} else {
		summary := vm.formatter.Summarize(res.Prediction)
		next = State{
			Result:      summary.Display,
			PersonCount: summary.PersonCount,
			Outcome:     summary.Outcome,
		}
	}
	next.Submission = seq
	next.UpdatedAt = time.Now()

	vm.state = next
	vm.cancel = nil
	vm.publishLocked()
	return next
}

// publishLocked must be called with vm.mu held and releases it.
func (vm *ViewModel) publishLocked() {
	snapshot := vm.state
	vm.notifyMu.Lock()
	vm.mu.Unlock()
	defer vm.notifyMu.Unlock()

	for _, fn := range vm.listeners {
		fn(snapshot)
	}
}
