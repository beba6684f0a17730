// Package predictor runs an object-detection model over single images on a
// background worker pool and delivers the detected (label, confidence) pairs
// through a per-call result channel.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"image"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrInvalidImage is returned when an image cannot be converted to the
	// model's input format. It is a caller-contract violation.
	ErrInvalidImage = errors.New("image cannot be converted to the model input format")
	// ErrInferenceFailed wraps any failure reported by the model itself.
	ErrInferenceFailed = errors.New("inference failed")
	// ErrPredictorClosed is delivered for calls made after Close.
	ErrPredictorClosed = errors.New("predictor is closed")
)

// Label is one classification candidate for a detected region.
type Label struct {
	Identifier string
	Confidence float64
}

// Observation is one detected object. Labels are ranked best first.
type Observation struct {
	Labels []Label
	Box    image.Rectangle
}

// Model is the inference framework the predictor delegates to. Implementations
// scale the image to their input size themselves (scale-fill, no letterbox).
type Model interface {
	Detect(ctx context.Context, img image.Image) ([]Observation, error)
	Close() error
}

// Item is a single detected object: its top label and confidence.
type Item struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Prediction is the ordered result of one inference call.
type Prediction struct {
	Items []Item `json:"items"`
}

// Result is the value delivered exactly once per Predict call. An empty
// Prediction with a nil Err means the model ran and found nothing.
type Result struct {
	Prediction Prediction
	Err        error
}

// Predictor owns a loaded model and the worker pool that runs it.
type Predictor struct {
	model Model
	pool  *WorkerPool
}

// New wraps a loaded model. A nil model is a programmer error and is rejected.
func New(model Model, workers int) (*Predictor, error) {
	if model == nil {
		return nil, fmt.Errorf("predictor requires a loaded model")
	}
	return &Predictor{
		model: model,
		pool:  NewWorkerPool(model, workers),
	}, nil
}

// Predict runs the model over img in the background. The returned channel
// receives exactly one Result and is never closed without one.
func (p *Predictor) Predict(ctx context.Context, img image.Image) <-chan Result {
	out := make(chan Result, 1)

	if img == nil || img.Bounds().Empty() {
		out <- Result{Err: ErrInvalidImage}
		return out
	}

	go func() {
		out <- p.pool.Submit(ctx, img)
	}()
	return out
}

// PredictSync is Predict followed by a receive.
func (p *Predictor) PredictSync(ctx context.Context, img image.Image) (Prediction, error) {
	res := <-p.Predict(ctx, img)
	return res.Prediction, res.Err
}

// Stats reports worker pool usage.
func (p *Predictor) Stats() PoolStats {
	return p.pool.Stats()
}

// Close stops the worker pool, waits for running jobs and releases the model.
func (p *Predictor) Close() error {
	p.pool.Shutdown()
	if err := p.model.Close(); err != nil {
		return fmt.Errorf("failed to close model: %w", err)
	}
	log.Info("Predictor closed")
	return nil
}

// ItemsFromObservations takes the top-ranked label of every observation,
// preserving detection order. Observations without labels are skipped.
func ItemsFromObservations(observations []Observation) []Item {
	items := make([]Item, 0, len(observations))
	for _, obs := range observations {
		if len(obs.Labels) == 0 {
			continue
		}
		top := obs.Labels[0]
		items = append(items, Item{Name: top.Identifier, Confidence: top.Confidence})
	}
	return items
}
