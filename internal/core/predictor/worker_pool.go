package predictor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// WorkerPool runs inference jobs on a fixed number of goroutines.
type WorkerPool struct {
	model           Model
	jobs            chan *inferenceJob
	workerCount     int
	activeJobs      int
	activeJobsMutex sync.Mutex
	shutdown        chan struct{}
	shutdownOnce    sync.Once
	wg              sync.WaitGroup
}

// inferenceJob is one image waiting for the model. resultCh is buffered so a
// worker never blocks on a caller that stopped listening.
type inferenceJob struct {
	ctx      context.Context
	img      image.Image
	resultCh chan Result
}

// PoolStats describes the pool for the status endpoint.
type PoolStats struct {
	WorkerCount int `json:"worker_count"`
	ActiveJobs  int `json:"active_jobs"`
}

// NewWorkerPool starts workerCount workers (at least one) for model.
func NewWorkerPool(model Model, workerCount int) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}

	log.Infof("Initializing inference worker pool with %d workers", workerCount)

	pool := &WorkerPool{
		model:       model,
		jobs:        make(chan *inferenceJob),
		workerCount: workerCount,
		shutdown:    make(chan struct{}),
	}
	pool.startWorkers()
	return pool
}

func (p *WorkerPool) startWorkers() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			log.Debugf("Inference worker %d started", workerID)

			for {
				select {
				case job := <-p.jobs:
					p.run(workerID, job)
				case <-p.shutdown:
					log.Debugf("Inference worker %d received shutdown signal", workerID)
					return
				}
			}
		}(i)
	}
}

func (p *WorkerPool) run(workerID int, job *inferenceJob) {
	p.activeJobsMutex.Lock()
	p.activeJobs++
	jobCount := p.activeJobs
	p.activeJobsMutex.Unlock()

	defer func() {
		p.activeJobsMutex.Lock()
		p.activeJobs--
		p.activeJobsMutex.Unlock()
	}()

	log.Debugf("Worker %d running inference (active jobs: %d)", workerID, jobCount)
	startTime := time.Now()

	job.resultCh <- p.detect(job.ctx, job.img)

	log.Debugf("Worker %d completed inference in %v", workerID, time.Since(startTime))
}

func (p *WorkerPool) detect(ctx context.Context, img image.Image) (res Result) {
	if err := ctx.Err(); err != nil {
		return Result{Err: err}
	}

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Panic during inference: %v", r)
			res = Result{Err: fmt.Errorf("%w: panic: %v", ErrInferenceFailed, r)}
		}
	}()

	observations, err := p.model.Detect(ctx, img)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidImage):
			return Result{Err: err}
		case ctx.Err() != nil:
			return Result{Err: ctx.Err()}
		}
		log.WithError(err).Warn("Model was unable to make a prediction")
		return Result{Err: fmt.Errorf("%w: %v", ErrInferenceFailed, err)}
	}

	items := ItemsFromObservations(observations)
	log.Debugf("Model returned %d observations, %d labelled items", len(observations), len(items))
	return Result{Prediction: Prediction{Items: items}}
}

// Submit hands img to a worker and waits for the result. It always returns a
// Result: the model's, the context error, or ErrPredictorClosed.
func (p *WorkerPool) Submit(ctx context.Context, img image.Image) Result {
	job := &inferenceJob{
		ctx:      ctx,
		img:      img,
		resultCh: make(chan Result, 1),
	}

	select {
	case <-p.shutdown:
		return Result{Err: ErrPredictorClosed}
	default:
	}

	select {
	case p.jobs <- job:
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	case <-p.shutdown:
		return Result{Err: ErrPredictorClosed}
	}

	// a worker owns the job now and always answers
	select {
	case result := <-job.resultCh:
		return result
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

// Stats returns the current worker and job counts.
func (p *WorkerPool) Stats() PoolStats {
	p.activeJobsMutex.Lock()
	defer p.activeJobsMutex.Unlock()
	return PoolStats{WorkerCount: p.workerCount, ActiveJobs: p.activeJobs}
}

// Shutdown stops accepting jobs and waits for running ones to finish.
func (p *WorkerPool) Shutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
	p.wg.Wait()
}
