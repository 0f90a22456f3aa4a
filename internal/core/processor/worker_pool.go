package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrPoolClosed wird zurückgegeben, wenn nach Shutdown noch Jobs eingereicht werden
var ErrPoolClosed = errors.New("worker pool is shut down")

// Job ist eine Einheit Hintergrundarbeit
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// WorkerPool führt Hintergrundjobs (Archiv, MQTT) auf einer festen Anzahl
// von Goroutinen aus
type WorkerPool struct {
	jobs            chan Job
	workerCount     int
	activeJobs      int
	activeJobsMutex sync.Mutex
	closeMutex      sync.RWMutex
	closed          bool
	wg              sync.WaitGroup
	ctx             context.Context
	cancel          context.CancelFunc
}

// NewWorkerPool startet workerCount Worker mit einer Queue für queueSize Jobs
func NewWorkerPool(workerCount, queueSize int) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 1
	}
	if queueSize <= 0 {
		queueSize = workerCount * 16
	}

	log.Infof("Initializing background worker pool with %d workers", workerCount)

	ctx, cancel := context.WithCancel(context.Background())
	pool := &WorkerPool{
		jobs:        make(chan Job, queueSize),
		workerCount: workerCount,
		ctx:         ctx,
		cancel:      cancel,
	}

	pool.startWorkers()
	return pool
}

func (p *WorkerPool) startWorkers() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			log.Debugf("Worker %d started", workerID)

			for job := range p.jobs {
				p.activeJobsMutex.Lock()
				p.activeJobs++
				p.activeJobsMutex.Unlock()

				start := time.Now()
				err := p.run(job)

				p.activeJobsMutex.Lock()
				p.activeJobs--
				p.activeJobsMutex.Unlock()

				if err != nil {
					log.Warnf("Worker %d: job %s failed: %v", workerID, job.Name, err)
				} else {
					log.Debugf("Worker %d completed job %s in %v", workerID, job.Name, time.Since(start))
				}
			}
			log.Debugf("Worker %d shutting down (job channel closed)", workerID)
		}(i)
	}
}

func (p *WorkerPool) run(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Job %s panicked: %v", job.Name, r)
			err = errors.New("job panicked")
		}
	}()
	return job.Run(p.ctx)
}

// Submit stellt einen Job ein, ohne zu blockieren. Bei voller Queue wird er verworfen.
func (p *WorkerPool) Submit(job Job) error {
	p.closeMutex.RLock()
	defer p.closeMutex.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		log.Warnf("Worker pool queue full, dropping job %s", job.Name)
		return errors.New("worker pool queue full")
	}
}

// ActiveJobCount liefert die Anzahl laufender Jobs
func (p *WorkerPool) ActiveJobCount() int {
	p.activeJobsMutex.Lock()
	defer p.activeJobsMutex.Unlock()
	return p.activeJobs
}

// QueueLength liefert die Anzahl wartender Jobs
func (p *WorkerPool) QueueLength() int {
	return len(p.jobs)
}

// GetQueueCapacity liefert die Größe der Queue
func (p *WorkerPool) GetQueueCapacity() int {
	return cap(p.jobs)
}

// GetWorkerCount liefert die Anzahl der Worker
func (p *WorkerPool) GetWorkerCount() int {
	return p.workerCount
}

// Shutdown nimmt keine Jobs mehr an und wartet auf die eingereihten, bis ctx
// abläuft. Danach werden noch laufende Jobs abgebrochen.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.closeMutex.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.closeMutex.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}
