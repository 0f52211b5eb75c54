package antivirus

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/digimosa/upload-sentinel/internal/models"
)

// ErrQueueClosed is returned for scans requested after Close
var ErrQueueClosed = errors.New("scan queue closed")

// Queue serializes scan requests through a single FIFO worker. External
// scanners shell out to subprocesses; running them unbounded risks
// exhausting the upload host, so at most one subprocess-based scan runs at
// a time across the whole process. Deliberate backpressure, traded for
// latency on a path that is already decoupled from the upload response.
type Queue struct {
	scanner *Scanner
	jobs    chan queuedScan
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type queuedScan struct {
	ctx    context.Context
	job    models.ScanJob
	result chan models.ScanResult
}

// NewQueue starts the draining worker. capacity bounds how many requests
// may wait; QueueScan blocks once it is full.
func NewQueue(scanner *Scanner, capacity int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	q := &Queue{
		scanner: scanner,
		jobs:    make(chan queuedScan, capacity),
	}
	q.wg.Add(1)
	go q.worker()
	return q
}

// worker drains the queue one request at a time to completion. A failing
// item produces a fail-closed result for its own caller and nothing else;
// the loop keeps going.
func (q *Queue) worker() {
	defer q.wg.Done()
	for item := range q.jobs {
		res := q.scanner.ScanFile(item.ctx, item.job.FilePath, item.job.SHA256, item.job.Options)
		item.result <- res
	}
}

// QueueScan appends a scan request and waits for its result. The context
// only bounds the caller's wait; an already-started scan runs to completion
// so its verdict still reaches the audit trail.
func (q *Queue) QueueScan(ctx context.Context, path, sha256 string, opts models.ScanOptions) (models.ScanResult, error) {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return models.ScanResult{}, ErrQueueClosed
	}
	item := queuedScan{
		ctx:    context.WithoutCancel(ctx),
		job:    models.ScanJob{FilePath: path, SHA256: sha256, Options: opts},
		result: make(chan models.ScanResult, 1),
	}
	q.jobs <- item
	q.mu.RUnlock()

	select {
	case res := <-item.result:
		return res, nil
	case <-ctx.Done():
		return models.ScanResult{}, ctx.Err()
	}
}

// QueueVirusScan is the fire-and-forget entry point used right after an
// upload is finalized. The upload response never waits on it; the outcome
// is observable through the audit trail or the scan-status query.
func (q *Queue) QueueVirusScan(sha256, filePath string) {
	go func() {
		res, err := q.QueueScan(context.Background(), filePath, sha256, models.ScanOptions{
			QuarantineOnDetection: true,
			Timeout:               models.QueuedScanTimeout,
		})
		if err != nil {
			log.Printf("[SCAN] virus scan failed for %s: %v", sha256, err)
			return
		}
		if res.ScanEngine == models.EngineError {
			log.Printf("[SCAN] virus scan errored for %s: %s", sha256, res.Err)
		}
	}()
}

// Close stops the worker after draining already-queued items
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	q.wg.Wait()
}
