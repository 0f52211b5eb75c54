package antivirus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/digimosa/upload-sentinel/internal/audit"
	"github.com/digimosa/upload-sentinel/internal/config"
	"github.com/digimosa/upload-sentinel/internal/models"
)

// Scanner runs uploaded files through the backend chain: daemon scanner,
// then direct scanner, then the byte-pattern heuristics when no external
// engine exists on the host. Verdicts fail closed: any error during the
// pipeline returns an infected-equivalent result with the "error" engine
// tag, never a clean one.
//
// Concurrency guarantee: at most one active scan per content hash. A second
// request for an in-flight hash attaches to the pending scan and receives
// the same result.
type Scanner struct {
	backends   []Backend
	quarantine *Quarantine
	audit      *audit.Logger
	verbose    bool

	group singleflight.Group
}

// NewScanner builds a Scanner with the standard clamdscan -> clamscan ->
// heuristics chain.
func NewScanner(cfg *config.Config, logger *audit.Logger) *Scanner {
	return NewScannerWithBackends(
		[]Backend{NewClamdBackend(), NewClamscanBackend(), NewHeuristicBackend()},
		NewQuarantine(cfg.QuarantineDir),
		logger,
		cfg.Verbose,
	)
}

// NewScannerWithBackends builds a Scanner with an explicit backend chain.
// Backends are tried in order.
func NewScannerWithBackends(backends []Backend, q *Quarantine, logger *audit.Logger, verbose bool) *Scanner {
	return &Scanner{
		backends:   backends,
		quarantine: q,
		audit:      logger,
		verbose:    verbose,
	}
}

// ScanFile scans the file at path, identified by its sha256, and returns a
// definite verdict. It never returns an error: failures surface as a
// fail-closed ScanResult. Every call is audit-logged, including callers
// that attached to an in-flight scan of the same hash.
func (s *Scanner) ScanFile(ctx context.Context, path, sha256 string, opts models.ScanOptions) models.ScanResult {
	start := time.Now()

	// Dedup by content hash: concurrent requests for the same bytes share
	// one execution. The key is released after completion, so a failed scan
	// does not poison the hash for later retries.
	v, _, _ := s.group.Do(sha256, func() (any, error) {
		return s.performScan(ctx, path, sha256, opts), nil
	})
	result := v.(models.ScanResult)

	s.audit.VirusScanResult(sha256, result.Verdict(), audit.Metadata{
		"scanEngine": result.ScanEngine,
		"threatName": result.ThreatName,
		"duration":   time.Since(start).Milliseconds(),
		"filePath":   path,
	})
	return result
}

func (s *Scanner) performScan(ctx context.Context, path, sha256 string, opts models.ScanOptions) (result models.ScanResult) {
	start := time.Now()

	defer func() {
		// A panicking backend must still produce a fail-closed verdict
		if r := recover(); r != nil {
			log.Printf("[SCAN] panic scanning %s: %v", sha256, r)
			result = errorResult(start, fmt.Errorf("scan panic: %v", r))
		}
	}()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = models.DefaultScanTimeout
	}

	// Do not hand a nonexistent path to an external scanner
	if _, err := os.Stat(path); err != nil {
		log.Printf("[SCAN] cannot access %s: %v", path, err)
		return errorResult(start, err)
	}

	for _, backend := range s.backends {
		scanCtx, cancel := context.WithTimeout(ctx, timeout)
		res, err := backend.Scan(scanCtx, path)
		cancel()

		if err != nil {
			if errors.Is(err, ErrScannerUnavailable) {
				if s.verbose {
					log.Printf("[SCAN] %s unavailable, trying next engine: %v", backend.Engine(), err)
				}
				continue
			}
			log.Printf("[SCAN] %s failed for %s: %v", backend.Engine(), sha256, err)
			return errorResult(start, err)
		}

		res.ScanTime = time.Since(start)
		if !res.IsClean {
			s.handleDetection(path, sha256, res, opts)
		}
		return res
	}

	return errorResult(start, errors.New("no scan engine available"))
}

// handleDetection applies the configured side effect for a positive
// verdict. Quarantine wins over delete so forensic evidence is preserved.
// Failures here are logged only; the scan verdict is the ground truth and
// housekeeping must not change it.
func (s *Scanner) handleDetection(path, sha256 string, res models.ScanResult, opts models.ScanOptions) {
	switch {
	case opts.QuarantineOnDetection:
		if s.quarantine == nil {
			log.Printf("[QUARANTINE] no quarantine configured for %s", sha256)
			return
		}
		dst, err := s.quarantine.Place(path, sha256)
		if err != nil {
			log.Printf("[QUARANTINE] failed for %s: %v", path, err)
			return
		}
		log.Printf("[QUARANTINE] %s -> %s (threat: %s)", path, dst, res.ThreatName)
	case opts.DeleteOnDetection:
		if err := os.Remove(path); err != nil {
			log.Printf("[SCAN] failed to delete infected file %s: %v", path, err)
			return
		}
		log.Printf("[SCAN] deleted infected file %s (threat: %s)", path, res.ThreatName)
	}
}

func errorResult(start time.Time, err error) models.ScanResult {
	return models.ScanResult{
		IsClean:    false, // err on the side of caution
		ScanEngine: models.EngineError,
		ScanTime:   time.Since(start),
		Err:        err.Error(),
	}
}
