package models

import "time"

// ScanResult represents the outcome of scanning a single uploaded file
type ScanResult struct {
	IsClean    bool          `json:"is_clean"`
	ThreatName string        `json:"threat_name,omitempty"` // Set only when infected
	ScanEngine string        `json:"scan_engine"`
	ScanTime   time.Duration `json:"scan_time"` // Duration of the scan, not a timestamp
	Err        string        `json:"error,omitempty"`
}

// ScanOptions configures a single scan request
type ScanOptions struct {
	// QuarantineOnDetection moves an infected file out of the serving path.
	// Takes precedence over DeleteOnDetection so evidence is preserved.
	QuarantineOnDetection bool
	DeleteOnDetection     bool
	Timeout               time.Duration
}

// DefaultScanTimeout is applied when ScanOptions.Timeout is zero
const DefaultScanTimeout = 60 * time.Second

// QueuedScanTimeout is the more generous limit used for the async queue
// behind upload commit
const QueuedScanTimeout = 120 * time.Second

// Scan engine identifiers as reported in ScanResult.ScanEngine
const (
	EngineClamd     = "clamdscan"        // daemon-based fast path
	EngineClamscan  = "clamscan"         // direct invocation
	EngineHeuristic = "basic_heuristics" // weak fallback, non-authoritative
	EngineError     = "error"            // scan could not complete; never clean
)

// Verdict values recorded on audit events
const (
	VerdictClean    = "CLEAN"
	VerdictInfected = "INFECTED"
	VerdictError    = "ERROR"
)

// Verdict maps a ScanResult onto the audit verdict vocabulary
func (r ScanResult) Verdict() string {
	switch {
	case r.ScanEngine == EngineError:
		return VerdictError
	case r.IsClean:
		return VerdictClean
	default:
		return VerdictInfected
	}
}

// ScanJob is a single queued scan request
type ScanJob struct {
	FilePath string
	SHA256   string
	Options  ScanOptions
}
