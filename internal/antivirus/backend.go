package antivirus

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/digimosa/upload-sentinel/internal/models"
)

// Sentinel errors for the scan error taxonomy. A backend returning
// ErrScannerUnavailable tells the chain to try the next engine; every other
// error fails closed at the call site.
var (
	ErrScannerUnavailable = errors.New("scanner unavailable")
	ErrScanTimeout        = errors.New("scan timed out")
)

// Backend is one scanning engine. Implementations parse their own raw
// output into a ScanResult; the Scanner only selects and sequences them.
type Backend interface {
	// Engine returns the identifier recorded in ScanResult.ScanEngine
	Engine() string

	// Scan examines the file at path. ScanTime is filled in by the caller.
	Scan(ctx context.Context, path string) (models.ScanResult, error)
}

// The ClamAV verdict line looks like "/path/to/file: Eicar-Test-Signature FOUND"
var threatPattern = regexp.MustCompile(`(?m)^(.+): (.+) FOUND`)

// CommandBackend shells out to a ClamAV-style CLI scanner. In daemon mode
// (clamdscan) every failure is treated as "engine unavailable" so the chain
// moves on to the direct scanner; in direct mode only a missing binary does
// that, and anything else fails the scan.
type CommandBackend struct {
	engine string
	binary string
	daemon bool
}

// NewClamdBackend wraps the daemon-based clamdscan fast path
func NewClamdBackend() *CommandBackend {
	return &CommandBackend{engine: models.EngineClamd, binary: "clamdscan", daemon: true}
}

// NewClamscanBackend wraps the direct (non-daemon) clamscan invocation
func NewClamscanBackend() *CommandBackend {
	return &CommandBackend{engine: models.EngineClamscan, binary: "clamscan", daemon: false}
}

func (b *CommandBackend) Engine() string { return b.engine }

func (b *CommandBackend) Scan(ctx context.Context, path string) (models.ScanResult, error) {
	cmd := exec.CommandContext(ctx, b.binary, "--no-summary", path)
	out, err := cmd.Output()
	if err != nil {
		// clamscan and clamdscan exit 1 on detection; the verdict is still
		// in the output
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && strings.Contains(string(out), "FOUND") {
			return b.parse(string(out))
		}
		return models.ScanResult{}, b.classify(ctx, err)
	}
	return b.parse(string(out))
}

func (b *CommandBackend) classify(ctx context.Context, err error) error {
	if b.daemon {
		return fmt.Errorf("%s: %v: %w", b.binary, err, ErrScannerUnavailable)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%s not installed or not in PATH: %w", b.binary, ErrScannerUnavailable)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", b.binary, ErrScanTimeout)
	}
	return fmt.Errorf("executing %s: %w", b.binary, err)
}

func (b *CommandBackend) parse(out string) (models.ScanResult, error) {
	switch {
	case strings.Contains(out, "FOUND"):
		threat := "Unknown threat"
		if m := threatPattern.FindStringSubmatch(out); m != nil {
			threat = m[2]
		}
		return models.ScanResult{IsClean: false, ThreatName: threat, ScanEngine: b.engine}, nil
	case strings.Contains(out, "OK"):
		return models.ScanResult{IsClean: true, ScanEngine: b.engine}, nil
	default:
		if b.daemon {
			// Inconclusive daemon output; let the direct scanner decide
			return models.ScanResult{}, fmt.Errorf("%s output inconclusive: %w", b.binary, ErrScannerUnavailable)
		}
		return models.ScanResult{}, fmt.Errorf("unexpected %s output: %q", b.binary, out)
	}
}
