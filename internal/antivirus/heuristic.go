package antivirus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/digimosa/upload-sentinel/internal/models"
)

// Suspicious byte sequences that have no business in the first kilobyte of
// an uploaded document. Script-injection markers, mostly.
var suspiciousPatterns = [][]byte{
	[]byte("eval("),
	[]byte("document.write"),
	[]byte("<script"),
	[]byte("javascript:"),
	[]byte("vbscript:"),
}

// HeuristicBackend is the last-resort engine used when no external scanner
// binary exists on the host. It reads the first 1KB of the file and checks
// for a small fixed set of suspicious byte patterns. Weak and best-effort:
// a clean verdict from this engine is NOT authoritative, and callers can
// tell it apart by the basic_heuristics engine tag.
type HeuristicBackend struct{}

func NewHeuristicBackend() *HeuristicBackend { return &HeuristicBackend{} }

func (h *HeuristicBackend) Engine() string { return models.EngineHeuristic }

func (h *HeuristicBackend) Scan(ctx context.Context, path string) (models.ScanResult, error) {
	if err := ctx.Err(); err != nil {
		return models.ScanResult{}, fmt.Errorf("heuristic scan: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return models.ScanResult{}, fmt.Errorf("heuristic scan: %w", err)
	}
	defer file.Close()

	firstKB := make([]byte, 1024)
	n, err := io.ReadFull(file, firstKB)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return models.ScanResult{}, fmt.Errorf("heuristic scan: %w", err)
	}
	firstKB = firstKB[:n]

	for _, pattern := range suspiciousPatterns {
		if bytes.Contains(firstKB, pattern) {
			return models.ScanResult{
				IsClean:    false,
				ThreatName: "Suspicious_Script_Content",
				ScanEngine: models.EngineHeuristic,
			}, nil
		}
	}
	return models.ScanResult{IsClean: true, ScanEngine: models.EngineHeuristic}, nil
}
