package antivirus

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digimosa/upload-sentinel/internal/audit"
	"github.com/digimosa/upload-sentinel/internal/models"
)

// fakeBackend is a scriptable engine for exercising the chain
type fakeBackend struct {
	engine  string
	result  models.ScanResult
	err     error
	block   chan struct{} // when set, Scan waits for it to close
	calls   atomic.Int32
	panicOn bool
}

func (f *fakeBackend) Engine() string { return f.engine }

func (f *fakeBackend) Scan(ctx context.Context, path string) (models.ScanResult, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	if f.panicOn {
		panic("backend blew up")
	}
	return f.result, f.err
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.bin")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestScanner(backends ...Backend) *Scanner {
	return NewScannerWithBackends(backends, nil, audit.NewLogger(nil), false)
}

func TestScanDedup(t *testing.T) {
	path := writeTempFile(t, "some bytes")
	backend := &fakeBackend{
		engine: "fake",
		result: models.ScanResult{IsClean: true, ScanEngine: "fake"},
		block:  make(chan struct{}),
	}
	s := newTestScanner(backend)

	var wg sync.WaitGroup
	results := make([]models.ScanResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.ScanFile(context.Background(), path, "samehash", models.ScanOptions{})
		}(i)
	}

	// Let both callers attach to the in-flight scan before releasing it
	time.Sleep(50 * time.Millisecond)
	close(backend.block)
	wg.Wait()

	assert.EqualValues(t, 1, backend.calls.Load(), "exactly one external scan execution")
	assert.Equal(t, results[0].IsClean, results[1].IsClean)
	assert.Equal(t, results[0].ScanEngine, results[1].ScanEngine)
}

func TestScanRetriesAfterFailure(t *testing.T) {
	// A failed scan must not poison the hash for later requests
	path := writeTempFile(t, "some bytes")
	backend := &fakeBackend{engine: "fake", err: os.ErrPermission}
	s := newTestScanner(backend)

	first := s.ScanFile(context.Background(), path, "h", models.ScanOptions{})
	assert.False(t, first.IsClean)

	backend.err = nil
	backend.result = models.ScanResult{IsClean: true, ScanEngine: "fake"}
	second := s.ScanFile(context.Background(), path, "h", models.ScanOptions{})
	assert.True(t, second.IsClean)
	assert.EqualValues(t, 2, backend.calls.Load())
}

func TestScanFailClosed(t *testing.T) {
	cleanBackend := func() *fakeBackend {
		return &fakeBackend{engine: "fake", result: models.ScanResult{IsClean: true, ScanEngine: "fake"}}
	}

	t.Run("missing file", func(t *testing.T) {
		s := newTestScanner(cleanBackend())
		res := s.ScanFile(context.Background(), filepath.Join(t.TempDir(), "nope"), "h1", models.ScanOptions{})
		assert.False(t, res.IsClean)
		assert.Equal(t, models.EngineError, res.ScanEngine)
		assert.NotEmpty(t, res.Err)
	})

	t.Run("no engine available", func(t *testing.T) {
		s := newTestScanner(&fakeBackend{engine: "fake", err: ErrScannerUnavailable})
		res := s.ScanFile(context.Background(), writeTempFile(t, "x"), "h2", models.ScanOptions{})
		assert.False(t, res.IsClean)
		assert.Equal(t, models.EngineError, res.ScanEngine)
	})

	t.Run("backend error", func(t *testing.T) {
		s := newTestScanner(&fakeBackend{engine: "fake", err: os.ErrPermission})
		res := s.ScanFile(context.Background(), writeTempFile(t, "x"), "h3", models.ScanOptions{})
		assert.False(t, res.IsClean)
		assert.Equal(t, models.EngineError, res.ScanEngine)
	})

	t.Run("timeout", func(t *testing.T) {
		s := newTestScanner(&fakeBackend{engine: "fake", err: ErrScanTimeout})
		res := s.ScanFile(context.Background(), writeTempFile(t, "x"), "h4", models.ScanOptions{})
		assert.False(t, res.IsClean)
		assert.Equal(t, models.EngineError, res.ScanEngine)
	})

	t.Run("backend panic", func(t *testing.T) {
		s := newTestScanner(&fakeBackend{engine: "fake", panicOn: true})
		res := s.ScanFile(context.Background(), writeTempFile(t, "x"), "h5", models.ScanOptions{})
		assert.False(t, res.IsClean)
		assert.Equal(t, models.EngineError, res.ScanEngine)
	})
}

func TestFallbackOrdering(t *testing.T) {
	daemon := &fakeBackend{engine: models.EngineClamd, err: ErrScannerUnavailable}
	direct := &fakeBackend{engine: models.EngineClamscan, result: models.ScanResult{IsClean: true, ScanEngine: models.EngineClamscan}}
	s := newTestScanner(daemon, direct)

	res := s.ScanFile(context.Background(), writeTempFile(t, "x"), "h", models.ScanOptions{})
	assert.True(t, res.IsClean)
	assert.Equal(t, models.EngineClamscan, res.ScanEngine)
	assert.EqualValues(t, 1, daemon.calls.Load())
	assert.EqualValues(t, 1, direct.calls.Load())
}

func TestHeuristicBackend(t *testing.T) {
	s := newTestScanner(NewHeuristicBackend())

	t.Run("suspicious content", func(t *testing.T) {
		path := writeTempFile(t, "<script>evil()</script> padding")
		res := s.ScanFile(context.Background(), path, "bad", models.ScanOptions{})
		assert.False(t, res.IsClean)
		assert.Equal(t, models.EngineHeuristic, res.ScanEngine)
		assert.Equal(t, "Suspicious_Script_Content", res.ThreatName)
	})

	t.Run("clean content", func(t *testing.T) {
		path := writeTempFile(t, "%PDF-1.4 perfectly ordinary document content")
		res := s.ScanFile(context.Background(), path, "good", models.ScanOptions{})
		assert.True(t, res.IsClean)
		assert.Equal(t, models.EngineHeuristic, res.ScanEngine)
	})

	t.Run("pattern beyond first 1KB ignored", func(t *testing.T) {
		content := make([]byte, 2048)
		for i := range content {
			content[i] = 'a'
		}
		copy(content[1500:], []byte("<script"))
		path := filepath.Join(t.TempDir(), "late.bin")
		require.NoError(t, os.WriteFile(path, content, 0o600))

		res := s.ScanFile(context.Background(), path, "late", models.ScanOptions{})
		assert.True(t, res.IsClean)
	})
}

func TestQuarantineSideEffect(t *testing.T) {
	infected := func() *fakeBackend {
		return &fakeBackend{engine: "fake", result: models.ScanResult{
			IsClean: false, ThreatName: "Eicar-Test-Signature", ScanEngine: "fake",
		}}
	}

	t.Run("quarantine on detection", func(t *testing.T) {
		qdir := t.TempDir()
		path := writeTempFile(t, "infected bytes")
		s := NewScannerWithBackends([]Backend{infected()}, NewQuarantine(qdir), audit.NewLogger(nil), false)

		res := s.ScanFile(context.Background(), path, "sha-q", models.ScanOptions{QuarantineOnDetection: true})
		assert.False(t, res.IsClean)

		assert.NoFileExists(t, path, "source removed from serving path")
		assert.FileExists(t, filepath.Join(qdir, "sha-q.quarantine"))
	})

	t.Run("no quarantine by default", func(t *testing.T) {
		path := writeTempFile(t, "infected bytes")
		s := NewScannerWithBackends([]Backend{infected()}, NewQuarantine(t.TempDir()), audit.NewLogger(nil), false)

		res := s.ScanFile(context.Background(), path, "sha-n", models.ScanOptions{})
		assert.False(t, res.IsClean)
		assert.FileExists(t, path, "source untouched")
	})

	t.Run("quarantine wins over delete", func(t *testing.T) {
		qdir := t.TempDir()
		path := writeTempFile(t, "infected bytes")
		s := NewScannerWithBackends([]Backend{infected()}, NewQuarantine(qdir), audit.NewLogger(nil), false)

		s.ScanFile(context.Background(), path, "sha-b", models.ScanOptions{
			QuarantineOnDetection: true,
			DeleteOnDetection:     true,
		})
		assert.FileExists(t, filepath.Join(qdir, "sha-b.quarantine"), "evidence preserved")
	})

	t.Run("delete on detection", func(t *testing.T) {
		path := writeTempFile(t, "infected bytes")
		s := newTestScanner(infected())

		s.ScanFile(context.Background(), path, "sha-d", models.ScanOptions{DeleteOnDetection: true})
		assert.NoFileExists(t, path)
	})

	t.Run("quarantine failure keeps verdict", func(t *testing.T) {
		path := writeTempFile(t, "infected bytes")
		// Quarantine dir path collides with an existing file, so MkdirAll fails
		s := NewScannerWithBackends([]Backend{infected()}, NewQuarantine(path), audit.NewLogger(nil), false)

		res := s.ScanFile(context.Background(), path, "sha-f", models.ScanOptions{QuarantineOnDetection: true})
		assert.False(t, res.IsClean)
		assert.Equal(t, "Eicar-Test-Signature", res.ThreatName)
	})
}

func TestScanIsAudited(t *testing.T) {
	store, err := audit.NewStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	logger := audit.NewLogger(store)

	backend := &fakeBackend{engine: "fake", result: models.ScanResult{IsClean: true, ScanEngine: "fake"}}
	s := NewScannerWithBackends([]Backend{backend}, nil, logger, false)

	s.ScanFile(context.Background(), writeTempFile(t, "x"), "audited-sha", models.ScanOptions{})

	events, err := store.EventsByEntity("FILE", "audited-sha", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "APPROVED", events[0].Action)
	assert.Contains(t, events[0].Metadata, `"scanResult":"CLEAN"`)
}

func TestCommandBackendParse(t *testing.T) {
	direct := NewClamscanBackend()

	res, err := direct.parse("/tmp/f: OK\n")
	require.NoError(t, err)
	assert.True(t, res.IsClean)
	assert.Equal(t, models.EngineClamscan, res.ScanEngine)

	res, err = direct.parse("/tmp/f: Eicar-Test-Signature FOUND\n")
	require.NoError(t, err)
	assert.False(t, res.IsClean)
	assert.Equal(t, "Eicar-Test-Signature", res.ThreatName)

	res, err = direct.parse("FOUND but no verdict line")
	require.NoError(t, err)
	assert.False(t, res.IsClean)
	assert.Equal(t, "Unknown threat", res.ThreatName)

	_, err = direct.parse("garbage output")
	assert.Error(t, err)

	// The daemon treats inconclusive output as "try the next engine"
	_, err = NewClamdBackend().parse("garbage output")
	assert.ErrorIs(t, err, ErrScannerUnavailable)
}
