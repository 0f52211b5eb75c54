package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/digimosa/upload-sentinel/internal/audit"
)

const (
	// SessionTimeout is how long an in-progress upload may idle
	SessionTimeout = 24 * time.Hour

	// MaxChunkSize caps individual chunk uploads
	MaxChunkSize = 10 * 1024 * 1024
)

var (
	ErrSessionNotFound  = errors.New("upload session not found")
	ErrSessionExpired   = errors.New("upload session expired")
	ErrDuplicateContent = errors.New("content already exists")
	ErrInvalidPart      = errors.New("invalid part number")
	ErrChunkIntegrity   = errors.New("chunk integrity check failed")
)

// ChunkInfo records one uploaded part
type ChunkInfo struct {
	PartNumber int       `json:"part_number"`
	Size       int64     `json:"size"`
	Hash       string    `json:"hash"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Session is one chunked upload in progress. Persisted to disk alongside
// its chunks so a restart does not strand resumable uploads.
type Session struct {
	UploadID       string         `json:"upload_id"`
	FileName       string         `json:"file_name"`
	UserID         string         `json:"user_id"`
	TotalSize      int64          `json:"total_size"`
	ChunkSize      int64          `json:"chunk_size"`
	TotalChunks    int            `json:"total_chunks"`
	UploadedChunks []ChunkInfo    `json:"uploaded_chunks"`
	ExpectedSHA256 string         `json:"expected_sha256,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
}

func (s *Session) chunk(part int) (ChunkInfo, bool) {
	for _, c := range s.UploadedChunks {
		if c.PartNumber == part {
			return c, true
		}
	}
	return ChunkInfo{}, false
}

// InitResponse is returned from InitUpload
type InitResponse struct {
	UploadID    string    `json:"upload_id"`
	ChunkSize   int64     `json:"chunk_size"`
	TotalChunks int       `json:"total_chunks"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ChunkResult is returned from UploadChunk
type ChunkResult struct {
	PartNumber      int    `json:"part_number"`
	Hash            string `json:"hash"`
	AlreadyUploaded bool   `json:"already_uploaded,omitempty"`
}

// CommitResult is returned from CommitUpload
type CommitResult struct {
	Success     bool   `json:"success"`
	SHA256      string `json:"sha256,omitempty"`
	StoragePath string `json:"storage_path,omitempty"`
	Size        int64  `json:"size,omitempty"`
	IsDuplicate bool   `json:"is_duplicate,omitempty"`
	Err         string `json:"error,omitempty"`
}

// Status describes upload progress for resume
type Status struct {
	Exists        bool    `json:"exists"`
	Progress      float64 `json:"progress"`
	MissingChunks []int   `json:"missing_chunks,omitempty"`
}

// Enqueuer is the scan queue seen from the upload side. Satisfied by
// antivirus.Queue.
type Enqueuer interface {
	QueueVirusScan(sha256, filePath string)
}

// Manager implements chunked, resumable uploads with content-addressed
// dedup. Committing an upload assembles the chunks, verifies the final
// SHA-256, validates claimed PDFs, moves the bytes into the content store
// and fires off a virus scan without blocking the commit result.
type Manager struct {
	tempDir string
	store   *ContentStore
	audit   *audit.Logger
	scans   Enqueuer

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(tempDir string, store *ContentStore, logger *audit.Logger, scans Enqueuer) *Manager {
	return &Manager{
		tempDir:  tempDir,
		store:    store,
		audit:    logger,
		scans:    scans,
		sessions: make(map[string]*Session),
	}
}

// InitUpload opens a new upload session. When an idempotency key matches an
// existing live session, that session is returned instead of a new one.
func (m *Manager) InitUpload(fileName string, totalSize int64, userID string, idempotencyKey, expectedSHA256 string, metadata map[string]any) (*InitResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idempotencyKey != "" {
		for _, s := range m.sessions {
			if s.IdempotencyKey == idempotencyKey && time.Now().Before(s.ExpiresAt) {
				return &InitResponse{
					UploadID:    s.UploadID,
					ChunkSize:   s.ChunkSize,
					TotalChunks: s.TotalChunks,
					ExpiresAt:   s.ExpiresAt,
				}, nil
			}
		}
	}

	if expectedSHA256 != "" {
		if exists, _ := m.store.Exists(expectedSHA256); exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateContent, expectedSHA256)
		}
	}

	chunkSize, totalChunks := chunkLayout(totalSize)
	session := &Session{
		UploadID:       uuid.NewString(),
		FileName:       fileName,
		UserID:         userID,
		TotalSize:      totalSize,
		ChunkSize:      chunkSize,
		TotalChunks:    totalChunks,
		ExpectedSHA256: expectedSHA256,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(SessionTimeout),
	}

	if err := os.MkdirAll(m.sessionDir(session.UploadID), 0o750); err != nil {
		return nil, fmt.Errorf("creating upload dir: %w", err)
	}
	if err := m.saveSession(session); err != nil {
		return nil, err
	}
	m.sessions[session.UploadID] = session

	m.audit.UploadInit(userID, session.UploadID, fileName, audit.Metadata{
		"fileSize":       totalSize,
		"expectedSHA256": expectedSHA256,
		"idempotencyKey": idempotencyKey,
	})

	return &InitResponse{
		UploadID:    session.UploadID,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		ExpiresAt:   session.ExpiresAt,
	}, nil
}

// UploadChunk stores one part. Re-uploading a part that already landed is
// idempotent and returns the stored hash.
func (m *Manager) UploadChunk(uploadID string, partNumber int, data []byte, expectedHash string) (*ChunkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.session(uploadID)
	if err != nil {
		return nil, err
	}
	if partNumber < 0 || partNumber >= session.TotalChunks {
		return nil, fmt.Errorf("%w: %d, expected 0-%d", ErrInvalidPart, partNumber, session.TotalChunks-1)
	}

	if existing, ok := session.chunk(partNumber); ok {
		return &ChunkResult{PartNumber: partNumber, Hash: existing.Hash, AlreadyUploaded: true}, nil
	}

	hash := HashBytes(data)
	if expectedHash != "" && hash != expectedHash {
		m.audit.UploadChunk(session.UserID, uploadID, partNumber, audit.Metadata{
			"success":   false,
			"chunkSize": len(data),
			"chunkHash": hash,
		})
		return nil, fmt.Errorf("%w for part %d", ErrChunkIntegrity, partNumber)
	}

	if err := os.WriteFile(m.chunkPath(uploadID, partNumber), data, 0o600); err != nil {
		return nil, fmt.Errorf("writing chunk: %w", err)
	}

	session.UploadedChunks = append(session.UploadedChunks, ChunkInfo{
		PartNumber: partNumber,
		Size:       int64(len(data)),
		Hash:       hash,
		UploadedAt: time.Now(),
	})
	sort.Slice(session.UploadedChunks, func(i, j int) bool {
		return session.UploadedChunks[i].PartNumber < session.UploadedChunks[j].PartNumber
	})
	if err := m.saveSession(session); err != nil {
		return nil, err
	}

	m.audit.UploadChunk(session.UserID, uploadID, partNumber, audit.Metadata{
		"success":   true,
		"chunkSize": len(data),
		"chunkHash": hash,
	})
	return &ChunkResult{PartNumber: partNumber, Hash: hash}, nil
}

// CommitUpload assembles the chunks into the final file and moves it into
// content-addressed storage. The virus scan is enqueued fire-and-forget:
// the commit result never waits on scanning, the verdict lands in the
// audit trail.
func (m *Manager) CommitUpload(ctx context.Context, uploadID string) (*CommitResult, error) {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.session(uploadID)
	if err != nil {
		return nil, err
	}

	if len(session.UploadedChunks) != session.TotalChunks {
		return m.commitFailure(session, start, fmt.Sprintf(
			"missing chunks: expected %d, got %d", session.TotalChunks, len(session.UploadedChunks))), nil
	}

	finalPath, hash, size, err := m.mergeChunks(session)
	if err != nil {
		m.cleanupSession(session.UploadID)
		return m.commitFailure(session, start, fmt.Sprintf("merge failed: %v", err)), nil
	}

	if session.ExpectedSHA256 != "" && hash != session.ExpectedSHA256 {
		m.cleanupSession(session.UploadID)
		return m.commitFailure(session, start, fmt.Sprintf(
			"final hash mismatch: expected %s, got %s", session.ExpectedSHA256, hash)), nil
	}

	if exists, storagePath := m.store.Exists(hash); exists {
		m.cleanupSession(session.UploadID)
		result := &CommitResult{Success: true, SHA256: hash, StoragePath: storagePath, Size: size, IsDuplicate: true}
		m.audit.LogEvent(audit.Event{
			UserID:     session.UserID,
			Action:     "UPLOAD_DUPLICATE_DETECTED",
			Resource:   fmt.Sprintf("/api/uploads/%s/commit", uploadID),
			Success:    true,
			EntityType: "FILE",
			EntityID:   hash,
			Metadata:   audit.Metadata{"uploadId": uploadID, "sha256": hash, "fileName": session.FileName},
		})
		return result, nil
	}

	if IsPDF(session.FileName) {
		if err := ValidatePDF(finalPath); err != nil {
			m.cleanupSession(session.UploadID)
			m.audit.LogEvent(audit.Event{
				UserID:     session.UserID,
				Action:     "INVALID_PDF_UPLOAD",
				Resource:   fmt.Sprintf("/api/uploads/%s/commit", uploadID),
				Success:    false,
				EntityType: "UPLOAD",
				EntityID:   uploadID,
				Metadata:   audit.Metadata{"uploadId": uploadID, "fileName": session.FileName, "error": err.Error()},
			})
			return &CommitResult{Success: false, Err: fmt.Sprintf("invalid pdf: %v", err)}, nil
		}
	}

	storagePath, err := m.store.Put(hash, finalPath)
	if err != nil {
		m.cleanupSession(session.UploadID)
		return m.commitFailure(session, start, fmt.Sprintf("storing content: %v", err)), nil
	}
	m.cleanupSession(session.UploadID)

	m.audit.UploadCommitSuccess(session.UserID, uploadID,
		audit.Metadata{"finalSHA256": hash, "size": size, "isDuplicate": false, "storagePath": storagePath},
		audit.Metadata{"fileName": session.FileName, "duration": time.Since(start).Milliseconds()})

	if m.scans != nil {
		m.scans.QueueVirusScan(hash, storagePath)
	}

	return &CommitResult{Success: true, SHA256: hash, StoragePath: storagePath, Size: size}, nil
}

// UploadStatus reports progress and missing parts for resumable clients
func (m *Manager) UploadStatus(uploadID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.session(uploadID)
	if err != nil {
		return Status{Exists: false}
	}

	var missing []int
	for part := 0; part < session.TotalChunks; part++ {
		if _, ok := session.chunk(part); !ok {
			missing = append(missing, part)
		}
	}
	progress := 0.0
	if session.TotalChunks > 0 {
		progress = float64(len(session.UploadedChunks)) / float64(session.TotalChunks)
	}
	return Status{Exists: true, Progress: progress, MissingChunks: missing}
}

// CleanupExpired drops sessions past their expiry along with their chunks
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	now := time.Now()
	for id, s := range m.sessions {
		if now.After(s.ExpiresAt) {
			m.cleanupSession(id)
			removed++
		}
	}
	return removed
}

func (m *Manager) commitFailure(session *Session, start time.Time, msg string) *CommitResult {
	m.audit.UploadCommitFailure(session.UserID, session.UploadID, msg, audit.Metadata{
		"duration": time.Since(start).Milliseconds(),
	})
	return &CommitResult{Success: false, Err: msg}
}

// session returns a live session, consulting the disk copy when the
// in-memory cache misses (e.g. after a restart)
func (m *Manager) session(uploadID string) (*Session, error) {
	if s, ok := m.sessions[uploadID]; ok {
		if time.Now().After(s.ExpiresAt) {
			return nil, fmt.Errorf("%w: %s", ErrSessionExpired, uploadID)
		}
		return s, nil
	}

	data, err := os.ReadFile(m.sessionPath(uploadID))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, uploadID)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, uploadID)
	}
	if time.Now().After(s.ExpiresAt) {
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, uploadID)
	}
	m.sessions[uploadID] = &s
	return &s, nil
}

func (m *Manager) mergeChunks(session *Session) (path string, hash string, size int64, err error) {
	finalPath := filepath.Join(m.sessionDir(session.UploadID), "final")
	out, err := os.OpenFile(finalPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", "", 0, err
	}

	for part := 0; part < session.TotalChunks; part++ {
		in, err := os.Open(m.chunkPath(session.UploadID, part))
		if err != nil {
			out.Close()
			return "", "", 0, fmt.Errorf("opening part %d: %w", part, err)
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			return "", "", 0, fmt.Errorf("merging part %d: %w", part, err)
		}
	}
	if err := out.Close(); err != nil {
		return "", "", 0, err
	}

	hash, size, err = HashFile(finalPath)
	if err != nil {
		return "", "", 0, err
	}
	return finalPath, hash, size, nil
}

func (m *Manager) saveSession(session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return os.WriteFile(m.sessionPath(session.UploadID), data, 0o600)
}

func (m *Manager) cleanupSession(uploadID string) {
	delete(m.sessions, uploadID)
	os.RemoveAll(m.sessionDir(uploadID))
}

func (m *Manager) sessionDir(uploadID string) string {
	return filepath.Join(m.tempDir, uploadID)
}

func (m *Manager) sessionPath(uploadID string) string {
	return filepath.Join(m.sessionDir(uploadID), "session.json")
}

func (m *Manager) chunkPath(uploadID string, part int) string {
	return filepath.Join(m.sessionDir(uploadID), fmt.Sprintf("part_%d", part))
}

// chunkLayout picks a chunk size for the total and the resulting count
func chunkLayout(totalSize int64) (int64, int) {
	chunkSize := int64(MaxChunkSize)
	if totalSize < chunkSize {
		chunkSize = totalSize
	}
	if chunkSize <= 0 {
		return MaxChunkSize, 0
	}
	totalChunks := int((totalSize + chunkSize - 1) / chunkSize)
	return chunkSize, totalChunks
}
