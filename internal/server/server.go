package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/digimosa/upload-sentinel/internal/antivirus"
	"github.com/digimosa/upload-sentinel/internal/audit"
	"github.com/digimosa/upload-sentinel/internal/upload"
)

// Server is the status-query surface for the fire-and-forget scan model:
// uploads are acknowledged before scanning, so clients observe verdicts
// here (or in the audit trail) instead of in the upload response.
type Server struct {
	store *audit.Store
	queue *antivirus.Queue
	files *upload.ContentStore
}

func NewServer(store *audit.Store, queue *antivirus.Queue, files *upload.ContentStore) *Server {
	return &Server{store: store, queue: queue, files: files}
}

func (s *Server) Start(addr string) error {
	log.Printf("Starting review server at http://%s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// Handler returns the route table, separate from Start so it can be
// mounted into an existing mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/scan-status", s.handleScanStatus)
	mux.HandleFunc("/api/scan", s.handleScan)
	return mux
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	events, err := s.store.RecentEvents(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, events)
}

// handleScanStatus reports the latest scan verdict for a content hash, as
// recorded in the audit trail. "pending" means no verdict has landed yet.
func (s *Server) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	sha := r.URL.Query().Get("sha256")
	if sha == "" {
		http.Error(w, "sha256 query parameter required", http.StatusBadRequest)
		return
	}

	events, err := s.store.EventsByEntity("FILE", sha, 20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type statusResponse struct {
		SHA256     string `json:"sha256"`
		Status     string `json:"status"`
		ScanEngine string `json:"scan_engine,omitempty"`
		ThreatName string `json:"threat_name,omitempty"`
		Timestamp  string `json:"timestamp,omitempty"`
	}

	// Events are newest first; the first one carrying a scanResult is the
	// current verdict
	for _, ev := range events {
		var meta map[string]any
		if err := json.Unmarshal([]byte(ev.Metadata), &meta); err != nil {
			continue
		}
		verdict, ok := meta["scanResult"].(string)
		if !ok {
			continue
		}
		resp := statusResponse{
			SHA256:    sha,
			Status:    verdict,
			Timestamp: ev.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
		}
		resp.ScanEngine, _ = meta["scanEngine"].(string)
		resp.ThreatName, _ = meta["threatName"].(string)
		writeJSON(w, resp)
		return
	}

	writeJSON(w, statusResponse{SHA256: sha, Status: "pending"})
}

// handleScan enqueues a rescan of already-stored content. Admin tooling;
// the response does not wait for the verdict.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		SHA256 string `json:"sha256"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.SHA256 == "" {
		http.Error(w, "sha256 cannot be empty", http.StatusBadRequest)
		return
	}

	exists, path := s.files.Exists(req.SHA256)
	if !exists {
		http.Error(w, "No stored content for hash", http.StatusNotFound)
		return
	}

	s.queue.QueueVirusScan(req.SHA256, path)
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"sha256": req.SHA256, "status": "queued"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[ERROR] writing response: %v", err)
	}
}
