package audit

import (
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// Persister is the durable half of the audit trail. *Store satisfies it.
type Persister interface {
	Append(rec *EventModel) error
}

// RoleResolver looks up the current role of an actor for denormalized
// storage. *Store satisfies it.
type RoleResolver interface {
	ResolveRole(userID string) Role
}

// Logger is the audit façade. Every event is written to the console stream
// first (the unconditional fallback trail) and then, when it carries enough
// identity to be useful, persisted through the store. Logging is advisory
// infrastructure: no call on Logger ever returns an error or panics into
// the caller.
type Logger struct {
	Store Persister
	Roles RoleResolver
}

// NewLogger builds a Logger backed by store. A nil store degrades to
// console-only logging.
func NewLogger(store *Store) *Logger {
	l := &Logger{}
	if store != nil {
		l.Store = store
		l.Roles = store
	}
	return l
}

// LogEvent records one audit event. It never fails: persistence errors are
// logged to the console and swallowed.
func (l *Logger) LogEvent(event Event) {
	defer func() {
		// A broken event must not take down the caller's primary operation
		if r := recover(); r != nil {
			log.Printf("[AUDIT] logging failed: %v", r)
		}
	}()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.IP == "" {
		event.IP = "unknown"
	}

	l.console(event)

	if l.Store == nil || !IsPersistable(event.Action) {
		return
	}
	// System events (no actor) are still persisted as long as they name an
	// entity, e.g. virus scan results keyed by content hash
	if event.UserID == "" && event.EntityID == "" {
		return
	}

	rec := &EventModel{
		Timestamp:  event.Timestamp,
		ActorID:    event.UserID,
		ActorRole:  string(l.resolveRole(event.UserID)),
		Action:     string(MapAction(event.Action)),
		EntityType: event.EntityType,
		EntityID:   event.EntityID,
	}
	if rec.EntityType == "" {
		rec.EntityType = "UPLOAD"
	}
	if rec.EntityID == "" {
		rec.EntityID = event.Resource
	}
	rec.PreviousState = marshalState(event.PreviousState)
	rec.NewState = marshalState(event.NewState)

	// Fold the untyped context into the metadata bag, preserving the
	// caller's original action string verbatim
	meta := Metadata{}
	for k, v := range event.Metadata {
		meta[k] = v
	}
	meta["action"] = event.Action
	meta["ip"] = event.IP
	meta["userAgent"] = event.UserAgent
	meta["resource"] = event.Resource
	meta["success"] = event.Success
	rec.Metadata = marshalState(meta)

	if err := l.Store.Append(rec); err != nil {
		log.Printf("[AUDIT] failed to save to database: %v", err)
	}
}

func (l *Logger) resolveRole(userID string) Role {
	if l.Roles == nil {
		return RoleLearner
	}
	return l.Roles.ResolveRole(userID)
}

// console writes the structured fallback line. This happens for every
// event, persisted or not.
func (l *Logger) console(event Event) {
	line, err := json.Marshal(struct {
		Timestamp time.Time `json:"timestamp"`
		UserID    string    `json:"user_id,omitempty"`
		Action    string    `json:"action"`
		Resource  string    `json:"resource"`
		IP        string    `json:"ip"`
		Success   bool      `json:"success"`
		Metadata  Metadata  `json:"metadata,omitempty"`
	}{event.Timestamp, event.UserID, event.Action, event.Resource, event.IP, event.Success, event.Metadata})
	if err != nil {
		// Unmarshalable metadata still leaves a trace
		log.Printf("[AUDIT] %s %s resource=%s (metadata unserializable: %v)",
			event.Action, event.UserID, event.Resource, err)
		return
	}
	log.Printf("[AUDIT] %s", line)
}

func marshalState(state map[string]any) string {
	if len(state) == 0 {
		return ""
	}
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Sprintf(`{"marshal_error":%q}`, err.Error())
	}
	return string(b)
}

// --- Typed convenience wrappers for the platform's common events ---

func (l *Logger) UploadInit(userID, uploadID, fileName string, meta Metadata) {
	l.LogEvent(Event{
		UserID:     userID,
		Action:     "UPLOAD_INIT",
		Resource:   "/api/uploads/init",
		IP:         metaString(meta, "ip"),
		UserAgent:  metaString(meta, "userAgent"),
		Success:    true,
		EntityType: "UPLOAD",
		EntityID:   uploadID,
		Metadata: Metadata{
			"uploadId":       uploadID,
			"fileName":       fileName,
			"fileSize":       meta["fileSize"],
			"expectedSHA256": meta["expectedSHA256"],
			"idempotencyKey": meta["idempotencyKey"],
		},
	})
}

func (l *Logger) UploadChunk(userID, uploadID string, partNumber int, meta Metadata) {
	success, _ := meta["success"].(bool)
	l.LogEvent(Event{
		UserID:     userID,
		Action:     "UPLOAD_CHUNK",
		Resource:   fmt.Sprintf("/api/uploads/%s/part/%d", uploadID, partNumber),
		IP:         metaString(meta, "ip"),
		UserAgent:  metaString(meta, "userAgent"),
		Success:    success,
		EntityType: "UPLOAD",
		EntityID:   uploadID,
		Metadata: Metadata{
			"uploadId":   uploadID,
			"partNumber": partNumber,
			"chunkSize":  meta["chunkSize"],
			"chunkHash":  meta["chunkHash"],
		},
	})
}

func (l *Logger) UploadCommitSuccess(userID, uploadID string, result Metadata, meta Metadata) {
	sha, _ := result["finalSHA256"].(string)
	l.LogEvent(Event{
		UserID:     userID,
		Action:     "UPLOAD_COMMIT_SUCCESS",
		Resource:   fmt.Sprintf("/api/uploads/%s/commit", uploadID),
		IP:         metaString(meta, "ip"),
		UserAgent:  metaString(meta, "userAgent"),
		Success:    true,
		EntityType: "FILE",
		EntityID:   sha,
		Metadata: Metadata{
			"uploadId":    uploadID,
			"sha256":      sha,
			"size":        result["size"],
			"isDuplicate": result["isDuplicate"],
			"storagePath": result["storagePath"],
			"fileName":    meta["fileName"],
			"duration":    meta["duration"],
		},
	})
}

func (l *Logger) UploadCommitFailure(userID, uploadID, errMsg string, meta Metadata) {
	l.LogEvent(Event{
		UserID:     userID,
		Action:     "UPLOAD_COMMIT_FAILURE",
		Resource:   fmt.Sprintf("/api/uploads/%s/commit", uploadID),
		IP:         metaString(meta, "ip"),
		UserAgent:  metaString(meta, "userAgent"),
		Success:    false,
		EntityType: "UPLOAD",
		EntityID:   uploadID,
		Metadata: Metadata{
			"uploadId": uploadID,
			"error":    errMsg,
			"duration": meta["duration"],
		},
	})
}

func (l *Logger) BookCreate(userID, bookID string, bookData map[string]any, meta Metadata) {
	l.LogEvent(Event{
		UserID:     userID,
		Action:     string(ActionCreated),
		Resource:   "/api/admin/books",
		IP:         metaString(meta, "ip"),
		UserAgent:  metaString(meta, "userAgent"),
		Success:    true,
		EntityType: "BOOK",
		EntityID:   bookID,
		NewState:   bookData,
		Metadata: Metadata{
			"bookId":     bookID,
			"title":      bookData["title"],
			"authorName": bookData["authorName"],
			"status":     bookData["status"],
		},
	})
}

func (l *Logger) BookUpdate(userID, bookID string, previousData, newData map[string]any, meta Metadata) {
	l.LogEvent(Event{
		UserID:        userID,
		Action:        string(ActionEdited),
		Resource:      fmt.Sprintf("/api/admin/books/%s", bookID),
		IP:            metaString(meta, "ip"),
		UserAgent:     metaString(meta, "userAgent"),
		Success:       true,
		EntityType:    "BOOK",
		EntityID:      bookID,
		PreviousState: previousData,
		NewState:      newData,
		Metadata: Metadata{
			"bookId":  bookID,
			"changes": ChangedFields(previousData, newData),
		},
	})
}

func (l *Logger) BookStatusChange(userID, bookID, oldStatus, newStatus string, meta Metadata) {
	action := ActionEdited
	switch newStatus {
	case "PUBLISHED":
		action = ActionPublished
	case "APPROVED":
		action = ActionApproved
	case "REJECTED":
		action = ActionRejected
	}
	l.LogEvent(Event{
		UserID:        userID,
		Action:        string(action),
		Resource:      fmt.Sprintf("/api/admin/books/%s/status", bookID),
		IP:            metaString(meta, "ip"),
		UserAgent:     metaString(meta, "userAgent"),
		Success:       true,
		EntityType:    "BOOK",
		EntityID:      bookID,
		PreviousState: map[string]any{"status": oldStatus},
		NewState:      map[string]any{"status": newStatus},
		Metadata: Metadata{
			"bookId":           bookID,
			"statusTransition": fmt.Sprintf("%s -> %s", oldStatus, newStatus),
			"reason":           meta["reason"],
		},
	})
}

// UnauthorizedAccess records an access-control failure. userID may be empty
// for unauthenticated attempts.
func (l *Logger) UnauthorizedAccess(userID, resource string, meta Metadata) {
	reason := metaString(meta, "reason")
	if reason == "unknown" {
		reason = "Access denied"
	}
	l.LogEvent(Event{
		UserID:     userID,
		Action:     "UNAUTHORIZED_ACCESS",
		Resource:   resource,
		IP:         metaString(meta, "ip"),
		UserAgent:  metaString(meta, "userAgent"),
		Success:    false,
		EntityType: "SECURITY",
		EntityID:   resource,
		Metadata: Metadata{
			"reason":        reason,
			"attemptedRole": meta["attemptedRole"],
		},
	})
}

// VirusScanResult records the outcome of one scan. System-originated: no
// actor, keyed by content hash.
func (l *Logger) VirusScanResult(sha256, verdict string, meta Metadata) {
	action := ActionApproved
	if verdict != "CLEAN" {
		action = ActionRejected
	}
	l.LogEvent(Event{
		Action:     string(action),
		Resource:   fmt.Sprintf("/security/virus-scan/%s", sha256),
		IP:         "system",
		UserAgent:  "antivirus-scanner",
		Success:    verdict != "ERROR",
		EntityType: "FILE",
		EntityID:   sha256,
		Metadata: Metadata{
			"sha256":     sha256,
			"scanResult": verdict,
			"scanEngine": metaString(meta, "scanEngine"),
			"threatName": meta["threatName"],
			"duration":   meta["duration"],
		},
	})
}

func metaString(meta Metadata, key string) string {
	if meta == nil {
		return "unknown"
	}
	if s, ok := meta[key].(string); ok && s != "" {
		return s
	}
	if key == "userAgent" {
		return ""
	}
	return "unknown"
}
