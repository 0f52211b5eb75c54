package audit

import (
	"reflect"
	"sort"
	"strings"
	"time"
)

// Metadata is the open key-value bag attached to every event
type Metadata map[string]any

// Event is a single security/content-management event as reported by a
// caller. The action is free-form here; it is normalized onto the Action
// taxonomy before persistence.
type Event struct {
	Timestamp     time.Time      `json:"timestamp"`
	UserID        string         `json:"user_id,omitempty"` // empty for system-originated events
	Action        string         `json:"action"`
	Resource      string         `json:"resource"`
	IP            string         `json:"ip"`
	UserAgent     string         `json:"user_agent,omitempty"`
	Success       bool           `json:"success"`
	EntityType    string         `json:"entity_type,omitempty"` // UPLOAD, FILE, BOOK, SECURITY
	EntityID      string         `json:"entity_id,omitempty"`
	PreviousState map[string]any `json:"previous_state,omitempty"`
	NewState      map[string]any `json:"new_state,omitempty"`
	Metadata      Metadata       `json:"metadata,omitempty"`
}

// Role mirrors the platform's user roles. Stored denormalized on audit
// records so they stay readable even if the user's role changes later.
type Role string

const (
	RoleLearner      Role = "LEARNER" // lowest privilege, the fallback
	RoleTeacher      Role = "TEACHER"
	RoleWriter       Role = "WRITER"
	RoleEditor       Role = "EDITOR"
	RoleBookManager  Role = "BOOK_MANAGER"
	RoleContentAdmin Role = "CONTENT_ADMIN"
	RoleAdmin        Role = "ADMIN"
)

// Action is the closed taxonomy persisted on audit records. The caller's
// original action string survives only inside metadata; this field is a
// coarse category for querying. The compression is lossy by design.
type Action string

const (
	ActionCreated    Action = "CREATED"
	ActionSubmitted  Action = "SUBMITTED"
	ActionApproved   Action = "APPROVED"
	ActionRejected   Action = "REJECTED"
	ActionPublished  Action = "PUBLISHED"
	ActionEdited     Action = "EDITED"
	ActionAssigned   Action = "ASSIGNED"
	ActionViewed     Action = "VIEWED"
	ActionDownloaded Action = "DOWNLOADED"
)

var canonicalActions = map[string]Action{
	"CREATED":    ActionCreated,
	"SUBMITTED":  ActionSubmitted,
	"APPROVED":   ActionApproved,
	"REJECTED":   ActionRejected,
	"PUBLISHED":  ActionPublished,
	"EDITED":     ActionEdited,
	"ASSIGNED":   ActionAssigned,
	"VIEWED":     ActionViewed,
	"DOWNLOADED": ActionDownloaded,
}

// IsPersistable reports whether a caller-supplied action string has a home
// in the taxonomy. Canonical values and the upload vocabulary qualify.
func IsPersistable(action string) bool {
	if _, ok := canonicalActions[action]; ok {
		return true
	}
	return strings.Contains(action, "UPLOAD")
}

// MapAction normalizes a free-form action string onto the taxonomy.
// Deterministic: the same input always yields the same Action.
func MapAction(action string) Action {
	switch action {
	case "UPLOAD_INIT", "UPLOAD_COMMIT_SUCCESS":
		return ActionCreated
	case "UPLOAD_COMMIT_FAILURE", "UPLOAD_COMMIT_SYSTEM_ERROR", "INVALID_PDF_UPLOAD":
		return ActionRejected
	case "UPLOAD_DUPLICATE_DETECTED":
		return ActionViewed
	}
	if a, ok := canonicalActions[action]; ok {
		return a
	}
	// Unrecognized upload-flavored strings: failures map to REJECTED,
	// everything else to CREATED
	if strings.Contains(action, "FAIL") || strings.Contains(action, "ERROR") || strings.Contains(action, "INVALID") {
		return ActionRejected
	}
	return ActionCreated
}

// ChangedFields returns the top-level keys whose values differ between two
// state snapshots. A shallow change summary, not a deep diff.
func ChangedFields(oldState, newState map[string]any) []string {
	var changes []string
	for key, newVal := range newState {
		if !reflect.DeepEqual(oldState[key], newVal) {
			changes = append(changes, key)
		}
	}
	sort.Strings(changes)
	return changes
}
