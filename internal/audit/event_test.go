package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapAction(t *testing.T) {
	tests := []struct {
		action string
		want   Action
	}{
		{"UPLOAD_INIT", ActionCreated},
		{"UPLOAD_COMMIT_SUCCESS", ActionCreated},
		{"UPLOAD_COMMIT_FAILURE", ActionRejected},
		{"UPLOAD_COMMIT_SYSTEM_ERROR", ActionRejected},
		{"INVALID_PDF_UPLOAD", ActionRejected},
		{"UPLOAD_DUPLICATE_DETECTED", ActionViewed},
		{"PUBLISHED", ActionPublished},
		{"APPROVED", ActionApproved},
		{"DOWNLOADED", ActionDownloaded},
		// Unrecognized strings: failure-flavored reject, the rest create
		{"UPLOAD_CHUNK_FAILED", ActionRejected},
		{"UPLOAD_CHUNK", ActionCreated},
		{"SOMETHING_ELSE", ActionCreated},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MapAction(tt.action), "action %q", tt.action)
	}
}

func TestMapActionDeterministic(t *testing.T) {
	// Pure function of the input: repeated calls never drift
	for _, action := range []string{"UPLOAD_INIT", "INVALID_PDF_UPLOAD", "garbage", ""} {
		first := MapAction(action)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, MapAction(action))
		}
	}
}

func TestIsPersistable(t *testing.T) {
	assert.True(t, IsPersistable("CREATED"))
	assert.True(t, IsPersistable("REJECTED"))
	assert.True(t, IsPersistable("UPLOAD_INIT"))
	assert.True(t, IsPersistable("INVALID_PDF_UPLOAD"))
	assert.False(t, IsPersistable("UNAUTHORIZED_ACCESS"))
	assert.False(t, IsPersistable(""))
}

func TestChangedFields(t *testing.T) {
	oldState := map[string]any{"title": "Draft", "status": "PENDING", "pages": 12}
	newState := map[string]any{"title": "Final", "status": "PENDING", "pages": 14}

	assert.Equal(t, []string{"pages", "title"}, ChangedFields(oldState, newState))
	assert.Empty(t, ChangedFields(oldState, oldState))

	// Keys only present in the new state count as changes
	assert.Equal(t, []string{"summary"}, ChangedFields(map[string]any{}, map[string]any{"summary": "x"}))
}
