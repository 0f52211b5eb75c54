package reporting

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/digimosa/upload-sentinel/internal/audit"
)

func seededStore(t *testing.T) *audit.Store {
	t.Helper()
	store, err := audit.NewStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	logger := audit.NewLogger(store)

	logger.VirusScanResult("hash-clean-1", "CLEAN", audit.Metadata{"scanEngine": "clamdscan"})
	logger.VirusScanResult("hash-clean-2", "CLEAN", audit.Metadata{"scanEngine": "basic_heuristics"})
	logger.VirusScanResult("hash-bad", "INFECTED", audit.Metadata{
		"scanEngine": "basic_heuristics",
		"threatName": "Suspicious_Script_Content",
	})
	logger.VirusScanResult("hash-err", "ERROR", audit.Metadata{"scanEngine": "error"})
	logger.UploadCommitSuccess("user-1", "upload-1",
		audit.Metadata{"finalSHA256": "hash-clean-1", "size": 42},
		audit.Metadata{"fileName": "notes.txt"})
	return store
}

func TestBuildReport(t *testing.T) {
	report, err := BuildReport(seededStore(t), 10)
	require.NoError(t, err)

	assert.EqualValues(t, 5, report.Summary.TotalEvents)
	assert.EqualValues(t, 2, report.Summary.CleanScans)
	assert.EqualValues(t, 1, report.Summary.InfectedScans)
	assert.EqualValues(t, 1, report.Summary.ErroredScans)
	// INFECTED and ERROR verdicts both normalize to REJECTED
	assert.EqualValues(t, 2, report.Summary.RejectedActions)
	assert.EqualValues(t, 2, report.Summary.ApprovedActions)
	assert.Len(t, report.Events, 5)
	assert.WithinDuration(t, time.Now(), report.Summary.GeneratedAt, time.Minute)
}

func TestBuildReportLimit(t *testing.T) {
	report, err := BuildReport(seededStore(t), 2)
	require.NoError(t, err)
	assert.EqualValues(t, 5, report.Summary.TotalEvents)
	assert.Len(t, report.Events, 2)
}

func TestSaveJSON(t *testing.T) {
	report, err := BuildReport(seededStore(t), 10)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, report.SaveJSON(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var loaded Report
	require.NoError(t, json.Unmarshal(data, &loaded))
	assert.Equal(t, report.Summary.TotalEvents, loaded.Summary.TotalEvents)
	assert.Len(t, loaded.Events, 5)
}

func TestSaveXLSX(t *testing.T) {
	report, err := BuildReport(seededStore(t), 10)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "report.xlsx")
	require.NoError(t, report.SaveXLSX(path))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.ElementsMatch(t, []string{"Summary", "Events"}, f.GetSheetList())

	total, err := f.GetCellValue("Summary", "B2")
	require.NoError(t, err)
	assert.Equal(t, "5", total)

	header, err := f.GetCellValue("Events", "A1")
	require.NoError(t, err)
	assert.Equal(t, "Timestamp", header)

	rows, err := f.GetRows("Events")
	require.NoError(t, err)
	assert.Len(t, rows, 6, "header plus five events")
}
