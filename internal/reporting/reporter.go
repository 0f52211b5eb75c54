package reporting

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/digimosa/upload-sentinel/internal/audit"
	"github.com/digimosa/upload-sentinel/internal/models"
)

// Summary aggregates the audit trail into the numbers an operator actually
// looks at.
type Summary struct {
	GeneratedAt     time.Time `json:"generated_at"`
	TotalEvents     int64     `json:"total_events"`
	CleanScans      int64     `json:"clean_scans"`
	InfectedScans   int64     `json:"infected_scans"`
	ErroredScans    int64     `json:"errored_scans"`
	RejectedActions int64     `json:"rejected_actions"`
	ApprovedActions int64     `json:"approved_actions"`
}

// Report is a snapshot of the audit store: summary plus the most recent
// events.
type Report struct {
	Summary Summary            `json:"summary"`
	Events  []audit.EventModel `json:"events"`
}

// BuildReport assembles a Report from the audit store. limit bounds the
// number of recent events included.
func BuildReport(store *audit.Store, limit int) (*Report, error) {
	r := &Report{Summary: Summary{GeneratedAt: time.Now()}}

	var err error
	if r.Summary.TotalEvents, err = store.CountEvents(); err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}
	if r.Summary.CleanScans, err = store.CountByMetadata("scanResult", models.VerdictClean); err != nil {
		return nil, err
	}
	if r.Summary.InfectedScans, err = store.CountByMetadata("scanResult", models.VerdictInfected); err != nil {
		return nil, err
	}
	if r.Summary.ErroredScans, err = store.CountByMetadata("scanResult", models.VerdictError); err != nil {
		return nil, err
	}
	if r.Summary.RejectedActions, err = store.CountByAction(audit.ActionRejected); err != nil {
		return nil, err
	}
	if r.Summary.ApprovedActions, err = store.CountByAction(audit.ActionApproved); err != nil {
		return nil, err
	}

	if r.Events, err = store.RecentEvents(limit); err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	return r, nil
}

func (r *Report) SaveJSON(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(r)
}

// SaveXLSX writes the report as a workbook: one summary sheet, one sheet
// with the recent events.
func (r *Report) SaveXLSX(filename string) error {
	f := excelize.NewFile()
	defer f.Close()

	const summarySheet = "Summary"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	summaryRows := [][]any{
		{"Generated", r.Summary.GeneratedAt.Format(time.RFC3339)},
		{"Total events", r.Summary.TotalEvents},
		{"Clean scans", r.Summary.CleanScans},
		{"Infected scans", r.Summary.InfectedScans},
		{"Errored scans", r.Summary.ErroredScans},
		{"Rejected actions", r.Summary.RejectedActions},
		{"Approved actions", r.Summary.ApprovedActions},
	}
	for i, row := range summaryRows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return err
		}
	}

	const eventSheet = "Events"
	if _, err := f.NewSheet(eventSheet); err != nil {
		return err
	}
	header := []any{"Timestamp", "Actor", "Role", "Action", "Entity type", "Entity ID", "Metadata"}
	if err := f.SetSheetRow(eventSheet, "A1", &header); err != nil {
		return err
	}
	for i, ev := range r.Events {
		row := []any{
			ev.Timestamp.Format(time.RFC3339),
			ev.ActorID,
			ev.ActorRole,
			ev.Action,
			ev.EntityType,
			ev.EntityID,
			ev.Metadata,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(eventSheet, cell, &row); err != nil {
			return err
		}
	}

	return f.SaveAs(filename)
}
