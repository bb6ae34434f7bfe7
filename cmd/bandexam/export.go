package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/xuri/excelize/v2"

	"github.com/pavelanni/bandexam/internal/model"
	"github.com/pavelanni/bandexam/internal/store"
)

const resultsSheet = "Results"

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportResults()
	if err != nil {
		return fmt.Errorf("export results: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch format := strings.ToLower(v.GetString("format")); format {
	case "json":
		return writeJSON(w, export)
	case "xlsx":
		return writeXLSX(w, export)
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
}

func writeJSON(w io.Writer, export model.ResultExport) error {
	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)
	return nil
}

var sheetHeader = []any{
	"Exam ID", "Candidate ID", "Test date", "Module", "Set", "Raw", "Max raw", "Band",
	"Examiner band", "Provisional", "Pending review", "Trigger", "Time spent (s)",
	"Answered", "Recordings", "Uploaded", "Synced", "Submitted at", "Overall",
}

// writeXLSX writes one row per module result.
func writeXLSX(w io.Writer, export model.ResultExport) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", resultsSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetSheetRow(resultsSheet, "A1", &sheetHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	row := 2
	for _, exam := range export.Exams {
		var overall any
		if exam.Overall != nil {
			overall = *exam.Overall
		}
		for _, m := range exam.Modules {
			var examiner any
			if m.ExaminerBand != nil {
				examiner = *m.ExaminerBand
			}
			cells := []any{
				exam.ExamID, exam.CandidateID, exam.TestDate, string(m.Module), m.Set, m.Raw, m.MaxRaw, m.Band,
				examiner, m.Provisional, m.PendingReview, string(m.Trigger), m.TimeSpent,
				m.Answered, m.Recordings, m.Uploaded, m.Synced, m.SubmittedAt, overall,
			}
			cell, err := excelize.CoordinatesToCellName(1, row)
			if err != nil {
				return err
			}
			if err := f.SetSheetRow(resultsSheet, cell, &cells); err != nil {
				return fmt.Errorf("write row %d: %w", row, err)
			}
			row++
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
