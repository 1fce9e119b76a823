package review

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jmtavares/depovox/internal/catalog"
)

// csvHeader is the column layout of the review artifact. One row per staged
// record; the reviewer works off this file when not using the terminal.
var csvHeader = []string{
	"record_id", "state", "drug_name", "dose", "lot", "new_drug",
	"movement_type", "pieces", "unresolved_boxes", "delta",
	"destination_origin", "date_movement", "signature",
	"confidence", "duplicate", "candidates", "transcript_ref",
}

// WriteCSV renders a staged batch as the CSV review artifact.
func WriteCSV(w io.Writer, batch *StagedBatch) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("review: write csv header: %w", err)
	}

	for _, rec := range batch.Records {
		tx := rec.Tx
		row := []string{
			rec.ID,
			string(rec.State),
			tx.Record.DrugName,
			tx.Record.Dose,
			tx.Record.Lot,
			strconv.FormatBool(tx.CreatesDrug()),
			string(tx.Movement.Type),
			strconv.Itoa(tx.Movement.Pieces),
			strconv.Itoa(tx.UnresolvedBoxes),
			strconv.Itoa(tx.Delta),
			tx.Movement.DestinationOrigin,
			csvDate(tx.Movement.Date),
			tx.Movement.Signature,
			strconv.FormatFloat(tx.Confidence, 'f', 3, 64),
			strconv.FormatBool(rec.Duplicate),
			csvCandidates(rec.Candidates),
			tx.TranscriptRef,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("review: write csv row: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("review: flush csv: %w", err)
	}
	return nil
}

// csvCandidates renders an ambiguous record's ranked candidates as one cell
// the reviewer can read without the terminal.
func csvCandidates(cs []catalog.Candidate) string {
	if len(cs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(cs))
	for _, c := range cs {
		part := fmt.Sprintf("%d:%s", c.Drug.ID, c.Drug.Name)
		if c.Drug.Dose != "" {
			part += " " + c.Drug.Dose
		}
		parts = append(parts, fmt.Sprintf("%s (%.3f)", part, c.Score))
	}
	return strings.Join(parts, "; ")
}

func csvDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(catalog.DateFormat)
}
