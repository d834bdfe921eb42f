package pipeline

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"skymatch/internal/pair"
)

// WriteResults persists a pairing run as one CSV file per derived table:
// matched counterparts with their diagnostics, field sources per side, and
// rejected rows per side. Warnings land in a plain text file.
func WriteResults(dir string, res *pair.Results) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	nCuts := 0
	if len(res.Counterparts) > 0 {
		nCuts = len(res.Counterparts[0].AContamProb)
	}
	header := []string{"a_index", "b_index", "match_prob", "sep_arcsec", "eta", "xi",
		"a_contam_flux", "b_contam_flux"}
	for i := 0; i < nCuts; i++ {
		header = append(header, fmt.Sprintf("a_contam_prob_%d", i))
	}
	for i := 0; i < nCuts; i++ {
		header = append(header, fmt.Sprintf("b_contam_prob_%d", i))
	}
	rows := make([][]string, 0, len(res.Counterparts))
	for _, cp := range res.Counterparts {
		row := []string{
			strconv.Itoa(cp.A), strconv.Itoa(cp.B),
			ftoa(cp.Prob), ftoa(cp.Sep), ftoa(cp.Eta), ftoa(cp.Xi),
			ftoa(cp.AContamFlux), ftoa(cp.BContamFlux),
		}
		for _, p := range cp.AContamProb {
			row = append(row, ftoa(p))
		}
		for _, p := range cp.BContamProb {
			row = append(row, ftoa(p))
		}
		rows = append(rows, row)
	}
	if err := writeCSV(filepath.Join(dir, "counterparts.csv"), header, rows); err != nil {
		return err
	}

	if err := writeFieldCSV(filepath.Join(dir, "a_field.csv"), res.AField); err != nil {
		return err
	}
	if err := writeFieldCSV(filepath.Join(dir, "b_field.csv"), res.BField); err != nil {
		return err
	}
	if err := writeIndexCSV(filepath.Join(dir, "a_rejected.csv"), res.ARejected); err != nil {
		return err
	}
	if err := writeIndexCSV(filepath.Join(dir, "b_rejected.csv"), res.BRejected); err != nil {
		return err
	}

	if len(res.Warnings) > 0 {
		var buf []byte
		for _, w := range res.Warnings {
			buf = append(buf, w...)
			buf = append(buf, '\n')
		}
		if err := os.WriteFile(filepath.Join(dir, "warnings.txt"), buf, 0o644); err != nil {
			return fmt.Errorf("writing warnings: %w", err)
		}
	}
	return nil
}

func writeFieldCSV(path string, fields []pair.Field) error {
	rows := make([][]string, 0, len(fields))
	for _, f := range fields {
		rows = append(rows, []string{strconv.Itoa(f.Row), ftoa(f.Prob), ftoa(f.ContamFlux)})
	}
	return writeCSV(path, []string{"index", "field_prob", "contam_flux"}, rows)
}

func writeIndexCSV(path string, idx []int) error {
	rows := make([][]string, 0, len(idx))
	for _, i := range idx {
		rows = append(rows, []string{strconv.Itoa(i)})
	}
	return writeCSV(path, []string{"index"}, rows)
}

func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func ftoa(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
