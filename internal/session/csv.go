package session

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/astanton/acir-dash/internal/meter"
)

var csvHeader = []string{"Cell #", "Type", "Voltage", "ACIR", "Time"}

// ExportCSV writes the readings in the shared flat format:
//
//	Cell #,Type,Voltage,ACIR,Time
//	3,18650,3.6412V,18.2041 mΩ,2026-08-31T10:15:04Z
func ExportCSV(w io.Writer, readings []Reading) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range readings {
		row := []string{
			strconv.Itoa(r.CellIndex),
			r.CellLabel,
			r.Voltage + "V",
			fmt.Sprintf("%s %s", r.Resistance, r.Unit),
			r.Timestamp.Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportFilename builds the download filename: the timestamp with
// characters unfriendly to filesystems replaced, then the cell label
// with path separators replaced.
func ExportFilename(now time.Time, label string) string {
	stamp := strings.NewReplacer(":", "-", ".", "-").Replace(now.Format(time.RFC3339))
	return fmt.Sprintf("%s-%s.csv", stamp, strings.ReplaceAll(label, "/", "_"))
}

// ImportCSV parses the export format back into readings. The parser is
// deliberately tolerant: the header row and blank lines are skipped,
// and any data row with fewer than five comma-separated fields — or a
// cell number that does not parse — is skipped silently rather than
// failing the whole import. A file that yields no readings at all is an
// error with zero side effects.
func ImportCSV(r io.Reader) ([]Reading, error) {
	var readings []Reading

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 5 {
			continue
		}

		cell, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil || cell < 1 {
			// Header row or garbage.
			continue
		}

		voltage, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(fields[2]), "V"), 64)
		if err != nil {
			continue
		}

		acir := strings.Fields(strings.TrimSpace(fields[3]))
		if len(acir) == 0 {
			continue
		}
		resistance, err := strconv.ParseFloat(acir[0], 64)
		if err != nil {
			continue
		}
		unit := meter.UnitMilliohm
		if len(acir) > 1 {
			unit = meter.ParseUnit(acir[1])
		}

		ts, err := time.Parse(time.RFC3339, strings.TrimSpace(fields[4]))
		if err != nil {
			ts = time.Time{}
		}

		readings = append(readings, Reading{
			CellIndex:  cell,
			CellLabel:  strings.TrimSpace(fields[1]),
			Voltage:    fmt.Sprintf("%.4f", voltage),
			Resistance: fmt.Sprintf("%.4f", resistance),
			Unit:       unit,
			Timestamp:  ts,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}
	if len(readings) == 0 {
		return nil, fmt.Errorf("import: no readings found")
	}
	return readings, nil
}
