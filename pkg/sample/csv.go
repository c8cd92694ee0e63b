package sample

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/nicktill/searchsampler/pkg/period"
)

// Columns is the persisted column order
var Columns = []string{"query_time", "sample", "term", "timestamp", "value"}

// WriteCSV writes the table with a header row
func WriteCSV(w io.Writer, t *Table) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(Columns); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, r := range t.Rows {
		record := []string{
			r.QueryTime.UTC().Format(time.RFC3339Nano),
			strconv.Itoa(r.Sample),
			r.Term,
			r.Timestamp.Format(period.DateLayout),
			strconv.FormatFloat(r.Value, 'f', -1, 64),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// ReadCSV parses a table written by WriteCSV. Columns are matched by header
// name, so files with a different column order load as well.
func ReadCSV(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return &Table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	pos := make(map[string]int, len(header))
	for i, name := range header {
		pos[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, col := range Columns {
		if _, ok := pos[col]; !ok {
			return nil, fmt.Errorf("CSV is missing column %q", col)
		}
	}

	t := &Table{}
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(record) < len(header) {
			return nil, fmt.Errorf("line %d: expected %d fields, got %d", line, len(header), len(record))
		}

		row, err := parseRecord(record, pos)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func parseRecord(record []string, pos map[string]int) (Row, error) {
	queryTime, err := dateparse.ParseIn(record[pos["query_time"]], time.UTC)
	if err != nil {
		return Row{}, fmt.Errorf("invalid query_time: %w", err)
	}
	sampleIdx, err := strconv.Atoi(strings.TrimSpace(record[pos["sample"]]))
	if err != nil {
		return Row{}, fmt.Errorf("invalid sample: %w", err)
	}
	ts, err := dateparse.ParseIn(record[pos["timestamp"]], time.UTC)
	if err != nil {
		return Row{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(record[pos["value"]]), 64)
	if err != nil {
		return Row{}, fmt.Errorf("invalid value: %w", err)
	}

	return Row{
		QueryTime: queryTime.UTC(),
		Sample:    sampleIdx,
		Term:      record[pos["term"]],
		Timestamp: period.Date(ts),
		Value:     value,
	}, nil
}
