// Package samples reads observed spin configurations and writes sampled
// replicas as CSV.
package samples

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"maxent/internal/model"
)

var ErrInconsistentColumns = errors.New("inconsistent number of columns")

// Rows is a read-only matrix of configurations.
type Rows interface {
	NSpins() int
	Len() int
	Row(i int) model.Spins
}

// ReadCSV parses one configuration per line. Lines starting with '#' are
// comments, and the first data line is a header when its first field starts
// with a letter.
func ReadCSV(in io.Reader) ([]model.Spins, error) {
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1
	reader.Comment = '#'
	reader.TrimLeadingSpace = true

	var (
		rows          []model.Spins
		width         int
		headerChecked bool
	)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read samples csv: %w", err)
		}
		if !headerChecked {
			headerChecked = true
			if isHeader(record) {
				continue
			}
		}
		line, _ := reader.FieldPos(0)
		if len(rows) == 0 {
			width = len(record)
		} else if len(record) != width {
			return nil, fmt.Errorf("%w: line %d has %d columns, want %d", ErrInconsistentColumns, line, len(record), width)
		}
		row := make(model.Spins, len(record))
		for i, field := range record {
			v, err := strconv.Atoi(strings.TrimSpace(field))
			if err != nil {
				return nil, fmt.Errorf("line %d column %d: %w", line, i+1, err)
			}
			if v != 1 && v != -1 {
				return nil, fmt.Errorf("line %d column %d: spin value %d is not +1 or -1", line, i+1, v)
			}
			row[i] = int8(v)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, errors.New("samples csv has no data rows")
	}
	return rows, nil
}

func ReadFile(path string) ([]model.Spins, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	rows, err := ReadCSV(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}

func isHeader(record []string) bool {
	if len(record) == 0 {
		return false
	}
	first := strings.TrimSpace(record[0])
	return first != "" && unicode.IsLetter(rune(first[0]))
}

// WriteCSV writes a s1..sN header followed by one row per configuration.
func WriteCSV(out io.Writer, rows Rows) error {
	writer := csv.NewWriter(out)
	n := rows.NSpins()
	record := make([]string, n)
	for i := range record {
		record[i] = "s" + strconv.Itoa(i+1)
	}
	if err := writer.Write(record); err != nil {
		return err
	}
	for r := 0; r < rows.Len(); r++ {
		row := rows.Row(r)
		for i := range record {
			record[i] = strconv.Itoa(int(row[i]))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func WriteFile(path string, rows Rows) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteCSV(file, rows); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// Matrix adapts parsed rows to Rows.
type Matrix []model.Spins

func (m Matrix) NSpins() int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}

func (m Matrix) Len() int              { return len(m) }
func (m Matrix) Row(i int) model.Spins { return m[i] }
