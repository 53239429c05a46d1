// Package dataset loads labelled comments, splits them into train and eval
// subsets, and encodes them for the trainer.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gocarina/gocsv"
)

var (
	ErrMissingColumn = errors.New("column not found in header")
	ErrEmptyDataset  = errors.New("dataset has no rows")
	ErrInvalidSplit  = errors.New("invalid split")
)

// Comment is one labelled row of the input table.
type Comment struct {
	Text  string `csv:"text"`
	Label string `csv:"label"`
}

// Texts returns the text column of records.
func Texts(records []Comment) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Text
	}
	return out
}

// Labels returns the label column of records.
func Labels(records []Comment) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Label
	}
	return out
}

// Load reads a CSV table and returns its rows as Comments, taking the text
// and label from the named columns. Extra columns are ignored.
func Load(path, textColumn, labelColumn string) ([]Comment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	records, err := Read(f, textColumn, labelColumn)
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", path, err)
	}
	slog.Debug("Loaded dataset", "path", path, "rows", len(records))
	return records, nil
}

// Read parses CSV from r. See Load.
func Read(r io.Reader, textColumn, labelColumn string) ([]Comment, error) {
	in := newColumnReader(r, textColumn, labelColumn)
	var records []Comment
	err := gocsv.UnmarshalCSV(in, &records)
	if in.headerErr != nil {
		return nil, in.headerErr
	}
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrEmptyDataset
	}
	return records, nil
}

// columnReader is a tolerant csv reader that renames the configured text and
// label headers to the names Comment's tags expect.
type columnReader struct {
	r           *csv.Reader
	textColumn  string
	labelColumn string
	sawHeader   bool
	headerErr   error
}

func newColumnReader(r io.Reader, textColumn, labelColumn string) *columnReader {
	cr := csv.NewReader(r)
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1
	return &columnReader{r: cr, textColumn: textColumn, labelColumn: labelColumn}
}

func (c *columnReader) Read() ([]string, error) {
	row, err := c.r.Read()
	if err == io.EOF && !c.sawHeader {
		c.sawHeader = true
		c.headerErr = ErrEmptyDataset
		return nil, err
	}
	if err != nil || c.sawHeader {
		return row, err
	}
	c.sawHeader = true
	return c.renameHeader(row)
}

func (c *columnReader) ReadAll() ([][]string, error) {
	var rows [][]string
	for {
		row, err := c.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}

func (c *columnReader) renameHeader(header []string) ([]string, error) {
	out := make([]string, len(header))
	textIdx, labelIdx := -1, -1
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		switch {
		case h == c.textColumn && textIdx < 0:
			textIdx = i
			out[i] = "text"
		case h == c.labelColumn && labelIdx < 0:
			labelIdx = i
			out[i] = "label"
		default:
			// keep unrelated columns from colliding with the canonical names
			out[i] = "_" + h
		}
	}
	switch {
	case textIdx < 0:
		c.headerErr = fmt.Errorf("%w: %q", ErrMissingColumn, c.textColumn)
	case labelIdx < 0:
		c.headerErr = fmt.Errorf("%w: %q", ErrMissingColumn, c.labelColumn)
	}
	if c.headerErr != nil {
		return nil, c.headerErr
	}
	return out, nil
}
