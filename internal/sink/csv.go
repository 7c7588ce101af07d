package sink

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"steammarket/parser/internal/domain"
	"steammarket/parser/internal/metrics"
)

var Header = []string{"hash_name", "item_nameid"}

// CSVSink appends records to a CSV file, writing the header only into a
// missing or empty file. It is not safe for concurrent use.
type CSVSink struct {
	path string
	f    *os.File
	bufw *bufio.Writer
	w    *csv.Writer
}

// Open opens path for appending, creating it and its directory as needed.
func Open(path string) (*CSVSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	needHeader := false
	fi, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		needHeader = true
	case err != nil:
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	case fi.Size() == 0:
		needHeader = true
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	bufw := bufio.NewWriterSize(f, 64<<10)
	s := &CSVSink{
		path: path,
		f:    f,
		bufw: bufw,
		w:    csv.NewWriter(bufw),
	}

	if needHeader {
		if err := s.w.Write(Header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
		if err := s.Flush(); err != nil {
			f.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *CSVSink) Path() string {
	return s.path
}

// Append buffers one row. A nil id is written as an empty field.
func (s *CSVSink) Append(ctx context.Context, rec domain.EnrichedRecord) error {
	if err := s.w.Write([]string{rec.DisplayName, rec.ID()}); err != nil {
		metrics.SinkRows.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to append %q: %w", rec.DisplayName, err)
	}
	metrics.SinkRows.WithLabelValues("ok").Inc()
	return nil
}

func (s *CSVSink) Flush() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", s.path, err)
	}
	if err := s.bufw.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", s.path, err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", s.path, err)
	}
	return nil
}

func (s *CSVSink) Close() error {
	flushErr := s.Flush()
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", s.path, err)
	}
	return flushErr
}

// ResolvePath maps the configured output path onto a CSV file. A directory
// (existing, or written with a trailing separator) gets <appID>.csv inside
// it; a path without extension gets .csv appended.
func ResolvePath(outputPath, appID string) string {
	if strings.HasSuffix(outputPath, "/") || strings.HasSuffix(outputPath, string(os.PathSeparator)) {
		return filepath.Join(outputPath, appID+".csv")
	}
	if fi, err := os.Stat(outputPath); err == nil && fi.IsDir() {
		return filepath.Join(outputPath, appID+".csv")
	}
	if filepath.Ext(outputPath) == "" {
		return outputPath + ".csv"
	}
	return outputPath
}

// CountRows returns the number of data rows in the CSV at path. A missing
// file has zero rows.
func CountRows(path string) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = -1

	rows := 0
	first := true
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return rows, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if first {
			first = false
			if isHeader(record) {
				continue
			}
		}
		rows++
	}
	return rows, nil
}

func isHeader(record []string) bool {
	return len(record) == len(Header) && record[0] == Header[0] && record[1] == Header[1]
}
