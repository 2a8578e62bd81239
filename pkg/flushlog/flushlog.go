// Package flushlog records every forced write-back of a capture session to
// a parquet file, with the session configuration stored as key/value
// metadata, so flush latency can be analysed after the fact.
package flushlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/segmentio/parquet-go"
)

// Record is one write-back call.
type Record struct {
	Time      int64  `parquet:"time_unix_nano"`
	Offset    int64  `parquet:"offset"`
	Length    int64  `parquet:"length"`
	Cursor    int64  `parquet:"cursor"`
	LatencyUs int64  `parquet:"latency_us"`
	Fallback  bool   `parquet:"fallback"`
	Error     string `parquet:"error"`
}

// Latency returns the recorded call latency.
func (r Record) Latency() time.Duration { return time.Duration(r.LatencyUs) * time.Microsecond }

// Writer appends Records. It is not safe for concurrent use.
type Writer struct {
	file   io.Closer
	writer *parquet.GenericWriter[Record]
	rows   int
}

// NewWriter writes records to w. config, if not nil, is serialised to JSON
// and stored under the "config" metadata key.
func NewWriter(w io.WriteCloser, config any) *Writer {
	configStr := "{}"
	if config != nil {
		b, _ := json.Marshal(config)
		configStr = string(b)
	}
	return &Writer{
		file: w,
		writer: parquet.NewGenericWriter[Record](w,
			parquet.KeyValueMetadata("config", configStr),
		),
	}
}

func Create(path string, config any) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create flush log: %w", err)
	}
	return NewWriter(f, config), nil
}

func (w *Writer) Append(r Record) error {
	if _, err := w.writer.Write([]Record{r}); err != nil {
		return err
	}
	w.rows++
	return nil
}

// Rows is the number of records appended so far.
func (w *Writer) Rows() int { return w.rows }

func (w *Writer) Close() error {
	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// ReadFile loads every record of a flush log together with its stored
// configuration JSON.
func ReadFile(path string) ([]Record, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, "", err
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return nil, "", fmt.Errorf("open parquet %s: %w", path, err)
	}
	config, _ := pf.Lookup("config")

	r := parquet.NewGenericReader[Record](f)
	defer r.Close()
	rows := make([]Record, r.NumRows())
	n, err := r.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, "", err
	}
	return rows[:n], config, nil
}
