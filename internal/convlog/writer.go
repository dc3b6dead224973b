// Package convlog records conversation turns and system events as JSON
// lines, one file per day, without ever blocking the pipeline's frame path.
// Entries are queued in memory and flushed by a background goroutine; when
// the queue is full new entries are dropped and counted rather than applying
// backpressure to the caller.
package convlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

const defaultQueueSize = 256

// Writer appends JSON-encoded values to date-stamped JSONL files in a
// directory. Enqueue never blocks; Run drains the queue.
type Writer struct {
	dir    string
	prefix string
	size   int
	log    *slog.Logger

	queue   chan any
	dropped atomic.Int64
}

// WriterOption is a functional option for [NewWriter].
type WriterOption func(*Writer)

// WithQueueSize sets the entry queue capacity. Default: 256.
func WithQueueSize(n int) WriterOption {
	return func(w *Writer) { w.size = n }
}

// WithWriterLogger sets the logger. Default: slog.Default.
func WithWriterLogger(log *slog.Logger) WriterOption {
	return func(w *Writer) { w.log = log }
}

// NewWriter creates a Writer appending to files named
// "<prefix>_<YYYY-MM-DD>.jsonl" under dir.
func NewWriter(dir, prefix string, opts ...WriterOption) *Writer {
	w := &Writer{
		dir:    dir,
		prefix: prefix,
		size:   defaultQueueSize,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	w.queue = make(chan any, w.size)
	return w
}

// Enqueue queues v for appending. When the queue is full the entry is
// dropped and counted.
func (w *Writer) Enqueue(v any) {
	select {
	case w.queue <- v:
	default:
		n := w.dropped.Add(1)
		w.log.Warn("log queue full, dropping entry", "file_prefix", w.prefix, "dropped_total", n)
	}
}

// Dropped returns the number of entries dropped because the queue was full.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Run flushes queued entries until ctx is cancelled, then drains whatever is
// still queued before returning the context's error.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case v := <-w.queue:
					w.append(v)
				default:
					return ctx.Err()
				}
			}
		case v := <-w.queue:
			w.append(v)
		}
	}
}

// append marshals v and appends it to today's file. Failures are logged and
// the entry is lost; the log is an observability aid, not a system of record.
func (w *Writer) append(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.log.Warn("marshal log entry", "file_prefix", w.prefix, "error", err)
		return
	}
	data = append(data, '\n')

	path := w.currentPath()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		w.log.Warn("open log file", "path", path, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		w.log.Warn("write log entry", "path", path, "error", err)
	}
}

// currentPath returns today's file path; the date is evaluated per write so
// files roll over at midnight.
func (w *Writer) currentPath() string {
	name := fmt.Sprintf("%s_%s.jsonl", w.prefix, time.Now().Format("2006-01-02"))
	return filepath.Join(w.dir, name)
}
