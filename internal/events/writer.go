// Package events implements the JSONL event stream spec.md §6.4 describes:
// append-only, rotated at 100 MB, older files gzip-archived. station emits
// structured logs via internal/logging but never persists a durable event
// stream of its own, so this is grounded on the same afero.Fs discipline
// internal/checkpoint and internal/dlq use, plus station's own otel tracing
// (internal/agent/transport.go) as the correlation_id source: when the
// triggering context carries a live span, its trace ID becomes the
// correlation_id, so an event stream can be cross-referenced against a
// trace backend when one's configured; otherwise a fresh uuid is minted.
package events

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/trace"

	"conductor/internal/logging"
)

// maxFileSize triggers rotation once the active JSONL file would exceed it
// (spec.md §6.2: "rotated at 100 MB").
const maxFileSize = 100 * 1024 * 1024

const osAppendFlags = os.O_APPEND | os.O_CREATE | os.O_WRONLY

// Record is one JSONL line: {id, timestamp, correlation_id, event, metadata}.
type Record struct {
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
	Event         string                 `json:"event"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Writer is an append-only, self-rotating JSONL event stream for one job,
// satisfying mapreduce.EventSink.
type Writer struct {
	fs  afero.Fs
	dir string

	mu          sync.Mutex
	file        afero.File
	currentName string
	size        int64
}

// NewWriter creates a Writer rooted at <baseDir>/mapreduce/jobs/<jobID>/events.
func NewWriter(fs afero.Fs, baseDir, jobID string) *Writer {
	return &Writer{fs: fs, dir: filepath.Join(baseDir, "mapreduce", "jobs", jobID, "events")}
}

// Emit appends one event record, rotating the active file first if needed.
// Errors are logged, not returned or panicked on: event emission is
// best-effort telemetry, never load-bearing for the map/reduce run itself.
func (w *Writer) Emit(ctx context.Context, jobID string, kind string, metadata map[string]interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec := Record{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID(ctx),
		Event:         kind,
		Metadata:      metadata,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		logging.Info("events: encode %s for job %s failed: %v", kind, jobID, err)
		return
	}
	data = append(data, '\n')

	if err := w.ensureOpenLocked(); err != nil {
		logging.Info("events: open stream for job %s failed: %v", jobID, err)
		return
	}
	if w.size+int64(len(data)) > maxFileSize {
		if err := w.rotateLocked(); err != nil {
			logging.Info("events: rotate stream for job %s failed: %v", jobID, err)
			return
		}
	}

	n, err := w.file.Write(data)
	if err != nil {
		logging.Info("events: write %s for job %s failed: %v", kind, jobID, err)
		return
	}
	w.size += int64(n)
}

func (w *Writer) ensureOpenLocked() error {
	if w.file != nil {
		return nil
	}
	if err := w.fs.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	name := activeFilename(time.Now().UTC())
	f, err := w.fs.OpenFile(filepath.Join(w.dir, name), osAppendFlags, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.file = f
	w.currentName = name
	w.size = info.Size()
	return nil
}

func (w *Writer) rotateLocked() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return err
		}
		if err := w.gzipArchive(w.currentName); err != nil {
			return err
		}
	}
	name := activeFilename(time.Now().UTC())
	f, err := w.fs.OpenFile(filepath.Join(w.dir, name), osAppendFlags, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.currentName = name
	w.size = 0
	return nil
}

// gzipArchive compresses name into name+".gz" and removes the plain file,
// matching the "events-*.jsonl.gz" rotated-archive naming spec.md §6.2
// names.
func (w *Writer) gzipArchive(name string) error {
	src, err := w.fs.Open(filepath.Join(w.dir, name))
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := w.fs.OpenFile(filepath.Join(w.dir, name+".gz"), osAppendFlags, 0o644)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		dst.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return w.fs.Remove(filepath.Join(w.dir, name))
}

// Close flushes and closes the active file, if any.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func activeFilename(t time.Time) string {
	return fmt.Sprintf("events-%s.jsonl", t.Format("20060102T150405"))
}

// ArchivedFiles lists every event file for a job (the active .jsonl file as
// well as rotated .jsonl.gz archives), ascending by name (which sorts chronologically given the filename's
// fixed-width timestamp).
func ArchivedFiles(fs afero.Fs, baseDir, jobID string) ([]string, error) {
	dir := filepath.Join(baseDir, "mapreduce", "jobs", jobID, "events")
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, info := range infos {
		if strings.HasPrefix(info.Name(), "events-") {
			names = append(names, info.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// correlationID derives spec.md §6.4's correlation_id: the active otel span's
// trace ID when one is present on ctx, otherwise a fresh uuid so every
// record still gets a stable, unique correlation key.
func correlationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.NewString()
}
