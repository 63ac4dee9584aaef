// Package watcher turns a drop directory into an ingestion source.
// Files copied into the watched directory are debounced, stored as
// uploads and enqueued as ingest jobs for the worker pool.
package watcher

import (
	"context"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	apperr "github.com/edupilot/edupilot/internal/errors"
	"github.com/edupilot/edupilot/internal/jobs"
	"github.com/edupilot/edupilot/internal/telemetry"
	"github.com/edupilot/edupilot/internal/upload"
)

// Operation describes what happened to a file.
type Operation int

const (
	OpUnknown Operation = iota
	OpCreate
	OpModify
	OpDelete
	OpRename
)

// String returns the operation name.
func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// FileEvent is one observed change in the drop directory.
type FileEvent struct {
	Path      string
	Operation Operation
	Timestamp time.Time
}

// Options configures the watcher.
type Options struct {
	// DebounceWindow coalesces rapid events for the same path, so a file
	// still being copied is picked up once, after writes settle.
	DebounceWindow time.Duration
	// IgnorePatterns are filepath.Match patterns (against the base name)
	// for files that are never ingested.
	IgnorePatterns []string
	// KeepFiles leaves dropped files in place after enqueueing. By
	// default a consumed file is removed so restarts do not re-ingest it.
	KeepFiles bool
}

// DefaultOptions returns the default watcher configuration.
func DefaultOptions() Options {
	return Options{
		DebounceWindow: 200 * time.Millisecond,
		IgnorePatterns: []string{".*", "*.tmp", "*.part", "*.swp", "*~"},
	}
}

// WithDefaults fills zero fields with defaults.
func (o Options) WithDefaults() Options {
	def := DefaultOptions()
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = def.DebounceWindow
	}
	if o.IgnorePatterns == nil {
		o.IgnorePatterns = def.IgnorePatterns
	}
	return o
}

// DropWatcher watches one directory and feeds the ingest job queue.
type DropWatcher struct {
	dir     string
	uploads *upload.Store
	queue   *jobs.Queue
	opts    Options
	metrics *telemetry.Registry
	logger  *slog.Logger
}

// New creates a watcher for dir. The directory is created if missing.
func New(dir string, uploads *upload.Store, queue *jobs.Queue, opts Options, metrics *telemetry.Registry, logger *slog.Logger) (*DropWatcher, error) {
	if dir == "" {
		return nil, apperr.Validation("watch directory is required")
	}
	if uploads == nil || queue == nil {
		return nil, apperr.Validation("watcher requires an upload store and a job queue")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.Internal("create watch directory", err)
	}
	return &DropWatcher{
		dir:     dir,
		uploads: uploads,
		queue:   queue,
		opts:    opts.WithDefaults(),
		metrics: metrics,
		logger:  logger,
	}, nil
}

// Run watches until the context is cancelled. Files already present in
// the directory at startup are consumed first.
func (w *DropWatcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return apperr.Internal("create filesystem watcher", err)
	}
	defer func() { _ = fsw.Close() }()

	if err := fsw.Add(w.dir); err != nil {
		return apperr.Internal("watch directory", err)
	}

	deb := newDebouncer(w.opts.DebounceWindow)
	defer deb.stop()

	w.logger.Info("watcher_started", slog.String("dir", w.dir))
	w.scanExisting()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if fe, keep := w.translate(ev); keep {
				deb.add(fe)
			}

		case batch, ok := <-deb.output():
			if !ok {
				return nil
			}
			for _, fe := range batch {
				w.handle(fe)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.count("watch_errors")
			w.logger.Warn("watcher_error", slog.String("error", err.Error()))
		}
	}
}

// scanExisting consumes files that were dropped while the watcher was
// not running.
func (w *DropWatcher) scanExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("watcher_scan_failed", slog.String("error", err.Error()))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || w.ignored(entry.Name()) {
			continue
		}
		w.handle(FileEvent{
			Path:      filepath.Join(w.dir, entry.Name()),
			Operation: OpCreate,
			Timestamp: time.Now(),
		})
	}
}

// translate maps an fsnotify event onto a FileEvent, filtering out
// ignored names and operations the watcher does not act on.
func (w *DropWatcher) translate(ev fsnotify.Event) (FileEvent, bool) {
	if w.ignored(filepath.Base(ev.Name)) {
		return FileEvent{}, false
	}

	var op Operation
	switch {
	case ev.Op.Has(fsnotify.Create):
		op = OpCreate
	case ev.Op.Has(fsnotify.Write):
		op = OpModify
	case ev.Op.Has(fsnotify.Remove):
		op = OpDelete
	case ev.Op.Has(fsnotify.Rename):
		op = OpRename
	default:
		return FileEvent{}, false
	}

	return FileEvent{Path: ev.Name, Operation: op, Timestamp: time.Now()}, true
}

func (w *DropWatcher) ignored(name string) bool {
	for _, pattern := range w.opts.IgnorePatterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// handle consumes one settled file: store bytes as an upload, enqueue
// an ingest job, then remove the source unless KeepFiles is set.
func (w *DropWatcher) handle(fe FileEvent) {
	if fe.Operation == OpDelete || fe.Operation == OpRename {
		return
	}

	info, err := os.Stat(fe.Path)
	if err != nil || info.IsDir() {
		return
	}
	if info.Size() == 0 {
		// Still being written; a later write event re-triggers.
		return
	}

	data, err := os.ReadFile(fe.Path)
	if err != nil {
		w.count("watch_errors")
		w.logger.Warn("watcher_read_failed",
			slog.String("path", fe.Path),
			slog.String("error", err.Error()))
		return
	}

	name := filepath.Base(fe.Path)
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))

	meta, err := w.uploads.Put(data, name, mimeType, upload.PurposeRAG)
	if err != nil {
		w.count("watch_errors")
		w.logger.Warn("watcher_store_failed",
			slog.String("path", fe.Path),
			slog.String("error", err.Error()))
		return
	}

	job, err := w.queue.Enqueue("watch", meta.ID, meta.Filename, meta.MimeType)
	if err != nil {
		w.count("watch_errors")
		w.logger.Warn("watcher_enqueue_failed",
			slog.String("path", fe.Path),
			slog.String("error", err.Error()))
		return
	}

	if !w.opts.KeepFiles {
		if err := os.Remove(fe.Path); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("watcher_consume_failed",
				slog.String("path", fe.Path),
				slog.String("error", err.Error()))
		}
	}

	w.count("watch_enqueued")
	w.logger.Info("watch_file_enqueued",
		slog.String("path", fe.Path),
		slog.String("job_id", job.ID),
		slog.String("upload_id", meta.ID))
}

func (w *DropWatcher) count(name string) {
	if w.metrics != nil {
		w.metrics.Inc(name)
	}
}
