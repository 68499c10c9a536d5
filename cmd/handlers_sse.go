package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/dirindex/internal/format"
	"github.com/mordilloSan/dirindex/storage"
)

const (
	OperationBuild  = "build"
	OperationVacuum = "vacuum"

	// progressInterval throttles progress events during a build.
	progressInterval = 250 * time.Millisecond
	subscriberBuffer = 64
)

var errStreamClosed = errors.New("work stream closed")

// SSEWriter wraps an http.ResponseWriter for Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer and sets appropriate headers
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// SendEvent sends an SSE event with the given event type and data
func (s *SSEWriter) SendEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData)
	if err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// SendError sends an error event
func (s *SSEWriter) SendError(msg string) error {
	return s.SendEvent("error", map[string]string{"message": msg})
}

// WorkStartedEvent is the first event of every stream.
type WorkStartedEvent struct {
	Operation string `json:"operation"`
	Path      string `json:"path,omitempty"`
	Status    string `json:"status"`
}

// WorkProgressEvent represents a progress update during a build
type WorkProgressEvent struct {
	Operation    string `json:"operation"`
	FilesIndexed int64  `json:"files_indexed"`
	DirsIndexed  int64  `json:"dirs_indexed"`
	CurrentPath  string `json:"current_path,omitempty"`
}

type BuildCompleteEvent struct {
	BuildID    int64 `json:"build_id,omitempty"`
	Listings   int   `json:"listings"`
	NumDirs    int64 `json:"num_dirs"`
	NumFiles   int64 `json:"num_files"`
	TotalSize  int64 `json:"total_size"`
	DurationMs int64 `json:"duration_ms"`
}

// VacuumProgressEvent represents vacuum progress
type VacuumProgressEvent struct {
	Phase   string `json:"phase"`
	Message string `json:"message,omitempty"`
}

type VacuumCompleteEvent struct {
	PrunedBuilds   int   `json:"pruned_builds"`
	ReclaimedBytes int64 `json:"reclaimed_bytes"`
	DurationMs     int64 `json:"duration_ms"`
}

type workStreamEvent struct {
	event string
	data  any
}

// workStreamBroadcaster fans the events of one running operation out to every
// attached stream. Slow subscribers miss events rather than stall the operation.
type workStreamBroadcaster struct {
	operation string
	path      string

	mu     sync.Mutex
	nextID int
	subs   map[int]chan workStreamEvent
	closed bool
}

func newWorkStreamBroadcaster(operation, path string) *workStreamBroadcaster {
	return &workStreamBroadcaster{
		operation: operation,
		path:      path,
		subs:      make(map[int]chan workStreamEvent),
	}
}

func (b *workStreamBroadcaster) Operation() string { return b.operation }

func (b *workStreamBroadcaster) Path() string { return b.path }

func (b *workStreamBroadcaster) subscribe() (int, <-chan workStreamEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, nil, errStreamClosed
	}
	b.nextID++
	ch := make(chan workStreamEvent, subscriberBuffer)
	b.subs[b.nextID] = ch
	return b.nextID, ch, nil
}

func (b *workStreamBroadcaster) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *workStreamBroadcaster) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *workStreamBroadcaster) SendEvent(event string, data any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errStreamClosed
	}
	evt := workStreamEvent{event: event, data: data}
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

func (b *workStreamBroadcaster) SendError(msg string) error {
	return b.SendEvent("error", map[string]string{"message": msg})
}

// close ends every subscription. It is safe to call more than once.
func (b *workStreamBroadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

func (d *daemon) setWorkStreamBroadcaster(b *workStreamBroadcaster) {
	d.streamMu.Lock()
	d.stream = b
	d.streamMu.Unlock()
}

// clearWorkStreamBroadcaster detaches b unless another operation has replaced it.
func (d *daemon) clearWorkStreamBroadcaster(b *workStreamBroadcaster) {
	d.streamMu.Lock()
	if d.stream == b {
		d.stream = nil
	}
	d.streamMu.Unlock()
}

func (d *daemon) currentWorkStream() *workStreamBroadcaster {
	d.streamMu.RLock()
	defer d.streamMu.RUnlock()
	return d.stream
}

// forwardWorkStream copies events to the client until the operation ends or the client leaves.
func forwardWorkStream(ctx context.Context, sse *SSEWriter, b *workStreamBroadcaster, id int, ch <-chan workStreamEvent) {
	defer b.unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := sse.SendEvent(evt.event, evt.data); err != nil {
				logger.Debugf("work stream client gone: %v", err)
				return
			}
		}
	}
}

// streamWork takes the build lock, runs work in the background and streams its events.
// The work runs on the daemon context, so a client disconnecting only detaches the stream.
func (d *daemon) streamWork(w http.ResponseWriter, r *http.Request, operation, path string, work func(context.Context, *workStreamBroadcaster)) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	if !d.tryLockBuild() {
		http.Error(w, errBuildRunning.Error(), http.StatusConflict)
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		d.unlockBuild()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	b := newWorkStreamBroadcaster(operation, path)
	d.setWorkStreamBroadcaster(b)
	id, ch, _ := b.subscribe()

	go func() {
		defer d.unlockBuild()
		work(d.context(), b)
	}()

	_ = sse.SendEvent("started", WorkStartedEvent{Operation: operation, Path: path, Status: "running"})
	forwardWorkStream(r.Context(), sse, b, id, ch)
}

// handleBuildStream handles POST /build/stream with SSE progress updates
func (d *daemon) handleBuildStream(w http.ResponseWriter, r *http.Request) {
	d.streamWork(w, r, OperationBuild, d.cfg.PublicDir, func(ctx context.Context, b *workStreamBroadcaster) {
		_, _ = d.executeBuild(ctx, TriggerAPI, b)
	})
}

// handleVacuumStream handles POST /vacuum/stream with SSE progress updates
func (d *daemon) handleVacuumStream(w http.ResponseWriter, r *http.Request) {
	d.streamWork(w, r, OperationVacuum, "", d.vacuumWithProgress)
}

// attachStatusStream follows the running operation for GET /status?stream=true.
func (d *daemon) attachStatusStream(w http.ResponseWriter, r *http.Request, b *workStreamBroadcaster) bool {
	id, ch, err := b.subscribe()
	if err != nil {
		return false
	}
	sse, err := NewSSEWriter(w)
	if err != nil {
		b.unsubscribe(id)
		return false
	}
	_ = sse.SendEvent("started", WorkStartedEvent{Operation: b.Operation(), Path: b.Path(), Status: "running"})
	forwardWorkStream(r.Context(), sse, b, id, ch)
	return true
}

// vacuumWithProgress runs vacuum and publishes its phases on b
func (d *daemon) vacuumWithProgress(ctx context.Context, b *workStreamBroadcaster) {
	defer func() {
		d.clearWorkStreamBroadcaster(b)
		b.close()
	}()
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 1*time.Hour)
	defer cancel()

	_ = b.SendEvent("progress", VacuumProgressEvent{
		Phase:   "prune",
		Message: "Removing builds beyond the retention limit...",
	})
	ps, err := storage.PruneOldBuilds(ctx, d.db, d.cfg.Serve.KeepBuilds)
	if err != nil {
		logger.Warnf("vacuum: prune failed: %v", err)
	} else if ps.DeletedBuilds > 0 {
		logger.Infof("vacuum: pruned %d builds", ps.DeletedBuilds)
	}

	_ = b.SendEvent("progress", VacuumProgressEvent{
		Phase:   "pre_checkpoint",
		Message: "Running WAL checkpoint before vacuum...",
	})
	if _, err := storage.WALCheckpointTruncate(ctx, d.db); err != nil {
		logger.Warnf("vacuum: wal checkpoint (pre) failed: %v", err)
		_ = b.SendEvent("progress", VacuumProgressEvent{
			Phase:   "pre_checkpoint",
			Message: fmt.Sprintf("WAL checkpoint warning: %v", err),
		})
	}

	_ = b.SendEvent("progress", VacuumProgressEvent{
		Phase:   "vacuum",
		Message: "Running VACUUM (this may take a while)...",
	})
	vs, err := storage.Vacuum(ctx, d.db)
	if err != nil {
		logger.Errorf("vacuum failed: %v", err)
		_ = b.SendError(fmt.Sprintf("vacuum failed: %v", err))
		return
	}
	logger.Infof("Vacuum complete in %v, reclaimed %s", vs.Duration, format.Bytes(vs.Reclaimed()))

	_ = b.SendEvent("progress", VacuumProgressEvent{
		Phase:   "post_checkpoint",
		Message: "Running WAL checkpoint after vacuum...",
	})
	if _, err := storage.WALCheckpointTruncate(ctx, d.db); err != nil {
		logger.Warnf("vacuum: wal checkpoint (post) failed: %v", err)
	}
	_ = storage.ReleaseSQLiteMemory(ctx, d.db)

	_ = b.SendEvent("complete", VacuumCompleteEvent{
		PrunedBuilds:   ps.DeletedBuilds,
		ReclaimedBytes: vs.Reclaimed(),
		DurationMs:     time.Since(start).Milliseconds(),
	})
}
