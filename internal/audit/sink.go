package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// channelCapacity bounds the in-process queue between request goroutines
// and the single writer goroutine, per spec.md §4.7.
const channelCapacity = 4096

// Sink is the process-wide audit writer. One Sink runs one writer
// goroutine that serializes every database write, exactly as spec.md §5
// requires for the audit subsystem.
type Sink struct {
	basePath string
	logger   *slog.Logger

	records chan CallRecord
	done    chan struct{}
	wg      sync.WaitGroup

	mu          sync.Mutex
	db          *sql.DB
	activeMonth string

	dropped atomic.Uint64
}

// NewSink opens (or creates) the current month's database file under
// basePath's directory and starts the writer goroutine. basePath is the
// RECD_PATH environment value: a directory or a file path whose directory
// houses the rotating record_YYYY_MM.db files.
func NewSink(basePath string, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := basePath
	if filepath.Ext(basePath) != "" {
		dir = filepath.Dir(basePath)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: creating directory: %w", err)
	}

	s := &Sink{
		basePath: dir,
		logger:   logger,
		records:  make(chan CallRecord, channelCapacity),
		done:     make(chan struct{}),
	}

	if err := s.rotateIfNeeded(time.Now()); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Enqueue submits rec for durable persistence without blocking the caller's
// request path. If the channel is full, the oldest queued record is
// dropped to make room and a counter is incremented — overflow favors
// availability of the hot path over audit completeness, per spec.md's
// best-effort durability non-goal.
func (s *Sink) Enqueue(rec CallRecord) {
	select {
	case s.records <- rec:
		return
	default:
	}

	select {
	case <-s.records:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.records <- rec:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of records discarded due to channel overflow.
func (s *Sink) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Sink) run() {
	defer s.wg.Done()
	for {
		select {
		case rec := <-s.records:
			s.write(rec)
		case <-s.done:
			// Best-effort flush: drain whatever is already queued, then stop.
			for {
				select {
				case rec := <-s.records:
					s.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) write(rec CallRecord) {
	if err := s.rotateIfNeeded(time.UnixMilli(rec.Timestamp)); err != nil {
		s.logger.Error("audit rotation failed, dropping record", "error", err)
		return
	}

	s.mu.Lock()
	db := s.db
	s.mu.Unlock()

	_, err := db.Exec(insertSQL,
		rec.Timestamp, rec.RequestID, rec.ClientIP, rec.ModelRequested, rec.ModelServed, rec.Endpoint,
		rec.PromptDigest, rec.CompletionText, rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
		boolToInt(rec.IsMultimodal), boolToInt(rec.IsToolCall), rec.LatencyMS,
		strings.Join(rec.RetryPath, ","), rec.FinalStatus,
	)
	if err != nil {
		s.logger.Error("audit insert failed", "error", err)
	}
}

// rotateIfNeeded compares at's calendar month against the currently open
// file's month and swaps to a fresh record_YYYY_MM.db file on change. The
// check is O(1); the swap briefly holds the mutex but never blocks the
// bounded channel itself.
func (s *Sink) rotateIfNeeded(at time.Time) error {
	month := at.UTC().Format("2006_01")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil && s.activeMonth == month {
		return nil
	}

	path := filepath.Join(s.basePath, fmt.Sprintf("record_%s.db", month))
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("audit: opening %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("audit: pinging %s: %w", path, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return fmt.Errorf("audit: initializing schema in %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		s.logger.Warn("failed to set audit file permissions to 0600", "path", path, "error", err)
	}

	old := s.db
	s.db = db
	s.activeMonth = month

	if old != nil {
		old.Close()
	}
	s.logger.Info("audit store rotated", "path", path)
	return nil
}

// Close stops the writer goroutine after a best-effort flush and closes the
// active database handle. Callers invoke this within the shutdown grace
// window (spec.md §5's 5s force-abort rule).
func (s *Sink) Close(ctx context.Context) error {
	close(s.done)

	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
	case <-ctx.Done():
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS call_records (
    timestamp INTEGER NOT NULL,
    request_id TEXT,
    client_ip TEXT NOT NULL,
    model_requested TEXT NOT NULL,
    model_served TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    prompt_digest TEXT,
    completion_text TEXT,
    prompt_tokens INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    total_tokens INTEGER NOT NULL DEFAULT 0,
    is_multimodal INTEGER NOT NULL DEFAULT 0,
    is_tool_call INTEGER NOT NULL DEFAULT 0,
    latency_ms INTEGER NOT NULL DEFAULT 0,
    retry_path TEXT,
    final_status INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_call_records_timestamp_model ON call_records(timestamp, model_requested);
`

const insertSQL = `
INSERT INTO call_records (
    timestamp, request_id, client_ip, model_requested, model_served, endpoint,
    prompt_digest, completion_text, prompt_tokens, completion_tokens, total_tokens,
    is_multimodal, is_tool_call, latency_ms, retry_path, final_status
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`
