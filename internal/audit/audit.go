// Package audit persists a log of every retroactive change decision. The
// log is append-only JSONL keyed by change ID, which is what makes manual
// reversal possible: a reversal is reconstructed from the recorded change,
// never from live canon.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"storyloom/pkg/types"
)

// EventType represents the type of audit event
type EventType string

const (
	EventRetconApplied  EventType = "retcon_applied"
	EventRetconRejected EventType = "retcon_rejected"
	EventRetconReversed EventType = "retcon_reversed"
)

// Event is a single audit log entry
type Event struct {
	ID           string                   `json:"id"`
	Timestamp    time.Time                `json:"timestamp"`
	EventType    EventType                `json:"event_type"`
	SessionID    string                   `json:"session_id"`
	ResolutionID string                   `json:"resolution_id,omitempty"`
	ChangeID     string                   `json:"change_id,omitempty"`
	CreatedID    string                   `json:"created_id,omitempty"` // ID of the superseding version
	Change       *types.RetroactiveChange `json:"change,omitempty"`
	Reason       string                   `json:"reason,omitempty"`
	Success      bool                     `json:"success"`
}

// Logger writes audit events to per-day JSONL files with buffered flushing
type Logger struct {
	baseDir string

	mu     sync.Mutex
	buffer []Event
	done   chan struct{}
	wg     sync.WaitGroup

	// counters by event type, for operational visibility
	counts map[EventType]int64
}

// NewLogger creates an audit logger rooted at baseDir. flushInterval
// bounds how long an event may sit in the buffer.
func NewLogger(baseDir string, flushInterval time.Duration) (*Logger, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	if flushInterval <= 0 {
		flushInterval = 30 * time.Second
	}

	l := &Logger{
		baseDir: baseDir,
		buffer:  make([]Event, 0, 64),
		done:    make(chan struct{}),
		counts:  make(map[EventType]int64),
	}

	l.wg.Add(1)
	go l.flushLoop(flushInterval)
	return l, nil
}

func (l *Logger) flushLoop(interval time.Duration) {
	defer l.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = l.Flush()
		case <-l.done:
			return
		}
	}
}

// RecordApplied logs a successfully committed retroactive change.
// createdID names the superseding version the change produced; a manual
// reversal targets that version.
func (l *Logger) RecordApplied(sessionID, resolutionID string, change *types.RetroactiveChange, createdID string) {
	l.add(Event{
		ID:           uuid.New().String(),
		Timestamp:    time.Now().UTC(),
		EventType:    EventRetconApplied,
		SessionID:    sessionID,
		ResolutionID: resolutionID,
		ChangeID:     change.ID,
		CreatedID:    createdID,
		Change:       change,
		Success:      true,
	})
}

// RecordRejected logs a change batch that failed pre-commit validation
func (l *Logger) RecordRejected(sessionID, resolutionID, reason string) {
	l.add(Event{
		ID:           uuid.New().String(),
		Timestamp:    time.Now().UTC(),
		EventType:    EventRetconRejected,
		SessionID:    sessionID,
		ResolutionID: resolutionID,
		Reason:       reason,
		Success:      false,
	})
}

// RecordReversed logs the application of an inverse change
func (l *Logger) RecordReversed(sessionID string, original *types.RetroactiveChange, inverse *types.RetroactiveChange) {
	l.add(Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: EventRetconReversed,
		SessionID: sessionID,
		ChangeID:  original.ID,
		Change:    inverse,
		Success:   true,
	})
}

func (l *Logger) add(e Event) {
	l.mu.Lock()
	l.buffer = append(l.buffer, e)
	l.counts[e.EventType]++
	full := len(l.buffer) >= 64
	l.mu.Unlock()
	if full {
		_ = l.Flush()
	}
}

// Flush writes buffered events to the current day file
func (l *Logger) Flush() error {
	l.mu.Lock()
	if len(l.buffer) == 0 {
		l.mu.Unlock()
		return nil
	}
	batch := l.buffer
	l.buffer = make([]Event, 0, 64)
	l.mu.Unlock()

	path := filepath.Join(l.baseDir, "retcon-"+time.Now().UTC().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640) // #nosec G304 -- path built from configured dir
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriter(f)
	for i := range batch {
		data, err := json.Marshal(&batch[i])
		if err != nil {
			continue
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("failed to write audit event: %w", err)
		}
	}
	return w.Flush()
}

// Counts returns a copy of the per-event-type counters
func (l *Logger) Counts() map[EventType]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[EventType]int64, len(l.counts))
	for k, v := range l.counts {
		out[k] = v
	}
	return out
}

// LookupChange finds the recorded apply event by change ID across all day
// files. Used to reconstruct an inverse change for manual reversal.
func (l *Logger) LookupChange(changeID string) (*Event, bool, error) {
	if err := l.Flush(); err != nil {
		return nil, false, err
	}

	entries, err := os.ReadDir(l.baseDir)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read audit directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "retcon-") && strings.HasSuffix(e.Name(), ".jsonl") {
			names = append(names, e.Name())
		}
	}
	// Newest files first: a change ID is most likely recent
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names {
		event, found, err := l.scanFile(filepath.Join(l.baseDir, name), changeID)
		if err != nil {
			return nil, false, err
		}
		if found {
			return event, true, nil
		}
	}
	return nil, false, nil
}

func (l *Logger) scanFile(path, changeID string) (*Event, bool, error) {
	f, err := os.Open(path) // #nosec G304 -- path built from configured dir
	if err != nil {
		return nil, false, fmt.Errorf("failed to open audit file: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if e.ChangeID == changeID && e.Change != nil {
			return &e, true, nil
		}
	}
	return nil, false, scanner.Err()
}

// Close flushes remaining events and stops the background flusher
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.Flush()
}
