// Package status holds the single process-wide operation state. The Tracker
// is the gate that keeps Check and Repair mutually exclusive: a maintenance
// operation may only begin from Idle, and a concurrent attempt is rejected,
// never queued.
package status

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOperationInProgress rejects a Check/Repair trigger while another
// maintenance operation is active.
var ErrOperationInProgress = errors.New("another operation is in progress")

// State is the current mode of the protection service.
type State string

const (
	StateIdle      State = "Idle"
	StateScanning  State = "Scanning"
	StateChecking  State = "Checking"
	StateRepairing State = "Repairing"
	StateError     State = "Error"
)

// ErrorDetail carries a structured failure instead of an error string baked
// into the state enum, so callers can branch on the kind.
type ErrorDetail struct {
	Kind    string `json:"kind"` // io, checksum_mismatch, insufficient_shards, config, store
	Message string `json:"message"`
}

// AppStatus is the snapshot served to the control surface.
type AppStatus struct {
	Status              State        `json:"status"`
	LastError           *ErrorDetail `json:"last_error,omitempty"`
	WatchedDirs         []string     `json:"watched_dirs"`
	DataShards          int          `json:"data_shards"`
	ParityShards        int          `json:"parity_shards"`
	TotalFiles          uint64       `json:"total_files"`
	ProtectedFiles      uint64       `json:"protected_files"`
	CorruptedFiles      uint64       `json:"corrupted_files"`
	UnrecoverableChunks uint64       `json:"unrecoverable_chunks"`
	LastCheckTime       *time.Time   `json:"last_check_time,omitempty"`
	LastCheckResult     string       `json:"last_check_result"`
	Logs                []string     `json:"logs"`
}

const maxLogLines = 200

// Tracker guards the AppStatus. The lock is held only for field updates,
// never across I/O.
type Tracker struct {
	mu sync.Mutex
	st AppStatus
}

// NewTracker creates a tracker in the Idle state.
func NewTracker(watchedDirs []string, dataShards, parityShards int) *Tracker {
	dirs := append([]string(nil), watchedDirs...)
	return &Tracker{
		st: AppStatus{
			Status:       StateIdle,
			WatchedDirs:  dirs,
			DataShards:   dataShards,
			ParityShards: parityShards,
			Logs:         []string{},
		},
	}
}

// Begin attempts the Idle -> state transition. It fails fast with
// ErrOperationInProgress when another operation holds the gate. A previous
// Error state does not block the next operation.
func (t *Tracker) Begin(state State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.st.Status != StateIdle && t.st.Status != StateError {
		return fmt.Errorf("%w: status is %s", ErrOperationInProgress, t.st.Status)
	}

	t.st.Status = state
	t.st.LastError = nil
	return nil
}

// End returns the tracker to Idle after a successful operation.
func (t *Tracker) End() {
	t.mu.Lock()
	t.st.Status = StateIdle
	t.mu.Unlock()
}

// Fail records a structured failure and enters the Error state.
func (t *Tracker) Fail(kind, message string) {
	t.mu.Lock()
	t.st.Status = StateError
	t.st.LastError = &ErrorDetail{Kind: kind, Message: message}
	t.mu.Unlock()
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st.Status
}

// Snapshot returns a deep copy of the current status. It never blocks on an
// in-progress operation.
func (t *Tracker) Snapshot() AppStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := t.st
	snap.WatchedDirs = append([]string(nil), t.st.WatchedDirs...)
	snap.Logs = append([]string(nil), t.st.Logs...)
	if t.st.LastError != nil {
		e := *t.st.LastError
		snap.LastError = &e
	}
	if t.st.LastCheckTime != nil {
		ts := *t.st.LastCheckTime
		snap.LastCheckTime = &ts
	}
	return snap
}

// AppendLog adds a timestamped line to the rolling log window.
func (t *Tracker) AppendLog(format string, args ...interface{}) {
	line := fmt.Sprintf("[%s] %s", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))

	t.mu.Lock()
	t.st.Logs = append(t.st.Logs, line)
	if len(t.st.Logs) > maxLogLines {
		t.st.Logs = t.st.Logs[len(t.st.Logs)-maxLogLines:]
	}
	t.mu.Unlock()
}

// SetFileCounts updates the tracked/protected file counters.
func (t *Tracker) SetFileCounts(total, protected uint64) {
	t.mu.Lock()
	t.st.TotalFiles = total
	t.st.ProtectedFiles = protected
	t.mu.Unlock()
}

// RecordCheckOutcome stores the result of the most recent completed check.
func (t *Tracker) RecordCheckOutcome(when time.Time, result string, corrupted, unrecoverable uint64) {
	t.mu.Lock()
	t.st.LastCheckTime = &when
	t.st.LastCheckResult = result
	t.st.CorruptedFiles = corrupted
	t.st.UnrecoverableChunks = unrecoverable
	t.mu.Unlock()
}
