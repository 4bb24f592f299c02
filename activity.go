package tddflow

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.jetify.com/typeid"
)

// NewActivityEntryID returns a new unique ID for a journal entry.
func NewActivityEntryID() string {
	id, err := typeid.WithPrefix("act")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// ActivityEntry is one line of the append-only activity journal. Every
// machine notification produces one entry carrying the notification type,
// the outer phase and inner sub-phase at the time, and the active subtask.
type ActivityEntry struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Phase     Phase          `json:"phase"`
	TDDPhase  TDDPhase       `json:"tdd_phase,omitempty"`
	SubtaskID string         `json:"subtask_id,omitempty"`
	Branch    string         `json:"branch,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Adapter   string         `json:"adapter,omitempty"`
	Error     *WorkflowError `json:"error,omitempty"`
	Progress  *Progress      `json:"progress,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ActivityRecorder subscribes to machine notifications and appends each one
// to a newline-delimited JSON journal. Write failures are logged and
// swallowed so a failing journal can never corrupt the machine.
type ActivityRecorder struct {
	path   string
	logger *slog.Logger

	// Last observed position, stamped onto every entry.
	phase     Phase
	tddPhase  TDDPhase
	subtaskID string
}

// NewActivityRecorder creates a recorder writing to the given journal path.
func NewActivityRecorder(path string, logger *slog.Logger) *ActivityRecorder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ActivityRecorder{path: path, logger: logger, phase: PhasePreflight}
}

func (r *ActivityRecorder) OnPhaseExited(phase Phase) {
	r.record(ActivityEntry{Type: "phase_exited", Phase: phase})
}

func (r *ActivityRecorder) OnPhaseEntered(phase Phase) {
	r.phase = phase
	if phase != PhaseSubtaskLoop {
		r.tddPhase = TDDPhaseNone
		r.subtaskID = ""
	}
	r.record(ActivityEntry{Type: "phase_entered"})
}

func (r *ActivityRecorder) OnSubtaskStarted(subtask *SubtaskInfo) {
	r.subtaskID = subtask.ID
	r.record(ActivityEntry{Type: "subtask_started"})
}

func (r *ActivityRecorder) OnTDDPhaseStarted(phase TDDPhase, subtask *SubtaskInfo) {
	r.tddPhase = phase
	r.subtaskID = subtask.ID
	r.record(ActivityEntry{Type: "tdd_phase_started"})
}

func (r *ActivityRecorder) OnSubtaskFailed(subtask *SubtaskInfo, reason string) {
	r.record(ActivityEntry{Type: "subtask_failed", SubtaskID: subtask.ID, Reason: reason})
}

func (r *ActivityRecorder) OnBranchCreated(branch string) {
	r.record(ActivityEntry{Type: "branch_created", Branch: branch})
}

func (r *ActivityRecorder) OnErrorOccurred(err *WorkflowError) {
	dup := *err
	r.record(ActivityEntry{Type: "error_occurred", Error: &dup})
}

func (r *ActivityRecorder) OnProgressUpdated(progress Progress) {
	r.record(ActivityEntry{Type: "progress_updated", Progress: &progress})
}

func (r *ActivityRecorder) OnAdapterConfigured(name string) {
	r.record(ActivityEntry{Type: "adapter_configured", Adapter: name})
}

func (r *ActivityRecorder) OnAborted(phase Phase) {
	r.record(ActivityEntry{Type: "workflow_aborted", Phase: phase})
}

func (r *ActivityRecorder) record(entry ActivityEntry) {
	entry.ID = NewActivityEntryID()
	entry.Timestamp = time.Now().UTC()
	if entry.Phase == "" {
		entry.Phase = r.phase
	}
	if entry.TDDPhase == TDDPhaseNone {
		entry.TDDPhase = r.tddPhase
	}
	if entry.SubtaskID == "" {
		entry.SubtaskID = r.subtaskID
	}
	if err := r.append(entry); err != nil {
		r.logger.Error("failed to write activity journal entry",
			"type", entry.Type, "error", err)
	}
}

func (r *ActivityRecorder) append(entry ActivityEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// ReadActivityHistory parses a journal file back into entries.
func ReadActivityHistory(path string) ([]*ActivityEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []*ActivityEntry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var entry ActivityEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}
