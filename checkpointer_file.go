package tddflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	stateFileName   = "workflow-state.json"
	journalFileName = "activity.jsonl"
	backupsDirName  = "backups"
	backupPrefix    = "workflow-state-"

	// Sortable UTC timestamp used in backup filenames.
	backupTimeFormat = "20060102T150405.000000000Z"
)

// FileCheckpointerOptions configures a file-based checkpoint store.
type FileCheckpointerOptions struct {
	// ProjectPath is the absolute path of the project being worked on. It
	// determines the project identifier.
	ProjectPath string

	// RootDir is the directory holding all project state, outside version
	// control. Defaults to <user-home>/.taskmaster. Tests inject a
	// temporary directory here.
	RootDir string

	// MaxBackups bounds the rotating backup set. Defaults to 5.
	MaxBackups int

	Logger *slog.Logger
}

// FileCheckpointer persists workflow state under
// <root>/<project-id>/sessions/ with crash-atomic writes and a rotating
// backup set. One instance owns that directory exclusively.
type FileCheckpointer struct {
	sessionsDir string
	maxBackups  int
	logger      *slog.Logger
	mu          sync.Mutex
}

// NewFileCheckpointer creates a file-based checkpoint store for a project.
func NewFileCheckpointer(opts FileCheckpointerOptions) (*FileCheckpointer, error) {
	if opts.ProjectPath == "" {
		return nil, fmt.Errorf("project path is required")
	}
	if opts.RootDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		opts.RootDir = filepath.Join(homeDir, ".taskmaster")
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	sessionsDir := filepath.Join(opts.RootDir, ProjectID(opts.ProjectPath), "sessions")
	if err := os.MkdirAll(filepath.Join(sessionsDir, backupsDirName), 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory %s: %w", sessionsDir, err)
	}

	return &FileCheckpointer{
		sessionsDir: sessionsDir,
		maxBackups:  opts.MaxBackups,
		logger:      opts.Logger,
	}, nil
}

// ProjectID derives a deterministic, filesystem-safe identifier from a
// project path. It is case-preserving and stable across runs.
func ProjectID(projectPath string) string {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		abs = projectPath
	}
	abs = filepath.Clean(abs)
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '_' || r == '-':
			return r
		default:
			return '-'
		}
	}, abs)
	return strings.Trim(id, "-")
}

// StatePath returns the path of the persisted snapshot.
func (c *FileCheckpointer) StatePath() string {
	return filepath.Join(c.sessionsDir, stateFileName)
}

// JournalPath returns the companion path for the append-only activity
// journal, colocated with the state file.
func (c *FileCheckpointer) JournalPath() string {
	return filepath.Join(c.sessionsDir, journalFileName)
}

func (c *FileCheckpointer) backupsDir() string {
	return filepath.Join(c.sessionsDir, backupsDirName)
}

// SaveState persists the snapshot. The previous snapshot, if any, is moved
// into the backup set first; backup and pruning failures are logged and
// swallowed, only the primary write is a hard error.
func (c *FileCheckpointer) SaveState(ctx context.Context, state *WorkflowState) error {
	if state == nil {
		return fmt.Errorf("state is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.backupCurrent()
	c.pruneBackups()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workflow state: %w", err)
	}
	data = append(data, '\n')

	// Write-then-rename keeps the snapshot fully visible or absent.
	tmp, err := os.CreateTemp(c.sessionsDir, stateFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmpPath, c.StatePath()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// LoadState returns the latest snapshot, ErrStateNotFound when none exists,
// or ErrStateCorrupt when the file cannot be parsed.
func (c *FileCheckpointer) LoadState(ctx context.Context) (*WorkflowState, error) {
	data, err := os.ReadFile(c.StatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	var state WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	return &state, nil
}

// DeleteState removes the persisted snapshot. Backups and the journal are
// left in place.
func (c *FileCheckpointer) DeleteState(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.StatePath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete state file: %w", err)
	}
	return nil
}

// ListBackups returns the retained backups, newest first. Unreadable backup
// files are skipped.
func (c *FileCheckpointer) ListBackups(ctx context.Context) ([]*StateBackup, error) {
	entries, err := os.ReadDir(c.backupsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []*StateBackup{}, nil
		}
		return nil, fmt.Errorf("failed to read backups directory: %w", err)
	}

	backups := make([]*StateBackup, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, backupPrefix) {
			continue
		}
		backup, err := c.readBackup(name)
		if err != nil {
			c.logger.Warn("skipping unreadable backup", "name", name, "error", err)
			continue
		}
		backups = append(backups, backup)
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// RestoreBackup returns the snapshot held by the named backup.
func (c *FileCheckpointer) RestoreBackup(ctx context.Context, name string) (*WorkflowState, error) {
	backup, err := c.readBackup(filepath.Base(name))
	if err != nil {
		return nil, err
	}
	return backup.State, nil
}

func (c *FileCheckpointer) readBackup(name string) (*StateBackup, error) {
	data, err := os.ReadFile(filepath.Join(c.backupsDir(), name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}
	var backup StateBackup
	if err := json.Unmarshal(data, &backup); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	backup.Name = name
	return &backup, nil
}

// backupCurrent snapshots the existing state file into the backup set.
// Best-effort: a backup may race a later save, which is acceptable
// staleness, not corruption.
func (c *FileCheckpointer) backupCurrent() {
	data, err := os.ReadFile(c.StatePath())
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("failed to read state for backup", "error", err)
		}
		return
	}
	var state WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		c.logger.Warn("existing state unparsable, not backing up", "error", err)
		return
	}
	backup := StateBackup{Timestamp: time.Now().UTC(), State: &state}
	out, err := json.MarshalIndent(&backup, "", "  ")
	if err != nil {
		c.logger.Warn("failed to marshal backup", "error", err)
		return
	}
	out = append(out, '\n')
	name := backupPrefix + backup.Timestamp.Format(backupTimeFormat) + ".json"
	if err := os.WriteFile(filepath.Join(c.backupsDir(), name), out, 0644); err != nil {
		c.logger.Warn("failed to write backup", "name", name, "error", err)
	}
}

// pruneBackups drops the oldest backups past the configured maximum.
// Failures are logged and swallowed.
func (c *FileCheckpointer) pruneBackups() {
	entries, err := os.ReadDir(c.backupsDir())
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("failed to read backups for pruning", "error", err)
		}
		return
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), backupPrefix) {
			names = append(names, entry.Name())
		}
	}
	if len(names) <= c.maxBackups {
		return
	}
	// Timestamped filenames sort oldest-first lexically.
	sort.Strings(names)
	for _, name := range names[:len(names)-c.maxBackups] {
		if err := os.Remove(filepath.Join(c.backupsDir(), name)); err != nil {
			c.logger.Warn("failed to prune backup", "name", name, "error", err)
		}
	}
}
