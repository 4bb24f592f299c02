package tddflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testPlanYAML = `
task_id: "12"
title: Add rate limiting
tag: perf
subtasks:
  - id: "12.1"
    title: Add token bucket
    max_attempts: 3
  - id: "12.2"
    title: Wire middleware
    completed: true
  - id: "12.3"
    title: Add headers
`

func TestLoadPlanString(t *testing.T) {
	plan, err := LoadPlanString(testPlanYAML)
	require.NoError(t, err)
	require.Equal(t, "12", plan.TaskID)
	require.Equal(t, "Add rate limiting", plan.Title)
	require.Equal(t, "perf", plan.Tag)
	require.Len(t, plan.Subtasks, 3)
	require.Equal(t, 3, plan.Subtasks[0].MaxAttempts)
	require.True(t, plan.Subtasks[1].Completed)
}

func TestLoadPlanFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testPlanYAML), 0644))

	plan, err := LoadPlanFile(path)
	require.NoError(t, err)
	require.Equal(t, "12", plan.TaskID)

	_, err = LoadPlanFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadPlanValidation(t *testing.T) {
	_, err := LoadPlanString("title: no task id\nsubtasks:\n  - id: a\n")
	require.Error(t, err)

	_, err = LoadPlanString("task_id: \"1\"\n")
	require.Error(t, err)

	_, err = LoadPlanString("task_id: \"1\"\nsubtasks:\n  - title: missing id\n")
	require.Error(t, err)

	_, err = LoadPlanString("task_id: \"1\"\nsubtasks:\n  - id: a\n  - id: a\n")
	require.Error(t, err)

	_, err = LoadPlanString("task_id: [not a string\n")
	require.Error(t, err)
}

func TestPlanStartOptions(t *testing.T) {
	plan, err := LoadPlanString(testPlanYAML)
	require.NoError(t, err)

	opts := plan.StartOptions()
	require.Equal(t, "12", opts.TaskID)
	require.Equal(t, "Add rate limiting", opts.TaskTitle)
	require.Equal(t, "perf", opts.Tag)
	require.Len(t, opts.Subtasks, 3)
	require.False(t, opts.Force)
}

func TestPlanDrivesSession(t *testing.T) {
	plan, err := LoadPlanString(testPlanYAML)
	require.NoError(t, err)

	s := newTestSession(t, newFakeGit())
	status, err := s.Start(context.Background(), plan.StartOptions())
	require.NoError(t, err)

	// The subtask marked completed in the plan counts toward progress
	require.Equal(t, "12.1", status.CurrentSubtask.ID)
	require.Equal(t, 1, status.Progress.Completed)
	require.Equal(t, "perf/task-12-add-rate-limiting", status.Branch)
}