package tddflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Plan describes a task and its ordered subtasks, typically authored as a
// YAML file and handed to Session.Start.
type Plan struct {
	TaskID   string        `json:"task_id" yaml:"task_id"`
	Title    string        `json:"title,omitempty" yaml:"title,omitempty"`
	Tag      string        `json:"tag,omitempty" yaml:"tag,omitempty"`
	Subtasks []SubtaskSpec `json:"subtasks" yaml:"subtasks"`
}

func (p *Plan) validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("plan task_id required")
	}
	if len(p.Subtasks) == 0 {
		return fmt.Errorf("plan subtasks required")
	}
	seen := make(map[string]bool, len(p.Subtasks))
	for i, st := range p.Subtasks {
		if st.ID == "" {
			return fmt.Errorf("subtask %d: id required", i)
		}
		if seen[st.ID] {
			return fmt.Errorf("duplicate subtask id %q", st.ID)
		}
		seen[st.ID] = true
	}
	return nil
}

// StartOptions converts the plan into start options for a session.
func (p *Plan) StartOptions() StartOptions {
	return StartOptions{
		TaskID:    p.TaskID,
		TaskTitle: p.Title,
		Tag:       p.Tag,
		Subtasks:  p.Subtasks,
	}
}

// LoadPlanFile loads a plan from a YAML file
func LoadPlanFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	return LoadPlanString(string(data))
}

// LoadPlanString loads a plan from a YAML string
func LoadPlanString(data string) (*Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal([]byte(data), &plan); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan file: %w", err)
	}
	if err := plan.validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}
