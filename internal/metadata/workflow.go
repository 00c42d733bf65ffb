package metadata

import (
	"encoding/json"
	"fmt"

	"github.com/expr-lang/expr"
)

// TransitionFrom handles both string and []string for the "from" field.
type TransitionFrom []string

func (t *TransitionFrom) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*t = []string{single}
		return nil
	}
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	*t = arr
	return nil
}

func (t TransitionFrom) MarshalJSON() ([]byte, error) {
	if len(t) == 1 {
		return json.Marshal(t[0])
	}
	return json.Marshal([]string(t))
}

// Transition is one allowed stage change.
type Transition struct {
	From  TransitionFrom `json:"from"`
	To    string         `json:"to"`
	Roles []string       `json:"roles,omitempty"`
	Guard string         `json:"guard,omitempty"` // expr over record, session, from, to

	// CompiledGuard holds the compiled guard expression (not serialized).
	CompiledGuard any `json:"-"`
}

// Workflow is the editorial stage configuration of a versioned collection.
type Workflow struct {
	Stages      []string     `json:"stages"`
	Initial     string       `json:"initial,omitempty"`
	Transitions []Transition `json:"transitions"`
}

// HasStage reports whether name is a configured stage.
func (w *Workflow) HasStage(name string) bool {
	for _, s := range w.Stages {
		if s == name {
			return true
		}
	}
	return false
}

// FindTransition returns the allowed transition from -> to, or nil.
func (w *Workflow) FindTransition(from, to string) *Transition {
	for i := range w.Transitions {
		t := &w.Transitions[i]
		if t.To != to {
			continue
		}
		for _, f := range t.From {
			if f == from || f == "*" {
				return t
			}
		}
	}
	return nil
}

func (w *Workflow) prepare() error {
	if len(w.Stages) == 0 {
		return fmt.Errorf("workflow has no stages")
	}
	if w.Initial == "" {
		w.Initial = w.Stages[0]
	}
	if !w.HasStage(w.Initial) {
		return fmt.Errorf("workflow initial stage %q is not a stage", w.Initial)
	}
	for i := range w.Transitions {
		t := &w.Transitions[i]
		if !w.HasStage(t.To) {
			return fmt.Errorf("workflow transition to unknown stage %q", t.To)
		}
		for _, f := range t.From {
			if f != "*" && !w.HasStage(f) {
				return fmt.Errorf("workflow transition from unknown stage %q", f)
			}
		}
		if t.Guard != "" && t.CompiledGuard == nil {
			prog, err := expr.Compile(t.Guard, expr.AsBool())
			if err != nil {
				return fmt.Errorf("compile guard %q: %w", t.Guard, err)
			}
			t.CompiledGuard = prog
		}
	}
	return nil
}
