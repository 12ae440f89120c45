// Package flow implements the conversational flow engine: a registry of named, step-indexed
// scripts and an Engine that walks a session through them one turn at a time.
package flow

import (
	"context"
	"fmt"
	"sort"

	"github.com/BTreeMap/ChatFlow/internal/models"
)

// Reserved data keys written by the engine.
const (
	// KeyLastMessage holds the most recent user message of the session.
	KeyLastMessage = "last_message"
	// KeySessionID holds the id of the session the data belongs to.
	KeySessionID = "session_id"
)

// Message kinds, re-exported for flow authors.
const (
	KindText  = models.MessageKindText
	KindEmbed = models.MessageKindEmbed
)

// Input is the user message delivered to a step. Present is false when the step is entered
// without a new message: the first step of a session and every auto-advance.
type Input struct {
	Text    string
	Present bool
}

// UserInput builds a present Input.
func UserInput(text string) Input {
	return Input{Text: text, Present: true}
}

// Result is what a step returns to the engine.
type Result struct {
	// Message is emitted to the user when non-empty.
	Message string
	// Kind classifies Message for rendering. It is passed through unset when empty;
	// surfaces render such messages as text.
	Kind models.MessageKind
	// AwaitInput suspends the session until the next user message.
	AwaitInput bool
	// Next is the step to move to. Empty keeps the current step.
	Next string
	// Terminate ends the session; it is deleted from the store.
	Terminate bool
	// Extra carries side-channel flags surfaced to the caller on termination.
	Extra map[string]any
}

// StepFunc is the handler of a single step.
type StepFunc func(ctx context.Context, data Data, in Input) (Result, error)

// Step is one node of a flow.
type Step struct {
	Run StepFunc
	// Requires lists data keys that must be present before Run is invoked.
	// A session missing any of them is terminated instead of running the step.
	Requires []string
	// Next lists the steps this one may transition to. It is only used by Validate.
	Next []string
}

// Flow is an immutable, named script.
type Flow struct {
	Name        string
	InitialStep string
	Steps       map[string]Step
	// RequiredContext lists keys that callers must supply when starting the flow.
	RequiredContext []string
}

// Validate reports structural problems that can be found without running the flow:
// a missing initial step, steps without handlers, and declared transitions to unknown steps.
func (f *Flow) Validate() []error {
	var problems []error
	if f.Name == "" {
		problems = append(problems, fmt.Errorf("flow has no name"))
	}
	if _, ok := f.Steps[f.InitialStep]; !ok {
		problems = append(problems, fmt.Errorf("flow %s: initial step %q not defined", f.Name, f.InitialStep))
	}
	names := make([]string, 0, len(f.Steps))
	for name := range f.Steps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		step := f.Steps[name]
		if step.Run == nil {
			problems = append(problems, fmt.Errorf("flow %s: step %q has no handler", f.Name, name))
		}
		for _, next := range step.Next {
			if _, ok := f.Steps[next]; !ok {
				problems = append(problems, fmt.Errorf("flow %s: step %q transitions to unknown step %q", f.Name, name, next))
			}
		}
	}
	return problems
}

// MissingContext returns the RequiredContext keys absent from data.
func (f *Flow) MissingContext(data map[string]any) []string {
	var missing []string
	for _, key := range f.RequiredContext {
		if v, ok := data[key]; !ok || v == nil || v == "" {
			missing = append(missing, key)
		}
	}
	return missing
}
