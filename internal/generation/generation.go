// Package generation defines the interface to the external text generation
// roles and the OpenAI-compatible and Ollama backends that implement it.
package generation

import (
	"context"
	"encoding/json"
	"fmt"
)

// Role names one specialized generation collaborator.
type Role string

const (
	RoleResearcher   Role = "researcher"
	RolePlanner      Role = "planner"
	RoleWriter       Role = "writer"
	RoleContinuity   Role = "continuity"
	RoleLogicChecker Role = "logic_checker"
	RoleDialogue     Role = "dialogue"
	RoleEditor       Role = "editor"
	RoleFinalChecker Role = "final_checker"
)

// SchemaKind selects the structured output a call expects.
type SchemaKind string

const (
	SchemaNone       SchemaKind = ""
	SchemaResearch   SchemaKind = "research_notes"
	SchemaContinuity SchemaKind = "continuity_update"
	SchemaReview     SchemaKind = "review_verdict"
)

// Context carries everything besides the instruction itself: the rendered
// context bundle and the expected output shape.
type Context struct {
	Bundle string
	Schema SchemaKind
}

// Generator turns a role, an instruction and its context into output.
// Implementations classify failures as *TransientError or *FatalError.
type Generator interface {
	Invoke(ctx context.Context, role Role, prompt string, gc Context) (Output, error)
}

// Output is either free text or a structured payload.
type Output struct {
	Text       string
	Structured map[string]any
}

// IsStructured reports whether the output carries a structured payload.
func (o Output) IsStructured() bool {
	return o.Structured != nil
}

// String renders the output for logs and the conversation record.
func (o Output) String() string {
	if o.Structured == nil {
		return o.Text
	}
	data, err := json.MarshalIndent(o.Structured, "", "  ")
	if err != nil {
		return o.Text
	}
	return string(data)
}

// Decode converts a structured payload into v.
func (o Output) Decode(v any) error {
	if o.Structured == nil {
		return fmt.Errorf("output is free text")
	}
	data, err := json.Marshal(o.Structured)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Text returns plain text output.
func Text(s string) Output {
	return Output{Text: s}
}
