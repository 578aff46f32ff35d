// Package generation builds grounded prompts from retrieved documents and
// turns them into answers through a pluggable model.
package generation

import (
	"context"
	"fmt"
	"strings"
)

// ContextDocument is one retrieved passage handed to the model.
type ContextDocument struct {
	ID          string
	VersionHash string
	Text        string
}

// Prompt is a rendered template ready for a model.
type Prompt struct {
	TemplateID      string
	TemplateVersion string
	System          string
	User            string
}

// Completion is a model answer plus token accounting.
type Completion struct {
	Text         string
	Model        string
	StopReason   string
	InputTokens  int64
	OutputTokens int64
}

// TotalTokens is what the budget ledger commits.
func (c Completion) TotalTokens() int64 {
	return c.InputTokens + c.OutputTokens
}

// Generator completes rendered prompts.
type Generator interface {
	Complete(ctx context.Context, p Prompt) (Completion, error)
	// Describe returns the model configuration recorded in audit events.
	Describe() map[string]string
}

// Template is a versioned prompt. Changing any text requires a new version
// so audit events stay attributable.
type Template struct {
	ID      string
	Version string
	System  string
	// Instructions follow the numbered sources in the user turn.
	Instructions string
}

var GroundedAnswer = Template{
	ID:      "grounded-answer",
	Version: "2024-06-01",
	System: "You answer clinical questions using only the numbered sources provided. " +
		"Cite sources as [n]. If the sources do not contain the answer, say so. " +
		"Never repeat placeholders such as [SSN:abcd1234].",
	Instructions: "Answer the question in at most five sentences using only the sources above.",
}

// Render builds the prompt for a redacted query and its contexts.
func (t Template) Render(query string, docs []ContextDocument) Prompt {
	var b strings.Builder
	b.WriteString("Sources:\n")
	for i, d := range docs {
		fmt.Fprintf(&b, "[%d] (%s) %s\n", i+1, d.ID, strings.TrimSpace(d.Text))
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(query)
	b.WriteString("\n\n")
	b.WriteString(t.Instructions)
	return Prompt{
		TemplateID:      t.ID,
		TemplateVersion: t.Version,
		System:          t.System,
		User:            b.String(),
	}
}
