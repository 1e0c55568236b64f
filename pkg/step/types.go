package step

import (
	"strings"
	"time"
)

// Kind classifies a step.
type Kind string

const (
	KindMessage   Kind = "message"
	KindToolCall  Kind = "tool-call"
	KindReasoning Kind = "reasoning"
	KindSystem    Kind = "system"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindMessage, KindToolCall, KindReasoning, KindSystem:
		return true
	}
	return false
}

// Status is the lifecycle state of a step.
type Status string

const (
	StatusRunning   Status = "running"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusErrored   Status = "errored"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusErrored
}

// Fragment is one unit of streamed content.
type Fragment struct {
	Text string                 `json:"text,omitempty"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Text builds a text fragment.
func Text(s string) Fragment {
	return Fragment{Text: s}
}

// Step is a single unit of streamable work.
type Step struct {
	ID          string     `json:"id"`
	ParentID    string     `json:"parent_id,omitempty"`
	RunID       string     `json:"run_id,omitempty"`
	Kind        Kind       `json:"kind"`
	Name        string     `json:"name,omitempty"`
	Status      Status     `json:"status"`
	Content     []Fragment `json:"content,omitempty"`
	Cause       string     `json:"cause,omitempty"`
	Children    []string   `json:"children,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Text returns the concatenated text of all fragments.
func (s Step) Text() string {
	var b strings.Builder
	for _, f := range s.Content {
		b.WriteString(f.Text)
	}
	return b.String()
}

func (s *Step) clone() Step {
	out := *s
	if s.Content != nil {
		out.Content = append([]Fragment(nil), s.Content...)
	}
	if s.Children != nil {
		out.Children = append([]string(nil), s.Children...)
	}
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

// Snapshot is a point-in-time copy of a tree. Steps are listed in creation
// order, which is also a valid parent-before-child order.
type Snapshot struct {
	Roots []string `json:"roots"`
	Steps []Step   `json:"steps"`
}

// Find returns the step with the given id.
func (s Snapshot) Find(id string) (Step, bool) {
	for _, st := range s.Steps {
		if st.ID == id {
			return st, true
		}
	}
	return Step{}, false
}

// Observer receives tree mutations in application order. Implementations
// must not block and must not call back into the tree.
type Observer interface {
	StepCreated(s Step)
	StepAppended(id string, f Fragment)
	StepFinished(s Step)
}
