package step

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestContentAppendOnlyProperty checks that for any sequence of appends the
// content only grows, keeps earlier fragments in place, and is observed in
// application order.
func TestContentAppendOnlyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("content is append-only and observed in order", prop.ForAll(
		func(chunks []string) bool {
			rec := &recorder{}
			tree := newTestTree(rec)
			s, err := tree.Create("run", "", KindMessage, "")
			if err != nil {
				return false
			}

			var previous []Fragment
			for _, chunk := range chunks {
				if err := tree.Append(s.ID, Text(chunk)); err != nil {
					return false
				}
				got, _ := tree.Get(s.ID)
				if len(got.Content) != len(previous)+1 {
					return false
				}
				for i := range previous {
					if got.Content[i].Text != previous[i].Text {
						return false
					}
				}
				previous = got.Content
			}

			var observed []string
			for _, op := range rec.snapshot() {
				if op.op == "appended" {
					observed = append(observed, op.fragment.Text)
				}
			}
			if len(observed) != len(chunks) {
				return false
			}
			for i := range chunks {
				if observed[i] != chunks[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestCompleteRequiresTerminalChildrenProperty builds parents with dangling
// children and checks completion is refused until every child is terminal.
func TestCompleteRequiresTerminalChildrenProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("complete fails while any child is live", prop.ForAll(
		func(children int, resolved int, cancelInstead bool) bool {
			if resolved >= children {
				resolved = children - 1
			}

			tree := newTestTree(nil)
			parent, _ := tree.Create("run", "", KindMessage, "")
			ids := make([]string, 0, children)
			for i := 0; i < children; i++ {
				c, err := tree.Create("run", parent.ID, KindToolCall, "")
				if err != nil {
					return false
				}
				ids = append(ids, c.ID)
			}

			for i := 0; i < resolved; i++ {
				var err error
				if cancelInstead {
					err = tree.Cancel(ids[i], "skip")
				} else {
					err = tree.Complete(ids[i])
				}
				if err != nil {
					return false
				}
			}

			if err := tree.Complete(parent.ID); !errors.Is(err, ErrChildrenStillRunning) {
				return false
			}

			for _, id := range ids[resolved:] {
				if err := tree.Complete(id); err != nil {
					return false
				}
			}
			return tree.Complete(parent.ID) == nil
		},
		gen.IntRange(1, 8),
		gen.IntRange(0, 8),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
