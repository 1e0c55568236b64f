package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/tandem/pkg/protocol"
	"github.com/harun/tandem/pkg/runner"
	"github.com/harun/tandem/pkg/step"
)

// thinkPrefix asks the echo handler to show a reasoning step first.
const thinkPrefix = "/think"

// Echo streams the user's message back word by word. It needs no external
// service and is the default handler.
type Echo struct {
	delay time.Duration
}

// NewEcho creates an echo handler that pauses delay between words.
func NewEcho(delay time.Duration) *Echo {
	return &Echo{delay: delay}
}

// Handle implements runner.Handler.
func (e *Echo) Handle(ctx context.Context, evt protocol.Inbound, h *runner.Handle) error {
	text := evt.Text
	think := strings.HasPrefix(text, thinkPrefix)
	if think {
		text = strings.TrimSpace(strings.TrimPrefix(text, thinkPrefix))
	}

	msg, err := h.CreateStep("", step.KindMessage, "")
	if err != nil {
		return err
	}

	if think {
		thoughts := fmt.Sprintf("The user said %d words. Repeating them back.", len(strings.Fields(text)))
		if _, err := streamInto(ctx, h, msg.ID, step.KindReasoning, e.words(thoughts)); err != nil {
			return err
		}
	}

	reply := text
	for _, a := range evt.Attachments {
		reply += fmt.Sprintf(" [%s]", a.Name)
	}

	frags, errc := runner.Produce(ctx, streamBuffer, e.words(reply))
	if err := h.Stream(ctx, msg.ID, frags); err != nil {
		return err
	}
	if err := <-errc; err != nil {
		return err
	}
	return h.Complete(msg.ID)
}

func (e *Echo) words(text string) runner.ProduceFunc {
	return func(ctx context.Context, yield runner.YieldFunc) error {
		fields := strings.Fields(text)
		for i, w := range fields {
			if i > 0 && e.delay > 0 {
				timer := time.NewTimer(e.delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil
				case <-timer.C:
				}
			}
			if i < len(fields)-1 {
				w += " "
			}
			if !yield(step.Text(w)) {
				return nil
			}
		}
		return nil
	}
}
