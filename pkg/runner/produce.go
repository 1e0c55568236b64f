package runner

import (
	"context"
	"fmt"

	"github.com/harun/tandem/pkg/step"
)

// YieldFunc hands one fragment to the consumer. It returns false once the
// consumer's context is done, after which the producer should return.
type YieldFunc func(step.Fragment) bool

// ProduceFunc generates fragments by calling yield.
type ProduceFunc func(ctx context.Context, yield YieldFunc) error

// Produce runs fn in its own goroutine, delivering fragments through a channel
// holding at most buffer items. The fragment channel is closed when fn
// returns; fn's error (or a recovered panic) is then sent on the error channel.
func Produce(ctx context.Context, buffer int, fn ProduceFunc) (<-chan step.Fragment, <-chan error) {
	if buffer < 0 {
		buffer = 0
	}

	frags := make(chan step.Fragment, buffer)
	errc := make(chan error, 1)

	yield := func(f step.Fragment) bool {
		if ctx.Err() != nil {
			return false
		}
		select {
		case frags <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		var err error
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("producer panicked: %v", p)
			}
			close(frags)
			errc <- err
			close(errc)
		}()

		err = fn(ctx, yield)
	}()

	return frags, errc
}
