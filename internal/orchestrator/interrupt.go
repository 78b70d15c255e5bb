package orchestrator

import (
	"context"
	"errors"
	"os"
	"sync"
)

var errInterrupt = errors.New("interrupted by user")

// Interrupts delivers keyboard interrupts to the running stage.
type Interrupts struct {
	mu      sync.Mutex
	cancel  context.CancelCauseFunc
	pending bool
}

// NewInterrupts creates an idle interrupt router.
func NewInterrupts() *Interrupts {
	return &Interrupts{}
}

// Notify forwards every signal received on sig until ctx is done.
func (i *Interrupts) Notify(ctx context.Context, sig <-chan os.Signal) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sig:
				i.Interrupt()
			}
		}
	}()
}

// Interrupt cancels the running stage. An interrupt between stages is
// delivered to the next one.
func (i *Interrupts) Interrupt() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancel != nil {
		i.cancel(errInterrupt)
		return
	}
	i.pending = true
}

func (i *Interrupts) enter(ctx context.Context) (context.Context, func()) {
	sctx, cancel := context.WithCancelCause(ctx)
	i.mu.Lock()
	i.cancel = cancel
	if i.pending {
		i.pending = false
		cancel(errInterrupt)
	}
	i.mu.Unlock()
	return sctx, func() {
		i.mu.Lock()
		i.cancel = nil
		i.mu.Unlock()
		cancel(nil)
	}
}

// Interrupted reports whether ctx was cancelled by a keyboard interrupt.
func Interrupted(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), errInterrupt)
}
