package socket

import (
	"context"
	"time"
)

// Sleeper pauses an operation for an injected delay. Implementations must
// return early when ctx is done or abort is closed; the caller then carries
// on as if the delay had elapsed.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration, abort <-chan struct{})
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration, abort <-chan struct{})

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration, abort <-chan struct{}) {
	f(ctx, d, abort)
}

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration, abort <-chan struct{}) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-abort:
	}
}

// TimerSleeper is the default Sleeper.
var TimerSleeper Sleeper = timerSleeper{}
