// Package dontpanic keeps long running goroutines alive across panics.
//
// Recovered panics are reported to Sentry, when a client is configured, and
// logged. Forever reruns a failing function after a backoff until its context
// is cancelled, which is how region executors are supervised.
package dontpanic

import (
	"context"
	"errors"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"gitlab.com/gitlab-org/regionkeeper/internal/log"
)

// ErrPanicked is passed to failure callbacks when the function panicked.
var ErrPanicked = errors.New("recovered from panic")

// Try runs fn and recovers from a panic in it. The recovered value is sent to
// Sentry and logged as an error. Try returns false if fn panicked.
func Try(fn func()) bool { return catchAndLog(fn) }

// Go runs fn in a goroutine, recovering from any panic like Try.
func Go(fn func()) { go Try(fn) }

var logger = log.Default()

func catchAndLog(fn func()) bool {
	var id *sentry.EventID
	var recovered interface{}
	normal := true

	func() {
		defer func() {
			recovered = recover()
			if recovered != nil {
				normal = false
				id = sentry.CurrentHub().Recover(recovered)
			}
		}()
		fn()
	}()

	if normal {
		return true
	}

	entry := logger
	if id != nil && *id != "" {
		entry = entry.WithField("sentry_id", *id)
	}

	entry.Errorf("dontpanic: recovered value: %+v", recovered)
	return false
}

// Forever reruns a function until its context is cancelled.
type Forever struct {
	backoff   time.Duration
	onFailure func(error)
	done      chan struct{}
	// err is the error of the run cut short by the cancellation.
	err error
}

// NewForever returns a Forever that waits backoff between two runs. onFailure,
// if not nil, is called with the error of every run that failed before the
// context was cancelled, or with ErrPanicked if the run panicked.
func NewForever(backoff time.Duration, onFailure func(error)) *Forever {
	return &Forever{
		backoff:   backoff,
		onFailure: onFailure,
		done:      make(chan struct{}),
	}
}

// Go runs fn in a goroutine, over and over, until ctx is cancelled. Panics
// are recovered like with Try. Go must be called at most once.
func (f *Forever) Go(ctx context.Context, fn func(context.Context) error) {
	go func() {
		defer close(f.done)

		for {
			var err error
			if !Try(func() { err = fn(ctx) }) {
				err = ErrPanicked
			}

			if ctx.Err() != nil {
				f.err = err
				return
			}

			if err != nil && f.onFailure != nil {
				f.onFailure(err)
			}

			if f.backoff <= 0 {
				continue
			}

			logger.Infof("dontpanic: backing off %s before retrying", f.backoff)

			select {
			case <-ctx.Done():
				return
			case <-time.After(f.backoff):
			}
		}
	}()
}

// Done returns a channel that is closed once the goroutine started by Go has
// returned.
func (f *Forever) Done() <-chan struct{} { return f.done }

// Err returns the error of the run that was in progress when the context got
// cancelled. It is nil if the cancellation arrived during a backoff. Err must
// only be called after Done is closed.
func (f *Forever) Err() error { return f.err }
