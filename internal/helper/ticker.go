package helper

import "time"

// Ticker ticks on the channel returned by C to signal something. Loops call
// Reset before waiting and Stop when they exit.
type Ticker interface {
	C() <-chan time.Time
	Stop()
	Reset()
}

// TickerFactory creates a fresh Ticker. Components that need a new ticker per
// wait, such as a retry after a failure, take a factory instead of a Ticker.
type TickerFactory func() Ticker

// NewTimerTicker returns a Ticker that ticks once the interval has passed
// since the previous Reset call. It does not tick before the first Reset.
func NewTimerTicker(interval time.Duration) Ticker {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return &timerTicker{timer: timer, interval: interval}
}

// NewTimerTickerFactory returns a factory of timer tickers with the interval.
func NewTimerTickerFactory(interval time.Duration) TickerFactory {
	return func() Ticker { return NewTimerTicker(interval) }
}

type timerTicker struct {
	timer    *time.Timer
	interval time.Duration
}

func (tt *timerTicker) C() <-chan time.Time { return tt.timer.C }

// Reset rearms the timer, dropping a tick that has not been received yet.
func (tt *timerTicker) Reset() {
	if !tt.timer.Stop() {
		select {
		case <-tt.timer.C:
		default:
		}
	}
	tt.timer.Reset(tt.interval)
}

func (tt *timerTicker) Stop() { tt.timer.Stop() }

// ManualTicker is a Ticker for tests that ticks only when Tick is called.
// Stop and Reset call StopFunc and ResetFunc.
type ManualTicker struct {
	c         chan time.Time
	StopFunc  func()
	ResetFunc func()
}

// C returns the tick channel.
func (mt *ManualTicker) C() <-chan time.Time { return mt.c }

// Stop calls StopFunc.
func (mt *ManualTicker) Stop() { mt.StopFunc() }

// Reset calls ResetFunc.
func (mt *ManualTicker) Reset() { mt.ResetFunc() }

// Tick sends a tick. It blocks while a previous tick has not been received.
func (mt *ManualTicker) Tick() { mt.c <- time.Now() }

// NewManualTicker returns a Ticker that can be manually controlled.
func NewManualTicker() *ManualTicker {
	return &ManualTicker{
		c:         make(chan time.Time, 1),
		StopFunc:  func() {},
		ResetFunc: func() {},
	}
}

// NewCountTicker returns a ManualTicker that ticks on each of the first n
// Reset calls and calls the callback on every Reset after that.
func NewCountTicker(n int, callback func()) *ManualTicker {
	ticker := NewManualTicker()
	ticker.ResetFunc = func() {
		n--
		if n < 0 {
			callback()
			return
		}

		ticker.Tick()
	}

	return ticker
}
