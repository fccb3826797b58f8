package clock

import "time"

// Fake is a manually-advanced Clock for deterministic tests.
type Fake struct {
	now     time.Time
	tickers []*fakeTicker
}

// NewFake returns a Fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time                  { return f.now }
func (f *Fake) Since(t time.Time) time.Duration { return f.now.Sub(t) }

func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.now.Add(d)
	return ch
}

// Advance moves the clock forward and delivers one tick to every ticker
// whose buffer is free. Ticker intervals are not tracked: each Advance
// ticks every ticker once, whatever its interval and however far the clock
// moved.
func (f *Fake) Advance(d time.Duration) {
	f.now = f.now.Add(d)
	for _, t := range f.tickers {
		select {
		case t.ch <- f.now:
		default:
		}
	}
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	t := &fakeTicker{ch: make(chan time.Time, 1)}
	f.tickers = append(f.tickers, t)
	return t
}

type fakeTicker struct {
	ch chan time.Time
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               {}
