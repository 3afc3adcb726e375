package nvstore

import "sync/atomic"

// Environment tells the store which operating phase the firmware is in.
//
// During the setup phase every public call runs under the configured lock.
// In the steady-state phase no lock is taken: the caller guarantees that
// at most one call is active system-wide, and a blocking primitive could
// not be waited on there. A preemptive host that cannot make that
// guarantee must serialise calls itself.
type Environment interface {
	SteadyState() bool
}

// Phase is an Environment switched once from setup to steady state.
type Phase struct {
	steady atomic.Bool
}

func (p *Phase) SteadyState() bool {
	return p.steady.Load()
}

// EnterSteadyState ends the setup phase. There is no way back.
func (p *Phase) EnterSteadyState() {
	p.steady.Store(true)
}
