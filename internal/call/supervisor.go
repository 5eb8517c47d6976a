package call

import (
	"sync"
	"time"
)

// Supervisor runs one ring timer per room. A timer fires at most once, and
// never after Disarm for that room has returned.
type Supervisor struct {
	mu     sync.Mutex
	timers map[string]*ringTimer
	fire   func(roomID string)
}

type ringTimer struct {
	timer *time.Timer
}

// NewSupervisor returns a Supervisor that calls fire on expiry.
func NewSupervisor(fire func(roomID string)) *Supervisor {
	return &Supervisor{
		timers: make(map[string]*ringTimer),
		fire:   fire,
	}
}

// Arm starts the countdown for roomID, replacing any pending one.
func (sv *Supervisor) Arm(roomID string, d time.Duration) {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if old, ok := sv.timers[roomID]; ok {
		old.timer.Stop()
	}
	rt := &ringTimer{}
	sv.timers[roomID] = rt
	rt.timer = time.AfterFunc(d, func() { sv.expire(roomID, rt) })
}

// Disarm cancels the countdown for roomID. It reports whether a pending
// timer was cancelled; after expiry it is a no-op returning false.
func (sv *Supervisor) Disarm(roomID string) bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	rt, ok := sv.timers[roomID]
	if !ok {
		return false
	}
	rt.timer.Stop()
	delete(sv.timers, roomID)
	return true
}

// Pending returns the number of armed timers.
func (sv *Supervisor) Pending() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return len(sv.timers)
}

// Stop cancels every pending timer.
func (sv *Supervisor) Stop() {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	for id, rt := range sv.timers {
		rt.timer.Stop()
		delete(sv.timers, id)
	}
}

func (sv *Supervisor) expire(roomID string, rt *ringTimer) {
	sv.mu.Lock()
	if sv.timers[roomID] != rt {
		// disarmed or re-armed in the meantime
		sv.mu.Unlock()
		return
	}
	delete(sv.timers, roomID)
	sv.mu.Unlock()

	sv.fire(roomID)
}
