package peer

import (
	"context"
	"time"
)

// Tick is delivered by the monitor on each interval.
type Tick struct {
	At     time.Time
	Active int
}

// StartMonitor reports the number of live sessions every interval until ctx
// is done. Ticks are dropped while the receiver is busy.
func (pr *PeerRegistry) StartMonitor(ctx context.Context, interval time.Duration) <-chan Tick {
	ticks := make(chan Tick, 1)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				select {
				case ticks <- Tick{At: now, Active: pr.Active()}:
				default:
				}
			}
		}
	}()
	return ticks
}

// Due counts peers that are neither alive nor retired and whose retry time
// has passed.
func (pr *PeerRegistry) Due(now time.Time) int {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	n := 0
	for _, node := range pr.peers {
		if !node.Alive && !node.Retired && !node.NextAttempt.After(now) {
			n++
		}
	}
	return n
}
