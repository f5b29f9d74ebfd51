// Package sweeper implements the connection sweeper: a periodic background
// task that reclaims dead connection-ledger rows.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"

	"github.com/quietfox/tungate/internal/store"
)

// Sweeper periodically calls Store.ClearDeadConnections.
type Sweeper struct {
	st          *store.Store
	interval    time.Duration
	idleTimeout int64
	stop        chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
}

// New creates a Sweeper. It does not start until Run is called.
func New(st *store.Store, interval time.Duration, idleTimeoutSecs int64) *Sweeper {
	return &Sweeper{
		st:          st,
		interval:    interval,
		idleTimeout: idleTimeoutSecs,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Run blocks, sweeping every interval until ctx is cancelled or Stop is
// called. It is meant to be launched in its own goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.st.ClearDeadConnections(s.idleTimeout); err != nil {
				log.Error("sweeper: clearing dead connections: %v", err)
			}
		}
	}
}

// Stop requests Run to return and waits for it to do so. Idempotent
// shutdown: calling Stop after Run has already returned does not block.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}
