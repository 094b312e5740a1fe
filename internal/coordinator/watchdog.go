package coordinator

import (
	"context"
	"fmt"
	"time"
)

func (c *Coordinator) startWatchdog(gen uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.stopWatchdog, c.watchdogDone = cancel, done
	c.mu.Unlock()
	go c.watchdog(ctx, gen, done)
}

// watchdog sends a heartbeat every HeartbeatInterval. After
// HeartbeatFailures consecutive failures it hands off to a full restart and
// exits.
func (c *Coordinator) watchdog(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		hctx, cancel := context.WithTimeout(ctx, c.cfg.HeartbeatTimeout)
		err := c.ncp.Heartbeat(hctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			if failures > 0 {
				c.logger.Info("heartbeat recovered", "after_failures", failures)
			}
			failures = 0
			continue
		}

		failures++
		c.metrics.HeartbeatFailed()
		c.logger.Warn("heartbeat failed", "failures", failures, "err", err)
		if failures >= c.cfg.HeartbeatFailures {
			c.logger.Error("resetting driver", "err", ErrWatchdogExhausted, "failures", failures)
			go c.recoverFromWatchdog(gen, failures)
			return
		}
	}
}

func (c *Coordinator) recoverFromWatchdog(gen uint64, failures int) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	current := c.generation
	c.mu.Unlock()
	if current != gen {
		return
	}

	c.metrics.WatchdogReset()
	result, err := c.restart(context.Background())
	if err != nil {
		err = fmt.Errorf("%w: reset: %w", ErrWatchdogExhausted, err)
		c.logger.Error("watchdog reset failed", "err", err)
		c.events.Emit(Event{Type: EventWatchdogReset, Data: map[string]any{"failures": failures, "error": err.Error()}})
		return
	}
	c.logger.Info("watchdog reset complete", "result", result)
}
