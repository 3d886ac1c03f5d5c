/*
scheduler.go - Periodic driver for the scheduled action executor

PURPOSE:
  Runs the executor's Tick on a fixed interval so due card actions fire
  without any request traffic. This is the single time-driven mutating
  path in the system; everything else reacts to HTTP requests.

DESIGN:
  - Background goroutine with a configurable tick interval
  - Runs one tick immediately on start, then on every interval
  - Stop drains the goroutine before returning (clean shutdown)
  - Overlap protection lives inside Executor.Tick itself

CONFIGURATION:
  - TickInterval: How often to check for due actions (default: 1 minute)
  - Enabled: Whether the driver is active (default: true)

USAGE:
  driver := NewActionDriver(handler.Executor, log)
  driver.Start()
  // ... later
  driver.Stop()

SEE ALSO:
  - engine/schedule.go: Executor.Tick semantics
  - handlers.go: RunTick endpoint (manual trigger)
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/compliance-engine/engine"
)

// ActionDriver periodically executes due scheduled card actions.
type ActionDriver struct {
	Executor     *engine.Executor
	TickInterval time.Duration
	Enabled      bool
	Log          zerolog.Logger

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewActionDriver creates a new driver for the given executor.
func NewActionDriver(executor *engine.Executor, log zerolog.Logger) *ActionDriver {
	return &ActionDriver{
		Executor:     executor,
		TickInterval: 1 * time.Minute,
		Enabled:      true,
		Log:          log,
		stop:         make(chan bool),
	}
}

// Start begins the driver.
func (d *ActionDriver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.Enabled {
		d.Log.Info().Msg("action driver disabled, not starting")
		return
	}

	d.ticker = time.NewTicker(d.TickInterval)
	d.wg.Add(1)

	go d.run()

	d.Log.Info().Dur("interval", d.TickInterval).Msg("action driver started")
}

// Stop stops the driver and waits for the in-flight tick to finish.
func (d *ActionDriver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ticker != nil {
		d.ticker.Stop()
		close(d.stop)
		d.wg.Wait()
		d.Log.Info().Msg("action driver stopped")
	}
}

func (d *ActionDriver) run() {
	defer d.wg.Done()

	// Run immediately on start
	d.tick()

	for {
		select {
		case <-d.ticker.C:
			d.tick()
		case <-d.stop:
			return
		}
	}
}

func (d *ActionDriver) tick() {
	executed, err := d.Executor.Tick(context.Background(), time.Now().UTC())
	if err != nil {
		d.Log.Error().Err(err).Msg("action tick failed")
		return
	}
	for _, ex := range executed {
		scheduledActionsExecutedTotal.WithLabelValues(string(ex.Action.Type)).Inc()
	}
}

// RunNow triggers an immediate tick (for testing/admin).
func (d *ActionDriver) RunNow() {
	d.tick()
}
