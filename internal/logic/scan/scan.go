package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cjeanneret/XYGo/internal/debug"
	"github.com/cjeanneret/XYGo/internal/logic/motion"
)

// Mover is the part of motion.Controller a scan needs.
type Mover interface {
	Command(name string, steps int) error
	Settled(id motion.AxisID) (bool, error)
}

// Plan describes a serpentine raster over the X/Y axes.
// Column 0 runs top to bottom, then X shifts right by ColumnSteps,
// column 1 runs bottom to top, and so on.
type Plan struct {
	Columns     int           `json:"columns"`
	Rows        int           `json:"rows"`
	ColumnSteps int           `json:"column_steps"` // logical steps between columns (X)
	RowSteps    int           `json:"row_steps"`    // logical steps between rows (Y)
	Dwell       time.Duration `json:"-"`            // pause at each cell once settled
}

// Validate checks the plan before any axis moves.
func (p Plan) Validate() error {
	if p.Columns < 1 || p.Rows < 1 {
		return fmt.Errorf("scan needs at least 1 column and 1 row, got %dx%d", p.Columns, p.Rows)
	}
	if p.ColumnSteps < 0 || p.RowSteps < 0 {
		return fmt.Errorf("scan step sizes must be >= 0, got column=%d row=%d", p.ColumnSteps, p.RowSteps)
	}
	if p.Dwell < 0 {
		return errors.New("scan dwell must be >= 0")
	}
	return nil
}

// Cells returns the number of cells visited.
func (p Plan) Cells() int {
	return p.Columns * p.Rows
}

// ErrBusy is returned by Run while another scan holds the runner.
var ErrBusy = errors.New("scan already in progress")

// Runner walks a Plan through a Mover. One scan runs at a time; every front
// end that starts scans shares the same Runner.
type Runner struct {
	motion Mover
	clock  clock.Clock
	poll   time.Duration
	mu     sync.Mutex // held for the whole scan

	// OnCell is called once the axes have settled on a cell (0-based).
	OnCell func(col, row int)
}

// NewRunner creates a runner polling for settle every poll interval.
func NewRunner(m Mover, poll time.Duration) *Runner {
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	return &Runner{
		motion: m,
		clock:  clock.New(),
		poll:   poll,
	}
}

// WithClock replaces the clock used for dwell and polling.
func (r *Runner) WithClock(c clock.Clock) *Runner {
	r.clock = c
	return r
}

// Busy reports whether a scan is running.
func (r *Runner) Busy() bool {
	if r.mu.TryLock() {
		r.mu.Unlock()
		return false
	}
	return true
}

// Run performs the scan. It stops at the first move error or when ctx is done.
func (r *Runner) Run(ctx context.Context, p Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if !r.mu.TryLock() {
		return ErrBusy
	}
	defer r.mu.Unlock()
	debug.Section("Raster Scan")
	debug.Info("Scan: %d columns x %d rows, column=%d steps, row=%d steps", p.Columns, p.Rows, p.ColumnSteps, p.RowSteps)

	for col := 0; col < p.Columns; col++ {
		// Determine vertical direction based on column (even = top->bottom, odd = bottom->top)
		vertical := "down"
		if col%2 == 1 {
			vertical = "up"
		}
		debug.Live("Starting column %d/%d (direction: %s)", col+1, p.Columns, vertical)

		for row := 0; row < p.Rows; row++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if row > 0 {
				if err := r.step(ctx, vertical, p.RowSteps, motion.AxisY); err != nil {
					return err
				}
			}

			cellRow := row
			if col%2 == 1 {
				cellRow = p.Rows - 1 - row
			}
			debug.Cell(col+1, cellRow+1, p.Columns, p.Rows)
			if r.OnCell != nil {
				r.OnCell(col, cellRow)
			}
			if err := r.sleep(ctx, p.Dwell); err != nil {
				return err
			}
		}

		// Horizontal shift (except after the last column)
		if col < p.Columns-1 {
			if err := r.step(ctx, "right", p.ColumnSteps, motion.AxisX); err != nil {
				return err
			}
		}
	}
	debug.Live("Scan complete (%d cells)", p.Cells())
	return nil
}

func (r *Runner) step(ctx context.Context, command string, steps int, axis motion.AxisID) error {
	if steps == 0 {
		return nil
	}
	if err := r.motion.Command(command, steps); err != nil {
		return fmt.Errorf("scan %s: %w", command, err)
	}
	return r.waitSettled(ctx, axis)
}

func (r *Runner) waitSettled(ctx context.Context, axis motion.AxisID) error {
	for {
		ok, err := r.motion.Settled(axis)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := r.sleep(ctx, r.poll); err != nil {
			return err
		}
	}
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := r.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
