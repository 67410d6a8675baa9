// Package console reads line commands ("DOWN 3", "LEFT", "POS", ...) from a
// stream such as stdin or a serial port and dispatches them to the motion
// controller.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cjeanneret/XYGo/internal/debug"
	"github.com/cjeanneret/XYGo/internal/logic/motion"
	"github.com/cjeanneret/XYGo/internal/logic/scan"
)

// Controller is the part of motion.Controller the console drives.
type Controller interface {
	Command(name string, steps int) error
	Position(id motion.AxisID) (int64, error)
	Axes() []motion.AxisInfo
}

// ScanFunc runs a raster scan and blocks until it completes.
type ScanFunc func(ctx context.Context, p scan.Plan) error

// Dispatcher executes console commands and writes one reply per command.
type Dispatcher struct {
	ctrl Controller
	scan ScanFunc
	out  io.Writer
}

// NewDispatcher creates a dispatcher. runScan may be nil to disable SCAN.
func NewDispatcher(ctrl Controller, runScan ScanFunc, out io.Writer) *Dispatcher {
	return &Dispatcher{ctrl: ctrl, scan: runScan, out: out}
}

// Serve reads commands from r until EOF or ctx is done.
// Closing the underlying reader is how a blocked read is interrupted.
func (d *Dispatcher) Serve(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		reply := d.Execute(ctx, line)
		if _, err := io.WriteString(d.out, reply); err != nil {
			return fmt.Errorf("write reply: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return sc.Err()
}

// Execute runs one command line and returns the reply text.
func (d *Dispatcher) Execute(ctx context.Context, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	name := strings.ToLower(fields[0])
	args := fields[1:]

	switch name {
	case "pos", "position":
		return d.positions()
	case "scan":
		return d.runScan(ctx, args)
	case "help", "?":
		return help()
	}

	if _, ok := motion.LookupCommand(name); !ok {
		return fmt.Sprintf("error: unknown command %q\n", fields[0])
	}
	steps := 1
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Sprintf("error: invalid step count %q\n", args[0])
		}
		steps = n
	}

	debug.Command(strings.ToUpper(name), steps)
	var b strings.Builder
	fmt.Fprintf(&b, "Command: %s\n", strings.ToUpper(name))
	if err := d.ctrl.Command(name, steps); err != nil {
		fmt.Fprintf(&b, "error: %v\n", err)
		return b.String()
	}
	b.WriteString("ok\n")
	return b.String()
}

func (d *Dispatcher) positions() string {
	var parts []string
	for _, a := range d.ctrl.Axes() {
		pos, err := d.ctrl.Position(a.ID)
		if err != nil {
			return fmt.Sprintf("error: %v\n", err)
		}
		parts = append(parts, fmt.Sprintf("%s=%d", a.ID, pos))
	}
	return strings.Join(parts, " ") + "\n"
}

func (d *Dispatcher) runScan(ctx context.Context, args []string) string {
	if d.scan == nil {
		return "error: scan not available\n"
	}
	if len(args) != 4 {
		return "error: usage: SCAN columns rows column_steps row_steps\n"
	}
	var vals [4]int
	for i, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return fmt.Sprintf("error: invalid number %q\n", a)
		}
		vals[i] = n
	}
	p := scan.Plan{Columns: vals[0], Rows: vals[1], ColumnSteps: vals[2], RowSteps: vals[3]}
	if err := d.scan(ctx, p); err != nil {
		return fmt.Sprintf("error: %v\n", err)
	}
	return "ok\n"
}

func help() string {
	var b strings.Builder
	b.WriteString("commands:")
	for _, c := range motion.Commands() {
		b.WriteString(" " + strings.ToUpper(c.Name) + " [n]")
	}
	b.WriteString(" POS SCAN cols rows col_steps row_steps\n")
	return b.String()
}
