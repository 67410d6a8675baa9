package motion

import (
	"fmt"
	"strings"
)

// AxisID identifies a controllable dimension.
type AxisID int

const (
	AxisY AxisID = iota
	AxisX
	AxisZ
)

func (a AxisID) String() string {
	switch a {
	case AxisY:
		return "Y"
	case AxisX:
		return "X"
	case AxisZ:
		return "Z"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

// ParseAxis converts "Y", "x", ... into an AxisID.
func ParseAxis(s string) (AxisID, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "Y":
		return AxisY, nil
	case "X":
		return AxisX, nil
	case "Z":
		return AxisZ, nil
	}
	return 0, fmt.Errorf("unknown axis %q", s)
}

// Direction selects the sign of a relative move.
type Direction int

const (
	Increase Direction = 1
	Decrease Direction = -1
)

// Sign returns +1 or -1, or 0 for an invalid direction.
func (d Direction) Sign() int64 {
	switch d {
	case Increase:
		return 1
	case Decrease:
		return -1
	}
	return 0
}

func (d Direction) String() string {
	switch d {
	case Increase:
		return "increase"
	case Decrease:
		return "decrease"
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

// ParseDirection accepts "increase"/"+" and "decrease"/"-".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "increase", "inc", "+":
		return Increase, nil
	case "decrease", "dec", "-":
		return Decrease, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// Axis registers one physical axis with the controller.
// StepsPerUnit converts one logical step into physical driver steps.
type Axis struct {
	ID           AxisID
	StepsPerUnit int64
	Driver       AxisDriver
}

// AxisInfo is the read-only view of a registered axis.
type AxisInfo struct {
	ID           AxisID
	StepsPerUnit int64
}

// Command binds a named direction ("down", "left", ...) to an axis and sign.
type Command struct {
	Name      string
	Axis      AxisID
	Direction Direction
}

// Down moves Y toward increasing positions and left moves X toward
// increasing positions. Z follows Y.
var commands = []Command{
	{Name: "down", Axis: AxisY, Direction: Increase},
	{Name: "up", Axis: AxisY, Direction: Decrease},
	{Name: "left", Axis: AxisX, Direction: Increase},
	{Name: "right", Axis: AxisX, Direction: Decrease},
	{Name: "z-down", Axis: AxisZ, Direction: Increase},
	{Name: "z-up", Axis: AxisZ, Direction: Decrease},
}

// Commands returns the named direction table.
func Commands() []Command {
	out := make([]Command, len(commands))
	copy(out, commands)
	return out
}

// LookupCommand finds a command by name, case-insensitively.
func LookupCommand(name string) (Command, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, c := range commands {
		if c.Name == name {
			return c, true
		}
	}
	return Command{}, false
}

func commandName(axis AxisID, dir Direction) string {
	for _, c := range commands {
		if c.Axis == axis && c.Direction == dir {
			return c.Name
		}
	}
	return ""
}
