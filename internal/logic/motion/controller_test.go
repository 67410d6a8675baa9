package motion

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// recordingDriver records AxisDriver calls for verification.
type recordingDriver struct {
	mu       sync.Mutex
	calls    []string
	position int64
	maxSpeed float64
	accel    float64
	target   int64
	toGo     int64

	failPosition bool
	failMaxSpeed bool
	failAccel    bool
	failMoveTo   bool
}

var errUnplugged = errors.New("unplugged")

func (d *recordingDriver) SetMaxSpeed(v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, fmt.Sprintf("setMaxSpeed(%g)", v))
	if d.failMaxSpeed {
		return errUnplugged
	}
	d.maxSpeed = v
	return nil
}

func (d *recordingDriver) SetAcceleration(a float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, fmt.Sprintf("setAcceleration(%g)", a))
	if d.failAccel {
		return errUnplugged
	}
	d.accel = a
	return nil
}

func (d *recordingDriver) CurrentPosition() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "currentPosition()")
	if d.failPosition {
		return 0, errUnplugged
	}
	return d.position, nil
}

func (d *recordingDriver) MoveTo(target int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, fmt.Sprintf("moveTo(%d)", target))
	if d.failMoveTo {
		return errUnplugged
	}
	d.target = target
	return nil
}

func (d *recordingDriver) DistanceToGo() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.toGo
}

func (d *recordingDriver) Limits() (float64, float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxSpeed, d.accel
}

func (d *recordingDriver) reset() {
	d.mu.Lock()
	d.calls = nil
	d.mu.Unlock()
}

func newTestController(t *testing.T, opts ...Option) (*Controller, *recordingDriver, *recordingDriver) {
	t.Helper()
	y := &recordingDriver{maxSpeed: 1000, accel: 500}
	x := &recordingDriver{maxSpeed: 1000, accel: 500}
	ctrl, err := NewController([]Axis{
		{ID: AxisY, StepsPerUnit: 200, Driver: y},
		{ID: AxisX, StepsPerUnit: 200, Driver: x},
	}, opts...)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return ctrl, y, x
}

func TestController_YDecreaseFastProfile(t *testing.T) {
	ctrl, y, _ := newTestController(t)
	y.position = 1000

	if err := ctrl.Move(AxisY, Decrease, 3, Fast); err != nil {
		t.Fatalf("Move: %v", err)
	}

	want := []string{"currentPosition()", "setMaxSpeed(4000)", "setAcceleration(20000)", "moveTo(400)"}
	if diff := cmp.Diff(want, y.calls); diff != "" {
		t.Errorf("driver calls mismatch (-want +got):\n%s", diff)
	}
}

func TestController_XIncreaseDefaultProfile(t *testing.T) {
	ctrl, _, x := newTestController(t)
	x.position = -500

	if err := ctrl.Move(AxisX, Increase, 2, Default); err != nil {
		t.Fatalf("Move: %v", err)
	}

	if x.target != -100 {
		t.Errorf("target = %d, want -100", x.target)
	}
	if x.maxSpeed != 1000 || x.accel != 500 {
		t.Errorf("default profile changed limits: speed=%g accel=%g", x.maxSpeed, x.accel)
	}
	want := []string{"currentPosition()", "moveTo(-100)"}
	if diff := cmp.Diff(want, x.calls); diff != "" {
		t.Errorf("driver calls mismatch (-want +got):\n%s", diff)
	}
}

func TestController_DeltaIsRelativeToReportedPosition(t *testing.T) {
	cases := []struct {
		name     string
		dir      Direction
		position int64
		steps    int
		want     int64
	}{
		{"increase_from_zero", Increase, 0, 5, 1000},
		{"decrease_from_zero", Decrease, 0, 5, -1000},
		{"increase_negative", Increase, -300, 1, -100},
		{"decrease_positive", Decrease, 250, 2, -150},
		{"zero_steps", Increase, 42, 0, 42},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl, y, _ := newTestController(t)
			y.position = tc.position
			if err := ctrl.Move(AxisY, tc.dir, tc.steps, Default); err != nil {
				t.Fatalf("Move: %v", err)
			}
			if y.target != tc.want {
				t.Errorf("target = %d, want %d", y.target, tc.want)
			}
		})
	}
}

func TestController_IgnoresCachedTarget(t *testing.T) {
	ctrl, y, _ := newTestController(t)

	if err := ctrl.MoveYDown(1); err != nil {
		t.Fatalf("MoveYDown: %v", err)
	}
	// Driver only made it halfway before the next command.
	y.position = 100
	if err := ctrl.MoveYDown(1); err != nil {
		t.Fatalf("MoveYDown: %v", err)
	}
	if y.target != 300 {
		t.Errorf("target = %d, want 300 (from reported position, not cached target)", y.target)
	}
}

func TestController_NegativeStepsNoDriverCalls(t *testing.T) {
	ctrl, y, x := newTestController(t)

	err := ctrl.Move(AxisY, Increase, -1, Fast)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if len(y.calls)+len(x.calls) != 0 {
		t.Errorf("expected zero driver calls, got y=%v x=%v", y.calls, x.calls)
	}
}

func TestController_InvalidDirection(t *testing.T) {
	ctrl, y, _ := newTestController(t)

	if err := ctrl.Move(AxisY, Direction(0), 1, Fast); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if len(y.calls) != 0 {
		t.Errorf("expected zero driver calls, got %v", y.calls)
	}
}

func TestController_UnknownAxisNoDriverCalls(t *testing.T) {
	ctrl, y, x := newTestController(t)

	err := ctrl.Move(AxisZ, Increase, 1, Fast)
	if !errors.Is(err, ErrUnknownAxis) {
		t.Fatalf("expected ErrUnknownAxis, got %v", err)
	}
	if len(y.calls)+len(x.calls) != 0 {
		t.Errorf("expected zero driver calls, got y=%v x=%v", y.calls, x.calls)
	}
	if err := ctrl.MoveZDown(1); !errors.Is(err, ErrUnknownAxis) {
		t.Errorf("MoveZDown: expected ErrUnknownAxis, got %v", err)
	}
}

func TestController_StepOverflow(t *testing.T) {
	ctrl, y, _ := newTestController(t)
	maxInt := int(^uint(0) >> 1)

	if err := ctrl.Move(AxisY, Increase, maxInt, Default); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if len(y.calls) != 0 {
		t.Errorf("expected zero driver calls, got %v", y.calls)
	}
}

func TestController_MoveToFaultKeepsTarget(t *testing.T) {
	ctrl, y, _ := newTestController(t)
	y.position = 1000
	if err := ctrl.MoveYDown(1); err != nil {
		t.Fatalf("MoveYDown: %v", err)
	}
	before, _, _ := ctrl.Target(AxisY)

	y.failMoveTo = true
	err := ctrl.MoveYDown(5)
	if !errors.Is(err, ErrDriverFault) {
		t.Fatalf("expected ErrDriverFault, got %v", err)
	}
	if !errors.Is(err, errUnplugged) {
		t.Errorf("expected cause to be preserved, got %v", err)
	}
	after, ok, _ := ctrl.Target(AxisY)
	if !ok || after != before {
		t.Errorf("cached target = %d (ok=%v), want %d", after, ok, before)
	}
}

func TestController_FaultRestoresPreviousProfile(t *testing.T) {
	ctrl, y, _ := newTestController(t)
	if err := ctrl.Move(AxisY, Increase, 1, Fast); err != nil {
		t.Fatalf("Move: %v", err)
	}

	slow := Profile{Name: "slow", MaxSpeed: 100, Acceleration: 50}
	y.failMoveTo = true
	y.reset()
	if err := ctrl.Move(AxisY, Increase, 1, slow); !errors.Is(err, ErrDriverFault) {
		t.Fatalf("expected ErrDriverFault, got %v", err)
	}

	if y.maxSpeed != Fast.MaxSpeed || y.accel != Fast.Acceleration {
		t.Errorf("limits after fault = %g/%g, want fast profile restored", y.maxSpeed, y.accel)
	}
	want := []string{
		"currentPosition()",
		"setMaxSpeed(100)", "setAcceleration(50)",
		"moveTo(200)",
		"setMaxSpeed(4000)", "setAcceleration(20000)",
	}
	if diff := cmp.Diff(want, y.calls); diff != "" {
		t.Errorf("driver calls mismatch (-want +got):\n%s", diff)
	}
}

func TestController_PositionFaultIssuesNoWrites(t *testing.T) {
	ctrl, y, _ := newTestController(t)
	y.failPosition = true

	if err := ctrl.Move(AxisY, Increase, 1, Fast); !errors.Is(err, ErrDriverFault) {
		t.Fatalf("expected ErrDriverFault, got %v", err)
	}
	if diff := cmp.Diff([]string{"currentPosition()"}, y.calls); diff != "" {
		t.Errorf("driver calls mismatch (-want +got):\n%s", diff)
	}
	if _, ok, _ := ctrl.Target(AxisY); ok {
		t.Error("target should not be recorded after a fault")
	}
}

func TestController_ProfileFault(t *testing.T) {
	ctrl, y, _ := newTestController(t)
	y.failAccel = true

	if err := ctrl.Move(AxisY, Increase, 1, Fast); !errors.Is(err, ErrDriverFault) {
		t.Fatalf("expected ErrDriverFault, got %v", err)
	}
	for _, c := range y.calls {
		if c == "moveTo(200)" {
			t.Error("moveTo must not be issued after a profile fault")
		}
	}
	// No earlier move: the limits reported at registration are restored.
	if y.maxSpeed != 1000 || y.accel != 500 {
		t.Errorf("limits after fault = %g/%g, want 1000/500", y.maxSpeed, y.accel)
	}
}

func TestController_FirstMoveFaultRestoresInitialLimits(t *testing.T) {
	ctrl, y, _ := newTestController(t)
	y.failMoveTo = true

	if err := ctrl.Move(AxisY, Increase, 1, Fast); !errors.Is(err, ErrDriverFault) {
		t.Fatalf("expected ErrDriverFault, got %v", err)
	}
	if y.maxSpeed != 1000 || y.accel != 500 {
		t.Errorf("limits after fault = %g/%g, want 1000/500", y.maxSpeed, y.accel)
	}
	want := []string{
		"currentPosition()",
		"setMaxSpeed(4000)", "setAcceleration(20000)",
		"moveTo(200)",
		"setMaxSpeed(1000)", "setAcceleration(500)",
	}
	if diff := cmp.Diff(want, y.calls); diff != "" {
		t.Errorf("driver calls mismatch (-want +got):\n%s", diff)
	}
}

func TestController_TargetOverflow(t *testing.T) {
	const maxInt64 = int64(^uint64(0) >> 1)
	const minInt64 = -maxInt64 - 1
	cases := []struct {
		name     string
		dir      Direction
		position int64
		steps    int
	}{
		{"increase_past_max", Increase, maxInt64 - 10, 1},
		{"decrease_past_min", Decrease, minInt64 + 10, 1},
		{"increase_at_max", Increase, maxInt64, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl, y, _ := newTestController(t)
			y.position = tc.position

			if err := ctrl.Move(AxisY, tc.dir, tc.steps, Fast); !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
			if diff := cmp.Diff([]string{"currentPosition()"}, y.calls); diff != "" {
				t.Errorf("driver calls mismatch (-want +got):\n%s", diff)
			}
			if _, ok, _ := ctrl.Target(AxisY); ok {
				t.Error("target should not be recorded")
			}
		})
	}

	// Landing exactly on the bound is allowed.
	ctrl, y, _ := newTestController(t)
	y.position = maxInt64 - 200
	if err := ctrl.Move(AxisY, Increase, 1, Default); err != nil {
		t.Fatalf("Move to MaxInt64: %v", err)
	}
	if y.target != maxInt64 {
		t.Errorf("target = %d, want %d", y.target, maxInt64)
	}
}

func TestController_NamedCommands(t *testing.T) {
	ctrl, y, x := newTestController(t, WithJogProfile(Fast))
	y.position, x.position = 1000, 1000

	cases := []struct {
		name string
		fn   func(int) error
		drv  *recordingDriver
		want int64
	}{
		{"down", ctrl.MoveYDown, y, 1400},
		{"up", ctrl.MoveYUp, y, 600},
		{"left", ctrl.MoveXLeft, x, 1400},
		{"right", ctrl.MoveXRight, x, 600},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.fn(2); err != nil {
				t.Fatalf("%s: %v", tc.name, err)
			}
			if tc.drv.target != tc.want {
				t.Errorf("target = %d, want %d", tc.drv.target, tc.want)
			}
			if tc.drv.maxSpeed != 4000 || tc.drv.accel != 20000 {
				t.Errorf("jog profile not applied: %g/%g", tc.drv.maxSpeed, tc.drv.accel)
			}

			if err := ctrl.Command(tc.name, 2); err != nil {
				t.Fatalf("Command(%q): %v", tc.name, err)
			}
			if tc.drv.target != tc.want {
				t.Errorf("Command target = %d, want %d", tc.drv.target, tc.want)
			}
		})
	}
}

func TestController_UnknownCommand(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	if err := ctrl.Command("sideways", 1); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestController_EmitsEvent(t *testing.T) {
	var got []Event
	ctrl, y, _ := newTestController(t, WithEventSink(EventSinkFunc(func(e Event) {
		got = append(got, e)
	})))
	y.position = 1000

	if err := ctrl.Move(AxisY, Decrease, 3, Fast); err != nil {
		t.Fatalf("Move: %v", err)
	}
	y.failMoveTo = true
	_ = ctrl.Move(AxisY, Decrease, 3, Fast)

	want := []Event{{Axis: AxisY, Direction: Decrease, Command: "up", Steps: 3, Profile: "fast", Target: 400}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestNewController_Validation(t *testing.T) {
	d := &recordingDriver{}
	cases := []struct {
		name string
		axes []Axis
	}{
		{"nil_driver", []Axis{{ID: AxisY, StepsPerUnit: 1}}},
		{"zero_steps_per_unit", []Axis{{ID: AxisY, StepsPerUnit: 0, Driver: d}}},
		{"negative_steps_per_unit", []Axis{{ID: AxisY, StepsPerUnit: -4, Driver: d}}},
		{"duplicate", []Axis{{ID: AxisY, StepsPerUnit: 1, Driver: d}, {ID: AxisY, StepsPerUnit: 1, Driver: d}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewController(tc.axes); !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestController_AxesAndPosition(t *testing.T) {
	ctrl, y, _ := newTestController(t)
	y.position = 77

	want := []AxisInfo{{ID: AxisY, StepsPerUnit: 200}, {ID: AxisX, StepsPerUnit: 200}}
	if diff := cmp.Diff(want, ctrl.Axes()); diff != "" {
		t.Errorf("Axes mismatch (-want +got):\n%s", diff)
	}
	pos, err := ctrl.Position(AxisY)
	if err != nil || pos != 77 {
		t.Errorf("Position = %d, %v; want 77", pos, err)
	}
	if _, err := ctrl.Position(AxisZ); !errors.Is(err, ErrUnknownAxis) {
		t.Errorf("expected ErrUnknownAxis, got %v", err)
	}
}

func TestController_Settled(t *testing.T) {
	ctrl, y, _ := newTestController(t)

	y.toGo = 12
	if ok, _ := ctrl.Settled(AxisY); ok {
		t.Error("axis with distance to go should not be settled")
	}
	y.toGo = 0
	if ok, _ := ctrl.Settled(AxisY); !ok {
		t.Error("axis at target should be settled")
	}
}

func TestController_ConcurrentMovesPerAxis(t *testing.T) {
	ctrl, y, x := newTestController(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = ctrl.MoveYDown(1)
		}()
		go func() {
			defer wg.Done()
			_ = ctrl.MoveXLeft(1)
		}()
	}
	wg.Wait()

	if len(y.calls) != 100 || len(x.calls) != 100 {
		t.Errorf("expected 100 calls per axis, got y=%d x=%d", len(y.calls), len(x.calls))
	}
}
