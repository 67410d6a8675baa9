package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/XYGo/internal/logic/motion"
	"github.com/cjeanneret/XYGo/internal/logic/scan"
)

// maxBodyBytes limits JSON request bodies.
const maxBodyBytes = 1 << 20

// Motion is the controller surface exposed over HTTP.
type Motion interface {
	Move(id motion.AxisID, dir motion.Direction, steps int, p motion.Profile) error
	Command(name string, steps int) error
	Axes() []motion.AxisInfo
	Position(id motion.AxisID) (int64, error)
	Target(id motion.AxisID) (int64, bool, error)
}

// RunScanFunc runs a raster scan. It is called from the POST /scan handler in a goroutine.
type RunScanFunc func(ctx context.Context, p scan.Plan) error

// MoveRequest is the body of POST /move. Either Command ("down", "left", ...)
// or Axis+Direction must be set.
type MoveRequest struct {
	Command   string `json:"command,omitempty"`
	Axis      string `json:"axis,omitempty"`
	Direction string `json:"direction,omitempty"`
	Steps     int    `json:"steps"`
	Profile   string `json:"profile,omitempty"` // empty: jog profile for commands, "default" for axis moves
}

// ScanRequest is the body of POST /scan.
type ScanRequest struct {
	Columns     int `json:"columns"`
	Rows        int `json:"rows"`
	ColumnSteps int `json:"column_steps"`
	RowSteps    int `json:"row_steps"`
}

// AxisStatus is one entry of GET /axes.
type AxisStatus struct {
	Axis         string `json:"axis"`
	StepsPerUnit int64  `json:"steps_per_unit"`
	Position     int64  `json:"position"`
	Target       *int64 `json:"target,omitempty"`
}

// FormConfig holds values the page needs to build its controls.
type FormConfig struct {
	JogProfile string   `json:"jog_profile"`
	Profiles   []string `json:"profiles"`
	Commands   []string `json:"commands"`
}

// ValidateMoveRequest checks the shape of a move request. Step counts are
// left to the controller, which rejects negatives with ErrInvalidArgument.
func ValidateMoveRequest(r MoveRequest) error {
	hasCommand := r.Command != ""
	hasAxis := r.Axis != "" || r.Direction != ""
	switch {
	case hasCommand && hasAxis:
		return errors.New("set either command or axis/direction, not both")
	case hasCommand:
		if _, ok := motion.LookupCommand(r.Command); !ok {
			return fmt.Errorf("unknown command %q", r.Command)
		}
	case hasAxis:
		if _, err := motion.ParseAxis(r.Axis); err != nil {
			return err
		}
		if _, err := motion.ParseDirection(r.Direction); err != nil {
			return err
		}
	default:
		return errors.New("command or axis/direction is required")
	}
	return nil
}

// ValidateScanRequest checks scan dimensions.
func ValidateScanRequest(r ScanRequest) error {
	return r.plan().Validate()
}

func (r ScanRequest) plan() scan.Plan {
	return scan.Plan{Columns: r.Columns, Rows: r.Rows, ColumnSteps: r.ColumnSteps, RowSteps: r.RowSteps}
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster  *StatusBroadcaster
	Motion       Motion
	Profiles     map[string]motion.Profile
	RunScan      RunScanFunc
	FormDefaults FormConfig
	// ScanBusy reports scans started elsewhere (e.g. the console). Optional.
	ScanBusy  func() bool
	runningMu sync.Mutex
	running   bool
	baseCtx   context.Context // server lifetime; cancels background scans
	staticFS  fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If runScan is nil, POST /scan will return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, m Motion, profiles map[string]motion.Profile, jogProfile string, runScan RunScanFunc, staticFS fs.FS) *Handlers {
	form := FormConfig{JogProfile: jogProfile, Profiles: []string{motion.Default.Name}}
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	form.Profiles = append(form.Profiles, names...)
	for _, c := range motion.Commands() {
		form.Commands = append(form.Commands, c.Name)
	}
	return &Handlers{
		Broadcaster:  broadcaster,
		Motion:       m,
		Profiles:     profiles,
		RunScan:      runScan,
		FormDefaults: form,
		staticFS:     staticFS,
	}
}

func (h *Handlers) profile(name string) (motion.Profile, bool) {
	if name == "" || name == motion.Default.Name {
		return motion.Default, true
	}
	p, ok := h.Profiles[name]
	return p, ok
}

// HandleConfig returns the control defaults as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.FormDefaults)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleMove handles POST /move. The move is only commanded; the response
// does not wait for the axis to arrive.
func (h *Handlers) HandleMove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req MoveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateMoveRequest(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var (
		axis motion.AxisID
		err  error
	)
	if req.Command != "" {
		cmd, _ := motion.LookupCommand(req.Command)
		axis = cmd.Axis
		if req.Profile == "" {
			err = h.Motion.Command(cmd.Name, req.Steps)
		} else {
			p, ok := h.profile(req.Profile)
			if !ok {
				http.Error(w, fmt.Sprintf("unknown profile %q", req.Profile), http.StatusBadRequest)
				return
			}
			err = h.Motion.Move(cmd.Axis, cmd.Direction, req.Steps, p)
		}
	} else {
		axis, _ = motion.ParseAxis(req.Axis)
		dir, _ := motion.ParseDirection(req.Direction)
		p, ok := h.profile(req.Profile)
		if !ok {
			http.Error(w, fmt.Sprintf("unknown profile %q", req.Profile), http.StatusBadRequest)
			return
		}
		err = h.Motion.Move(axis, dir, req.Steps, p)
	}
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	target, _, _ := h.Motion.Target(axis)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{"status": "moving", "axis": axis.String(), "target": target})
}

// statusFor maps controller errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, motion.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, motion.ErrUnknownAxis):
		return http.StatusNotFound
	case errors.Is(err, motion.ErrDriverFault):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// HandleAxes handles GET /axes.
func (h *Handlers) HandleAxes(w http.ResponseWriter, r *http.Request) {
	var out []AxisStatus
	for _, a := range h.Motion.Axes() {
		pos, err := h.Motion.Position(a.ID)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		st := AxisStatus{Axis: a.ID.String(), StepsPerUnit: a.StepsPerUnit, Position: pos}
		if target, ok, _ := h.Motion.Target(a.ID); ok {
			st.Target = &target
		}
		out = append(out, st)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// HandleScan handles POST /scan to start a raster scan.
func (h *Handlers) HandleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ScanRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateScanRequest(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.RunScan == nil {
		http.Error(w, "scan not configured", http.StatusServiceUnavailable)
		return
	}

	h.runningMu.Lock()
	if h.running || (h.ScanBusy != nil && h.ScanBusy()) {
		h.runningMu.Unlock()
		http.Error(w, "scan already in progress", http.StatusConflict)
		return
	}
	h.running = true
	ctx := h.baseCtx
	h.runningMu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	// Run in goroutine; clear running when done
	go func() {
		defer func() {
			h.runningMu.Lock()
			h.running = false
			h.runningMu.Unlock()
		}()

		if err := h.RunScan(ctx, req.plan()); err != nil {
			h.Broadcaster.Broadcast("error", "Scan failed: "+err.Error())
			log.Printf("scan failed: %v", err)
		} else {
			h.Broadcaster.Broadcast("info", "Scan complete")
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "started"})
}

// setBaseContext ties background scans to ctx.
func (h *Handlers) setBaseContext(ctx context.Context) {
	h.runningMu.Lock()
	defer h.runningMu.Unlock()
	h.baseCtx = ctx
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + strings.TrimSpace(msg) + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
