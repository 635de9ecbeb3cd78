package harness

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/roach88/rlog/internal/logerr"
	"github.com/roach88/rlog/internal/recoverylog"
	"github.com/roach88/rlog/internal/testutil"
)

// Server is the server name every scenario log runs as.
const Server = "server1"

// Default file sizes for scenarios that do not set them.
const (
	DefaultInitialSizeKB = 8
	DefaultMaxSizeKB     = 64
)

// errCrash is what the keypoint hook returns at the armed step.
var errCrash = errors.New("simulated crash")

// Harness runs the steps of one scenario against one log.
type Harness struct {
	log     *recoverylog.Log
	clock   *testutil.DeterministicClock
	scopes  *testutil.FixedScopeGenerator
	aliases map[string]int64

	// armed is the keypoint step the hook stops after, or zero.
	armed recoverylog.KeypointStep
}

// Run executes s against a new log in dir and returns the result. The
// error is non-nil only when the log cannot be created or opened;
// mismatches against the scenario are reported in the result.
func Run(s *Scenario, dir string) (*Result, error) {
	return RunWithLogger(s, dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// RunWithLogger is Run with the log's messages sent to logger.
func RunWithLogger(s *Scenario, dir string, logger *slog.Logger) (*Result, error) {
	scopes, err := testutil.NewFixedScopeGenerator(Server, "")
	if err != nil {
		return nil, err
	}
	h := &Harness{
		clock:   testutil.NewDeterministicClock(),
		scopes:  scopes,
		aliases: make(map[string]int64),
	}

	cfg := recoverylog.Config{
		Dir:            dir,
		ServerName:     Server,
		ServiceName:    "harness",
		ServiceVersion: 1,
		LogName:        "tranlog",
		InitialSizeKB:  orDefault(s.Log.InitialSizeKB, DefaultInitialSizeKB),
		MaxSizeKB:      orDefault(s.Log.MaxSizeKB, DefaultMaxSizeKB),
		DisableMapping: s.Log.DisableMapping,
	}
	h.log, err = recoverylog.New(cfg,
		recoverylog.WithLogger(logger),
		recoverylog.WithClock(h.clock.Now),
		recoverylog.WithSuspendGate(recoverylog.NewSuspendGate()),
		recoverylog.WithKeypointHook(h.hook),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create log: %w", err)
	}
	if err := h.log.Open(); err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer h.log.CloseImmediate()

	result := NewResult(s.Name)
	for i, step := range s.Steps {
		event, err := h.execute(step)
		event.Seq = i + 1
		if err != nil {
			event.Error = string(logerr.CodeOf(err))
		}
		h.observe(&event)
		result.Trace = append(result.Trace, event)

		if !expected(step, err, result, i) {
			return result, nil
		}
	}

	final, err := h.finalState()
	if err != nil {
		result.AddError(fmt.Sprintf("final state: %v", err))
		return result, nil
	}
	result.Final = final
	if s.Expect != nil {
		checkExpect(s.Expect, final, result)
	}
	return result, nil
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// expected reports whether the scenario may continue after step i.
func expected(step Step, err error, result *Result, i int) bool {
	switch {
	case step.Error == "" && err != nil:
		result.AddError(fmt.Sprintf("steps[%d] %s: %v", i, step.Op, err))
		return false
	case step.Error != "" && err == nil:
		result.AddError(fmt.Sprintf("steps[%d] %s: expected %s, got success", i, step.Op, step.Error))
		return false
	case step.Error != "" && string(logerr.CodeOf(err)) != step.Error:
		result.AddError(fmt.Sprintf("steps[%d] %s: expected %s, got %v", i, step.Op, step.Error, err))
		return false
	}
	return true
}

func (h *Harness) hook(s recoverylog.KeypointStep) error {
	if h.armed != 0 && s == h.armed {
		h.armed = 0
		return errCrash
	}
	return nil
}

func (h *Harness) unit(alias string) (*recoverylog.Unit, error) {
	id, ok := h.aliases[alias]
	if !ok {
		return nil, fmt.Errorf("unit %q was never created", alias)
	}
	return h.log.LookupUnit(id)
}

func (h *Harness) execute(step Step) (TraceEvent, error) {
	event := TraceEvent{Op: step.Op, Unit: step.Unit, At: step.At}

	switch step.Op {
	case OpCreate:
		u, err := h.log.CreateUnit(h.scopes.Generate())
		if err != nil {
			return event, err
		}
		// An id whose record never became durable can be handed out again.
		for alias, id := range h.aliases {
			if id == u.ID() {
				delete(h.aliases, alias)
			}
		}
		h.aliases[step.Unit] = u.ID()
		event.ID = u.ID()
		return event, nil

	case OpAdd:
		u, err := h.unit(step.Unit)
		if err != nil {
			return event, err
		}
		event.ID = u.ID()
		s := u.Section(step.Section)
		if s == nil {
			if s, err = u.CreateSection(step.Section, step.Single); err != nil {
				return event, err
			}
		}
		for _, d := range step.Data {
			if err := s.AddData([]byte(d)); err != nil {
				return event, err
			}
		}
		return event, nil

	case OpWrite, OpForce:
		u, err := h.unit(step.Unit)
		if err != nil {
			return event, err
		}
		event.ID = u.ID()
		if step.Op == OpWrite {
			return event, u.WriteSections()
		}
		return event, u.ForceSections()

	case OpRemove:
		id := h.aliases[step.Unit]
		event.ID = id
		return event, h.log.RemoveUnit(id)

	case OpKeypoint:
		return event, h.log.Keypoint()

	case OpCrashKeypoint:
		h.armed, _ = recoverylog.ParseKeypointStep(step.At)
		err := h.log.Keypoint()
		h.armed = 0
		if err == nil {
			return event, fmt.Errorf("keypoint completed without stopping at %s", step.At)
		}
		if !errors.Is(err, errCrash) {
			return event, err
		}
		return event, h.crash()

	case OpCrash:
		return event, h.crash()

	case OpReopen:
		if err := h.log.Close(); err != nil {
			return event, err
		}
		return event, h.log.Open()

	case OpServiceData:
		return event, h.log.SetServiceData([]byte(step.Data[0]))
	}
	return event, fmt.Errorf("unknown op %q", step.Op)
}

func (h *Harness) crash() error {
	if err := h.log.CloseImmediate(); err != nil {
		return err
	}
	return h.log.Open()
}

// observe adds the log's position to a trace event.
func (h *Harness) observe(event *TraceEvent) {
	st, err := h.log.Stats()
	if err != nil {
		return
	}
	event.ActiveFile = st.ActiveFile
	event.TotalBytes = st.TotalBytes
}

func (h *Harness) finalState() (*FinalState, error) {
	st, err := h.log.Stats()
	if err != nil {
		return nil, err
	}
	sd, err := h.log.ServiceData()
	if err != nil {
		return nil, err
	}
	units, err := h.log.Units(nil)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]string, len(h.aliases))
	for alias, id := range h.aliases {
		byID[id] = alias
	}
	final := &FinalState{
		ActiveFile:    st.ActiveFile,
		TotalBytes:    st.TotalBytes,
		ShutdownClean: st.ShutdownClean,
		ServiceData:   string(sd),
		Units:         []UnitState{},
	}
	for _, u := range units {
		us := UnitState{Alias: byID[u.ID()], ID: u.ID(), Scope: u.Scope().String()}
		for _, s := range u.Sections() {
			ss := SectionState{ID: s.ID(), Single: s.SingleData(), Items: []string{}}
			for _, item := range s.Data() {
				ss.Items = append(ss.Items, string(item))
			}
			us.Sections = append(us.Sections, ss)
		}
		final.Units = append(final.Units, us)
	}
	return final, nil
}

func checkExpect(want *Expect, got *FinalState, result *Result) {
	if want.ActiveFile != 0 && want.ActiveFile != got.ActiveFile {
		result.AddError(fmt.Sprintf("active file: expected %d, got %d", want.ActiveFile, got.ActiveFile))
	}
	if want.ShutdownClean != nil && *want.ShutdownClean != got.ShutdownClean {
		result.AddError(fmt.Sprintf("shutdown clean: expected %t, got %t", *want.ShutdownClean, got.ShutdownClean))
	}
	if want.ServiceData != nil && *want.ServiceData != got.ServiceData {
		result.AddError(fmt.Sprintf("service data: expected %q, got %q", *want.ServiceData, got.ServiceData))
	}

	live := make(map[string]UnitState, len(got.Units))
	for _, u := range got.Units {
		live[u.Alias] = u
	}
	for alias := range live {
		if _, ok := want.Units[alias]; !ok {
			result.AddError(fmt.Sprintf("unit %q: unexpected live unit", alias))
		}
	}
	for alias, sections := range want.Units {
		u, ok := live[alias]
		if !ok {
			result.AddError(fmt.Sprintf("unit %q: not recovered", alias))
			continue
		}
		for id, items := range sections {
			i := slices.IndexFunc(u.Sections, func(s SectionState) bool { return s.ID == id })
			if i < 0 {
				result.AddError(fmt.Sprintf("unit %q section %d: missing", alias, id))
				continue
			}
			if !slices.Equal(items, u.Sections[i].Items) {
				result.AddError(fmt.Sprintf("unit %q section %d: expected %q, got %q", alias, id, items, u.Sections[i].Items))
			}
		}
	}
}
