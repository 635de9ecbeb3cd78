package recoverylog

import (
	"fmt"

	"github.com/roach88/rlog/internal/logerr"
)

// KeypointStep names the points a keypoint passes through.
type KeypointStep int

const (
	// StepStarted: the target file is KEYPOINTING.
	StepStarted KeypointStep = iota + 1
	// StepResized: both files are large enough for the live data.
	StepResized
	// StepRewritten: every live unit has been written to the target.
	StepRewritten
	// StepForced: the target's records are durable.
	StepForced
	// StepTargetActivated: both files are ACTIVE.
	StepTargetActivated
	// StepCompleted: the previous file is INACTIVE.
	StepCompleted
)

// KeypointSteps lists every step in order.
var KeypointSteps = []KeypointStep{
	StepStarted, StepResized, StepRewritten, StepForced, StepTargetActivated, StepCompleted,
}

func (s KeypointStep) String() string {
	switch s {
	case StepStarted:
		return "started"
	case StepResized:
		return "resized"
	case StepRewritten:
		return "rewritten"
	case StepForced:
		return "forced"
	case StepTargetActivated:
		return "target_activated"
	case StepCompleted:
		return "completed"
	}
	return fmt.Sprintf("KeypointStep(%d)", int(s))
}

// ParseKeypointStep returns the step with the given name.
func ParseKeypointStep(name string) (KeypointStep, error) {
	for _, s := range KeypointSteps {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown keypoint step %q", name)
}

// Keypoint rewrites every live unit into the inactive file and makes it the
// active one, growing both files first when the live data would not fit.
//
// Only one keypoint runs at a time. A caller arriving while one is running
// waits for it and returns without running another, since the running one
// already covers the caller's data.
func (l *Log) Keypoint() error {
	const op = "keypoint"
	if err := l.guard(op); err != nil {
		return err
	}
	g, led := l.control.attemptExclusive()
	if !led {
		// The keypoint just finished covered this caller's data, unless it
		// failed the log or a Close took the lock.
		return l.guard(op)
	}
	defer g.release()

	if err := l.guard(op); err != nil {
		return err
	}
	return l.keypointLocked(op)
}

func (l *Log) keypointLocked(op string) error {
	p := l.pair()
	l.gate.Wait()
	if err := p.KeypointStarting(); err != nil {
		return l.fail(op, err)
	}
	if err := l.step(StepStarted); err != nil {
		return l.abort(op, err)
	}

	total := int(l.totalBytes())
	if float64(total) > float64(p.FreeSpace())*resizeTrigger {
		maxPayload := p.MaxPayloadSpace()
		target := min(int(float64(total)*resizeMultiplier), maxPayload)
		if target < total {
			return l.abort(op, logerr.Errorf(logerr.CodeFull, op,
				"live data of %d bytes exceeds the maximum of %d", total, maxPayload))
		}
		size := p.Capacity() - p.FreeSpace() + target
		if err := p.Resize(size); err != nil {
			return l.abort(op, err)
		}
		l.logger.Info("resized log files", "size", size, "total_bytes", total)
	}
	if err := l.step(StepResized); err != nil {
		return l.abort(op, err)
	}

	units := l.units.snapshot()
	for _, u := range units {
		u.mu.Lock()
		err := u.writeLocked(nil, true)
		u.mu.Unlock()
		if err != nil {
			return l.abort(op, fmt.Errorf("rewrite unit %d: %w", u.id, err))
		}
	}
	if err := l.step(StepRewritten); err != nil {
		return l.abort(op, err)
	}

	l.gate.Wait()
	if err := p.Force(); err != nil {
		return l.abort(op, err)
	}
	if err := l.step(StepForced); err != nil {
		return l.abort(op, err)
	}

	l.gate.Wait()
	if err := p.ActivateTarget(); err != nil {
		return l.abort(op, err)
	}
	if err := l.step(StepTargetActivated); err != nil {
		return l.abort(op, err)
	}

	l.gate.Wait()
	if err := p.DeactivatePrevious(); err != nil {
		return l.abort(op, err)
	}
	if err := l.step(StepCompleted); err != nil {
		return l.abort(op, err)
	}

	maxPayload := p.MaxPayloadSpace()
	if !l.fillWarned && total > (maxPayload-total)*fillWarningFactor {
		l.fillWarned = true
		l.logger.Warn("recovery log is filling up", "total_bytes", total, "max_payload", maxPayload)
	}
	l.logger.Debug("keypoint complete", "units", len(units), "total_bytes", total, "active", p.ActiveFile())
	return nil
}

func (l *Log) step(s KeypointStep) error {
	if l.hook == nil {
		return nil
	}
	if err := l.hook(s); err != nil {
		return fmt.Errorf("keypoint interrupted after %s: %w", s, err)
	}
	return nil
}

// abort points new records back at the previous active file and fails the
// log.
func (l *Log) abort(op string, err error) error {
	l.pair().AbortKeypoint()
	return l.fail(op, err)
}
