// Package recoverylog is a crash-resilient store of recoverable units kept in
// a pair of write-ahead files.
//
// A Log holds units, each a set of sections of opaque data items owned by a
// failure scope. Items are added in memory, written to the active file as
// records and made durable by a force. When the active file fills, a
// keypoint rewrites every live unit into the other file and swaps the two,
// so the files only ever hold live data plus what was written since the last
// keypoint. Opening the log replays the active file and rebuilds the units.
//
// Typical use:
//
//	l, _ := recoverylog.New(cfg)
//	if err := l.Open(); err != nil { ... }
//	u, _ := l.CreateUnit(scope.NewServerScope("server1"))
//	s, _ := u.CreateSection(1, false)
//	s.AddData(payload)
//	u.ForceSections()
//	l.Close()
package recoverylog

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/rlog/internal/logerr"
	"github.com/roach88/rlog/internal/logfile"
	"github.com/roach88/rlog/internal/logpair"
	"github.com/roach88/rlog/internal/scope"
)

// State is the lifecycle state of a Log.
type State int32

const (
	StateClosed State = iota
	StateOpen
	// StateFailed: a write path error occurred. The log refuses further
	// disk mutation until it is fully closed and reopened.
	StateFailed
	// StateIncompatible: the files on disk belong to another format or
	// service. Open may be retried.
	StateIncompatible
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateFailed:
		return "failed"
	case StateIncompatible:
		return "incompatible"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithSuspendGate sets the gate forces wait on. Defaults to
// DefaultSuspendGate().
func WithSuspendGate(g *SuspendGate) Option {
	return func(l *Log) {
		if g != nil {
			l.gate = g
		}
	}
}

// WithClock sets the source of header timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// WithCodec sets the failure scope codec. Defaults to scope.ServerCodec.
func WithCodec(c scope.Codec) Option {
	return func(l *Log) {
		if c != nil {
			l.codec = c
		}
	}
}

// WithKeypointHook installs fn to run after each keypoint step. An error
// from fn aborts the keypoint as if the process had stopped there; it exists
// for crash testing.
func WithKeypointHook(fn func(KeypointStep) error) Option {
	return func(l *Log) { l.hook = fn }
}

// Log is one recovery log.
type Log struct {
	cfg    Config
	name   string
	logger *slog.Logger
	gate   *SuspendGate
	now    func() time.Time
	codec  scope.Codec
	hook   func(KeypointStep) error

	// mu serializes Open and Close and guards refs.
	mu   sync.Mutex
	refs int

	state   atomic.Int32
	failMu  sync.Mutex
	failErr error

	current atomic.Pointer[logpair.Pair]
	control *controlLock
	units   *unitTable

	unwritten atomic.Int64
	totalMu   sync.Mutex
	total     int64

	// fillWarned is only touched by the keypoint leader.
	fillWarned bool
}

// New returns a closed log for cfg.
func New(cfg Config, opts ...Option) (*Log, error) {
	if err := cfg.Validate(); err != nil {
		return nil, logerr.E(logerr.CodeInternal, "new log", err)
	}
	cfg = cfg.Normalize()
	l := &Log{
		cfg:     cfg,
		name:    cfg.LogName,
		logger:  slog.Default(),
		gate:    DefaultSuspendGate(),
		now:     time.Now,
		codec:   scope.ServerCodec{},
		control: newControlLock(),
		units:   newUnitTable(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("log", l.name)
	return l, nil
}

// Name returns the log name.
func (l *Log) Name() string { return l.name }

// Config returns the normalized configuration.
func (l *Log) Config() Config { return l.cfg }

// State returns the lifecycle state.
func (l *Log) State() State { return State(l.state.Load()) }

func (l *Log) pair() *logpair.Pair { return l.current.Load() }

func (l *Log) maxSize() int { return l.cfg.MaxSizeKB * 1024 }

// Open opens the log, recovering its units from disk or creating the files
// on first use. Opens nest: each successful Open needs a matching Close.
func (l *Log) Open() error {
	const op = "open log"
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.refs > 0 {
		if err := l.guard(op); err != nil {
			return err
		}
		l.refs++
		return nil
	}

	p, err := logpair.Open(logpair.Options{
		Dir:            l.cfg.LogDir(),
		Identity:       l.cfg.Identity(),
		InitialSize:    l.cfg.InitialSizeKB * 1024,
		MaxSize:        l.maxSize(),
		DisableMapping: l.cfg.DisableMapping,
		VectoredWrites: l.cfg.VectoredWrites,
		Now:            l.now,
		Logger:         l.logger,
	})
	if err != nil {
		if logerr.IsIncompatible(err) {
			l.state.Store(int32(StateIncompatible))
		}
		return err
	}

	l.reset()
	l.current.Store(p)
	l.recover(p)
	l.state.Store(int32(StateOpen))
	l.refs = 1

	l.logger.Info("recovery log open",
		"units", l.units.len(),
		"clean", p.WasShutdownClean(),
		"total_bytes", l.totalBytes(),
	)
	return nil
}

func (l *Log) reset() {
	l.units = newUnitTable()
	l.unwritten.Store(0)
	l.totalMu.Lock()
	l.total = 0
	l.totalMu.Unlock()
	l.failMu.Lock()
	l.failErr = nil
	l.failMu.Unlock()
	l.fillWarned = false
}

func (l *Log) recover(p *logpair.Pair) {
	recs := p.Recovered()
	for i, rec := range recs {
		if err := l.replay(rec); err != nil {
			// Frames past this one are not applied either; replay order
			// decides which section contents win.
			l.logger.Warn("recovery stopped at undecodable record",
				"seq", rec.Seq,
				"skipped", len(recs)-i,
				"error", err,
			)
			break
		}
	}
	p.ReleaseRecovered()
}

// replay applies one recovered record. Record memory belongs to the file, so
// everything kept is copied.
func (l *Log) replay(rec logfile.Record) error {
	d, err := decodeRecord(rec)
	if err != nil {
		return err
	}
	l.units.observe(d.unitID)
	u := l.units.get(d.unitID)

	if d.typ == recordTypeDeleted {
		if u != nil {
			u.removeLocked(false)
			l.units.remove(d.unitID)
		}
		return nil
	}

	if u == nil {
		raw := append([]byte(nil), d.scope...)
		sc, err := l.codec.Decode(raw)
		if err != nil {
			return fmt.Errorf("record %d unit %d: %w", rec.Seq, d.unitID, err)
		}
		u = newUnit(l, d.unitID, sc, raw)
		l.units.put(u)
	}
	u.storedOnDisk = true
	for _, ds := range d.sections {
		s := u.sections[ds.id]
		if s == nil {
			s = u.sectionLocked(ds.id, ds.single)
		}
		for _, item := range ds.items {
			s.addLocked(append([]byte(nil), item...), true)
		}
	}
	return nil
}

// Close undoes one Open. The last Close of an open log keypoints, so the
// active file holds exactly the live data, and records a clean shutdown.
// A failed log is closed without writing.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refs == 0 {
		return l.guard("close log")
	}
	l.refs--
	if l.refs > 0 {
		return nil
	}
	return l.shutdown(true)
}

// CloseImmediate closes the log at once, whatever the open count, without
// keypointing or writing the clean-shutdown flag. The next Open treats the
// shutdown as a crash.
func (l *Log) CloseImmediate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refs == 0 {
		return nil
	}
	l.refs = 0
	return l.shutdown(false)
}

func (l *Log) shutdown(clean bool) error {
	var err error
	if clean && l.State() == StateOpen {
		err = l.Keypoint()
		clean = err == nil
	} else {
		clean = false
	}

	// Writers recheck the state under the shared lock, so none is left
	// holding a slot in the files once they are closed.
	g := l.lockExclusive()
	defer g.release()
	l.state.Store(int32(StateClosed))

	p := l.pair()
	if clean {
		l.gate.Wait()
		err = p.Close(true)
	} else {
		err = errors.Join(err, p.CloseImmediate())
	}

	for _, u := range l.units.snapshot() {
		u.mu.Lock()
		u.removed = true
		u.mu.Unlock()
	}
	l.logger.Info("recovery log closed", "clean", clean)
	return logerr.WithLog(err, l.name)
}

// lockExclusive takes the control lock exclusively, waiting out any
// keypoint already running.
func (l *Log) lockExclusive() *keypointGuard {
	for {
		if g, led := l.control.attemptExclusive(); led {
			return g
		}
	}
}

// lockOpen takes the control lock shared and checks, under it, that the log
// is still open. On success the caller must unlockShared.
func (l *Log) lockOpen(op string) error {
	l.control.lockShared()
	if err := l.guard(op); err != nil {
		l.control.unlockShared()
		return err
	}
	return nil
}

// guard returns the error for op in the current state, or nil if the log is
// open.
func (l *Log) guard(op string) error {
	var err *logerr.Error
	switch l.State() {
	case StateOpen:
		return nil
	case StateFailed:
		l.failMu.Lock()
		cause := l.failErr
		l.failMu.Unlock()
		err = logerr.E(logerr.CodeInternal, op, fmt.Errorf("log has failed: %w", cause))
	case StateIncompatible:
		err = logerr.Errorf(logerr.CodeIncompatible, op, "log is incompatible")
	default:
		err = logerr.Errorf(logerr.CodeClosed, op, "log is not open")
	}
	return logerr.WithLog(err, l.name)
}

// guardRead allows reads of a failed log's memory.
func (l *Log) guardRead(op string) error {
	if l.State() == StateFailed {
		return nil
	}
	return l.guard(op)
}

// fail moves the log to Failed and returns err annotated with the log name.
func (l *Log) fail(op string, err error) error {
	err = logerr.WithLog(err, l.name)
	l.failMu.Lock()
	if l.failErr == nil {
		l.failErr = err
	}
	l.failMu.Unlock()
	if l.state.CompareAndSwap(int32(StateOpen), int32(StateFailed)) {
		l.logger.Error("recovery log failed", "op", op, "error", err)
	}
	return err
}

// force makes every written record durable, waiting while the log service
// is suspended.
func (l *Log) force() error {
	const op = "force"
	l.gate.Wait()
	if err := l.lockOpen(op); err != nil {
		return err
	}
	err := l.pair().Force()
	l.control.unlockShared()
	if err != nil {
		return l.fail(op, err)
	}
	return nil
}

// CreateUnit adds an empty unit owned by sc. It reaches disk when one of its
// sections is written.
func (l *Log) CreateUnit(sc scope.FailureScope) (*Unit, error) {
	const op = "create unit"
	if err := l.guard(op); err != nil {
		return nil, err
	}
	b, err := l.codec.Encode(sc)
	if err != nil {
		return nil, logerr.WithLog(logerr.E(logerr.CodeInternal, op, err), l.name)
	}
	if err := l.lockOpen(op); err != nil {
		return nil, err
	}
	defer l.control.unlockShared()
	u := newUnit(l, l.units.reserve(), sc, b)
	l.units.put(u)
	return u, nil
}

// RemoveUnit deletes a unit, writing a tombstone if the unit ever reached
// the active file. The tombstone is durable after the next force.
func (l *Log) RemoveUnit(id int64) error {
	const op = "remove unit"
	if err := l.lockOpen(op); err != nil {
		return err
	}
	u := l.units.remove(id)
	if u == nil {
		l.control.unlockShared()
		return logerr.WithLog(logerr.Errorf(logerr.CodeInvalidUnit, op, "no unit %d", id), l.name)
	}
	u.mu.Lock()
	err := u.removeLocked(true)
	u.mu.Unlock()
	l.control.unlockShared()

	switch {
	case err == nil:
		return nil
	case errors.Is(err, logfile.ErrNoSpace):
		// The unit is already out of the index, so the keypoint drops it
		// from the new file without a tombstone.
		return l.Keypoint()
	default:
		return l.fail(op, err)
	}
}

// LookupUnit returns the unit with the given id.
func (l *Log) LookupUnit(id int64) (*Unit, error) {
	const op = "lookup unit"
	if err := l.guardRead(op); err != nil {
		return nil, err
	}
	u := l.units.get(id)
	if u == nil {
		return nil, logerr.WithLog(logerr.Errorf(logerr.CodeInvalidUnit, op, "no unit %d", id), l.name)
	}
	return u, nil
}

// Units returns, ordered by id, the units whose scope falls within sc. A nil
// sc returns every unit.
func (l *Log) Units(sc scope.FailureScope) ([]*Unit, error) {
	if err := l.guardRead("list units"); err != nil {
		return nil, err
	}
	all := l.units.snapshot()
	if sc == nil {
		return all, nil
	}
	out := all[:0]
	for _, u := range all {
		if sc.Contains(u.scope) {
			out = append(out, u)
		}
	}
	return out, nil
}

// ServiceData returns the service data stored in the log header.
func (l *Log) ServiceData() ([]byte, error) {
	if err := l.guardRead("service data"); err != nil {
		return nil, err
	}
	return l.pair().ServiceData(), nil
}

// SetServiceData replaces the service data. It reaches disk at the next
// keypoint.
func (l *Log) SetServiceData(b []byte) error {
	if err := l.guard("set service data"); err != nil {
		return err
	}
	l.pair().SetServiceData(b)
	return nil
}

// RecoveryComplete stores service data, when given, and keypoints so that
// the files hold only live data from here on.
func (l *Log) RecoveryComplete(serviceData []byte) error {
	if serviceData != nil {
		if err := l.SetServiceData(serviceData); err != nil {
			return err
		}
	}
	return l.Keypoint()
}

// WasShutdownClean reports whether the previous run closed the log cleanly.
func (l *Log) WasShutdownClean() bool {
	if p := l.pair(); p != nil {
		return p.WasShutdownClean()
	}
	return false
}

// Resize grows both files to size bytes. Files never shrink.
func (l *Log) Resize(size int) error {
	const op = "resize"
	var g *keypointGuard
	for {
		if err := l.guard(op); err != nil {
			return err
		}
		var led bool
		if g, led = l.control.attemptExclusive(); led {
			break
		}
	}
	defer g.release()

	if err := l.guard(op); err != nil {
		return err
	}
	if size > l.maxSize() {
		return logerr.WithLog(logerr.Errorf(logerr.CodeFull, op, "%d bytes exceeds maximum size %d", size, l.maxSize()), l.name)
	}
	if err := l.pair().Resize(size); err != nil {
		return l.fail(op, err)
	}
	return nil
}

func (l *Log) payloadAdded(unw, tot int) {
	l.unwritten.Add(int64(unw))
	l.totalMu.Lock()
	l.total += int64(tot)
	l.totalMu.Unlock()
}

func (l *Log) payloadWritten(n int) {
	l.unwritten.Add(-int64(n))
}

func (l *Log) payloadDeleted(tot, unw int) {
	l.unwritten.Add(-int64(unw))
	l.totalMu.Lock()
	l.total -= int64(tot)
	l.totalMu.Unlock()
}

func (l *Log) totalBytes() int64 {
	l.totalMu.Lock()
	defer l.totalMu.Unlock()
	return l.total
}

// Stats is a snapshot of an open log.
type Stats struct {
	State          State               `json:"-"`
	Units          int                 `json:"units"`
	UnwrittenBytes int64               `json:"unwritten_bytes"`
	TotalBytes     int64               `json:"total_bytes"`
	ActiveFile     int                 `json:"active_file"`
	Capacity       int                 `json:"capacity"`
	FreeSpace      int                 `json:"free_space"`
	MaxPayload     int                 `json:"max_payload"`
	NextSequence   int64               `json:"next_sequence"`
	ShutdownClean  bool                `json:"shutdown_clean"`
	Files          [2]logpair.FileInfo `json:"files"`
}

// Stats describes the log.
func (l *Log) Stats() (Stats, error) {
	if err := l.guardRead("stats"); err != nil {
		return Stats{}, err
	}
	p := l.pair()
	return Stats{
		State:          l.State(),
		Units:          l.units.len(),
		UnwrittenBytes: l.unwritten.Load(),
		TotalBytes:     l.totalBytes(),
		ActiveFile:     p.ActiveFile(),
		Capacity:       p.Capacity(),
		FreeSpace:      p.FreeSpace(),
		MaxPayload:     p.MaxPayloadSpace(),
		NextSequence:   p.NextSequence(),
		ShutdownClean:  p.WasShutdownClean(),
		Files:          p.Info(),
	}, nil
}
