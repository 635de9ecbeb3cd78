package sqllog

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/rlog/internal/logerr"
	"github.com/roach88/rlog/internal/recoverylog"
)

// Options configures a Log.
type Options struct {
	// Path is the SQLite database file.
	Path string

	// LogName selects the log within the table.
	LogName string

	// ServerName owns the units being recovered. Owner is the server
	// running this process; it defaults to ServerName and differs when a
	// peer recovers a failed server's log.
	ServerName string
	Owner      string

	ServiceID int

	Logger *slog.Logger
}

// row identifies one cached change.
type row struct {
	unit    int64
	section int32
	index   int
	data    []byte
}

// Log is a recovery log kept in SQLite.
type Log struct {
	opts   Options
	db     *sql.DB
	logger *slog.Logger

	mu      sync.Mutex
	units   map[int64]*Unit
	nextID  int64
	inserts []row
	updates []row
	removes []int64
	failed  error
}

// Open opens the database, takes ownership of the log and recovers every
// unit stored for opts.ServerName.
func Open(ctx context.Context, opts Options) (*Log, error) {
	const op = "open sql log"
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Owner == "" {
		opts.Owner = opts.ServerName
	}
	logger := opts.Logger.With("log", opts.LogName, "backend", "sqlite")

	db, err := openDB(opts.Path)
	if err != nil {
		return nil, logerr.WithLog(logerr.E(logerr.CodeAllocation, op, err), opts.LogName)
	}
	previous, err := claimOwnership(ctx, db, opts.LogName, opts.Owner, opts.ServiceID)
	if err != nil {
		db.Close()
		return nil, logerr.WithLog(logerr.E(logerr.CodeInternal, op, err), opts.LogName)
	}
	if previous != "" && previous != opts.Owner {
		logger.Info("took over recovery log", "previous_owner", previous, "owner", opts.Owner)
	}

	l := &Log{
		opts:   opts,
		db:     db,
		logger: logger,
		units:  make(map[int64]*Unit),
		nextID: 1,
	}
	if err := l.recover(ctx); err != nil {
		db.Close()
		return nil, logerr.WithLog(logerr.E(logerr.CodeCorrupted, op, err), opts.LogName)
	}
	logger.Info("opened recovery log", "units", len(l.units))
	return l, nil
}

func (l *Log) recover(ctx context.Context) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT ru_id, section_id, data_index, data FROM recovery_log
		WHERE log_name = ? AND server_name = ? AND service_id = ? AND ru_id != ?
		ORDER BY ru_id ASC, section_id ASC, data_index ASC
	`, l.opts.LogName, l.opts.ServerName, l.opts.ServiceID, lockRowID)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r row
		if err := rows.Scan(&r.unit, &r.section, &r.index, &r.data); err != nil {
			return fmt.Errorf("recover: %w", err)
		}
		u := l.units[r.unit]
		if u == nil {
			u = l.newUnit(r.unit)
			u.persisted = true
		}
		s := u.sections[r.section]
		if s == nil {
			s = u.newSection(r.section, r.index == 0)
		}
		s.items = append(s.items, r.data)
	}
	return rows.Err()
}

func (l *Log) newUnit(id int64) *Unit {
	u := &Unit{log: l, id: id, sections: make(map[int32]*Section)}
	l.units[id] = u
	if id >= l.nextID {
		l.nextID = id + 1
	}
	return u
}

// Close closes the database without forcing cached changes.
func (l *Log) Close() error {
	return l.db.Close()
}

func (l *Log) guardLocked(op string) error {
	if l.failed != nil {
		return logerr.WithLog(logerr.E(logerr.CodeInternal, op, fmt.Errorf("log has failed: %w", l.failed)), l.opts.LogName)
	}
	return nil
}

// CreateUnit adds an empty unit.
func (l *Log) CreateUnit() (*Unit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.guardLocked("create unit"); err != nil {
		return nil, err
	}
	return l.newUnit(l.nextID), nil
}

// LookupUnit returns the unit with the given id.
func (l *Log) LookupUnit(id int64) (*Unit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u := l.units[id]
	if u == nil {
		return nil, logerr.WithLog(logerr.Errorf(logerr.CodeInvalidUnit, "lookup unit", "no unit %d", id), l.opts.LogName)
	}
	return u, nil
}

// Units returns every unit ordered by id.
func (l *Log) Units() []*Unit {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Unit, 0, len(l.units))
	for _, u := range l.units {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b *Unit) int { return cmp.Compare(a.id, b.id) })
	return out
}

// RemoveUnit deletes a unit. Its rows are deleted at the next Force.
func (l *Log) RemoveUnit(id int64) error {
	const op = "remove unit"
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.guardLocked(op); err != nil {
		return err
	}
	u := l.units[id]
	if u == nil {
		return logerr.WithLog(logerr.Errorf(logerr.CodeInvalidUnit, op, "no unit %d", id), l.opts.LogName)
	}
	delete(l.units, id)
	u.removed = true

	ofUnit := func(r row) bool { return r.unit == id }
	l.inserts = slices.DeleteFunc(l.inserts, ofUnit)
	l.updates = slices.DeleteFunc(l.updates, ofUnit)
	if u.persisted {
		l.removes = append(l.removes, id)
	}
	return nil
}

// Pending returns the number of cached inserts, updates and removes.
func (l *Log) Pending() (inserts, updates, removes int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inserts), len(l.updates), len(l.removes)
}

// Force applies every cached change in one transaction. A failure leaves the
// table as it was and fails the log.
func (l *Log) Force(ctx context.Context) error {
	const op = "force"
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.guardLocked(op); err != nil {
		return err
	}
	if len(l.inserts)+len(l.updates)+len(l.removes) == 0 {
		return nil
	}
	if err := l.applyLocked(ctx); err != nil {
		l.failed = err
		l.logger.Error("recovery log failed", "op", op, "error", err)
		return logerr.WithLog(logerr.E(logerr.CodeWriteFailed, op, err), l.opts.LogName)
	}

	for _, r := range l.inserts {
		if u := l.units[r.unit]; u != nil {
			u.persisted = true
		}
	}
	l.logger.Debug("forced recovery log", "inserts", len(l.inserts), "updates", len(l.updates), "removes", len(l.removes))
	l.inserts, l.updates, l.removes = nil, nil, nil
	return nil
}

func (l *Log) applyLocked(ctx context.Context) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	key := []any{l.opts.LogName, l.opts.ServerName, l.opts.ServiceID}
	for _, r := range l.inserts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO recovery_log
			(log_name, server_name, service_id, ru_id, section_id, data_index, data)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, append(key, r.unit, r.section, r.index, r.data)...); err != nil {
			return fmt.Errorf("insert unit %d section %d: %w", r.unit, r.section, err)
		}
	}
	for _, r := range l.updates {
		if _, err := tx.ExecContext(ctx, `
			UPDATE recovery_log SET data = ?
			WHERE log_name = ? AND server_name = ? AND service_id = ?
			AND ru_id = ? AND section_id = ? AND data_index = 0
		`, append(append([]any{r.data}, key...), r.unit, r.section)...); err != nil {
			return fmt.Errorf("update unit %d section %d: %w", r.unit, r.section, err)
		}
	}
	for _, id := range l.removes {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM recovery_log
			WHERE log_name = ? AND server_name = ? AND service_id = ? AND ru_id = ?
		`, append(key, id)...); err != nil {
			return fmt.Errorf("delete unit %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// Owner returns the server currently owning the log.
func (l *Log) Owner(ctx context.Context) (string, error) {
	var owner string
	err := l.db.QueryRowContext(ctx, `
		SELECT server_name FROM recovery_log WHERE log_name = ? AND ru_id = ?
	`, l.opts.LogName, lockRowID).Scan(&owner)
	if err != nil {
		return "", fmt.Errorf("read owner: %w", err)
	}
	return owner, nil
}

// Unit is a recoverable unit stored as rows.
type Unit struct {
	log       *Log
	id        int64
	sections  map[int32]*Section
	persisted bool
	removed   bool
}

// ID returns the unit id.
func (u *Unit) ID() int64 { return u.id }

func (u *Unit) newSection(id int32, single bool) *Section {
	s := &Section{unit: u, id: id, single: single}
	u.sections[id] = s
	return s
}

// CreateSection adds an empty section.
func (u *Unit) CreateSection(id int32, single bool) (*Section, error) {
	const op = "create section"
	l := u.log
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.guardLocked(op); err != nil {
		return nil, err
	}
	if u.removed {
		return nil, logerr.WithLog(logerr.Errorf(logerr.CodeInvalidUnit, op, "unit %d has been removed", u.id), l.opts.LogName)
	}
	if _, ok := u.sections[id]; ok {
		return nil, logerr.WithLog(logerr.Errorf(logerr.CodeSectionExists, op, "unit %d already has section %d", u.id, id), l.opts.LogName)
	}
	return u.newSection(id, single), nil
}

// Section returns the section with the given id, or nil.
func (u *Unit) Section(id int32) *Section {
	u.log.mu.Lock()
	defer u.log.mu.Unlock()
	return u.sections[id]
}

// Info returns a snapshot of the unit.
func (u *Unit) Info() recoverylog.UnitInfo {
	u.log.mu.Lock()
	defer u.log.mu.Unlock()
	info := recoverylog.UnitInfo{ID: u.id, Scope: u.log.opts.ServerName, StoredOnDisk: u.persisted}
	ids := make([]int32, 0, len(u.sections))
	for id := range u.sections {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		s := u.sections[id]
		info.Sections = append(info.Sections, recoverylog.SectionInfo{ID: id, Single: s.single, Items: len(s.items)})
		for _, item := range s.items {
			info.TotalBytes += len(item)
		}
	}
	return info
}

// Section holds a unit's data items.
type Section struct {
	unit   *Unit
	id     int32
	single bool
	items  [][]byte
}

// AddData adds a copy of item. A single-data section replaces its item.
func (s *Section) AddData(item []byte) error {
	const op = "add data"
	l := s.unit.log
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.guardLocked(op); err != nil {
		return err
	}
	if s.unit.removed {
		return logerr.WithLog(logerr.Errorf(logerr.CodeInvalidUnit, op, "unit %d has been removed", s.unit.id), l.opts.LogName)
	}
	data := append([]byte(nil), item...)

	if !s.single {
		s.items = append(s.items, data)
		l.inserts = append(l.inserts, row{unit: s.unit.id, section: s.id, index: len(s.items), data: data})
		return nil
	}

	replacing := len(s.items) > 0
	s.items = [][]byte{data}
	if !replacing {
		l.inserts = append(l.inserts, row{unit: s.unit.id, section: s.id, index: 0, data: data})
		return nil
	}
	// The row may still be waiting to be inserted or updated.
	for _, pending := range []*[]row{&l.inserts, &l.updates} {
		for i, r := range *pending {
			if r.unit == s.unit.id && r.section == s.id && r.index == 0 {
				(*pending)[i].data = data
				return nil
			}
		}
	}
	l.updates = append(l.updates, row{unit: s.unit.id, section: s.id, index: 0, data: data})
	return nil
}

// Data returns copies of the section's items.
func (s *Section) Data() [][]byte {
	s.unit.log.mu.Lock()
	defer s.unit.log.mu.Unlock()
	out := make([][]byte, len(s.items))
	for i, item := range s.items {
		out[i] = append([]byte(nil), item...)
	}
	return out
}
