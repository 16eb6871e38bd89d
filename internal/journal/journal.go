// Package journal persists registry events to SQLite.
//
// Events are queued by Fire on the update loop and written in batches by a
// single writer goroutine, so the loop never waits on disk. When the queue
// is full the event is dropped and counted.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/tangible/internal/monitoring"
	"github.com/banshee-data/tangible/internal/registry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultQueue bounds the events waiting for the writer.
const DefaultQueue = 1024

// maxBatch bounds the events written in one transaction.
const maxBatch = 128

// ErrClosed is returned by Fire after Close.
var ErrClosed = errors.New("journal: closed")

// Poses is the read side of the registry the journal needs.
type Poses interface {
	Get(id int) (registry.Pose, error)
}

// Entry is one journaled event. Pose is nil for REMOVE.
type Entry struct {
	Seq  int64          `json:"seq"`
	ID   int            `json:"id"`
	Op   string         `json:"op"`
	Pose *registry.Pose `json:"pose,omitempty"`
	At   time.Time      `json:"at"`
}

// Stats are the journal counters.
type Stats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

// Journal records registry events in a SQLite database.
type Journal struct {
	db    *sql.DB
	path  string
	poses Poses

	queue  chan Entry
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
	once   sync.Once

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
	limiter *monitoring.Limiter
}

// Open opens (or creates) the database at path, migrates it to the latest
// schema and starts the writer. queue <= 0 selects DefaultQueue.
func Open(path string, poses Poses, queue int) (*Journal, error) {
	if queue <= 0 {
		queue = DefaultQueue
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	j := &Journal{
		db:      db,
		path:    path,
		poses:   poses,
		queue:   make(chan Entry, queue),
		stopCh:  make(chan struct{}),
		limiter: monitoring.NewLimiter(100),
	}
	j.wg.Add(1)
	go j.writeLoop()
	log.Printf("[Journal] recording events to %s", path)
	return j, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// migrateUp runs all pending migrations. The migrate instance is not closed
// because that would close db.
func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// migrateLogger implements migrate.Logger.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// Attach subscribes the journal to reg.
func (j *Journal) Attach(reg *registry.Registry) registry.Token {
	logf := monitoring.Component("Journal")
	return reg.Subscribe(func(ev registry.Event, id int) {
		if err := j.Fire(ev, id); err != nil {
			if ok, n := j.limiter.Allow(); ok {
				logf("fire %s %d failed (%d failures): %v", ev, id, n, err)
			}
		}
	}, registry.Back)
}

// Fire queues ev for writing. It never blocks; a full queue drops the event.
func (j *Journal) Fire(ev registry.Event, id int) error {
	if j.closed.Load() {
		return ErrClosed
	}
	e := Entry{ID: id, Op: ev.String(), At: time.Now()}
	if ev != registry.Remove {
		pose, err := j.poses.Get(id)
		if err != nil {
			return fmt.Errorf("%s %d: %w", ev, id, err)
		}
		e.Pose = &pose
	}

	select {
	case j.queue <- e:
	default:
		if n := j.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Printf("[Journal] DROPPED event, queue full (total dropped: %d)", n)
		}
	}
	return nil
}

func (j *Journal) writeLoop() {
	defer j.wg.Done()

	batch := make([]Entry, 0, maxBatch)
	for {
		select {
		case <-j.stopCh:
			for {
				batch = j.collect(batch[:0])
				if len(batch) == 0 {
					return
				}
				j.write(batch)
			}
		case e := <-j.queue:
			batch = append(batch[:0], e)
			batch = j.collect(batch)
			j.write(batch)
		}
	}
}

// collect appends queued entries to batch without blocking.
func (j *Journal) collect(batch []Entry) []Entry {
	for len(batch) < maxBatch {
		select {
		case e := <-j.queue:
			batch = append(batch, e)
		default:
			return batch
		}
	}
	return batch
}

func (j *Journal) write(batch []Entry) {
	if err := j.insert(batch); err != nil {
		n := j.failed.Add(uint64(len(batch)))
		if ok, _ := j.limiter.Allow(); ok {
			log.Printf("[Journal] write of %d events failed (%d lost): %v", len(batch), n, err)
		}
		return
	}
	j.written.Add(uint64(len(batch)))
}

func (j *Journal) insert(batch []Entry) error {
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO events (marker_id, op, x, y, angle, at_ns) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, e := range batch {
		var x, y, a sql.NullFloat64
		if e.Pose != nil {
			x = sql.NullFloat64{Float64: e.Pose.X, Valid: true}
			y = sql.NullFloat64{Float64: e.Pose.Y, Valid: true}
			a = sql.NullFloat64{Float64: e.Pose.Angle, Valid: true}
		}
		if _, err := stmt.Exec(e.ID, e.Op, x, y, a, e.At.UnixNano()); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Events returns the events recorded at or after since, oldest first.
func (j *Journal) Events(ctx context.Context, since time.Time) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, marker_id, op, x, y, angle, at_ns FROM events WHERE at_ns >= ? ORDER BY seq`,
		since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			x, y, a sql.NullFloat64
			at      int64
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.Op, &x, &y, &a, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if x.Valid && y.Valid && a.Valid {
			e.Pose = &registry.Pose{X: x.Float64, Y: y.Float64, Angle: a.Float64}
		}
		e.At = time.Unix(0, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of recorded events.
func (j *Journal) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Stats returns the journal counters.
func (j *Journal) Stats() Stats {
	return Stats{
		Written: j.written.Load(),
		Dropped: j.dropped.Load(),
		Failed:  j.failed.Load(),
	}
}

// DB returns the underlying database, for read-only debugging.
func (j *Journal) DB() *sql.DB { return j.db }

// Path returns the database path.
func (j *Journal) Path() string { return j.path }

// Close writes what is still queued and closes the database.
func (j *Journal) Close() error {
	var err error
	j.once.Do(func() {
		j.closed.Store(true)
		close(j.stopCh)
		j.wg.Wait()
		err = j.db.Close()
		s := j.Stats()
		log.Printf("[Journal] closed (written: %d, dropped: %d, failed: %d)", s.Written, s.Dropped, s.Failed)
	})
	return err
}
