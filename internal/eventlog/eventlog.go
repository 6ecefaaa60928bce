// Package eventlog persists controller events to SQLite so a run can be
// inspected afterwards.
package eventlog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/armctl/internal/events"
	"github.com/banshee-data/armctl/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Log is an event database for one controller session.
type Log struct {
	*sql.DB
	path    string
	session string
	logf    func(format string, v ...interface{})
}

// Row is one stored event.
type Row struct {
	ID        int64
	Session   string
	Kind      events.Kind
	Link      string
	CommandID *int64
	Message   string
	Payload   string
	Time      time.Time
}

// Open opens or creates the database at path, applies pending migrations and
// starts a new session.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path+pragmaDSN)
	if err != nil {
		return nil, err
	}

	l := &Log{DB: db, path: path, session: uuid.NewString(), logf: monitoring.Prefixed("eventlog")}
	if err := l.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`INSERT INTO sessions (session_id, started_unix_nano) VALUES (?, ?)`,
		l.session, time.Now().UnixNano()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	l.logf("session %s started in %s", l.session, path)
	return l, nil
}

// pragmaDSN is applied by the driver to every pooled connection.
const pragmaDSN = "?_pragma=journal_mode(WAL)" +
	"&_pragma=busy_timeout(5000)" +
	"&_pragma=synchronous(NORMAL)" +
	"&_pragma=temp_store(MEMORY)" +
	"&_pragma=foreign_keys(1)"

// Session returns the id of the session events are recorded under.
func (l *Log) Session() string { return l.session }

// MigrateUp runs all pending migrations up to the latest version.
func (l *Log) MigrateUp() error {
	m, err := l.newMigrate()
	if err != nil {
		return err
	}
	// Closing m would close the shared connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current migration version and dirty state.
func (l *Log) MigrateVersion() (version uint, dirty bool, err error) {
	m, err := l.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (l *Log) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(l.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logf: l.logf}
	return m, nil
}

type migrateLogger struct {
	logf func(format string, v ...interface{})
}

func (m *migrateLogger) Printf(format string, v ...interface{}) { m.logf(format, v...) }
func (m *migrateLogger) Verbose() bool                          { return false }

// Record stores e. Sent and acknowledged commands also update the outcome
// table.
func (l *Log) Record(e events.Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", e.Kind, err)
	}

	var cmdID sql.NullInt64
	if e.Command != nil {
		cmdID = sql.NullInt64{Int64: int64(e.Command.ID), Valid: true}
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}

	if _, err := l.Exec(`INSERT INTO events (session_id, kind, link, command_id, message, payload_json, time_unix_nano)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.session, string(e.Kind), e.Link, cmdID, msg, string(payload), e.Time.UnixNano()); err != nil {
		return err
	}

	if !cmdID.Valid {
		return nil
	}
	switch e.Kind {
	case events.CommandSent:
		_, err = l.Exec(`INSERT INTO command_outcomes (session_id, command_id, sent_unix_nano) VALUES (?, ?, ?)
			ON CONFLICT(session_id, command_id) DO UPDATE SET sent_unix_nano = excluded.sent_unix_nano, done_unix_nano = NULL`,
			l.session, cmdID.Int64, e.Time.UnixNano())
	case events.CommandAcknowledged, events.TargetReached:
		_, err = l.Exec(`UPDATE command_outcomes SET done_unix_nano = ? WHERE session_id = ? AND command_id = ?`,
			e.Time.UnixNano(), l.session, cmdID.Int64)
	}
	return err
}

// Events returns the most recent events of the current session, newest first.
// An empty kind matches every kind.
func (l *Log) Events(kind events.Kind, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := l.Query(`SELECT event_id, session_id, kind, link, command_id, message, payload_json, time_unix_nano
		FROM events WHERE session_id = ? AND (? = '' OR kind = ?)
		ORDER BY event_id DESC LIMIT ?`, l.session, string(kind), string(kind), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r    Row
			kind string
			link sql.NullString
			cmd  sql.NullInt64
			msg  sql.NullString
			ts   int64
		)
		if err := rows.Scan(&r.ID, &r.Session, &kind, &link, &cmd, &msg, &r.Payload, &ts); err != nil {
			return nil, err
		}
		r.Kind = events.Kind(kind)
		r.Link = link.String
		r.Message = msg.String
		if cmd.Valid {
			v := cmd.Int64
			r.CommandID = &v
		}
		r.Time = time.Unix(0, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Pending returns the ids of commands sent in this session that never
// completed.
func (l *Log) Pending() ([]int64, error) {
	rows, err := l.Query(`SELECT command_id FROM command_outcomes
		WHERE session_id = ? AND done_unix_nano IS NULL ORDER BY command_id`, l.session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DefaultFilter drops the high-rate telemetry kinds.
func DefaultFilter(e events.Event) bool {
	return e.Kind != events.TelemetryUpdated && e.Kind != events.PumpStatus
}

// Run records events from bus until ctx is done. A nil keep records
// everything.
func (l *Log) Run(ctx context.Context, bus *events.Bus, keep func(events.Event) bool) {
	id, ch := bus.Subscribe()
	defer bus.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if keep != nil && !keep(e) {
				continue
			}
			if err := l.Record(e); err != nil {
				l.logf("failed to record %s event: %v", e.Kind, err)
			}
		}
	}
}

// AttachAdminRoutes mounts tailsql and a JSON event listing on the debug mux.
func (l *Log) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+l.path, l.DB, &tailsql.DBOptions{
		Label: "Event log",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("events", "Recent controller events (?kind=&limit=)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if s := r.URL.Query().Get("limit"); s != "" {
			if _, err := fmt.Sscanf(s, "%d", &limit); err != nil {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
		}
		list, err := l.Events(events.Kind(r.URL.Query().Get("kind")), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(list); err != nil {
			l.logf("failed to write events: %v", err)
		}
	}))
	return nil
}
