// Package sqlite provides a durable StateStore backed by SQLite. Each
// controller has one row holding its latest persistent-state
// projection; Save overwrites it.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quorail/ctrlkit"
	_ "modernc.org/sqlite"
)

// Store implements ctrlkit.StateStore using SQLite.
type Store struct {
	db          *sql.DB
	cfg         *config
	logger      Logger
	metricsHook MetricsHook

	saveStmt *sql.Stmt
	loadStmt *sql.Stmt
}

var _ ctrlkit.StateStore = (*Store)(nil)

// dbOpener is used to open database connections, injectable for testing
var dbOpener = sql.Open

// New creates a Store at the given path.
//
// When WithAutoMigrate is enabled (the default), migrations run with
// context.Background() and are not cancellable, so a half-applied
// schema is never left behind.
func New(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite: path is required")
	}

	// Reject URI parameter injection through the path
	if path != ":memory:" && (strings.Contains(path, "?") || strings.Contains(path, "#")) {
		return nil, errors.New("sqlite: path cannot contain '?' or '#' characters")
	}

	cfg := defaultConfig()
	cfg.path = path
	for _, opt := range opts {
		opt(cfg)
	}

	var dsn string
	if cfg.path == ":memory:" {
		// Shared cache so multiple connections see the same in-memory DB
		dsn = "file::memory:?mode=memory&cache=shared"
	} else {
		dsn = fmt.Sprintf("file:%s?_busy_timeout=%d", cfg.path, cfg.busyTimeout.Milliseconds())
	}

	db, err := dbOpener("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}

	if err := applyPragmas(db, cfg); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply pragmas: %w", err)
	}

	if cfg.autoMigrate {
		if err := migrate(context.Background(), db); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: migrate: %w", err)
		}
	}

	return newFromDB(db, cfg)
}

func newFromDB(db *sql.DB, cfg *config) (*Store, error) {
	store := &Store{
		db:          db,
		cfg:         cfg,
		logger:      cfg.logger,
		metricsHook: cfg.metricsHook,
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: prepare statements: %w", err)
	}
	return store, nil
}

func applyPragmas(db *sql.DB, cfg *config) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout.Milliseconds()),
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("exec %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) prepareStatements() error {
	type stmtDef struct {
		dest **sql.Stmt
		sql  string
	}

	stmts := []stmtDef{
		{&s.saveStmt, `INSERT INTO controller_states (controller, rev, version, data, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(controller) DO UPDATE SET rev = excluded.rev, version = excluded.version,
				data = excluded.data, updated_at = excluded.updated_at`},
		{&s.loadStmt, "SELECT rev, version, data, updated_at FROM controller_states WHERE controller = ?"},
	}

	for _, def := range stmts {
		stmt, err := s.db.Prepare(def.sql)
		if err != nil {
			return fmt.Errorf("prepare statement: %w", err)
		}
		*def.dest = stmt
	}
	return nil
}

// Save stores a controller's latest persistent projection, replacing
// any previous row.
func (s *Store) Save(ctx context.Context, state *ctrlkit.PersistedState) error {
	start := time.Now()

	_, err := s.saveStmt.ExecContext(ctx, state.Controller, state.Rev, state.Version, []byte(state.Data), state.Timestamp)
	if s.metricsHook != nil {
		s.metricsHook.OnSave(time.Since(start), err)
	}
	if err != nil {
		return fmt.Errorf("sqlite: save state: %w", err)
	}

	if s.logger != nil {
		s.logger.Debug("saved controller state", "controller", state.Controller, "rev", state.Rev)
	}
	return nil
}

// Load returns a controller's latest persisted projection, or
// ctrlkit.ErrNoState when the controller has never been saved.
func (s *Store) Load(ctx context.Context, controller string) (*ctrlkit.PersistedState, error) {
	start := time.Now()

	state := &ctrlkit.PersistedState{Controller: controller}
	var data []byte
	err := s.loadStmt.QueryRowContext(ctx, controller).Scan(&state.Rev, &state.Version, &data, &state.Timestamp)
	if s.metricsHook != nil {
		s.metricsHook.OnLoad(time.Since(start), err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ctrlkit.ErrNoState, controller)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load state: %w", err)
	}
	state.Data = data

	if s.logger != nil {
		s.logger.Debug("loaded controller state", "controller", controller, "rev", state.Rev)
	}
	return state, nil
}

// Close releases prepared statements and the database connection.
func (s *Store) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{s.saveStmt, s.loadStmt} {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
