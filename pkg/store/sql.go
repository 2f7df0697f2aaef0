package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/simworld/simworld/pkg/model"
)

// SQLStore persists entities as JSON documents with indexed foreign-key
// columns for secondary lookup. One table per entity kind.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const createEntityTablesSQL = `
CREATE TABLE IF NOT EXISTS worlds (
    id VARCHAR(64) PRIMARY KEY,
    status VARCHAR(16) NOT NULL,
    version BIGINT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    doc TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
    id VARCHAR(64) PRIMARY KEY,
    world_id VARCHAR(64) NOT NULL,
    version BIGINT NOT NULL,
    doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_world_id ON agents(world_id);

CREATE TABLE IF NOT EXISTS memories (
    id VARCHAR(64) PRIMARY KEY,
    agent_id VARCHAR(64) NOT NULL,
    world_id VARCHAR(64) NOT NULL,
    ts TIMESTAMP NOT NULL,
    last_accessed TIMESTAMP NOT NULL,
    importance INTEGER NOT NULL,
    version BIGINT NOT NULL,
    doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_agent_ts ON memories(agent_id, ts);

CREATE TABLE IF NOT EXISTS events (
    id VARCHAR(64) PRIMARY KEY,
    world_id VARCHAR(64) NOT NULL,
    sim_time TIMESTAMP NOT NULL,
    sequence BIGINT NOT NULL,
    doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_world_order ON events(world_id, sim_time, sequence);

CREATE TABLE IF NOT EXISTS snapshots (
    id VARCHAR(64) PRIMARY KEY,
    world_id VARCHAR(64) NOT NULL,
    taken_at TIMESTAMP NOT NULL,
    doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_world_id ON snapshots(world_id);

CREATE TABLE IF NOT EXISTS blobs (
    location VARCHAR(255) PRIMARY KEY,
    data BLOB NOT NULL
);
`

// NewSQLStore bootstraps the schema and returns a Store backed by db.
// dialect is sqlite, postgres, or mysql.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "sqlite", "sqlite3":
		dialect = "sqlite"
	case "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres, mysql)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := createEntityTablesSQL
	if s.dialect == "postgres" {
		schema = strings.ReplaceAll(schema, "BLOB", "BYTEA")
	}
	// MySQL cannot run multiple statements in one Exec by default.
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// q rewrites ? placeholders to $n for postgres.
func (s *SQLStore) q(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func wrapSQLErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &model.TransientError{Op: op, Err: err}
}

// putDoc implements the shared create-or-update path with optimistic
// versioning over a JSON document table. guard, when non-nil, inspects the
// stored document before an update and can veto the write.
func (s *SQLStore) putDoc(ctx context.Context, entity, table, id string, version int64,
	guard func(storedDoc []byte) error,
	encode func(nextVersion int64) (doc string, extraCols []string, extraVals []any, err error)) (int64, error) {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapSQLErr("put "+entity, err)
	}
	defer tx.Rollback()

	var stored int64
	var storedDoc string
	row := tx.QueryRowContext(ctx, s.q("SELECT version, doc FROM "+table+" WHERE id = ?"), id)
	err = row.Scan(&stored, &storedDoc)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return 0, wrapSQLErr("put "+entity, err)
	}

	next, err := checkVersion(entity, id, version, stored, exists)
	if err != nil {
		return 0, err
	}
	if exists && guard != nil {
		if err := guard([]byte(storedDoc)); err != nil {
			return 0, err
		}
	}

	doc, extraCols, extraVals, err := encode(next)
	if err != nil {
		return 0, err
	}

	if exists {
		sets := make([]string, 0, len(extraCols)+2)
		args := make([]any, 0, len(extraVals)+4)
		sets = append(sets, "version = ?", "doc = ?")
		args = append(args, next, doc)
		for i, col := range extraCols {
			sets = append(sets, col+" = ?")
			args = append(args, extraVals[i])
		}
		args = append(args, id, stored)
		res, execErr := tx.ExecContext(ctx,
			s.q("UPDATE "+table+" SET "+strings.Join(sets, ", ")+" WHERE id = ? AND version = ?"), args...)
		if execErr != nil {
			return 0, wrapSQLErr("put "+entity, execErr)
		}
		// Under read-committed a concurrent writer can commit between our
		// read and this update; zero rows means the version moved.
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, &model.ConflictError{Entity: entity, ID: id, Version: stored}
		}
	} else {
		cols := append([]string{"id", "version", "doc"}, extraCols...)
		args := append([]any{id, next, doc}, extraVals...)
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
		if _, err := tx.ExecContext(ctx,
			s.q("INSERT INTO "+table+" ("+strings.Join(cols, ", ")+") VALUES ("+placeholders+")"), args...); err != nil {
			return 0, wrapSQLErr("put "+entity, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapSQLErr("put "+entity, err)
	}
	return next, nil
}

func (s *SQLStore) getDoc(ctx context.Context, entity, table, id string, out any) error {
	var doc string
	row := s.db.QueryRowContext(ctx, s.q("SELECT doc FROM "+table+" WHERE id = ?"), id)
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return &model.NotFoundError{Entity: entity, ID: id}
		}
		return wrapSQLErr("get "+entity, err)
	}
	if err := json.Unmarshal([]byte(doc), out); err != nil {
		return &model.FatalError{Op: "decode " + entity, Err: err}
	}
	return nil
}

func (s *SQLStore) PutWorld(ctx context.Context, w *model.World) error {
	if err := w.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	next, err := s.putDoc(ctx, "world", "worlds", w.ID, w.Version, nil, func(next int64) (string, []string, []any, error) {
		cp := *w
		cp.Version = next
		cp.CurrentTime = cp.CurrentTime.UTC()
		cp.UpdatedAt = now
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		doc, err := json.Marshal(&cp)
		if err != nil {
			return "", nil, nil, &model.FatalError{Op: "encode world", Err: err}
		}
		return string(doc), []string{"status", "created_at"}, []any{string(cp.Status), cp.CreatedAt}, nil
	})
	if err != nil {
		return err
	}
	w.Version = next
	return nil
}

func (s *SQLStore) GetWorld(ctx context.Context, id string) (*model.World, error) {
	var w model.World
	if err := s.getDoc(ctx, "world", "worlds", id, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *SQLStore) ListWorlds(ctx context.Context, status model.WorldStatus) ([]*model.World, error) {
	query := "SELECT doc FROM worlds ORDER BY created_at"
	var args []any
	if status != "" {
		query = "SELECT doc FROM worlds WHERE status = ? ORDER BY created_at"
		args = append(args, string(status))
	}
	return scanDocs[model.World](ctx, s, query, args...)
}

func (s *SQLStore) DeleteWorld(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapSQLErr("delete world", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q("DELETE FROM worlds WHERE id = ?"), id)
	if err != nil {
		return wrapSQLErr("delete world", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &model.NotFoundError{Entity: "world", ID: id}
	}
	for _, stmt := range []string{
		"DELETE FROM memories WHERE world_id = ?",
		"DELETE FROM agents WHERE world_id = ?",
		"DELETE FROM events WHERE world_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, s.q(stmt), id); err != nil {
			return wrapSQLErr("delete world", err)
		}
	}
	return wrapSQLErr("delete world", tx.Commit())
}

func (s *SQLStore) PutAgent(ctx context.Context, a *model.Agent) error {
	if err := a.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	guard := func(storedDoc []byte) error {
		var existing model.Agent
		if err := json.Unmarshal(storedDoc, &existing); err != nil {
			return &model.FatalError{Op: "decode agent", Err: err}
		}
		if existing.WorldID != a.WorldID {
			return &model.ValidationError{Field: "world_id", Reason: "agent cannot change world"}
		}
		return nil
	}
	next, err := s.putDoc(ctx, "agent", "agents", a.ID, a.Version, guard, func(next int64) (string, []string, []any, error) {
		cp := *a
		cp.Version = next
		cp.UpdatedAt = now
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		doc, err := json.Marshal(&cp)
		if err != nil {
			return "", nil, nil, &model.FatalError{Op: "encode agent", Err: err}
		}
		return string(doc), []string{"world_id"}, []any{cp.WorldID}, nil
	})
	if err != nil {
		return err
	}
	a.Version = next
	return nil
}

func (s *SQLStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	var a model.Agent
	if err := s.getDoc(ctx, "agent", "agents", id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLStore) ListAgentsByWorld(ctx context.Context, worldID string) ([]*model.Agent, error) {
	return scanDocs[model.Agent](ctx, s,
		"SELECT doc FROM agents WHERE world_id = ? ORDER BY id", worldID)
}

func (s *SQLStore) DeleteAgent(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapSQLErr("delete agent", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q("DELETE FROM agents WHERE id = ?"), id)
	if err != nil {
		return wrapSQLErr("delete agent", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &model.NotFoundError{Entity: "agent", ID: id}
	}
	if _, err := tx.ExecContext(ctx, s.q("DELETE FROM memories WHERE agent_id = ?"), id); err != nil {
		return wrapSQLErr("delete agent", err)
	}
	return wrapSQLErr("delete agent", tx.Commit())
}

func (s *SQLStore) PutMemory(ctx context.Context, m *model.Memory) error {
	if err := m.Validate(); err != nil {
		return err
	}
	guard := func(storedDoc []byte) error {
		var existing model.Memory
		if err := json.Unmarshal(storedDoc, &existing); err != nil {
			return &model.FatalError{Op: "decode memory", Err: err}
		}
		if existing.Importance != m.Importance {
			return &model.ValidationError{Field: "importance", Reason: "immutable after creation"}
		}
		return nil
	}
	next, err := s.putDoc(ctx, "memory", "memories", m.ID, m.Version, guard, func(next int64) (string, []string, []any, error) {
		cp := *m
		cp.Version = next
		cp.Timestamp = cp.Timestamp.UTC()
		cp.LastAccessed = cp.LastAccessed.UTC()
		doc, err := json.Marshal(&cp)
		if err != nil {
			return "", nil, nil, &model.FatalError{Op: "encode memory", Err: err}
		}
		return string(doc),
			[]string{"agent_id", "world_id", "ts", "last_accessed", "importance"},
			[]any{cp.AgentID, cp.WorldID, cp.Timestamp, cp.LastAccessed, cp.Importance}, nil
	})
	if err != nil {
		return err
	}
	m.Version = next
	return nil
}

func (s *SQLStore) GetMemory(ctx context.Context, id string) (*model.Memory, error) {
	var m model.Memory
	if err := s.getDoc(ctx, "memory", "memories", id, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLStore) ListMemoriesByAgent(ctx context.Context, agentID string, limit int) ([]*model.Memory, error) {
	query := "SELECT doc FROM memories WHERE agent_id = ? ORDER BY ts DESC, id"
	args := []any{agentID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return scanDocs[model.Memory](ctx, s, query, args...)
}

func (s *SQLStore) TouchMemory(ctx context.Context, id string, accessedAt time.Time) error {
	m, err := s.GetMemory(ctx, id)
	if err != nil {
		return err
	}
	accessedAt = accessedAt.UTC()
	if !accessedAt.After(m.LastAccessed) {
		return nil
	}
	m.LastAccessed = accessedAt
	doc, err := json.Marshal(m)
	if err != nil {
		return &model.FatalError{Op: "encode memory", Err: err}
	}
	_, err = s.db.ExecContext(ctx,
		s.q("UPDATE memories SET last_accessed = ?, doc = ? WHERE id = ?"),
		accessedAt, string(doc), id)
	return wrapSQLErr("touch memory", err)
}

func (s *SQLStore) DeleteMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q("DELETE FROM memories WHERE id = ?"), id)
	if err != nil {
		return wrapSQLErr("delete memory", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &model.NotFoundError{Entity: "memory", ID: id}
	}
	return nil
}

func (s *SQLStore) PutEvent(ctx context.Context, e *model.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	cp := *e
	cp.Version = 1
	cp.SimTime = cp.SimTime.UTC()
	doc, err := json.Marshal(&cp)
	if err != nil {
		return &model.FatalError{Op: "encode event", Err: err}
	}
	_, err = s.db.ExecContext(ctx,
		s.q("INSERT INTO events (id, world_id, sim_time, sequence, doc) VALUES (?, ?, ?, ?, ?)"),
		cp.ID, cp.WorldID, cp.SimTime, cp.Sequence, string(doc))
	return wrapSQLErr("put event", err)
}

func (s *SQLStore) ListEventsByWorld(ctx context.Context, worldID string, since time.Time, limit int) ([]*model.Event, error) {
	query := "SELECT doc FROM events WHERE world_id = ?"
	args := []any{worldID}
	if !since.IsZero() {
		query += " AND sim_time >= ?"
		args = append(args, since.UTC())
	}
	query += " ORDER BY sim_time, sequence"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return scanDocs[model.Event](ctx, s, query, args...)
}

func (s *SQLStore) PutSnapshot(ctx context.Context, snap *model.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	cp := *snap
	cp.Version = 1
	cp.TakenAt = cp.TakenAt.UTC()
	doc, err := json.Marshal(&cp)
	if err != nil {
		return &model.FatalError{Op: "encode snapshot", Err: err}
	}
	_, err = s.db.ExecContext(ctx,
		s.q("INSERT INTO snapshots (id, world_id, taken_at, doc) VALUES (?, ?, ?, ?)"),
		cp.ID, cp.WorldID, cp.TakenAt, string(doc))
	if err != nil {
		// Unique violation means the snapshot already exists; snapshots
		// are immutable so surface it as a conflict.
		return &model.ConflictError{Entity: "snapshot", ID: snap.ID, Version: 1}
	}
	snap.Version = 1
	return nil
}

func (s *SQLStore) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	var snap model.Snapshot
	if err := s.getDoc(ctx, "snapshot", "snapshots", id, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *SQLStore) ListSnapshotsByWorld(ctx context.Context, worldID string) ([]*model.Snapshot, error) {
	return scanDocs[model.Snapshot](ctx, s,
		"SELECT doc FROM snapshots WHERE world_id = ? ORDER BY taken_at", worldID)
}

func (s *SQLStore) DeleteSnapshot(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q("DELETE FROM snapshots WHERE id = ?"), id)
	if err != nil {
		return wrapSQLErr("delete snapshot", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &model.NotFoundError{Entity: "snapshot", ID: id}
	}
	return nil
}

func (s *SQLStore) PutBlob(ctx context.Context, location string, data []byte) error {
	var err error
	switch s.dialect {
	case "postgres":
		_, err = s.db.ExecContext(ctx,
			s.q("INSERT INTO blobs (location, data) VALUES (?, ?) ON CONFLICT (location) DO UPDATE SET data = EXCLUDED.data"),
			location, data)
	case "mysql":
		_, err = s.db.ExecContext(ctx,
			"INSERT INTO blobs (location, data) VALUES (?, ?) ON DUPLICATE KEY UPDATE data = VALUES(data)",
			location, data)
	default:
		_, err = s.db.ExecContext(ctx,
			"INSERT INTO blobs (location, data) VALUES (?, ?) ON CONFLICT (location) DO UPDATE SET data = excluded.data",
			location, data)
	}
	return wrapSQLErr("put blob", err)
}

func (s *SQLStore) GetBlob(ctx context.Context, location string) ([]byte, error) {
	var data []byte
	row := s.db.QueryRowContext(ctx, s.q("SELECT data FROM blobs WHERE location = ?"), location)
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, &model.NotFoundError{Entity: "blob", ID: location}
		}
		return nil, wrapSQLErr("get blob", err)
	}
	return data, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func scanDocs[T any](ctx context.Context, s *SQLStore, query string, args ...any) ([]*T, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, wrapSQLErr("query", err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, wrapSQLErr("scan", err)
		}
		item := new(T)
		if err := json.Unmarshal([]byte(doc), item); err != nil {
			return nil, &model.FatalError{Op: "decode row", Err: err}
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
