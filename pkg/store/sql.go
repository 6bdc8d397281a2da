package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
)

// Dialect selects placeholder syntax for SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// timeLayout is fixed width so that stored timestamps order lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLStore is a LockStore and PackIndex over database/sql. The same schema
// serves SQLite and Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL opens driver ("sqlite" or "postgres") at dsn and migrates it.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	dialect := Dialect(driver)
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if dialect == DialectSQLite {
		// one writer; also keeps ":memory:" databases on a single connection
		db.SetMaxOpenConns(1)
	}
	s := NewSQLStore(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS compliance_locks (
			lock_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			root_pack_name TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			lock_data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS compliance_locks_tenant ON compliance_locks (tenant_id, status)`,
		`CREATE TABLE IF NOT EXISTS published_packs (
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			pack_type TEXT NOT NULL,
			cid TEXT NOT NULL,
			published_at TEXT NOT NULL,
			record TEXT NOT NULL,
			PRIMARY KEY (name, version)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) SaveLock(ctx context.Context, lock *contracts.ComplianceLock) error {
	data, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("encode lock: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO compliance_locks (lock_id, tenant_id, root_pack_name, status, created_at, lock_data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (lock_id) DO NOTHING`),
		lock.LockID, lock.TenantID, lock.RootPack.Name, string(lock.Status),
		lock.Timestamp.UTC().Format(timeLayout), string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to insert lock: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrLockExists, lock.LockID)
	}
	return nil
}

func (s *SQLStore) GetLock(ctx context.Context, tenantID, lockID string) (*contracts.ComplianceLock, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT lock_data FROM compliance_locks WHERE lock_id = ? AND tenant_id = ?`),
		lockID, tenantID,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrLockNotFound, lockID)
		}
		return nil, err
	}
	return decodeLock(data)
}

func (s *SQLStore) ListLocks(ctx context.Context, tenantID string) ([]*contracts.ComplianceLock, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT lock_data FROM compliance_locks
		WHERE tenant_id = ? AND status = ?
		ORDER BY created_at DESC, lock_id`),
		tenantID, string(contracts.LockActive),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	locks := []*contracts.ComplianceLock{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		l, err := decodeLock(data)
		if err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

// Supersede rewrites the status column and the stored document together.
func (s *SQLStore) Supersede(ctx context.Context, tenantID, lockID string) error {
	lock, err := s.GetLock(ctx, tenantID, lockID)
	if err != nil {
		return err
	}
	if lock.Status != contracts.LockActive {
		return nil
	}
	lock.Status = contracts.LockSuperseded
	data, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("encode lock: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE compliance_locks SET status = ?, lock_data = ?
		WHERE lock_id = ? AND tenant_id = ? AND status = ?`),
		string(contracts.LockSuperseded), string(data), lockID, tenantID, string(contracts.LockActive),
	)
	if err != nil {
		return fmt.Errorf("failed to supersede lock: %w", err)
	}
	return nil
}

func decodeLock(data string) (*contracts.ComplianceLock, error) {
	var l contracts.ComplianceLock
	if err := json.Unmarshal([]byte(data), &l); err != nil {
		return nil, fmt.Errorf("decode lock: %w", err)
	}
	return &l, nil
}

func (s *SQLStore) Publish(ctx context.Context, pack *PublishedPack) error {
	data, err := json.Marshal(pack)
	if err != nil {
		return fmt.Errorf("encode pack: %w", err)
	}
	m := pack.Manifest
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO published_packs (name, version, pack_type, cid, published_at, record)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name, version) DO NOTHING`),
		m.Name, m.Version, string(m.Type), pack.CID, pack.PublishedAt.UTC().Format(timeLayout), string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to insert pack: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		prev, err := s.Get(ctx, m.Name, m.Version)
		if err != nil {
			return err
		}
		if prev.CID != pack.CID {
			return fmt.Errorf("%w: %s", ErrPackExists, m.Key())
		}
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, name, version string) (*PublishedPack, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT record FROM published_packs WHERE name = ? AND version = ?`),
		name, version,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s@%s", ErrPackNotFound, name, version)
		}
		return nil, err
	}
	return decodePack(data)
}

func (s *SQLStore) Latest(ctx context.Context, name string) (*PublishedPack, error) {
	versions, err := s.ListVersions(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPackNotFound, name)
	}
	return s.Get(ctx, name, versions[0])
}

// ListVersions orders in Go: SQL text ordering is not semver ordering.
func (s *SQLStore) ListVersions(ctx context.Context, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT version FROM published_packs WHERE name = ?`), name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	versions := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortVersionsDesc(versions)
	return versions, nil
}

func (s *SQLStore) Search(ctx context.Context, q SearchQuery) ([]*PublishedPack, error) {
	query := `SELECT record FROM published_packs`
	var args []any
	if q.Type != "" {
		query += ` WHERE pack_type = ?`
		args = append(args, string(q.Type))
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	packs := []*PublishedPack{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		p, err := decodePack(data)
		if err != nil {
			return nil, err
		}
		if q.matches(p) {
			packs = append(packs, p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortPacks(packs)
	return packs, nil
}

func decodePack(data string) (*PublishedPack, error) {
	var p PublishedPack
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("decode pack: %w", err)
	}
	return &p, nil
}
