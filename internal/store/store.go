// Package store provides the encrypted local record store for satchel.
//
// The store holds cached copies of domain entities, grouped into logical
// collections, inside a single embedded SQLite database. Sensitive
// collections are sealed (encrypted at rest) via the seal package; a record
// is either fully sealed or fully plaintext, never partially.
//
// The database runs in embedded mode with WAL for concurrent reads. A
// reserved metadata table holds engine-level key/value state (last sync
// time, the seal salt); the mutation queue lives in the same database file
// but is owned by the queue package.
//
// Records may carry an expiry deadline. Expired records are treated as
// absent and lazily purged on first access after expiry.
package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/satchel-sync/satchel/internal/seal"
)

// Sentinel errors returned by store operations.
var (
	// ErrNotFound indicates the record (or metadata key) does not exist,
	// or exists but has expired.
	ErrNotFound = errors.New("record not found")

	// ErrDataIntegrity indicates a sealed payload could not be decrypted.
	// Bulk reads skip such records; single-record reads surface this error.
	ErrDataIntegrity = errors.New("data integrity error")

	// ErrNoSealer indicates an encrypted operation was requested on a store
	// opened without encryption configured.
	ErrNoSealer = errors.New("store opened without a sealer")
)

// saltKey is the metadata key under which the seal salt is persisted.
const saltKey = "seal_salt"

// Record is a locally cached copy of a domain entity.
type Record struct {
	Collection   string          `json:"collection"`
	ID           string          `json:"id"`
	Payload      json.RawMessage `json:"payload"`
	Encrypted    bool            `json:"encrypted"`
	LastModified time.Time       `json:"last_modified"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
}

// Options configures a Store.
type Options struct {
	// Sealer encrypts payloads at rest. Mutually exclusive with Passphrase.
	Sealer *seal.Sealer

	// Passphrase derives a sealer key via PBKDF2. The salt is persisted in
	// the metadata table on first open and reused afterwards.
	Passphrase string

	// Logger for store activity. Defaults to a stderr logger.
	Logger *log.Logger
}

// PutOptions configures a single Put.
type PutOptions struct {
	// Encrypt seals the payload before persisting. Requires a sealer.
	Encrypt bool

	// ExpiresAt sets an eviction deadline. Nil means the record never expires.
	ExpiresAt *time.Time

	// Index declares equality-lookup values for secondary indexes,
	// e.g. {"patient_id": "42"}. Index rows are replaced on every Put.
	Index map[string]string
}

// Store is the transactional, indexed local record store.
type Store struct {
	conn   *sql.DB
	path   string
	sealer *seal.Sealer
	logger *log.Logger
}

// Open opens (or creates) the record store at the given path.
//
// The database is opened in embedded mode with WAL, a 5s busy timeout, and
// foreign keys enabled. The caller MUST call Close when done.
//
// Example:
//
//	st, err := store.Open(".satchel/satchel.db", store.Options{Passphrase: pass})
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string, opts Options) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	s := &Store{
		conn:   conn,
		path:   path,
		sealer: opts.Sealer,
		logger: logger,
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	if opts.Passphrase != "" {
		if opts.Sealer != nil {
			_ = s.Close()
			return nil, errors.New("Sealer and Passphrase are mutually exclusive")
		}
		sealer, err := s.deriveSealer(opts.Passphrase)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.sealer = sealer
	}

	return s, nil
}

// deriveSealer builds a sealer from a passphrase, persisting the salt in
// the metadata table so the same key is derived on the next open.
func (s *Store) deriveSealer(passphrase string) (*seal.Sealer, error) {
	var salt []byte

	saved, err := s.GetMetadata(saltKey)
	switch {
	case err == nil:
		salt, err = hex.DecodeString(saved)
		if err != nil {
			return nil, fmt.Errorf("failed to decode stored salt: %w", err)
		}
	case errors.Is(err, ErrNotFound):
		salt, err = seal.NewSalt()
		if err != nil {
			return nil, err
		}
		if err := s.SetMetadata(saltKey, hex.EncodeToString(salt)); err != nil {
			return nil, fmt.Errorf("failed to persist salt: %w", err)
		}
	default:
		return nil, err
	}

	return seal.New(passphrase, salt)
}

// RawDB returns the underlying sql.DB connection.
// The mutation queue shares this handle so both live in one database file.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Sealer returns the sealer protecting this store's payloads, or nil when
// the store was opened without encryption. Callers that keep copies of
// store payloads elsewhere (the mutation queue) seal them with the same
// key so one passphrase unlocks everything.
func (s *Store) Sealer() *seal.Sealer {
	return s.sealer
}

// Close closes the database connection, checkpointing the WAL first.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// initSchema creates the store's tables and indexes. Idempotent.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		payload BLOB NOT NULL,
		encrypted INTEGER NOT NULL DEFAULT 0,
		last_modified TEXT NOT NULL,
		expires_at TEXT,
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_expires ON records(expires_at)
	    WHERE expires_at IS NOT NULL;

	-- Secondary equality indexes, maintained in the same transaction as
	-- the record they describe.
	CREATE TABLE IF NOT EXISTS record_index (
		collection TEXT NOT NULL,
		record_id TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (collection, record_id, name),
		FOREIGN KEY (collection, record_id)
		    REFERENCES records(collection, id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_record_index_lookup
	    ON record_index(collection, name, value);

	-- Engine-level key/value state (last sync time, seal salt, ...).
	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize store schema: %w", err)
	}

	return nil
}

// Put upserts a record into a collection.
//
// If opts.Encrypt is true the payload is sealed before persisting; the
// decrypted form is only available again via Get/GetAll/ExportAll. Secondary
// index rows are replaced atomically with the record write: the store is
// either fully updated or fully unchanged on failure.
func (s *Store) Put(collection, id string, payload json.RawMessage, opts PutOptions) error {
	return s.PutContext(context.Background(), collection, id, payload, opts)
}

// PutContext upserts a record with context support.
func (s *Store) PutContext(ctx context.Context, collection, id string, payload json.RawMessage, opts PutOptions) error {
	if collection == "" || id == "" {
		return errors.New("collection and id cannot be empty")
	}

	stored := []byte(payload)
	if opts.Encrypt {
		if s.sealer == nil {
			return ErrNoSealer
		}
		sealed, err := s.sealer.Seal(payload)
		if err != nil {
			return fmt.Errorf("failed to seal payload: %w", err)
		}
		stored = sealed
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO records (collection, id, payload, encrypted, last_modified, expires_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(collection, id) DO UPDATE SET
		payload = excluded.payload,
		encrypted = excluded.encrypted,
		last_modified = excluded.last_modified,
		expires_at = excluded.expires_at
	`,
		collection,
		id,
		stored,
		boolToInt(opts.Encrypt),
		time.Now().UTC().Format(time.RFC3339Nano),
		timeToNullString(opts.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s/%s: %w", collection, id, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM record_index WHERE collection = ? AND record_id = ?`,
		collection, id); err != nil {
		return fmt.Errorf("failed to clear index rows for %s/%s: %w", collection, id, err)
	}

	for name, value := range opts.Index {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO record_index (collection, record_id, name, value) VALUES (?, ?, ?, ?)`,
			collection, id, name, value); err != nil {
			return fmt.Errorf("failed to index %s/%s by %s: %w", collection, id, name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit record write: %w", err)
	}

	return nil
}

// Get returns the decrypted record, or ErrNotFound if absent or expired.
// An expired record is purged as a side effect of the lookup.
func (s *Store) Get(collection, id string) (*Record, error) {
	return s.GetContext(context.Background(), collection, id)
}

// GetContext returns a record with context support.
func (s *Store) GetContext(ctx context.Context, collection, id string) (*Record, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT collection, id, payload, encrypted, last_modified, expires_at
	FROM records
	WHERE collection = ? AND id = ?
	`, collection, id)

	rec, err := s.scanRecord(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if rec.expired() {
		if derr := s.DeleteContext(ctx, collection, id); derr != nil {
			s.logger.Printf("Warning: failed to purge expired record %s/%s: %v", collection, id, derr)
		}
		return nil, ErrNotFound
	}

	if err := s.unseal(rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// GetAll returns all non-expired records in a collection. Order is
// unspecified. Records whose payload fails decryption are logged and
// excluded rather than aborting the read; expired records are purged.
func (s *Store) GetAll(collection string) ([]*Record, error) {
	return s.GetAllContext(context.Background(), collection)
}

// GetAllContext returns all records with context support.
func (s *Store) GetAllContext(ctx context.Context, collection string) ([]*Record, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT collection, id, payload, encrypted, last_modified, expires_at
	FROM records
	WHERE collection = ?
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection %s: %w", collection, err)
	}
	defer rows.Close()

	return s.collectRecords(ctx, rows)
}

// GetByIndex returns all non-expired records whose declared index value
// equals the given value.
func (s *Store) GetByIndex(collection, name, value string) ([]*Record, error) {
	return s.GetByIndexContext(context.Background(), collection, name, value)
}

// GetByIndexContext performs an index lookup with context support.
func (s *Store) GetByIndexContext(ctx context.Context, collection, name, value string) ([]*Record, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT r.collection, r.id, r.payload, r.encrypted, r.last_modified, r.expires_at
	FROM records r
	JOIN record_index ri
	    ON ri.collection = r.collection AND ri.record_id = r.id
	WHERE r.collection = ? AND ri.name = ? AND ri.value = ?
	`, collection, name, value)
	if err != nil {
		return nil, fmt.Errorf("failed to query index %s.%s: %w", collection, name, err)
	}
	defer rows.Close()

	return s.collectRecords(ctx, rows)
}

// collectRecords scans rows, purging expired records and skipping records
// that fail decryption.
func (s *Store) collectRecords(ctx context.Context, rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	var expired []*Record

	for rows.Next() {
		rec, err := s.scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}

		if rec.expired() {
			expired = append(expired, rec)
			continue
		}

		if err := s.unseal(rec); err != nil {
			s.logger.Printf("Warning: skipping record %s/%s: %v", rec.Collection, rec.ID, err)
			continue
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	// Lazy purge outside the result iteration.
	for _, rec := range expired {
		if err := s.DeleteContext(ctx, rec.Collection, rec.ID); err != nil {
			s.logger.Printf("Warning: failed to purge expired record %s/%s: %v", rec.Collection, rec.ID, err)
		}
	}

	return records, nil
}

// scanRecord scans a single record row.
func (s *Store) scanRecord(scan func(dest ...any) error) (*Record, error) {
	var rec Record
	var payload []byte
	var encrypted int
	var lastModified string
	var expiresAt sql.NullString

	if err := scan(&rec.Collection, &rec.ID, &payload, &encrypted, &lastModified, &expiresAt); err != nil {
		return nil, err
	}

	rec.Payload = payload
	rec.Encrypted = encrypted != 0
	if t, err := time.Parse(time.RFC3339Nano, lastModified); err == nil {
		rec.LastModified = t
	}
	rec.ExpiresAt = nullStringToTime(expiresAt)

	return &rec, nil
}

// unseal decrypts a record payload in place when the record is encrypted.
func (s *Store) unseal(rec *Record) error {
	if !rec.Encrypted {
		return nil
	}
	if s.sealer == nil {
		return fmt.Errorf("%w: record %s/%s is sealed", ErrNoSealer, rec.Collection, rec.ID)
	}

	plain, err := s.sealer.Open(rec.Payload)
	if err != nil {
		return fmt.Errorf("%w: %s/%s: %v", ErrDataIntegrity, rec.Collection, rec.ID, err)
	}

	rec.Payload = plain
	rec.Encrypted = false
	return nil
}

func (r *Record) expired() bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(time.Now())
}

// Delete removes a record. Idempotent: deleting a missing record is not an
// error. Index rows cascade.
func (s *Store) Delete(collection, id string) error {
	return s.DeleteContext(context.Background(), collection, id)
}

// DeleteContext removes a record with context support.
func (s *Store) DeleteContext(ctx context.Context, collection, id string) error {
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND id = ?`,
		collection, id); err != nil {
		return fmt.Errorf("failed to delete record %s/%s: %w", collection, id, err)
	}
	return nil
}

// Clear removes every record in a collection.
func (s *Store) Clear(collection string) error {
	return s.ClearContext(context.Background(), collection)
}

// ClearContext removes every record in a collection with context support.
func (s *Store) ClearContext(ctx context.Context, collection string) error {
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("failed to clear collection %s: %w", collection, err)
	}
	return nil
}

// Count returns the number of non-expired records in a collection.
func (s *Store) Count(collection string) (int, error) {
	return s.CountContext(context.Background(), collection)
}

// CountContext returns the record count with context support.
func (s *Store) CountContext(ctx context.Context, collection string) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM records
	WHERE collection = ? AND (expires_at IS NULL OR expires_at > ?)
	`, collection, time.Now().UTC().Format(time.RFC3339Nano)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count collection %s: %w", collection, err)
	}
	return count, nil
}

// Collections returns the names of all collections that currently hold
// at least one record.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT DISTINCT collection FROM records ORDER BY collection`)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var collections []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan collection name: %w", err)
		}
		collections = append(collections, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating collections: %w", err)
	}

	return collections, nil
}

// SetMetadata stores a small process-wide key/value pair, e.g. the last
// full sync timestamp. Not tied to any collection.
func (s *Store) SetMetadata(key, value string) error {
	return s.SetMetadataContext(context.Background(), key, value)
}

// SetMetadataContext stores a metadata pair with context support.
func (s *Store) SetMetadataContext(ctx context.Context, key, value string) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to set metadata %s: %w", key, err)
	}
	return nil
}

// GetMetadata returns a metadata value, or ErrNotFound.
func (s *Store) GetMetadata(key string) (string, error) {
	return s.GetMetadataContext(context.Background(), key)
}

// GetMetadataContext returns a metadata value with context support.
func (s *Store) GetMetadataContext(ctx context.Context, key string) (string, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get metadata %s: %w", key, err)
	}
	return value, nil
}

// ExportAll returns every non-expired record in every collection, decrypted.
// Intended for backup and debugging; callers are responsible for handling
// the decrypted output safely.
func (s *Store) ExportAll(ctx context.Context) (map[string][]*Record, error) {
	collections, err := s.Collections(ctx)
	if err != nil {
		return nil, err
	}

	export := make(map[string][]*Record, len(collections))
	for _, c := range collections {
		records, err := s.GetAllContext(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("failed to export collection %s: %w", c, err)
		}
		export[c] = records
	}

	return export, nil
}

// DeleteEverything irreversibly wipes the store: the database file is
// closed, removed from disk, and reopened empty. Used on logout or a
// security event.
//
// The in-memory sealer survives the wipe; its salt is re-persisted so
// payloads sealed after the wipe remain decryptable across restarts.
func (s *Store) DeleteEverything() error {
	if err := s.Close(); err != nil {
		return fmt.Errorf("failed to close store before wipe: %w", err)
	}

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(s.path + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", s.path+suffix, err)
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+s.path)
	if err != nil {
		return fmt.Errorf("failed to reopen database: %w", err)
	}
	s.conn = conn

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply %q after wipe: %w", pragma, err)
		}
	}

	if err := s.initSchema(context.Background()); err != nil {
		return err
	}

	if s.sealer != nil && s.sealer.Salt() != nil {
		if err := s.SetMetadata(saltKey, hex.EncodeToString(s.sealer.Salt())); err != nil {
			return fmt.Errorf("failed to re-persist salt after wipe: %w", err)
		}
	}

	s.logger.Printf("Store wiped and reopened: %s", s.path)
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
