// Package directory implements the Directory aggregate: the set of
// registered users, the live session presence map, and single-use
// registration keys. It owns a small SQLite database (users, register,
// bans) migrated the way the teacher's store package migrates its own
// schema — an ordered statement list tracked by a schema_migrations table.
package directory

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"retroserver/internal/identity"
)

// UserId is an opaque 8-byte user identifier.
type UserId [8]byte

// RegKey is an opaque 32-byte single-use registration token.
type RegKey [32]byte

func (r RegKey) Hex() string { return hex.EncodeToString(r[:]) }
func (u UserId) Hex() string { return hex.EncodeToString(u[:]) }

// Status is the three-state answer userStatus/UserStatus returns.
type Status int

const (
	StatusUnknown Status = iota
	StatusOffline
	StatusOnline
)

// migrations is the ordered schema history for server.db. Append only.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (userid BLOB PRIMARY KEY)`,
	`CREATE TABLE IF NOT EXISTS register (regkey BLOB PRIMARY KEY)`,
	`CREATE TABLE IF NOT EXISTS files (
		file_id      TEXT PRIMARY KEY,
		uploader_ip  TEXT NOT NULL DEFAULT '',
		size_bytes   INTEGER NOT NULL DEFAULT 0,
		created_at   INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	`CREATE TABLE IF NOT EXISTS bans (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		userid_hex TEXT NOT NULL DEFAULT '',
		ip         TEXT NOT NULL DEFAULT '',
		reason     TEXT NOT NULL DEFAULT '',
		until_unix INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	`PRAGMA journal_mode=WAL`,
}

// SessionHandle is the subset of chatserver.Session the directory needs in
// order to track presence and look sessions up by id/address, without
// importing the chatserver package (which imports directory).
type SessionHandle interface {
	UserId() UserId
	RemoteAddr() net.Addr
	// Send delivers one framed packet to this session's live connection.
	// Implementations must serialize concurrent sends internally.
	Send(typ byte, payload []byte) error
}

// Directory is the process-wide registered-user / presence / regkey
// aggregate. Safe for concurrent use.
type Directory struct {
	db      *sql.DB
	userDir string

	mu       sync.RWMutex
	sessions map[UserId]SessionHandle
}

// Open opens (or creates) the server database at dbPath and prepares the
// user-key directory at userDir.
func Open(dbPath, userDir string) (*Directory, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("directory: create db dir: %w", err)
	}
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		return nil, fmt.Errorf("directory: create user dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("directory: open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[directory] busy_timeout: %v (non-fatal)", err)
	}

	d := &Directory{db: db, userDir: userDir, sessions: make(map[UserId]SessionHandle)}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *Directory) migrate() error {
	if _, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("directory: create schema_migrations: %w", err)
	}

	var current int
	if err := d.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("directory: read schema version: %w", err)
	}
	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("directory: migration %d: %w", v, err)
		}
		if _, err := d.db.Exec(`INSERT INTO schema_migrations(version) VALUES(?)`, v); err != nil {
			return fmt.Errorf("directory: record migration %d: %w", v, err)
		}
		log.Printf("[directory] applied migration v%d", v)
	}
	return nil
}

// Close closes the underlying database.
func (d *Directory) Close() error {
	return d.db.Close()
}

func (d *Directory) keyPath(id UserId) string {
	return filepath.Join(d.userDir, id.Hex()+".pem")
}

// UserExists reports whether id has a persisted public-key file.
func (d *Directory) UserExists(id UserId) bool {
	_, err := os.Stat(d.keyPath(id))
	return err == nil
}

// LoadPublicKey reads and parses the persisted key for id.
func (d *Directory) LoadPublicKey(id UserId) (identity.PublicKey, error) {
	raw, err := os.ReadFile(d.keyPath(id))
	if err != nil {
		return identity.PublicKey{}, fmt.Errorf("directory: read key file: %w", err)
	}
	return identity.ParsePublicKey(raw)
}

// AddUser writes the public key file and records the user in server.db.
func (d *Directory) AddUser(id UserId, publicKeyBytes []byte) error {
	if err := os.WriteFile(d.keyPath(id), publicKeyBytes, 0o600); err != nil {
		return fmt.Errorf("directory: write key file: %w", err)
	}
	if _, err := d.db.Exec(`INSERT OR IGNORE INTO users(userid) VALUES (?)`, id[:]); err != nil {
		return fmt.Errorf("directory: record user: %w", err)
	}
	return nil
}

// NewUniqueUserId draws random 8-byte values until one is unused.
func (d *Directory) NewUniqueUserId() (UserId, error) {
	for {
		var id UserId
		b, err := identity.RandomBytes(8)
		if err != nil {
			return UserId{}, err
		}
		copy(id[:], b)
		var count int
		if err := d.db.QueryRow(`SELECT COUNT(*) FROM users WHERE userid = ?`, id[:]).Scan(&count); err != nil {
			return UserId{}, fmt.Errorf("directory: check userid uniqueness: %w", err)
		}
		if count == 0 && !d.UserExists(id) {
			return id, nil
		}
	}
}

// NewUniqueRegKey draws a random, unused 32-byte key, records it, and
// returns it.
func (d *Directory) NewUniqueRegKey() (RegKey, error) {
	for {
		var k RegKey
		b, err := identity.RandomBytes(32)
		if err != nil {
			return RegKey{}, err
		}
		copy(k[:], b)
		var count int
		if err := d.db.QueryRow(`SELECT COUNT(*) FROM register WHERE regkey = ?`, k[:]).Scan(&count); err != nil {
			return RegKey{}, fmt.Errorf("directory: check regkey uniqueness: %w", err)
		}
		if count != 0 {
			continue
		}
		if _, err := d.db.Exec(`INSERT INTO register(regkey) VALUES (?)`, k[:]); err != nil {
			return RegKey{}, fmt.Errorf("directory: record regkey: %w", err)
		}
		return k, nil
	}
}

// RegKeyExists reports whether k is a currently-valid, unconsumed
// registration key. It does not consume k — registration only consumes
// the key once the new user's public key has actually been persisted, per
// spec.md's "consumed only if step 5 was reached" rule.
func (d *Directory) RegKeyExists(k RegKey) bool {
	var count int
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM register WHERE regkey = ?`, k[:]).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// ConsumeRegKey atomically verifies k exists and removes it, reporting
// whether it was present.
func (d *Directory) ConsumeRegKey(k RegKey) (bool, error) {
	res, err := d.db.Exec(`DELETE FROM register WHERE regkey = ?`, k[:])
	if err != nil {
		return false, fmt.Errorf("directory: consume regkey: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("directory: consume regkey rows affected: %w", err)
	}
	return n > 0, nil
}

// AdmitSession maps id to session, failing if id is already mapped.
func (d *Directory) AdmitSession(id UserId, session SessionHandle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.sessions[id]; exists {
		return false
	}
	d.sessions[id] = session
	return true
}

// EvictSession removes id's presence entry, if session still matches the
// current holder (guards against a stale worker evicting a newer session).
func (d *Directory) EvictSession(id UserId, session SessionHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.sessions[id]; ok && cur == session {
		delete(d.sessions, id)
	}
}

// SessionByUserId returns the live session for id, if any.
func (d *Directory) SessionByUserId(id UserId) (SessionHandle, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[id]
	return s, ok
}

// SessionByRemoteAddr returns the first session whose connection's remote
// IP matches addr. Addresses are not assumed unique.
func (d *Directory) SessionByRemoteAddr(ip string) (SessionHandle, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.sessions {
		host, _, err := net.SplitHostPort(s.RemoteAddr().String())
		if err != nil {
			host = s.RemoteAddr().String()
		}
		if host == ip {
			return s, true
		}
	}
	return nil, false
}

// UserStatus reports UNKNOWN/OFFLINE/ONLINE for id.
func (d *Directory) UserStatus(id UserId) Status {
	if !d.UserExists(id) {
		return StatusUnknown
	}
	if _, online := d.SessionByUserId(id); online {
		return StatusOnline
	}
	return StatusOffline
}

// Stats returns registered and online user counts for the admin API.
func (d *Directory) Stats() (registered, online int, err error) {
	if err = d.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&registered); err != nil {
		return 0, 0, fmt.Errorf("directory: stats: %w", err)
	}
	d.mu.RLock()
	online = len(d.sessions)
	d.mu.RUnlock()
	return registered, online, nil
}

// RecordFile inserts file-upload metadata into the files table. Best-effort:
// failures are logged by the caller, never fatal to the upload itself.
func (d *Directory) RecordFile(ctx context.Context, fileIDHex, uploaderIP string, size int64) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO files(file_id, uploader_ip, size_bytes) VALUES (?, ?, ?)
		 ON CONFLICT(file_id) DO UPDATE SET uploader_ip = excluded.uploader_ip, size_bytes = excluded.size_bytes`,
		fileIDHex, uploaderIP, size,
	)
	return err
}

// AddBan installs an operator ban on a userid hex string, an IP, or both.
// until is zero for a permanent ban.
func (d *Directory) AddBan(userIDHex, ip, reason string, until time.Time) error {
	var untilUnix int64
	if !until.IsZero() {
		untilUnix = until.Unix()
	}
	_, err := d.db.Exec(
		`INSERT INTO bans(userid_hex, ip, reason, until_unix) VALUES (?, ?, ?, ?)`,
		userIDHex, ip, reason, untilUnix,
	)
	return err
}

// Ban is one operator ban row. Until is zero for a permanent ban.
type Ban struct {
	UserIDHex string
	IP        string
	Reason    string
	Until     time.Time
}

// ListBans returns every ban row in insertion order, expired ones included.
func (d *Directory) ListBans() ([]Ban, error) {
	rows, err := d.db.Query(`SELECT userid_hex, ip, reason, until_unix FROM bans ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("directory: list bans: %w", err)
	}
	defer rows.Close()

	var out []Ban
	for rows.Next() {
		var b Ban
		var untilUnix int64
		if err := rows.Scan(&b.UserIDHex, &b.IP, &b.Reason, &untilUnix); err != nil {
			return nil, fmt.Errorf("directory: scan ban: %w", err)
		}
		if untilUnix != 0 {
			b.Until = time.Unix(untilUnix, 0)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// RemoveBan deletes every ban row matching userIDHex or ip.
func (d *Directory) RemoveBan(userIDHex, ip string) error {
	_, err := d.db.Exec(`DELETE FROM bans WHERE (userid_hex = ? AND ? != '') OR (ip = ? AND ? != '')`,
		userIDHex, userIDHex, ip, ip)
	return err
}

// IsBanned checks whether userIDHex or ip is currently banned, returning
// the matching reason if so.
func (d *Directory) IsBanned(userIDHex, ip string) (reason string, banned bool, err error) {
	now := time.Now().Unix()
	row := d.db.QueryRow(
		`SELECT reason FROM bans
		 WHERE (userid_hex = ? OR ip = ?) AND (until_unix = 0 OR until_unix > ?)
		 LIMIT 1`,
		userIDHex, ip, now,
	)
	var r string
	err = row.Scan(&r)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("directory: ban check: %w", err)
	}
	return r, true, nil
}

// ParseUserId validates and wraps an 8-byte slice as a UserId.
func ParseUserId(b []byte) (UserId, error) {
	if len(b) != 8 {
		return UserId{}, fmt.Errorf("directory: userid must be 8 bytes, got %d", len(b))
	}
	var id UserId
	copy(id[:], b)
	return id, nil
}

// ParseRegKey validates and wraps a 32-byte slice as a RegKey.
func ParseRegKey(b []byte) (RegKey, error) {
	if len(b) != 32 {
		return RegKey{}, fmt.Errorf("directory: regkey must be 32 bytes, got %d", len(b))
	}
	var k RegKey
	copy(k[:], b)
	return k, nil
}

// Equal reports whether two UserIds are identical.
func (u UserId) Equal(o UserId) bool { return bytes.Equal(u[:], o[:]) }
