// Package store persists hosts sources, the whitelist, the blacklist, the
// redirection list and the last-applied timestamp in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"hostsblock/pkg/blocklist"
)

// List names one of the override lists.
type List string

const (
	Whitelist   List = "whitelist"
	Blacklist   List = "blacklist"
	Redirection List = "redirection"
)

const lastAppliedKey = "last_applied_modified"

// ErrNotFound is returned when an entry to update does not exist.
var ErrNotFound = errors.New("entry not found")

// Entry is one row of an override list. IP is set for redirections only.
type Entry struct {
	Host    string
	IP      string
	Enabled bool
}

// Store is a SQLite-backed override store.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Open opens or creates the database at path. ":memory:" opens a private
// in-memory database.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	log.Debug("store opened", "path", path)
	return &Store{db: db, log: log}, nil
}

func createTables(db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS hosts_sources (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			url TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT 1,
			last_modified_local INTEGER NOT NULL DEFAULT 0,
			last_modified_online INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS whitelist (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			host TEXT NOT NULL UNIQUE,
			enabled BOOLEAN NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS blacklist (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			host TEXT NOT NULL UNIQUE,
			enabled BOOLEAN NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS redirection_list (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			host TEXT NOT NULL UNIQUE,
			ip TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func tableFor(list List) (string, error) {
	switch list {
	case Whitelist:
		return "whitelist", nil
	case Blacklist:
		return "blacklist", nil
	case Redirection:
		return "redirection_list", nil
	default:
		return "", fmt.Errorf("unknown list %q", list)
	}
}

// ParseList converts a list name as typed by a user.
func ParseList(name string) (List, error) {
	list := List(strings.ToLower(strings.TrimSpace(name)))
	if _, err := tableFor(list); err != nil {
		return "", err
	}
	return list, nil
}

// SyncSources mirrors configured sources into the store, matched by id. URL
// and enabled state follow the configuration. The applied modification
// time of a source is reset when its URL changes.
func (s *Store) SyncSources(ctx context.Context, sources []blocklist.Source) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, src := range sources {
		if err := upsertSource(ctx, tx, src); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func upsertSource(ctx context.Context, db execer, src blocklist.Source) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO hosts_sources (name, url, enabled) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			last_modified_local = CASE WHEN url = excluded.url THEN last_modified_local ELSE 0 END,
			url = excluded.url,
			enabled = excluded.enabled`,
		src.ID, src.URL, src.Enabled)
	if err != nil {
		return fmt.Errorf("save source %s: %w", src.ID, err)
	}
	return nil
}

// Sources returns every stored source ordered by insertion.
func (s *Store) Sources(ctx context.Context) ([]blocklist.Source, error) {
	return s.querySources(ctx, false)
}

// EnabledSources returns the enabled sources ordered by insertion, with
// the modification times recorded by the last apply filled in.
func (s *Store) EnabledSources(ctx context.Context) ([]blocklist.Source, error) {
	return s.querySources(ctx, true)
}

func (s *Store) querySources(ctx context.Context, enabledOnly bool) ([]blocklist.Source, error) {
	query := `SELECT name, url, enabled, last_modified_local, last_modified_online FROM hosts_sources`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	var sources []blocklist.Source
	for rows.Next() {
		var (
			src           blocklist.Source
			local, online int64
		)
		if err := rows.Scan(&src.ID, &src.URL, &src.Enabled, &local, &online); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		src.AppliedModified = fromUnix(local)
		src.RemoteModified = fromUnix(online)
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// SetSourceEnabled toggles a stored source.
func (s *Store) SetSourceEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE hosts_sources SET enabled = ? WHERE name = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("update source %s: %w", id, err)
	}
	return requireRow(res, id)
}

// MarkSourcesApplied records each source's remote modification time as the
// one now in effect.
func (s *Store) MarkSourcesApplied(ctx context.Context, sources []blocklist.Source) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, src := range sources {
		modified := toUnix(src.RemoteModified)
		if _, err := tx.ExecContext(ctx,
			`UPDATE hosts_sources SET last_modified_local = ?, last_modified_online = ? WHERE name = ?`,
			modified, modified, src.ID); err != nil {
			return fmt.Errorf("mark %s applied: %w", src.ID, err)
		}
	}
	return tx.Commit()
}

// Whitelist returns the enabled whitelist hosts.
func (s *Store) Whitelist(ctx context.Context) (*blocklist.HostSet, error) {
	return s.hostSet(ctx, Whitelist)
}

// Blacklist returns the enabled blacklist hosts.
func (s *Store) Blacklist(ctx context.Context) (*blocklist.HostSet, error) {
	return s.hostSet(ctx, Blacklist)
}

func (s *Store) hostSet(ctx context.Context, list List) (*blocklist.HostSet, error) {
	entries, err := s.entries(ctx, list, true)
	if err != nil {
		return nil, err
	}
	set := blocklist.NewHostSet()
	for _, e := range entries {
		set.Add(e.Host)
	}
	return set, nil
}

// Redirections returns the enabled redirections in insertion order.
func (s *Store) Redirections(ctx context.Context) (*blocklist.Redirections, error) {
	entries, err := s.entries(ctx, Redirection, true)
	if err != nil {
		return nil, err
	}
	r := blocklist.NewRedirections()
	for _, e := range entries {
		r.Set(e.Host, e.IP)
	}
	return r, nil
}

// Overrides loads the enabled entries of all three override lists.
func (s *Store) Overrides(ctx context.Context) (blocklist.Overrides, error) {
	var ov blocklist.Overrides
	var err error
	if ov.Whitelist, err = s.Whitelist(ctx); err != nil {
		return ov, fmt.Errorf("load whitelist: %w", err)
	}
	if ov.Blacklist, err = s.Blacklist(ctx); err != nil {
		return ov, fmt.Errorf("load blacklist: %w", err)
	}
	if ov.Redirections, err = s.Redirections(ctx); err != nil {
		return ov, fmt.Errorf("load redirections: %w", err)
	}
	return ov, nil
}

// Entries returns every entry of list, enabled or not.
func (s *Store) Entries(ctx context.Context, list List) ([]Entry, error) {
	return s.entries(ctx, list, false)
}

func (s *Store) entries(ctx context.Context, list List, enabledOnly bool) ([]Entry, error) {
	table, err := tableFor(list)
	if err != nil {
		return nil, err
	}
	ipColumn := "''"
	if list == Redirection {
		ipColumn = "ip"
	}
	query := `SELECT host, ` + ipColumn + `, enabled FROM ` + table // #nosec G202 -- table and column come from a fixed set.
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", list, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Host, &e.IP, &e.Enabled); err != nil {
			return nil, fmt.Errorf("scan %s: %w", list, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AddHost adds host to the whitelist or blacklist. Adding an existing host
// re-enables it.
func (s *Store) AddHost(ctx context.Context, list List, host string) error {
	if list == Redirection {
		return errors.New("redirections need an IP, use AddRedirection")
	}
	return s.putEntry(ctx, s.db, list, Entry{Host: host, Enabled: true})
}

// AddRedirection maps host to ip. An existing host keeps its position and
// takes the new IP.
func (s *Store) AddRedirection(ctx context.Context, host, ip string) error {
	return s.putEntry(ctx, s.db, Redirection, Entry{Host: host, IP: ip, Enabled: true})
}

func (s *Store) putEntry(ctx context.Context, db execer, list List, e Entry) error {
	table, err := tableFor(list)
	if err != nil {
		return err
	}
	host, err := blocklist.NormalizeHost(e.Host)
	if err != nil {
		return fmt.Errorf("%s entry: %w", list, err)
	}
	if blocklist.IsLoopbackName(host) {
		return fmt.Errorf("%s entry: %s is always mapped to %s", list, host, blocklist.LocalhostIP)
	}

	if list == Redirection {
		addr, err := netip.ParseAddr(strings.TrimSpace(e.IP))
		if err != nil {
			return fmt.Errorf("redirection %s: invalid IP %q", host, e.IP)
		}
		_, err = db.ExecContext(ctx, `
			INSERT INTO redirection_list (host, ip, enabled) VALUES (?, ?, ?)
			ON CONFLICT(host) DO UPDATE SET ip = excluded.ip, enabled = excluded.enabled`,
			host, addr.String(), e.Enabled)
		if err != nil {
			return fmt.Errorf("save redirection %s: %w", host, err)
		}
		return nil
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO `+table+` (host, enabled) VALUES (?, ?)
		ON CONFLICT(host) DO UPDATE SET enabled = excluded.enabled`, // #nosec G202 -- table comes from a fixed set.
		host, e.Enabled)
	if err != nil {
		return fmt.Errorf("save %s entry %s: %w", list, host, err)
	}
	return nil
}

// RemoveHost deletes host from list.
func (s *Store) RemoveHost(ctx context.Context, list List, host string) error {
	table, err := tableFor(list)
	if err != nil {
		return err
	}
	name, err := blocklist.NormalizeHost(host)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE host = ?`, name) // #nosec G202 -- table comes from a fixed set.
	if err != nil {
		return fmt.Errorf("delete %s entry %s: %w", list, name, err)
	}
	return requireRow(res, name)
}

// SetHostEnabled toggles an entry without removing it.
func (s *Store) SetHostEnabled(ctx context.Context, list List, host string, enabled bool) error {
	table, err := tableFor(list)
	if err != nil {
		return err
	}
	name, err := blocklist.NormalizeHost(host)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE `+table+` SET enabled = ? WHERE host = ?`, enabled, name) // #nosec G202 -- table comes from a fixed set.
	if err != nil {
		return fmt.Errorf("update %s entry %s: %w", list, name, err)
	}
	return requireRow(res, name)
}

// LastApplied returns the modification time recorded by the last
// successful apply, or the zero time if there was none.
func (s *Store) LastApplied(ctx context.Context) (time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, lastAppliedKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read last applied: %w", err)
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last applied %q: %w", raw, err)
	}
	return fromUnix(secs), nil
}

// SetLastApplied records t as the last applied modification time.
func (s *Store) SetLastApplied(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		lastAppliedKey, strconv.FormatInt(toUnix(t), 10))
	if err != nil {
		return fmt.Errorf("write last applied: %w", err)
	}
	return nil
}

func requireRow(res sql.Result, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(secs int64) time.Time {
	if secs == 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
