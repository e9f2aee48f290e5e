// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/driftsync/driftsync/lib/clock"
	"github.com/driftsync/driftsync/lib/codec"
	"github.com/driftsync/driftsync/lib/configtree"
	"github.com/driftsync/driftsync/lib/conflict"
	"github.com/driftsync/driftsync/lib/keyring"
	"github.com/driftsync/driftsync/lib/pairing"
	"github.com/driftsync/driftsync/lib/sqlitepool"
)

const schema = `
	CREATE TABLE IF NOT EXISTS workspace (
		workspace_id TEXT PRIMARY KEY,
		snapshot     BLOB NOT NULL,
		updated_at   INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS identity (
		workspace_id TEXT PRIMARY KEY,
		material     BLOB NOT NULL,
		updated_at   INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS devices (
		workspace_id  TEXT NOT NULL,
		device_id     TEXT NOT NULL,
		name          TEXT NOT NULL DEFAULT '',
		device_type   TEXT NOT NULL DEFAULT '',
		platform      TEXT NOT NULL DEFAULT '',
		signing_key   BLOB NOT NULL,
		agreement_key TEXT NOT NULL,
		last_seen     INTEGER NOT NULL,
		trusted       INTEGER NOT NULL DEFAULT 0,
		capabilities  TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (workspace_id, device_id)
	);
	CREATE TABLE IF NOT EXISTS conflicts (
		workspace_id TEXT NOT NULL,
		conflict_id  TEXT NOT NULL,
		record       BLOB NOT NULL,
		created_at   INTEGER NOT NULL,
		PRIMARY KEY (workspace_id, conflict_id)
	);
	CREATE TABLE IF NOT EXISTS pairing_tokens (
		token   TEXT PRIMARY KEY,
		used_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS credentials (
		workspace_id TEXT NOT NULL,
		name         TEXT NOT NULL,
		value        BLOB NOT NULL,
		PRIMARY KEY (workspace_id, name)
	);
`

// Config holds the parameters for opening a state store.
type Config struct {
	// Path is the database file. ":memory:" for tests.
	Path string

	// WorkspaceID scopes every row this store reads and writes.
	WorkspaceID string

	// Clock provides timestamps for bookkeeping columns.
	Clock clock.Clock

	// Logger receives operational messages. Nil discards.
	Logger *slog.Logger
}

// Store is the engine's durable local state. Safe for concurrent use.
// It implements pairing.Store.
type Store struct {
	pool        *sqlitepool.Pool
	workspaceID string
	clk         clock.Clock
	logger      *slog.Logger
}

// Open creates or opens the state database and ensures the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.WorkspaceID == "" {
		return nil, fmt.Errorf("state: WorkspaceID is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	// The database holds raw key material, so the file must be
	// readable by the owning user only. Created here rather than by
	// SQLite, whose default mode follows the umask.
	if cfg.Path != ":memory:" && !strings.HasPrefix(cfg.Path, "file:") {
		file, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			return nil, fmt.Errorf("state: creating %s: %w", cfg.Path, err)
		}
		file.Close()
		if err := os.Chmod(cfg.Path, 0o600); err != nil {
			return nil, fmt.Errorf("state: restricting %s: %w", cfg.Path, err)
		}
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Path,
		Logger: cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}

	return &Store{
		pool:        pool,
		workspaceID: cfg.WorkspaceID,
		clk:         cfg.Clock,
		logger:      cfg.Logger,
	}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) withConn(fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// SaveSnapshot persists the last-known-good snapshot (tree, meta,
// vector clock) for the workspace.
func (s *Store) SaveSnapshot(snapshot *configtree.Snapshot) error {
	return s.withConn(func(conn *sqlite.Conn) error {
		return s.saveSnapshot(conn, snapshot)
	})
}

func (s *Store) saveSnapshot(conn *sqlite.Conn, snapshot *configtree.Snapshot) error {
	encoded, err := snapshot.Encode()
	if err != nil {
		return fmt.Errorf("state: %w", err)
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO workspace (workspace_id, snapshot, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (workspace_id) DO UPDATE SET
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at
	`, &sqlitex.ExecOptions{
		Args: []any{s.workspaceID, encoded, s.clk.Now().UnixNano()},
	})
	if err != nil {
		return fmt.Errorf("state: saving snapshot: %w", err)
	}
	return nil
}

// Snapshot loads the persisted snapshot, reporting false if the
// workspace has never synced.
func (s *Store) Snapshot() (*configtree.Snapshot, bool, error) {
	var encoded []byte
	err := s.withConn(func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT snapshot FROM workspace WHERE workspace_id = ?
		`, &sqlitex.ExecOptions{
			Args: []any{s.workspaceID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				encoded = columnBytes(stmt, 0)
				return nil
			},
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("state: loading snapshot: %w", err)
	}
	if encoded == nil {
		return nil, false, nil
	}
	snapshot, err := configtree.DecodeSnapshot(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("state: %w", err)
	}
	return snapshot, true, nil
}

// SaveMaterial persists the keyring material. The caller still owns
// (and must zero) the material's key bytes.
func (s *Store) SaveMaterial(material keyring.Material) error {
	encoded, err := codec.Marshal(&material)
	if err != nil {
		return fmt.Errorf("state: encoding keyring material: %w", err)
	}
	return s.withConn(func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO identity (workspace_id, material, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT (workspace_id) DO UPDATE SET
				material = excluded.material,
				updated_at = excluded.updated_at
		`, &sqlitex.ExecOptions{
			Args: []any{s.workspaceID, encoded, s.clk.Now().UnixNano()},
		})
		if err != nil {
			return fmt.Errorf("state: saving keyring material: %w", err)
		}
		return nil
	})
}

// Material loads the persisted keyring material, reporting false if
// the device has never been initialized.
func (s *Store) Material() (keyring.Material, bool, error) {
	var encoded []byte
	err := s.withConn(func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT material FROM identity WHERE workspace_id = ?
		`, &sqlitex.ExecOptions{
			Args: []any{s.workspaceID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				encoded = columnBytes(stmt, 0)
				return nil
			},
		})
	})
	if err != nil {
		return keyring.Material{}, false, fmt.Errorf("state: loading keyring material: %w", err)
	}
	if encoded == nil {
		return keyring.Material{}, false, nil
	}
	var material keyring.Material
	if err := codec.Unmarshal(encoded, &material); err != nil {
		return keyring.Material{}, false, fmt.Errorf("state: decoding keyring material: %w", err)
	}
	return material, true, nil
}

// SaveDevice upserts a device registry record.
func (s *Store) SaveDevice(device pairing.Device) error {
	capabilities, err := json.Marshal(device.Capabilities)
	if err != nil {
		return fmt.Errorf("state: encoding capabilities: %w", err)
	}
	return s.withConn(func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO devices (
				workspace_id, device_id, name, device_type, platform,
				signing_key, agreement_key, last_seen, trusted, capabilities
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (workspace_id, device_id) DO UPDATE SET
				name = excluded.name,
				device_type = excluded.device_type,
				platform = excluded.platform,
				signing_key = excluded.signing_key,
				agreement_key = excluded.agreement_key,
				last_seen = excluded.last_seen,
				trusted = excluded.trusted,
				capabilities = excluded.capabilities
		`, &sqlitex.ExecOptions{
			Args: []any{
				s.workspaceID,
				device.ID,
				device.Name,
				device.Type,
				device.Platform,
				[]byte(device.SigningKey),
				device.AgreementKey,
				device.LastSeen.UnixNano(),
				boolToInt(device.Trusted),
				string(capabilities),
			},
		})
		if err != nil {
			return fmt.Errorf("state: saving device %s: %w", device.ID, err)
		}
		return nil
	})
}

// DeleteDevice removes a device registry record.
func (s *Store) DeleteDevice(deviceID string) error {
	return s.withConn(func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			DELETE FROM devices WHERE workspace_id = ? AND device_id = ?
		`, &sqlitex.ExecOptions{
			Args: []any{s.workspaceID, deviceID},
		})
		if err != nil {
			return fmt.Errorf("state: deleting device %s: %w", deviceID, err)
		}
		return nil
	})
}

// Device loads one device registry record.
func (s *Store) Device(deviceID string) (pairing.Device, bool, error) {
	var device pairing.Device
	found := false
	err := s.withConn(func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT device_id, name, device_type, platform, signing_key,
			       agreement_key, last_seen, trusted, capabilities
			FROM devices WHERE workspace_id = ? AND device_id = ?
		`, &sqlitex.ExecOptions{
			Args: []any{s.workspaceID, deviceID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				return scanDevice(stmt, &device)
			},
		})
	})
	if err != nil {
		return pairing.Device{}, false, fmt.Errorf("state: loading device %s: %w", deviceID, err)
	}
	return device, found, nil
}

// Devices loads every device registry record, ordered by device ID.
func (s *Store) Devices() ([]pairing.Device, error) {
	var devices []pairing.Device
	err := s.withConn(func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT device_id, name, device_type, platform, signing_key,
			       agreement_key, last_seen, trusted, capabilities
			FROM devices WHERE workspace_id = ? ORDER BY device_id
		`, &sqlitex.ExecOptions{
			Args: []any{s.workspaceID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var device pairing.Device
				if err := scanDevice(stmt, &device); err != nil {
					return err
				}
				devices = append(devices, device)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("state: loading devices: %w", err)
	}
	return devices, nil
}

// MarkPairingToken records a token and reports whether this was its
// first use.
func (s *Store) MarkPairingToken(token string) (bool, error) {
	firstUse := false
	err := s.withConn(func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT OR IGNORE INTO pairing_tokens (token, used_at) VALUES (?, ?)
		`, &sqlitex.ExecOptions{
			Args: []any{token, s.clk.Now().UnixNano()},
		})
		if err != nil {
			return fmt.Errorf("state: recording pairing token: %w", err)
		}
		firstUse = conn.Changes() > 0
		return nil
	})
	return firstUse, err
}

// SaveConflict persists one unresolved conflict.
func (s *Store) SaveConflict(record conflict.SyncConflict) error {
	return s.withConn(func(conn *sqlite.Conn) error {
		return s.saveConflict(conn, record)
	})
}

func (s *Store) saveConflict(conn *sqlite.Conn, record conflict.SyncConflict) error {
	encoded, err := codec.Marshal(&record)
	if err != nil {
		return fmt.Errorf("state: encoding conflict %s: %w", record.ID, err)
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO conflicts (workspace_id, conflict_id, record, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (workspace_id, conflict_id) DO UPDATE SET
			record = excluded.record
	`, &sqlitex.ExecOptions{
		Args: []any{s.workspaceID, record.ID, encoded, s.clk.Now().UnixNano()},
	})
	if err != nil {
		return fmt.Errorf("state: saving conflict %s: %w", record.ID, err)
	}
	return nil
}

// DeleteConflict removes a conflict after resolution.
func (s *Store) DeleteConflict(conflictID string) error {
	return s.withConn(func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			DELETE FROM conflicts WHERE workspace_id = ? AND conflict_id = ?
		`, &sqlitex.ExecOptions{
			Args: []any{s.workspaceID, conflictID},
		})
		if err != nil {
			return fmt.Errorf("state: deleting conflict %s: %w", conflictID, err)
		}
		return nil
	})
}

// Conflicts loads every unresolved conflict, oldest first.
func (s *Store) Conflicts() ([]conflict.SyncConflict, error) {
	var records []conflict.SyncConflict
	err := s.withConn(func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT record FROM conflicts WHERE workspace_id = ?
			ORDER BY created_at, conflict_id
		`, &sqlitex.ExecOptions{
			Args: []any{s.workspaceID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var record conflict.SyncConflict
				if err := codec.Unmarshal(columnBytes(stmt, 0), &record); err != nil {
					return fmt.Errorf("decoding conflict record: %w", err)
				}
				records = append(records, record)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("state: loading conflicts: %w", err)
	}
	return records, nil
}

// SaveCredential stores a named transport credential (cloud token,
// archive path) for the workspace.
func (s *Store) SaveCredential(name string, value []byte) error {
	return s.withConn(func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO credentials (workspace_id, name, value)
			VALUES (?, ?, ?)
			ON CONFLICT (workspace_id, name) DO UPDATE SET
				value = excluded.value
		`, &sqlitex.ExecOptions{
			Args: []any{s.workspaceID, name, value},
		})
		if err != nil {
			return fmt.Errorf("state: saving credential %s: %w", name, err)
		}
		return nil
	})
}

// Credential loads a named credential.
func (s *Store) Credential(name string) ([]byte, bool, error) {
	var value []byte
	err := s.withConn(func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT value FROM credentials WHERE workspace_id = ? AND name = ?
		`, &sqlitex.ExecOptions{
			Args: []any{s.workspaceID, name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = columnBytes(stmt, 0)
				return nil
			},
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("state: loading credential %s: %w", name, err)
	}
	return value, value != nil, nil
}

// CommitSyncCycle persists a completed cycle's results atomically: the
// merged snapshot and any new conflicts, in one IMMEDIATE transaction.
func (s *Store) CommitSyncCycle(snapshot *configtree.Snapshot, newConflicts []conflict.SyncConflict) error {
	return s.withConn(func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("state: begin cycle transaction: %w", err)
		}
		defer endTransaction(&err)

		if err = s.saveSnapshot(conn, snapshot); err != nil {
			return err
		}
		for _, record := range newConflicts {
			if err = s.saveConflict(conn, record); err != nil {
				return err
			}
		}
		return nil
	})
}

// CommitResolution persists a conflict resolution atomically: the
// updated snapshot and the removal of the resolved conflict.
func (s *Store) CommitResolution(snapshot *configtree.Snapshot, conflictID string) error {
	return s.withConn(func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("state: begin resolution transaction: %w", err)
		}
		defer endTransaction(&err)

		if err = s.saveSnapshot(conn, snapshot); err != nil {
			return err
		}
		err = sqlitex.Execute(conn, `
			DELETE FROM conflicts WHERE workspace_id = ? AND conflict_id = ?
		`, &sqlitex.ExecOptions{
			Args: []any{s.workspaceID, conflictID},
		})
		if err != nil {
			return fmt.Errorf("state: deleting conflict %s: %w", conflictID, err)
		}
		return nil
	})
}

func scanDevice(stmt *sqlite.Stmt, device *pairing.Device) error {
	device.ID = stmt.ColumnText(0)
	device.Name = stmt.ColumnText(1)
	device.Type = stmt.ColumnText(2)
	device.Platform = stmt.ColumnText(3)
	device.SigningKey = ed25519.PublicKey(columnBytes(stmt, 4))
	device.AgreementKey = stmt.ColumnText(5)
	device.LastSeen = nanosToTime(stmt.ColumnInt64(6))
	device.Trusted = stmt.ColumnInt(7) != 0
	if err := json.Unmarshal([]byte(stmt.ColumnText(8)), &device.Capabilities); err != nil {
		return fmt.Errorf("decoding capabilities: %w", err)
	}
	return nil
}

func columnBytes(stmt *sqlite.Stmt, col int) []byte {
	length := stmt.ColumnLen(col)
	if length == 0 {
		return nil
	}
	buffer := make([]byte, length)
	stmt.ColumnBytes(col, buffer)
	return buffer
}

func nanosToTime(nanos int64) time.Time {
	return time.Unix(0, nanos).UTC()
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
