// Copyright 2025-2026 MirrorWire Contributors

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS mirror_configs (
	id              TEXT PRIMARY KEY,
	owner_id        TEXT NOT NULL,
	plan            TEXT NOT NULL DEFAULT 'free',
	source_platform TEXT NOT NULL,
	client_kind     TEXT NOT NULL,
	source_channel  TEXT NOT NULL,
	source_topic    TEXT NOT NULL DEFAULT '',
	webhook_url     TEXT NOT NULL DEFAULT '',
	dest_chat_id    TEXT NOT NULL DEFAULT '',
	dest_topic_id   TEXT NOT NULL DEFAULT '',
	credential      TEXT NOT NULL,
	branding        TEXT,
	blur_regions    TEXT,
	active          INTEGER NOT NULL DEFAULT 1,
	status_reason   TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS engine_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// SQLiteStore is a ConfigStore backed by a local SQLite database. The
// surrounding product writes configs through its own paths; the engine only
// reads them and flips active/status.
type SQLiteStore struct {
	db *sql.DB
}

var _ ConfigStore = (*SQLiteStore)(nil)

// OpenSQLite opens (and bootstraps) the config database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open config database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply config schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ActiveConfigs(ctx context.Context) ([]*MirrorConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, plan, source_platform, client_kind, source_channel,
		       source_topic, webhook_url, dest_chat_id, dest_topic_id, credential,
		       branding, blur_regions, active, status_reason, created_at
		FROM mirror_configs WHERE active = 1 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active configs: %w", err)
	}
	defer rows.Close()

	var configs []*MirrorConfig
	for rows.Next() {
		var c MirrorConfig
		var branding, regions sql.NullString
		var active int
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Plan, &c.SourcePlatform,
			&c.ClientKind, &c.SourceChannel, &c.SourceTopic, &c.WebhookURL,
			&c.DestChatID, &c.DestTopicID, &c.Credential, &branding, &regions,
			&active, &c.StatusReason, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan config row: %w", err)
		}
		c.Active = active != 0
		if branding.Valid && branding.String != "" {
			var b Branding
			if err := json.Unmarshal([]byte(branding.String), &b); err == nil {
				c.Branding = &b
			}
		}
		if regions.Valid && regions.String != "" {
			// Malformed region JSON is treated as no regions rather than
			// blocking the whole config.
			_ = json.Unmarshal([]byte(regions.String), &c.BlurRegions)
		}
		configs = append(configs, &c)
	}
	return configs, rows.Err()
}

func (s *SQLiteStore) Disable(ctx context.Context, configID string, reason StatusReason) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE mirror_configs SET active = 0, status_reason = ? WHERE id = ?`,
		string(reason), configID)
	if err != nil {
		return fmt.Errorf("failed to disable config %s: %w", configID, err)
	}
	return nil
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engine_state (key, value) VALUES ('heartbeat', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RestartRequested(ctx context.Context) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM engine_state WHERE key = 'restart_requested'`).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read restart flag: %w", err)
	}
	return value == "1" || value == "true", nil
}

// InsertConfig writes a config row. It exists for provisioning tools and
// tests; the engine itself never creates configs.
func (s *SQLiteStore) InsertConfig(ctx context.Context, c *MirrorConfig) error {
	var branding, regions []byte
	var err error
	if c.Branding != nil {
		if branding, err = json.Marshal(c.Branding); err != nil {
			return fmt.Errorf("failed to marshal branding: %w", err)
		}
	}
	if len(c.BlurRegions) > 0 {
		if regions, err = json.Marshal(c.BlurRegions); err != nil {
			return fmt.Errorf("failed to marshal blur regions: %w", err)
		}
	}
	active := 0
	if c.Active {
		active = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mirror_configs (id, owner_id, plan, source_platform,
			client_kind, source_channel, source_topic, webhook_url, dest_chat_id,
			dest_topic_id, credential, branding, blur_regions, active,
			status_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, string(c.Plan), string(c.SourcePlatform), c.ClientKind,
		c.SourceChannel, c.SourceTopic, c.WebhookURL, c.DestChatID, c.DestTopicID,
		c.Credential, string(branding), string(regions), active,
		string(c.StatusReason), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert config: %w", err)
	}
	return nil
}
