package db

import (
	"context"
	"fmt"
	"strings"
)

// SchemaVersion is the version written to schema_meta by migrate.
const SchemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS user_profiles (
	user_id TEXT PRIMARY KEY,
	first_name TEXT NOT NULL DEFAULT '',
	last_name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	height_cm REAL CHECK (height_cm IS NULL OR height_cm > 0),
	age INTEGER CHECK (age IS NULL OR age > 0),
	gender TEXT NOT NULL DEFAULT '' CHECK (gender IN ('', 'male', 'female')),
	activity_level TEXT NOT NULL DEFAULT ''
		CHECK (activity_level IN ('', 'sedentary', 'light', 'moderate', 'active', 'very_active')),
	weight_goal TEXT NOT NULL DEFAULT '' CHECK (weight_goal IN ('', 'lose', 'maintain', 'gain')),
	starting_weight_kg REAL,
	target_weight_kg REAL,
	daily_calorie_goal INTEGER CHECK (daily_calorie_goal IS NULL OR daily_calorie_goal >= 0),
	onboarding_complete INTEGER NOT NULL DEFAULT 0 CHECK (onboarding_complete IN (0, 1)),
	synced INTEGER NOT NULL DEFAULT 0 CHECK (synced IN (0, 1)),
	sync_action TEXT CHECK (sync_action IS NULL OR sync_action IN ('create', 'update', 'delete')),
	last_modified TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS user_weights (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	weight_kg REAL NOT NULL CHECK (weight_kg > 0),
	recorded_at TEXT NOT NULL,
	synced INTEGER NOT NULL DEFAULT 0 CHECK (synced IN (0, 1)),
	sync_action TEXT CHECK (sync_action IS NULL OR sync_action IN ('create', 'update', 'delete')),
	last_modified TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS food_logs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	meal_id TEXT NOT NULL DEFAULT '',
	food_name TEXT NOT NULL CHECK (length(trim(food_name)) > 0),
	calories INTEGER NOT NULL CHECK (calories >= 0),
	protein_g REAL NOT NULL DEFAULT 0 CHECK (protein_g >= 0),
	carbs_g REAL NOT NULL DEFAULT 0 CHECK (carbs_g >= 0),
	fat_g REAL NOT NULL DEFAULT 0 CHECK (fat_g >= 0),
	fiber_g REAL NOT NULL DEFAULT 0,
	sugar_g REAL NOT NULL DEFAULT 0,
	sodium_mg REAL NOT NULL DEFAULT 0,
	meal_type TEXT NOT NULL DEFAULT '' CHECK (meal_type IN ('', 'breakfast', 'lunch', 'dinner', 'snack')),
	image_url TEXT NOT NULL DEFAULT '',
	healthiness_rating INTEGER CHECK (healthiness_rating IS NULL OR healthiness_rating BETWEEN 1 AND 10),
	logged_at TEXT NOT NULL,
	synced INTEGER NOT NULL DEFAULT 0 CHECK (synced IN (0, 1)),
	sync_action TEXT CHECK (sync_action IS NULL OR sync_action IN ('create', 'update', 'delete')),
	last_modified TEXT NOT NULL
);

-- Derived; rebuilt from food_logs, never synced.
CREATE TABLE IF NOT EXISTS streak_state (
	user_id TEXT PRIMARY KEY,
	current_streak INTEGER NOT NULL DEFAULT 0 CHECK (current_streak >= 0),
	last_qualifying_day TEXT NOT NULL DEFAULT '',
	computed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS change_marker (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	revision INTEGER NOT NULL
);
INSERT OR IGNORE INTO change_marker (id, revision) VALUES (1, 0);

-- Pull high-water marks, keyed by record kind.
CREATE TABLE IF NOT EXISTS sync_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_food_logs_user_logged ON food_logs(user_id, logged_at);
CREATE INDEX IF NOT EXISTS idx_food_logs_meal ON food_logs(meal_id);
CREATE INDEX IF NOT EXISTS idx_food_logs_pending
	ON food_logs(last_modified) WHERE synced = 0;
CREATE INDEX IF NOT EXISTS idx_user_weights_user_recorded ON user_weights(user_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_user_weights_pending
	ON user_weights(last_modified) WHERE synced = 0;
`

// changeTables are the tables whose writes bump change_marker.revision.
var changeTables = []string{"user_profiles", "user_weights", "food_logs", "streak_state"}

// changeTriggers returns the DDL of the triggers feeding the change watcher.
func changeTriggers() string {
	var b strings.Builder
	for _, table := range changeTables {
		for _, op := range []string{"INSERT", "UPDATE", "DELETE"} {
			fmt.Fprintf(&b, `
CREATE TRIGGER IF NOT EXISTS trg_%s_%s_revision AFTER %s ON %s
BEGIN
	UPDATE change_marker SET revision = revision + 1 WHERE id = 1;
END;
`, table, strings.ToLower(op), op, table)
		}
	}
	return b.String()
}

// migrate creates or upgrades the schema inside an immediate transaction, so
// concurrent openers serialize on it.
func (db *DB) migrate(ctx context.Context) error {
	return db.RunTransaction(ctx, TxImmediate, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(tx.ctx, `
			CREATE TABLE IF NOT EXISTS schema_meta (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				version INTEGER NOT NULL
			)`); err != nil {
			return fmt.Errorf("failed to create schema_meta: %w", err)
		}

		var version int
		err := tx.tx.QueryRowContext(tx.ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_meta`).Scan(&version)
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
		if version > SchemaVersion {
			return fmt.Errorf("database schema version %d is newer than supported version %d", version, SchemaVersion)
		}
		if version == SchemaVersion {
			return nil
		}

		if _, err := tx.tx.ExecContext(tx.ctx, schemaV1); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
		if _, err := tx.tx.ExecContext(tx.ctx, changeTriggers()); err != nil {
			return fmt.Errorf("failed to create change triggers: %w", err)
		}
		if _, err := tx.tx.ExecContext(tx.ctx,
			`INSERT INTO schema_meta (id, version) VALUES (1, ?)
			 ON CONFLICT(id) DO UPDATE SET version = excluded.version`, SchemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}

		logger.WithField("version", SchemaVersion).Info("store schema migrated")
		return nil
	})
}
