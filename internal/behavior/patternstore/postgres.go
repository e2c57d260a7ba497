package patternstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/parleyhq/parley/internal/behavior"
)

// Schema is the SQL DDL for the behavior_patterns table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS behavior_patterns (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    caption_mention JSONB NOT NULL DEFAULT '{}',
    chat_mention    JSONB NOT NULL DEFAULT '{}',
    is_active       BOOLEAN NOT NULL DEFAULT FALSE,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_behavior_patterns_active
    ON behavior_patterns(is_active) WHERE is_active;
CREATE INDEX IF NOT EXISTS idx_behavior_patterns_name ON behavior_patterns(name);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database. The two
// trigger configurations are serialised as JSONB.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgresStore using the given connection or
// pool. The caller is responsible for calling [PostgresStore.Migrate] before
// issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("patternstore: migrate: %w", err)
	}
	return nil
}

// Save creates or replaces a pattern after validating it.
func (s *PostgresStore) Save(ctx context.Context, p behavior.AgentBehaviorPattern) error {
	if p.ID == "" {
		return fmt.Errorf("patternstore: pattern has no id")
	}
	if err := p.Validate(); err != nil {
		return err
	}

	captionJSON, err := json.Marshal(p.CaptionMention)
	if err != nil {
		return fmt.Errorf("patternstore: marshal caption_mention: %w", err)
	}
	chatJSON, err := json.Marshal(p.ChatMention)
	if err != nil {
		return fmt.Errorf("patternstore: marshal chat_mention: %w", err)
	}

	const query = `
		INSERT INTO behavior_patterns (id, name, caption_mention, chat_mention)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			caption_mention = EXCLUDED.caption_mention,
			chat_mention = EXCLUDED.chat_mention,
			updated_at = now()`

	if _, err := s.db.Exec(ctx, query, p.ID, p.Name, captionJSON, chatJSON); err != nil {
		return fmt.Errorf("patternstore: save %q: %w", p.ID, err)
	}
	return nil
}

// Get retrieves a pattern by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (behavior.AgentBehaviorPattern, error) {
	const query = `
		SELECT id, name, caption_mention, chat_mention
		FROM behavior_patterns
		WHERE id = $1`

	p, err := scanPattern(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return behavior.AgentBehaviorPattern{}, ErrNotFound
		}
		return behavior.AgentBehaviorPattern{}, fmt.Errorf("patternstore: get %q: %w", id, err)
	}
	return p, nil
}

// List returns all patterns ordered by name.
func (s *PostgresStore) List(ctx context.Context) ([]behavior.AgentBehaviorPattern, error) {
	const query = `
		SELECT id, name, caption_mention, chat_mention
		FROM behavior_patterns
		ORDER BY name`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("patternstore: list: %w", err)
	}
	defer rows.Close()

	var out []behavior.AgentBehaviorPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("patternstore: list: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("patternstore: list: %w", err)
	}
	return out, nil
}

// Delete removes a pattern by ID. Deleting a non-existent pattern is not an
// error.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM behavior_patterns WHERE id = $1`, id); err != nil {
		return fmt.Errorf("patternstore: delete %q: %w", id, err)
	}
	return nil
}

// SetActive marks a pattern as the active one, deactivating any other.
func (s *PostgresStore) SetActive(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `UPDATE behavior_patterns SET is_active = FALSE WHERE is_active`); err != nil {
		return fmt.Errorf("patternstore: set active %q: %w", id, err)
	}
	tag, err := s.db.Exec(ctx, `UPDATE behavior_patterns SET is_active = TRUE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("patternstore: set active %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ActivePattern implements [behavior.PatternSource].
func (s *PostgresStore) ActivePattern(ctx context.Context) (behavior.AgentBehaviorPattern, error) {
	const query = `
		SELECT id, name, caption_mention, chat_mention
		FROM behavior_patterns
		WHERE is_active`

	p, err := scanPattern(s.db.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return behavior.AgentBehaviorPattern{}, ErrNoActivePattern
		}
		return behavior.AgentBehaviorPattern{}, fmt.Errorf("patternstore: active pattern: %w", err)
	}
	return p, nil
}

// scanPattern reads one behavior_patterns row. pgx.Row and pgx.Rows share
// the Scan method.
func scanPattern(row pgx.Row) (behavior.AgentBehaviorPattern, error) {
	var p behavior.AgentBehaviorPattern
	var captionJSON, chatJSON []byte

	if err := row.Scan(&p.ID, &p.Name, &captionJSON, &chatJSON); err != nil {
		return behavior.AgentBehaviorPattern{}, err
	}
	if err := json.Unmarshal(captionJSON, &p.CaptionMention); err != nil {
		return behavior.AgentBehaviorPattern{}, fmt.Errorf("unmarshal caption_mention: %w", err)
	}
	if err := json.Unmarshal(chatJSON, &p.ChatMention); err != nil {
		return behavior.AgentBehaviorPattern{}, fmt.Errorf("unmarshal chat_mention: %w", err)
	}
	return p, nil
}
