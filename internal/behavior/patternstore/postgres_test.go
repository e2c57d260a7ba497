package patternstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/parleyhq/parley/internal/behavior"
)

// mockRow implements pgx.Row.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// mockDB implements the DB interface, recording statements and returning
// canned results.
type mockDB struct {
	execSQL  []string
	execTags []pgconn.CommandTag
	execErr  error
	row      *mockRow
}

func (db *mockDB) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	if db.row != nil {
		return db.row
	}
	return &mockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
}

func (db *mockDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (db *mockDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	db.execSQL = append(db.execSQL, sql)
	if db.execErr != nil {
		return pgconn.CommandTag{}, db.execErr
	}
	if len(db.execTags) > 0 {
		tag := db.execTags[0]
		db.execTags = db.execTags[1:]
		return tag, nil
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func patternRow(p behavior.AgentBehaviorPattern) *mockRow {
	captionJSON, _ := json.Marshal(p.CaptionMention)
	chatJSON, _ := json.Marshal(p.ChatMention)
	return &mockRow{scanFunc: func(dest ...any) error {
		*dest[0].(*string) = p.ID
		*dest[1].(*string) = p.Name
		*dest[2].(*[]byte) = captionJSON
		*dest[3].(*[]byte) = chatJSON
		return nil
	}}
}

func TestPostgresSaveUpserts(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	s := NewPostgresStore(db)

	if err := s.Save(context.Background(), testPattern("p1", "default")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(db.execSQL) != 1 || !strings.Contains(db.execSQL[0], "ON CONFLICT (id) DO UPDATE") {
		t.Errorf("exec statements = %v", db.execSQL)
	}
}

func TestPostgresSaveRejectsInvalidPattern(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	s := NewPostgresStore(db)
	bad := testPattern("p1", "broken")
	bad.ChatMention.ResponseChannel = "smoke-signal"

	if err := s.Save(context.Background(), bad); err == nil {
		t.Error("want validation error")
	}
	if len(db.execSQL) != 0 {
		t.Error("invalid pattern must not reach the database")
	}
}

func TestPostgresActivePatternRoundTrip(t *testing.T) {
	t.Parallel()

	want := testPattern("p1", "default")
	db := &mockDB{row: patternRow(want)}
	s := NewPostgresStore(db)

	got, err := s.ActivePattern(context.Background())
	if err != nil {
		t.Fatalf("ActivePattern: %v", err)
	}
	if got.ID != want.ID || got.CaptionMention.Mode != behavior.ModeImmediate {
		t.Errorf("got %+v", got)
	}
}

func TestPostgresActivePatternNoRows(t *testing.T) {
	t.Parallel()

	s := NewPostgresStore(&mockDB{})

	if _, err := s.ActivePattern(context.Background()); !errors.Is(err, ErrNoActivePattern) {
		t.Errorf("got %v, want ErrNoActivePattern", err)
	}
}

func TestPostgresSetActiveNotFound(t *testing.T) {
	t.Parallel()

	db := &mockDB{execTags: []pgconn.CommandTag{
		pgconn.NewCommandTag("UPDATE 1"), // deactivate pass
		pgconn.NewCommandTag("UPDATE 0"), // target row missing
	}}
	s := NewPostgresStore(db)

	if err := s.SetActive(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}
