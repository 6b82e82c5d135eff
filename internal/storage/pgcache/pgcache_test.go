package pgcache

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
)

type pingDB struct {
	DB
	err error
}

func (d pingDB) PingContext(context.Context) error { return d.err }

func TestQueriesHonourExpiry(t *testing.T) {
	if !strings.Contains(selectEntryQuery, "expires_at > $2") {
		t.Fatalf("expected expiry predicate in select query")
	}
	if !strings.Contains(listKeysQuery, "expires_at > $2") {
		t.Fatalf("expected expiry predicate in keys query")
	}
	if !strings.Contains(upsertEntryQuery, "ON CONFLICT (cache_key) DO UPDATE") {
		t.Fatalf("expected upsert clause in set query")
	}
	if !strings.Contains(sweepQuery, "expires_at <= $1") {
		t.Fatalf("expected expiry predicate in sweep query")
	}
}

func TestLikePrefixEscapesWildcards(t *testing.T) {
	cases := map[string]string{
		"station:":   "station:%",
		"sl_v1:":     `sl\_v1:%`,
		"100%":       `100\%%`,
		`back\slash`: `back\\slash%`,
		"":           "%",
	}
	for in, want := range cases {
		if got := likePrefix(in); got != want {
			t.Fatalf("likePrefix(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestPingTracksOpenState(t *testing.T) {
	db := &pingDB{}
	store := New(db)
	if !store.IsOpen() {
		t.Fatalf("new store should start open")
	}

	db.err = errors.New("connection refused")
	if err := store.Ping(context.Background()); err == nil {
		t.Fatalf("expected ping error")
	}
	if store.IsOpen() {
		t.Fatalf("store still open after failed ping")
	}

	db.err = nil
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if !store.IsOpen() {
		t.Fatalf("store not reopened after successful ping")
	}

	store.Close()
	if store.IsOpen() {
		t.Fatalf("store open after Close")
	}
}

func TestNilStoreRejectsCalls(t *testing.T) {
	var store *Store
	if store.IsOpen() {
		t.Fatalf("nil store reported open")
	}
	if _, err := store.Get(context.Background(), "k"); err == nil {
		t.Fatalf("expected error from nil store")
	}
	if New(nil) != nil {
		t.Fatalf("New(nil) should return nil")
	}
}

type sweepResult struct {
	n   int64
	err error
}

func (r sweepResult) LastInsertId() (int64, error) { return 0, errors.New("not supported") }
func (r sweepResult) RowsAffected() (int64, error) { return r.n, r.err }

type sweepDB struct {
	DB
	result sql.Result
}

func (d sweepDB) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return d.result, nil
}

func TestSweepReportsRemovedRows(t *testing.T) {
	store := New(sweepDB{result: sweepResult{n: 3}})
	n, err := store.Sweep(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("Sweep() = (%d, %v), want (3, nil)", n, err)
	}
}

func TestSweepSurfacesRowsAffectedError(t *testing.T) {
	boom := errors.New("driver does not report rows")
	store := New(sweepDB{result: sweepResult{err: boom}})
	n, err := store.Sweep(context.Background())
	if !errors.Is(err, boom) || n != 0 {
		t.Fatalf("Sweep() = (%d, %v), want wrapped %v", n, err, boom)
	}
}
