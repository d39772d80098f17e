package storage

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// testDB creates a temporary database for testing.
func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	db, err := OpenDB(dbPath)
	if err != nil {
		t.Fatalf("OpenDB(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenDB(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sub", "dir", "tabgruppen.db")

	db, err := OpenDB(dbPath)
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file not found: %v", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	if count != len(migrations) {
		t.Errorf("expected %d migrations recorded, got %d", len(migrations), count)
	}
}

func TestOpenDB_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	db, err := OpenDB(dbPath)
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	kv := NewKV(db)
	if err := kv.Set(context.Background(), map[string][]byte{"version": []byte(`"5.0.0"`)}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	db.Close()

	db2, err := OpenDB(dbPath)
	if err != nil {
		t.Fatalf("OpenDB after reopen: %v", err)
	}
	defer db2.Close()

	got, err := NewKV(db2).Get(context.Background(), "version")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got["version"]) != `"5.0.0"` {
		t.Errorf("version = %q", got["version"])
	}
}

func TestKVRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := NewKV(testDB(t))

	err := kv.Set(ctx, map[string][]byte{
		"groups":                   []byte(`[{"id":1}]`),
		"lastCreatedGroupPosition": []byte(`1`),
	})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := kv.Get(ctx, "groups", "lastCreatedGroupPosition", "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(got))
	}
	if _, ok := got["missing"]; ok {
		t.Error("missing key should be absent")
	}

	// Overwrite.
	if err := kv.Set(ctx, map[string][]byte{"lastCreatedGroupPosition": []byte(`2`)}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, _ = kv.Get(ctx, "lastCreatedGroupPosition")
	if string(got["lastCreatedGroupPosition"]) != "2" {
		t.Errorf("overwrite lost: %q", got["lastCreatedGroupPosition"])
	}

	if err := kv.Remove(ctx, "groups"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	keys, err := kv.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "lastCreatedGroupPosition" {
		t.Errorf("keys after remove = %v", keys)
	}
}

func TestKVCompressesLargeValues(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	kv := NewKV(db)

	large := []byte(strings.Repeat(`{"url":"https://example.com/","title":"Example"},`, 500))
	if err := kv.Set(ctx, map[string][]byte{"groups": large}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var raw []byte
	if err := db.QueryRow("SELECT value FROM kv_local WHERE key = 'groups'").Scan(&raw); err != nil {
		t.Fatalf("raw select: %v", err)
	}
	if !bytes.HasPrefix(raw, lz4Magic) {
		t.Fatal("large value was not compressed")
	}
	if len(raw) >= len(large) {
		t.Errorf("compressed size %d >= original %d", len(raw), len(large))
	}

	got, err := kv.Get(ctx, "groups")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got["groups"], large) {
		t.Error("decompressed value differs from original")
	}
}

func TestSessionValues(t *testing.T) {
	ctx := context.Background()
	kv := NewKV(testDB(t))

	v, err := kv.TabValue(ctx, 7, "groupId")
	if err != nil || v != "" {
		t.Fatalf("missing value = %q, %v", v, err)
	}

	if err := kv.SetTabValue(ctx, 7, "groupId", "3"); err != nil {
		t.Fatalf("SetTabValue: %v", err)
	}
	if err := kv.SetWindowValue(ctx, 7, "groupId", "9"); err != nil {
		t.Fatalf("SetWindowValue: %v", err)
	}

	// Tab and window scopes do not collide.
	if v, _ := kv.TabValue(ctx, 7, "groupId"); v != "3" {
		t.Errorf("tab value = %q, want 3", v)
	}
	if v, _ := kv.WindowValue(ctx, 7, "groupId"); v != "9" {
		t.Errorf("window value = %q, want 9", v)
	}

	if err := kv.RemoveTabValue(ctx, 7, "groupId"); err != nil {
		t.Fatalf("RemoveTabValue: %v", err)
	}
	if v, _ := kv.TabValue(ctx, 7, "groupId"); v != "" {
		t.Errorf("removed value = %q", v)
	}

	if err := kv.ForgetObject(ctx, scopeWindow, 7); err != nil {
		t.Fatalf("ForgetObject: %v", err)
	}
	if v, _ := kv.WindowValue(ctx, 7, "groupId"); v != "" {
		t.Errorf("forgotten value = %q", v)
	}
}

func TestDecodeValuePassesThroughPlainData(t *testing.T) {
	in := []byte(`{"a":1}`)
	out, err := decodeValue(in)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(in, out) {
		t.Errorf("got %q", out)
	}
}
