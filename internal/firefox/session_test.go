package firefox

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/pierrec/lz4/v4"

	"github.com/lotas/tabgruppen/internal/state"
	"github.com/lotas/tabgruppen/internal/storage"
	"github.com/lotas/tabgruppen/internal/types"
)

func TestDecompressMozLz4(t *testing.T) {
	t.Run("valid mozlz4 payload", func(t *testing.T) {
		original := []byte(`{"windows":[{"tabs":[]}]}`)

		// Compress with lz4 block compression.
		dst := make([]byte, lz4.CompressBlockBound(len(original)))
		n, err := lz4.CompressBlock(original, dst, nil)
		if err != nil {
			t.Fatalf("lz4.CompressBlock failed: %v", err)
		}
		compressed := dst[:n]

		// Build mozlz4 payload: 8-byte magic + 4-byte LE uint32 size + compressed data.
		magic := []byte("mozLz40\x00")
		sizeBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(sizeBytes, uint32(len(original)))

		payload := make([]byte, 0, len(magic)+len(sizeBytes)+len(compressed))
		payload = append(payload, magic...)
		payload = append(payload, sizeBytes...)
		payload = append(payload, compressed...)

		result, err := DecompressMozLz4(payload)
		if err != nil {
			t.Fatalf("DecompressMozLz4 returned error: %v", err)
		}
		if string(result) != string(original) {
			t.Errorf("expected %q, got %q", string(original), string(result))
		}
	})

	t.Run("invalid header returns error", func(t *testing.T) {
		// Wrong magic bytes.
		bad := []byte("BADMAGIC\x00\x00\x00\x00some data here")
		_, err := DecompressMozLz4(bad)
		if err == nil {
			t.Fatal("expected error for invalid header, got nil")
		}
	})

	t.Run("too short data returns error", func(t *testing.T) {
		short := []byte("mozLz40")
		_, err := DecompressMozLz4(short)
		if err == nil {
			t.Fatal("expected error for too-short data, got nil")
		}
	})
}

// mozlz4 builds a mozlz4 payload around data.
func mozlz4(t *testing.T, data []byte) []byte {
	t.Helper()
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		t.Fatalf("lz4.CompressBlock failed: %v", err)
	}
	size := make([]byte, 4)
	binary.LittleEndian.PutUint32(size, uint32(len(data)))
	out := append([]byte("mozLz40\x00"), size...)
	return append(out, dst[:n]...)
}

const sampleSession = `{
	"windows": [{
		"selected": 2,
		"tabs": [
			{"entries": [{"url": "https://example.com", "title": "Example"}], "index": 1,
			 "lastAccessed": 1707654321000, "image": "https://example.com/favicon.ico", "groupId": "g1"},
			{"entries": [{"url": "https://old.com", "title": "Old"}, {"url": "https://current.com", "title": "Current"}],
			 "index": 2, "lastAccessed": 1707654999000, "userContextId": 3},
			{"entries": [{"url": "https://mail.example", "title": "Mail"}], "index": 1, "pinned": true},
			{"entries": [{"url": "about:newtab"}], "index": 1}
		],
		"groups": [{"id": "g1", "name": "Work", "color": "blue"}]
	}]
}`

func TestParseSession(t *testing.T) {
	got, err := ParseSession([]byte(sampleSession), true)
	if err != nil {
		t.Fatalf("ParseSession returned error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(got))
	}

	work, rest := got[0], got[1]
	if work.Title != "Work" || work.IconColor != "blue" {
		t.Errorf("first group = %q/%q, want Work/blue", work.Title, work.IconColor)
	}
	if len(work.Tabs) != 1 {
		t.Fatalf("expected 1 tab in Work, got %d", len(work.Tabs))
	}
	tab0 := work.Tabs[0]
	if tab0.URL != "https://example.com" || tab0.FavIconURL != "https://example.com/favicon.ico" {
		t.Errorf("tab0 = %+v", tab0)
	}
	if tab0.LastAccessed != 1707654321000 {
		t.Errorf("tab0 LastAccessed = %d", tab0.LastAccessed)
	}
	if !tab0.Pending() || tab0.Active {
		t.Errorf("tab0 should be a pending, inactive record: %+v", tab0)
	}

	// Pinned and about: tabs stay behind.
	if rest.Title != "Window 1" || len(rest.Tabs) != 1 {
		t.Fatalf("second group = %q with %d tabs, want Window 1 with 1", rest.Title, len(rest.Tabs))
	}
	tab1 := rest.Tabs[0]
	if tab1.URL != "https://current.com" || tab1.Title != "Current" {
		t.Errorf("tab1 should use the current history entry, got %+v", tab1)
	}
	if tab1.CookieStoreID != "firefox-container-3" {
		t.Errorf("tab1 CookieStoreID = %q", tab1.CookieStoreID)
	}
	if !tab1.Active {
		t.Error("tab1 was the selected tab")
	}

	grouped, err := ParseSession([]byte(sampleSession), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(grouped) != 1 {
		t.Errorf("without loose tabs expected 1 group, got %d", len(grouped))
	}
}

func TestReadSessionFileAndImport(t *testing.T) {
	profileDir := t.TempDir()
	backupDir := filepath.Join(profileDir, "sessionstore-backups")
	os.MkdirAll(backupDir, 0755)
	os.WriteFile(filepath.Join(backupDir, "previous.jsonlz4"), mozlz4(t, []byte(sampleSession)), 0644)

	imported, err := ReadSessionFile(profileDir, true)
	if err != nil {
		t.Fatalf("ReadSessionFile: %v", err)
	}

	ctx := context.Background()
	db, err := storage.OpenDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	defer db.Close()
	st := state.New(storage.NewKV(db))
	if _, err := st.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := st.PutGroups(ctx, []types.Group{{ID: 1, Title: "Existing", Tabs: []types.TabRecord{}}}); err != nil {
		t.Fatalf("PutGroups: %v", err)
	}

	imported = append(imported, types.Group{Title: "Empty"})
	added, err := Import(ctx, st, imported)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if len(added) != 2 {
		t.Fatalf("expected 2 imported groups, got %d", len(added))
	}

	list, err := st.Groups(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 stored groups, got %d", len(list))
	}
	seen := map[int]bool{}
	for _, g := range list {
		if seen[g.ID] {
			t.Errorf("duplicate group id %d", g.ID)
		}
		seen[g.ID] = true
	}
	if list[1].Title != "Work" || list[1].IconColor != "blue" || len(list[1].Tabs) != 1 {
		t.Errorf("imported group = %+v", list[1])
	}
}

func TestReadSessionFileMissing(t *testing.T) {
	if _, err := ReadSessionFile(t.TempDir(), false); err == nil {
		t.Fatal("expected error for a profile without session files")
	}
}
