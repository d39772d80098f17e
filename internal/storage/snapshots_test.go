package storage

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestSnapshotLifecycle(t *testing.T) {
	db := testDB(t)

	latest, err := GetLatestSnapshot(db)
	if err != nil {
		t.Fatalf("GetLatestSnapshot on empty db: %v", err)
	}
	if latest != nil {
		t.Fatalf("expected no snapshot, got rev %d", latest.Rev)
	}

	small := []byte(`[{"id":1,"title":"Work","tabs":[]}]`)
	rev1, err := CreateSnapshot(db, small, 1, 0, "first")
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	large := []byte(`[{"id":1,"title":"` + strings.Repeat("x", 10<<10) + `","tabs":[]}]`)
	rev2, err := CreateSnapshot(db, large, 1, 0, "")
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if rev1 != 1 || rev2 != 2 {
		t.Fatalf("revs = %d, %d; want 1, 2", rev1, rev2)
	}

	list, err := ListSnapshots(db)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(list) != 2 || list[0].Rev != 2 || list[1].Name != "first" {
		t.Fatalf("unexpected list %+v", list)
	}

	latest, err = GetLatestSnapshot(db)
	if err != nil {
		t.Fatalf("GetLatestSnapshot: %v", err)
	}
	if latest.Rev != 2 || !bytes.Equal(latest.Groups, large) {
		t.Errorf("latest snapshot did not round-trip (rev %d, %d bytes)", latest.Rev, len(latest.Groups))
	}

	if err := DeleteSnapshot(db, 1); err != nil {
		t.Fatalf("DeleteSnapshot: %v", err)
	}
	if _, err := GetSnapshot(db, 1); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("GetSnapshot after delete: %v, want ErrSnapshotNotFound", err)
	}
	if err := DeleteSnapshot(db, 1); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("second delete: %v, want ErrSnapshotNotFound", err)
	}
}
