package repair

import (
	"context"
	"testing"
	"time"

	"github.com/vaultkeep/repair/internal/backend"
	"github.com/vaultkeep/repair/internal/block"
	"github.com/vaultkeep/repair/internal/codec"
	"github.com/vaultkeep/repair/internal/volume"
	"github.com/vaultkeep/repair/internal/xlog"
)

// TestProcessExtraImportsUnknownFilesetRatherThanDeleting covers the
// scenario where a fileset volume is newer than the local database
// knows about (RepairIgnoreOutdatedDatabase let the run proceed): the
// volume reaches processExtra as an Extra, and must be imported as a
// new local fileset instead of deleted.
func TestProcessExtraImportsUnknownFilesetRatherThanDeleting(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	be := backend.NewMemory()
	reg, err := codec.NewRegistry("")
	if err != nil {
		t.Fatal(err)
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n := mustName(t, "vault", volume.KindFiles, now)
	fs := &volume.Fileset{
		Time:         now,
		IsFullBackup: true,
		Entries: []volume.FileEntry{
			{Path: "/a.txt", Size: 3, SingleBlock: block.Ref{Hash: "h1", Size: 3}},
		},
	}
	w, err := buildFilesetVolume(fs, n, reg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Dispose()
	if err := uploadVolume(ctx, be, reg, w, false); err != nil {
		t.Fatal(err)
	}

	exec := &executor{db: db, be: be, reg: reg, hasher: block.NewSHAKE256(32), cfg: Config{Prefix: "vault"}, log: xlog.NewLogger(false, false),
		recreate: func(ctx context.Context, filesetID int64, fs *volume.Fileset) error {
			return db.WriteFileset(ctx, nil, filesetID, fs)
		}}

	if err := exec.processExtra(ctx, n.Format()); err != nil {
		t.Fatalf("processExtra: %v", err)
	}

	if _, err := be.Get(ctx, n.Format()); err != nil {
		t.Fatalf("extra fileset volume was removed from the backend instead of imported: %v", err)
	}

	rv, err := db.GetRemoteVolume(ctx, n.Format())
	if err != nil {
		t.Fatal(err)
	}
	if rv == nil {
		t.Fatal("extra fileset volume was not registered as a RemoteVolume")
	}

	filesetID, ok, err := db.GetFilesetIdFromRemotename(ctx, n.Format())
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("no local fileset was linked to the imported volume")
	}
	entries, err := db.FilesetEntries(ctx, filesetID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Path != "/a.txt" {
		t.Errorf("imported fileset entries = %+v, want one entry for /a.txt", entries)
	}
}

// TestProcessExtraStillDeletesDataVolumeExtras confirms the fileset-import
// carve-out is scoped to Files-kind extras: a data-volume extra still goes
// through the ordinary delete path.
func TestProcessExtraStillDeletesDataVolumeExtras(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	be := backend.NewMemory()
	reg, err := codec.NewRegistry("")
	if err != nil {
		t.Fatal(err)
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n := mustName(t, "vault", volume.KindBlocks, now)
	if err := be.Put(ctx, n.Format(), writeTempFile(t, []byte("irrelevant"))); err != nil {
		t.Fatal(err)
	}

	exec := &executor{db: db, be: be, reg: reg, hasher: block.NewSHAKE256(32), cfg: Config{Prefix: "vault"}, log: xlog.NewLogger(false, false)}
	if err := exec.processExtra(ctx, n.Format()); err != nil {
		t.Fatalf("processExtra: %v", err)
	}

	if _, err := be.Get(ctx, n.Format()); err == nil {
		t.Error("extra data-volume was not deleted")
	}
}

// TestTryAdoptIndexCapturesWholeFileHash confirms an adopted index
// volume's RemoteVolume row carries the backend-reported hash rather
// than an empty one.
func TestTryAdoptIndexCapturesWholeFileHash(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	be := backend.NewMemory()
	reg, err := codec.NewRegistry("")
	if err != nil {
		t.Fatal(err)
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	dataName := mustName(t, "vault", volume.KindBlocks, now)
	if _, err := db.RegisterRemoteVolume(ctx, nil, RemoteVolume{
		Name: dataName.Format(), Kind: volume.KindBlocks, State: volume.StateUploaded, Time: now,
	}); err != nil {
		t.Fatal(err)
	}

	w, err := volume.NewWriter()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Dispose()
	indexName := mustName(t, "vault", volume.KindIndex, now.Add(time.Hour))
	w.SetRemoteName(indexName)
	if err := w.StartVolume(dataName.Format()); err != nil {
		t.Fatal(err)
	}
	if err := w.FinishVolume(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := uploadVolume(ctx, be, reg, w, false); err != nil {
		t.Fatal(err)
	}

	exec := &executor{db: db, be: be, reg: reg, hasher: block.NewSHAKE256(32), cfg: Config{Prefix: "vault", IndexfilePolicy: IndexfileLookup}, log: xlog.NewLogger(false, false)}

	adopted, err := exec.tryAdoptIndex(ctx, indexName.Format(), indexName)
	if err != nil {
		t.Fatalf("tryAdoptIndex: %v", err)
	}
	if !adopted {
		t.Fatal("tryAdoptIndex did not adopt")
	}

	rv, err := db.GetRemoteVolume(ctx, indexName.Format())
	if err != nil {
		t.Fatal(err)
	}
	if rv == nil {
		t.Fatal("adopted index volume was not registered")
	}
	if rv.Hash == "" {
		t.Error("adopted index volume has an empty hash, want the backend-reported whole-file hash")
	}
	if rv.Size <= 0 {
		t.Errorf("adopted index volume size = %d, want > 0", rv.Size)
	}
}

// TestRebuildMissingFilesVolumePromotesToVerified confirms a rebuilt
// fileset volume lands as Verified with the backend-reported (and thus
// compressed) size and hash, rather than being left at Uploading with
// an empty hash and the pre-compression size.
func TestRebuildMissingFilesVolumePromotesToVerified(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	be := backend.NewMemory()
	reg, err := codec.NewRegistry("")
	if err != nil {
		t.Fatal(err)
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	filesetID, err := db.CreateFileset(ctx, nil, now, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.WriteFileset(ctx, nil, filesetID, &volume.Fileset{
		Time: now, IsFullBackup: true,
		Entries: []volume.FileEntry{{Path: "/a.txt", Size: 3, SingleBlock: block.Ref{Hash: "h1", Size: 3}}},
	}); err != nil {
		t.Fatal(err)
	}

	n := mustName(t, "vault", volume.KindFiles, now)
	volID, err := db.RegisterRemoteVolume(ctx, nil, RemoteVolume{
		Name: n.Format(), Kind: volume.KindFiles, State: volume.StateUploading, Time: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.LinkFilesetToVolume(ctx, nil, filesetID, volID); err != nil {
		t.Fatal(err)
	}
	rv, err := db.GetRemoteVolume(ctx, n.Format())
	if err != nil {
		t.Fatal(err)
	}

	exec := &executor{db: db, be: be, reg: reg, hasher: block.NewSHAKE256(32), cfg: Config{Prefix: "vault"}, log: xlog.NewLogger(false, false)}
	if err := exec.rebuildMissingFilesVolume(ctx, *rv, nil); err != nil {
		t.Fatalf("rebuildMissingFilesVolume: %v", err)
	}

	got, err := db.GetRemoteVolume(ctx, n.Format())
	if err != nil {
		t.Fatal(err)
	}
	if got.State != volume.StateVerified {
		t.Errorf("state = %v, want StateVerified", got.State)
	}
	if got.Hash == "" {
		t.Error("hash is empty, want the backend-reported whole-file hash")
	}

	raw, ok := be.Contents(n.Format())
	if !ok {
		t.Fatal("rebuilt volume was not uploaded")
	}
	if got.Size != int64(len(raw)) {
		t.Errorf("recorded size = %d, want %d (actual uploaded/compressed bytes)", got.Size, len(raw))
	}
}
