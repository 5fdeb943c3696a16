package localdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/vaultkeep/repair/internal/block"
	"github.com/vaultkeep/repair/internal/repair"
	"github.com/vaultkeep/repair/internal/volume"
	"github.com/vaultkeep/repair/internal/xlog"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	db, err := Open(path, xlog.NewLogger(false, false))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreatesEmptySchema(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	n, err := db.KnownRemoteVolumeCount(ctx)
	if err != nil {
		t.Fatalf("KnownRemoteVolumeCount: %v", err)
	}
	if n != 0 {
		t.Errorf("KnownRemoteVolumeCount = %d, want 0", n)
	}

	vols, err := db.GetRemoteVolumes(ctx)
	if err != nil {
		t.Fatalf("GetRemoteVolumes: %v", err)
	}
	if len(vols) != 0 {
		t.Errorf("GetRemoteVolumes = %v, want empty", vols)
	}
}

func TestFlagsDefaultFalseAndToggle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if v, err := db.RepairInProgress(ctx); err != nil || v {
		t.Fatalf("RepairInProgress = %v, %v, want false, nil", v, err)
	}
	if err := db.SetRepairInProgress(ctx, true); err != nil {
		t.Fatalf("SetRepairInProgress: %v", err)
	}
	if v, err := db.RepairInProgress(ctx); err != nil || !v {
		t.Fatalf("RepairInProgress = %v, %v, want true, nil", v, err)
	}
	if err := db.SetRepairInProgress(ctx, false); err != nil {
		t.Fatalf("SetRepairInProgress: %v", err)
	}
	if v, err := db.RepairInProgress(ctx); err != nil || v {
		t.Fatalf("RepairInProgress = %v, %v, want false, nil", v, err)
	}
}

func TestRegisterAndUpdateRemoteVolumeRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	id, err := db.RegisterRemoteVolume(ctx, nil, repair.RemoteVolume{
		Name: "vault-b00-aa.gz", Kind: volume.KindBlocks, State: volume.StateUploading, Time: now,
	})
	if err != nil {
		t.Fatalf("RegisterRemoteVolume: %v", err)
	}
	if id <= 0 {
		t.Fatalf("RegisterRemoteVolume returned id %d", id)
	}

	got, err := db.GetRemoteVolume(ctx, "vault-b00-aa.gz")
	if err != nil {
		t.Fatalf("GetRemoteVolume: %v", err)
	}
	if got == nil || got.State != volume.StateUploading {
		t.Fatalf("got = %+v, want State=Uploading", got)
	}

	if err := db.UpdateRemoteVolume(ctx, nil, id, volume.StateUploaded, 1024, "deadbeef"); err != nil {
		t.Fatalf("UpdateRemoteVolume: %v", err)
	}
	got, err = db.GetRemoteVolume(ctx, "vault-b00-aa.gz")
	if err != nil {
		t.Fatalf("GetRemoteVolume: %v", err)
	}
	if got.State != volume.StateUploaded || got.Size != 1024 || got.Hash != "deadbeef" {
		t.Errorf("got = %+v, want State=Uploaded Size=1024 Hash=deadbeef", got)
	}

	n, err := db.KnownRemoteVolumeCount(ctx)
	if err != nil {
		t.Fatalf("KnownRemoteVolumeCount: %v", err)
	}
	if n != 1 {
		t.Errorf("KnownRemoteVolumeCount = %d, want 1", n)
	}
}

func TestFilesetLinkingAndMissingQueries(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	volID, err := db.RegisterRemoteVolume(ctx, nil, repair.RemoteVolume{
		Name: "vault-f00-aa.gz", Kind: volume.KindFiles, State: volume.StateUploaded, Time: now,
	})
	if err != nil {
		t.Fatal(err)
	}

	filesetID, err := db.CreateFileset(ctx, nil, now, true)
	if err != nil {
		t.Fatalf("CreateFileset: %v", err)
	}

	missingRemote, err := db.MissingRemoteFilesets(ctx)
	if err != nil {
		t.Fatalf("MissingRemoteFilesets: %v", err)
	}
	if len(missingRemote) != 1 || missingRemote[0] != filesetID {
		t.Fatalf("MissingRemoteFilesets = %v, want [%d]", missingRemote, filesetID)
	}

	if err := db.LinkFilesetToVolume(ctx, nil, filesetID, volID); err != nil {
		t.Fatalf("LinkFilesetToVolume: %v", err)
	}

	missingRemote, err = db.MissingRemoteFilesets(ctx)
	if err != nil {
		t.Fatalf("MissingRemoteFilesets: %v", err)
	}
	if len(missingRemote) != 0 {
		t.Errorf("MissingRemoteFilesets after linking = %v, want empty", missingRemote)
	}

	rv, err := db.GetRemoteVolumeFromFilesetID(ctx, filesetID)
	if err != nil {
		t.Fatalf("GetRemoteVolumeFromFilesetID: %v", err)
	}
	if rv == nil || rv.Name != "vault-f00-aa.gz" {
		t.Fatalf("rv = %+v, want vault-f00-aa.gz", rv)
	}

	maxTime, ok, err := db.MaxFilesetTime(ctx)
	if err != nil {
		t.Fatalf("MaxFilesetTime: %v", err)
	}
	if !ok || !maxTime.Equal(now) {
		t.Errorf("MaxFilesetTime = %v, %v, want %v, true", maxTime, ok, now)
	}
}

func TestWriteAndReadFilesetEntries(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	filesetID, err := db.CreateFileset(ctx, nil, now, true)
	if err != nil {
		t.Fatal(err)
	}

	fs := &volume.Fileset{
		Time:         now,
		IsFullBackup: true,
		Entries: []volume.FileEntry{
			{Path: "/a.txt", Size: 3, Mode: 0o644, ModTime: now, SingleBlock: block.Ref{Hash: "h1", Size: 3}},
		},
	}
	if err := db.WriteFileset(ctx, nil, filesetID, fs); err != nil {
		t.Fatalf("WriteFileset: %v", err)
	}

	entries, err := db.FilesetEntries(ctx, filesetID)
	if err != nil {
		t.Fatalf("FilesetEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "/a.txt" {
		t.Fatalf("entries = %+v", entries)
	}
}
