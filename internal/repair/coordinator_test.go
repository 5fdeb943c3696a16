package repair

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vaultkeep/repair/internal/backend"
	"github.com/vaultkeep/repair/internal/block"
	"github.com/vaultkeep/repair/internal/codec"
	"github.com/vaultkeep/repair/internal/volume"
	"github.com/vaultkeep/repair/internal/xlog"
)

func newTestCoordinator(db DB) (*Coordinator, *backend.Memory) {
	reg, err := codec.NewRegistry("")
	if err != nil {
		panic(err)
	}
	be := backend.NewMemory()
	return &Coordinator{
		DB:       db,
		Registry: reg,
		Hasher:   block.NewSHAKE256(32),
		Config:   Config{Prefix: "vault", Blocksize: 1 << 20, BlockhashSize: 32, BlockHashAlgorithm: "shake256"},
		Log:      xlog.NewLogger(false, false),
		Recreate: func(ctx context.Context) error { return errors.New("recreate should not be called in this test") },
		FilesetRecreate: func(ctx context.Context, filesetID int64, fs *volume.Fileset) error {
			return db.WriteFileset(ctx, nil, filesetID, fs)
		},
		RenameDatabase: func(ctx context.Context) error { return nil },
	}, be
}

func TestRunRejectsPassphraseChange(t *testing.T) {
	c, be := newTestCoordinator(newFakeDB())
	c.Config.AllowPassphraseChange = true

	err := c.Run(context.Background(), be)
	var rerr *RepairError
	if !errors.As(err, &rerr) || rerr.HelpID != HelpPassphraseChangeUnsupported {
		t.Fatalf("Run() = %v, want RepairError{HelpID: %s}", err, HelpPassphraseChangeUnsupported)
	}
}

func TestRunDelegatesToRecreateWhenNoKnownVolumes(t *testing.T) {
	db := newFakeDB()
	c, be := newTestCoordinator(db)
	called := false
	c.Recreate = func(ctx context.Context) error {
		called = true
		return nil
	}

	if err := c.Run(context.Background(), be); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if !called {
		t.Error("Recreate was not called despite zero known remote volumes")
	}
}

func TestRunRejectsPartiallyRecreatedDatabase(t *testing.T) {
	db := newFakeDB()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := db.RegisterRemoteVolume(context.Background(), nil, RemoteVolume{
		Name: "vault-f00-aa.gz", Kind: volume.KindFiles, State: volume.StateUploaded, Time: now,
	}); err != nil {
		t.Fatal(err)
	}
	db.partiallyRecreated = true
	c, be := newTestCoordinator(db)

	err := c.Run(context.Background(), be)
	var rerr *RepairError
	if !errors.As(err, &rerr) || rerr.HelpID != HelpDatabaseIsPartiallyRecreated {
		t.Fatalf("Run() = %v, want RepairError{HelpID: %s}", err, HelpDatabaseIsPartiallyRecreated)
	}
}

func TestRunDatabaseIsSynchronized(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	c, be := newTestCoordinator(db)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	name := mustName(t, "vault", volume.KindFiles, now).Format()
	volID, err := db.RegisterRemoteVolume(ctx, nil, RemoteVolume{
		Name: name, Kind: volume.KindFiles, State: volume.StateUploaded, Time: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	filesetID, err := db.CreateFileset(ctx, nil, now, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.LinkFilesetToVolume(ctx, nil, filesetID, volID); err != nil {
		t.Fatal(err)
	}

	src := writeTempFile(t, []byte("fileset archive bytes"))
	if err := be.Put(ctx, name, src); err != nil {
		t.Fatal(err)
	}
	if err := be.WaitForEmpty(ctx); err != nil {
		t.Fatal(err)
	}

	if err := c.Run(ctx, be); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if inRepair, _ := db.RepairInProgress(ctx); inRepair {
		t.Error("RepairInProgress left set to true after a clean synchronized run")
	}
}

// TestRunRemoteFilesNewerLeavesRepairInProgressClear confirms the
// freshness-check abort (remote files newer than the local database,
// default options) happens before SetRepairInProgress ever lands, so a
// merely-outdated database isn't mistaken for one mid-repair on its
// next run.
func TestRunRemoteFilesNewerLeavesRepairInProgressClear(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	c, be := newTestCoordinator(db)

	localTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	remoteTime := localTime.Add(24 * time.Hour)

	name := mustName(t, "vault", volume.KindFiles, localTime).Format()
	volID, err := db.RegisterRemoteVolume(ctx, nil, RemoteVolume{
		Name: name, Kind: volume.KindFiles, State: volume.StateUploaded, Time: localTime,
	})
	if err != nil {
		t.Fatal(err)
	}
	filesetID, err := db.CreateFileset(ctx, nil, localTime, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.LinkFilesetToVolume(ctx, nil, filesetID, volID); err != nil {
		t.Fatal(err)
	}
	if err := be.Put(ctx, name, writeTempFile(t, []byte("fileset archive bytes"))); err != nil {
		t.Fatal(err)
	}

	newerName := mustName(t, "vault", volume.KindFiles, remoteTime).Format()
	if err := be.Put(ctx, newerName, writeTempFile(t, []byte("newer fileset archive bytes"))); err != nil {
		t.Fatal(err)
	}
	if err := be.WaitForEmpty(ctx); err != nil {
		t.Fatal(err)
	}

	err = c.Run(ctx, be)
	var rerr *RepairError
	if !errors.As(err, &rerr) || rerr.HelpID != HelpRemoteFilesNewerThanLocalDatabase {
		t.Fatalf("Run() = %v, want RepairError{HelpID: %s}", err, HelpRemoteFilesNewerThanLocalDatabase)
	}
	if inRepair, _ := db.RepairInProgress(ctx); inRepair {
		t.Error("RepairInProgress was set even though the run aborted on the freshness check, before any mutation")
	}
}
