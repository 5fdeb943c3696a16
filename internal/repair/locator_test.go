package repair

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/vaultkeep/repair/internal/backend"
	"github.com/vaultkeep/repair/internal/block"
	"github.com/vaultkeep/repair/internal/codec"
	"github.com/vaultkeep/repair/internal/xlog"
)

func TestLocateBlocksRecoversFromLocalSource(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	hasher := block.NewSHAKE256(32)

	data := []byte("payload recoverable from a local backup source file")
	ref := hasher.SumRef(data)

	missingVolID, err := db.RegisterRemoteVolume(ctx, nil, RemoteVolume{Name: "vault-b00-aa.gz"})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SetBlockRestored(ctx, nil, ref, missingVolID); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "source.bin")
	padding := []byte("leading bytes before the block starts\n")
	if err := os.WriteFile(path, append(padding, data...), 0o600); err != nil {
		t.Fatal(err)
	}
	db.sources[ref] = []BlockSourceFile{{Path: path, Offset: int64(len(padding))}}

	reg, err := codec.NewRegistry("")
	if err != nil {
		t.Fatal(err)
	}
	be := backend.NewMemory()
	log := xlog.NewLogger(false, false)

	res, err := LocateBlocks(ctx, db, be, reg, hasher, "vault-b00-aa.gz", log)
	if err != nil {
		t.Fatalf("LocateBlocks: %v", err)
	}
	if len(res.Missing) != 0 {
		t.Fatalf("Missing = %v, want empty", res.Missing)
	}
	got, ok := res.Restored[ref]
	if !ok {
		t.Fatalf("Restored does not contain %v", ref)
	}
	if string(got) != string(data) {
		t.Errorf("Restored[ref] = %q, want %q", got, data)
	}
}

func TestLocateBlocksReportsMissingWhenNoSourceRecovers(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	hasher := block.NewSHAKE256(32)

	ref := hasher.SumRef([]byte("a block nobody can produce"))
	missingVolID, err := db.RegisterRemoteVolume(ctx, nil, RemoteVolume{Name: "vault-b00-aa.gz"})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SetBlockRestored(ctx, nil, ref, missingVolID); err != nil {
		t.Fatal(err)
	}

	reg, err := codec.NewRegistry("")
	if err != nil {
		t.Fatal(err)
	}
	be := backend.NewMemory()
	log := xlog.NewLogger(false, false)

	res, err := LocateBlocks(ctx, db, be, reg, hasher, "vault-b00-aa.gz", log)
	if err != nil {
		t.Fatalf("LocateBlocks: %v", err)
	}
	if len(res.Missing) != 1 || res.Missing[0] != ref {
		t.Fatalf("Missing = %v, want [%v]", res.Missing, ref)
	}
	if len(res.Restored) != 0 {
		t.Errorf("Restored = %v, want empty", res.Restored)
	}
}

func TestLocateBlocksNoMissingBlocksReturnsEmptyResult(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	if _, err := db.RegisterRemoteVolume(ctx, nil, RemoteVolume{Name: "vault-b00-aa.gz"}); err != nil {
		t.Fatal(err)
	}

	reg, err := codec.NewRegistry("")
	if err != nil {
		t.Fatal(err)
	}
	be := backend.NewMemory()
	log := xlog.NewLogger(false, false)

	res, err := LocateBlocks(ctx, db, be, reg, block.NewSHAKE256(32), "vault-b00-aa.gz", log)
	if err != nil {
		t.Fatalf("LocateBlocks: %v", err)
	}
	if len(res.Restored) != 0 || len(res.Missing) != 0 {
		t.Errorf("res = %+v, want empty", res)
	}
}
