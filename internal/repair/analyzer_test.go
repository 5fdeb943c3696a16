package repair

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/vaultkeep/repair/internal/backend"
	"github.com/vaultkeep/repair/internal/volume"
)

func mustName(t *testing.T, prefix string, kind volume.Kind, at time.Time) volume.Name {
	t.Helper()
	return volume.NewName(prefix, kind, at, "gz", "")
}

func TestAnalyzeClassifiesExtrasAndMissings(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	be := backend.NewMemory()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// A volume known to the DB in Uploaded state, but absent remotely: Missing.
	missingName := mustName(t, "vault", volume.KindBlocks, now)
	if _, err := db.RegisterRemoteVolume(ctx, nil, RemoteVolume{
		Name: missingName.Format(), Kind: volume.KindBlocks, State: volume.StateUploaded, Time: now,
	}); err != nil {
		t.Fatal(err)
	}

	// A volume present remotely but unknown to the DB: Extra.
	extraName := mustName(t, "vault", volume.KindBlocks, now.Add(time.Hour))
	if err := be.Put(ctx, extraName.Format(), writeTempFile(t, []byte("x"))); err != nil {
		t.Fatal(err)
	}

	// A volume known in Uploading state, present remotely: VerifyRequired.
	uploadingName := mustName(t, "vault", volume.KindFiles, now.Add(2*time.Hour))
	if _, err := db.RegisterRemoteVolume(ctx, nil, RemoteVolume{
		Name: uploadingName.Format(), Kind: volume.KindFiles, State: volume.StateUploading, Time: now.Add(2 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	if err := be.Put(ctx, uploadingName.Format(), writeTempFile(t, []byte("y"))); err != nil {
		t.Fatal(err)
	}

	report, err := Analyze(ctx, be, db, "vault", "")
	if err != nil {
		t.Fatal(err)
	}

	if len(report.Missings) != 1 || report.Missings[0].Name != missingName.Format() {
		t.Errorf("Missings = %v, want [%s]", report.Missings, missingName.Format())
	}
	if len(report.Extras) != 1 || report.Extras[0] != extraName.Format() {
		t.Errorf("Extras = %v, want [%s]", report.Extras, extraName.Format())
	}
	if len(report.VerifyRequired) != 1 || report.VerifyRequired[0].Name != uploadingName.Format() {
		t.Errorf("VerifyRequired = %v, want [%s]", report.VerifyRequired, uploadingName.Format())
	}
	if !report.HasRemoteTime {
		t.Error("HasRemoteTime = false, want true")
	}
}

func TestAnalyzeExcludesLastIncompleteFromExtras(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	be := backend.NewMemory()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	incomplete := mustName(t, "vault", volume.KindFiles, now)
	if err := be.Put(ctx, incomplete.Format(), writeTempFile(t, []byte("z"))); err != nil {
		t.Fatal(err)
	}

	report, err := Analyze(ctx, be, db, "vault", incomplete.Format())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Extras) != 0 {
		t.Errorf("Extras = %v, want empty (lastIncomplete excluded)", report.Extras)
	}
}

func TestAnalyzeBucketsForeignPrefixes(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	be := backend.NewMemory()

	if err := be.Put(ctx, "other-f00-aa.gz", writeTempFile(t, []byte("w"))); err != nil {
		t.Fatal(err)
	}

	report, err := Analyze(ctx, be, db, "vault", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(report.ForeignPrefixes["other"]) != 1 {
		t.Errorf("ForeignPrefixes[other] = %v, want 1 entry", report.ForeignPrefixes["other"])
	}
}

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "analyzer-*.tmp")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return f.Name()
}
