package repair

import (
	"context"
	"time"

	"github.com/vaultkeep/repair/internal/block"
	"github.com/vaultkeep/repair/internal/volume"
)

// Tx is an opaque handle to the "reusable transaction" spec.md's DESIGN
// NOTES describe: a scope object owned by one phase of the coordinator.
// Sub-operations receive it but never commit it themselves; the owning
// phase commits once at the end, and rolling back on any returned error
// is the caller's responsibility (typically via a deferred Rollback that
// is a no-op after Commit).
type Tx interface {
	Commit() error
	Rollback() error
}

// RemoteVolume mirrors spec.md §3's remote-volume attributes.
type RemoteVolume struct {
	ID                 int64
	Name               string
	Kind               volume.Kind
	Size               int64
	Hash               string
	State              volume.State
	CompressionModule  string
	EncryptionModule   string
	Time               time.Time
}

// FilesetTime is one row of the FilesetTimes query.
type FilesetTime struct {
	FilesetID    int64
	Time         time.Time
	IsFullBackup bool
}

// BlockSourceFile is one (localFilePath, offset) hint the DB retained
// from the last backup that touched a block, per spec.md §4.3.
type BlockSourceFile struct {
	Path   string
	Offset int64
}

// BlockListRecord is one block-list row as returned by GetBlocklists:
// the block-list's own identity plus the ordered hashes it names.
type BlockListRecord struct {
	Ref    block.Ref
	Hashes []block.Hash
}

// DB is the local-database surface the repair core consumes, per
// spec.md §6's "Database (consumed)" list. Concrete implementations
// (internal/localdb) back it with sqlite; tests back it with an
// in-memory fake satisfying the same contract.
type DB interface {
	// --- guarded flags, per spec.md §3 "Guarded flags" ---
	PartiallyRecreated(ctx context.Context) (bool, error)
	RepairInProgress(ctx context.Context) (bool, error)
	SetRepairInProgress(ctx context.Context, v bool) error
	TerminatedWithActiveUploads(ctx context.Context) (bool, error)
	SetTerminatedWithActiveUploads(ctx context.Context, v bool) error

	// --- transactions ---
	BeginTransaction(ctx context.Context) (Tx, error)

	// --- remote volumes ---
	GetRemoteVolumes(ctx context.Context) ([]RemoteVolume, error)
	GetRemoteVolume(ctx context.Context, name string) (*RemoteVolume, error)
	GetRemoteVolumeID(ctx context.Context, tx Tx, name string) (int64, bool, error)
	RegisterRemoteVolume(ctx context.Context, tx Tx, rv RemoteVolume) (int64, error)
	UpdateRemoteVolume(ctx context.Context, tx Tx, id int64, state volume.State, size int64, hash string) error

	// --- filesets ---
	LinkFilesetToVolume(ctx context.Context, tx Tx, filesetID, volumeID int64) error
	CreateFileset(ctx context.Context, tx Tx, t time.Time, isFullBackup bool) (int64, error)
	GetFilesetIdFromRemotename(ctx context.Context, name string) (int64, bool, error)
	FilesetTimes(ctx context.Context) ([]FilesetTime, error)
	IsFilesetFullBackup(ctx context.Context, filesetID int64) (bool, error)
	GetRemoteVolumeFromFilesetID(ctx context.Context, filesetID int64) (*RemoteVolume, error)

	// --- discrepancy queries, per spec.md §3 "Discrepancy classes" ---
	MissingRemoteFilesets(ctx context.Context) ([]int64, error)
	MissingLocalFilesets(ctx context.Context) ([]RemoteVolume, error)
	EmptyIndexFiles(ctx context.Context) ([]RemoteVolume, error)
	GetLastIncompleteFilesetVolume(ctx context.Context) (*RemoteVolume, error)

	// --- index / block relationships ---
	GetBlockVolumesFromIndexName(ctx context.Context, indexName string) ([]string, error)
	GetBlocks(ctx context.Context, volumeID int64) ([]block.Ref, error)
	GetBlocklists(ctx context.Context, volumeID int64, blocksize int64, hashSize int) ([]BlockListRecord, error)
	AddIndexBlockLink(ctx context.Context, tx Tx, indexVolumeID, dataVolumeID int64) error

	// --- block recovery (§4.3 block locator) ---
	GetSourceFilesWithBlocks(ctx context.Context, volumeName string) (map[block.Ref][]BlockSourceFile, error)
	GetMissingBlockSources(ctx context.Context, ref block.Ref, excludeVolumeName string) ([]string, error)
	SetBlockRestored(ctx context.Context, tx Tx, ref block.Ref, dataVolumeID int64) error
	GetMissingBlocks(ctx context.Context, volumeName string) ([]block.Ref, error)
	GetFilesetsUsingMissingBlocks(ctx context.Context, volumeName string) ([]string, error)
	CheckAllBlocksAreInVolume(ctx context.Context, dataVolumeName string, refs []block.Ref) (bool, error)
	CheckBlocklistCorrect(ctx context.Context, ref block.Ref, raw []byte, blocksize int64, hashSize int) (bool, error)

	// --- fileset reconstruction (§4.7) ---
	WriteFileset(ctx context.Context, tx Tx, filesetID int64, fs *volume.Fileset) error
	GetFilesetsWithMissingFiles(ctx context.Context) ([]int64, error)
	DeleteFilesetEntries(ctx context.Context, tx Tx, filesetID int64) error

	// --- global consistency ---
	VerifyConsistencyForRepair(ctx context.Context) error
	MaxFilesetTime(ctx context.Context) (time.Time, bool, error)
	KnownRemoteVolumeCount(ctx context.Context) (int, error)

	// --- DB consistency pass (§4.6) ---
	FixDuplicateMetahash(ctx context.Context) (int, error)
	FixDuplicateFileentries(ctx context.Context) (int, error)
	FixDuplicateBlocklistHashes(ctx context.Context, blocksize int64, blockhashSize int) (int, error)
	FixMissingBlocklistHashes(ctx context.Context, algorithm string, blocksize int64) (int, error)

	Close() error
}
