package repair

import (
	"context"
	"sync"
	"time"

	"github.com/vaultkeep/repair/internal/block"
	"github.com/vaultkeep/repair/internal/volume"
)

// fakeDB is a minimal in-memory DB satisfying the repair.DB contract,
// grounded on mmp-bk/storage/memory.go's map-backed store, generalized
// from "blob store" to "relational state" since that's what DB models.
// It is deliberately simple: every method is correct for the inputs the
// tests in this package actually exercise, not a general sqlite clone.
type fakeDB struct {
	mu sync.Mutex

	partiallyRecreated bool
	repairInProgress   bool
	terminatedUploads  bool

	nextVolID int64
	volumes   map[int64]RemoteVolume

	nextFilesetID int64
	filesets      map[int64]*fakeFileset

	blocks       map[block.Ref]int64 // -> volume id
	sources      map[block.Ref][]BlockSourceFile
	blocklists   map[block.Ref][]block.Hash
	blocklistVol map[block.Ref]int64
	indexLinks   map[int64][]int64 // index volume id -> data volume ids
}

type fakeFileset struct {
	id       int64
	time     time.Time
	isFull   bool
	volumeID int64 // 0 if unlinked
	entries  []volume.FileEntry
}

type fakeTx struct{}

func (fakeTx) Commit() error   { return nil }
func (fakeTx) Rollback() error { return nil }

var _ DB = (*fakeDB)(nil)
var _ FilesetEntryLoader = (*fakeDB)(nil)

func newFakeDB() *fakeDB {
	return &fakeDB{
		volumes:      make(map[int64]RemoteVolume),
		filesets:     make(map[int64]*fakeFileset),
		blocks:       make(map[block.Ref]int64),
		sources:      make(map[block.Ref][]BlockSourceFile),
		blocklists:   make(map[block.Ref][]block.Hash),
		blocklistVol: make(map[block.Ref]int64),
		indexLinks:   make(map[int64][]int64),
	}
}

func (db *fakeDB) PartiallyRecreated(ctx context.Context) (bool, error) { return db.partiallyRecreated, nil }
func (db *fakeDB) RepairInProgress(ctx context.Context) (bool, error)   { return db.repairInProgress, nil }
func (db *fakeDB) SetRepairInProgress(ctx context.Context, v bool) error {
	db.repairInProgress = v
	return nil
}
func (db *fakeDB) TerminatedWithActiveUploads(ctx context.Context) (bool, error) {
	return db.terminatedUploads, nil
}
func (db *fakeDB) SetTerminatedWithActiveUploads(ctx context.Context, v bool) error {
	db.terminatedUploads = v
	return nil
}

func (db *fakeDB) BeginTransaction(ctx context.Context) (Tx, error) { return fakeTx{}, nil }

func (db *fakeDB) GetRemoteVolumes(ctx context.Context) ([]RemoteVolume, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]RemoteVolume, 0, len(db.volumes))
	for _, v := range db.volumes {
		out = append(out, v)
	}
	return out, nil
}

func (db *fakeDB) GetRemoteVolume(ctx context.Context, name string) (*RemoteVolume, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, v := range db.volumes {
		if v.Name == name {
			cp := v
			return &cp, nil
		}
	}
	return nil, nil
}

func (db *fakeDB) GetRemoteVolumeID(ctx context.Context, tx Tx, name string) (int64, bool, error) {
	v, err := db.GetRemoteVolume(ctx, name)
	if err != nil || v == nil {
		return 0, false, err
	}
	return v.ID, true, nil
}

func (db *fakeDB) RegisterRemoteVolume(ctx context.Context, tx Tx, rv RemoteVolume) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.nextVolID++
	rv.ID = db.nextVolID
	db.volumes[rv.ID] = rv
	return rv.ID, nil
}

func (db *fakeDB) UpdateRemoteVolume(ctx context.Context, tx Tx, id int64, state volume.State, size int64, hash string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	v := db.volumes[id]
	v.State, v.Size, v.Hash = state, size, hash
	db.volumes[id] = v
	return nil
}

func (db *fakeDB) LinkFilesetToVolume(ctx context.Context, tx Tx, filesetID, volumeID int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.filesets[filesetID].volumeID = volumeID
	return nil
}

func (db *fakeDB) CreateFileset(ctx context.Context, tx Tx, t time.Time, isFullBackup bool) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.nextFilesetID++
	db.filesets[db.nextFilesetID] = &fakeFileset{id: db.nextFilesetID, time: t, isFull: isFullBackup}
	return db.nextFilesetID, nil
}

func (db *fakeDB) GetFilesetIdFromRemotename(ctx context.Context, name string) (int64, bool, error) {
	v, err := db.GetRemoteVolume(ctx, name)
	if err != nil || v == nil {
		return 0, false, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, fs := range db.filesets {
		if fs.volumeID == v.ID {
			return fs.id, true, nil
		}
	}
	return 0, false, nil
}

func (db *fakeDB) FilesetTimes(ctx context.Context) ([]FilesetTime, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []FilesetTime
	for _, fs := range db.filesets {
		out = append(out, FilesetTime{FilesetID: fs.id, Time: fs.time, IsFullBackup: fs.isFull})
	}
	return out, nil
}

func (db *fakeDB) IsFilesetFullBackup(ctx context.Context, filesetID int64) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.filesets[filesetID].isFull, nil
}

func (db *fakeDB) GetRemoteVolumeFromFilesetID(ctx context.Context, filesetID int64) (*RemoteVolume, error) {
	db.mu.Lock()
	fs := db.filesets[filesetID]
	db.mu.Unlock()
	if fs == nil || fs.volumeID == 0 {
		return nil, nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	v := db.volumes[fs.volumeID]
	return &v, nil
}

func (db *fakeDB) MissingRemoteFilesets(ctx context.Context) ([]int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []int64
	for _, fs := range db.filesets {
		if fs.volumeID == 0 {
			out = append(out, fs.id)
		}
	}
	return out, nil
}

func (db *fakeDB) MissingLocalFilesets(ctx context.Context) ([]RemoteVolume, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	linked := map[int64]bool{}
	for _, fs := range db.filesets {
		if fs.volumeID != 0 {
			linked[fs.volumeID] = true
		}
	}
	var out []RemoteVolume
	for _, v := range db.volumes {
		if v.Kind == volume.KindFiles && !linked[v.ID] &&
			(v.State == volume.StateUploaded || v.State == volume.StateVerified) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (db *fakeDB) EmptyIndexFiles(ctx context.Context) ([]RemoteVolume, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []RemoteVolume
	for _, v := range db.volumes {
		if v.Kind == volume.KindIndex && len(db.indexLinks[v.ID]) == 0 {
			out = append(out, v)
		}
	}
	return out, nil
}

func (db *fakeDB) GetLastIncompleteFilesetVolume(ctx context.Context) (*RemoteVolume, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var best *RemoteVolume
	for _, v := range db.volumes {
		if v.Kind != volume.KindFiles || v.State != volume.StateUploading {
			continue
		}
		cp := v
		if best == nil || cp.Time.After(best.Time) {
			best = &cp
		}
	}
	return best, nil
}

func (db *fakeDB) GetBlockVolumesFromIndexName(ctx context.Context, indexName string) ([]string, error) {
	v, err := db.GetRemoteVolume(ctx, indexName)
	if err != nil || v == nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []string
	for _, dvID := range db.indexLinks[v.ID] {
		out = append(out, db.volumes[dvID].Name)
	}
	return out, nil
}

func (db *fakeDB) GetBlocks(ctx context.Context, volumeID int64) ([]block.Ref, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []block.Ref
	for ref, vid := range db.blocks {
		if vid == volumeID {
			out = append(out, ref)
		}
	}
	return out, nil
}

func (db *fakeDB) GetBlocklists(ctx context.Context, volumeID int64, blocksize int64, hashSize int) ([]BlockListRecord, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []BlockListRecord
	for ref, vid := range db.blocklistVol {
		if vid == volumeID {
			out = append(out, BlockListRecord{Ref: ref, Hashes: db.blocklists[ref]})
		}
	}
	return out, nil
}

func (db *fakeDB) AddIndexBlockLink(ctx context.Context, tx Tx, indexVolumeID, dataVolumeID int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.indexLinks[indexVolumeID] = append(db.indexLinks[indexVolumeID], dataVolumeID)
	return nil
}

func (db *fakeDB) GetSourceFilesWithBlocks(ctx context.Context, volumeName string) (map[block.Ref][]BlockSourceFile, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make(map[block.Ref][]BlockSourceFile)
	for ref, srcs := range db.sources {
		out[ref] = srcs
	}
	return out, nil
}

func (db *fakeDB) GetMissingBlockSources(ctx context.Context, ref block.Ref, excludeVolumeName string) ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	excl, _, _ := db.GetRemoteVolumeIDLocked(excludeVolumeName)
	var out []string
	for r, vid := range db.blocks {
		if r == ref && vid != excl {
			out = append(out, db.volumes[vid].Name)
		}
	}
	return out, nil
}

// GetRemoteVolumeIDLocked is a test-only helper; callers must already
// hold db.mu.
func (db *fakeDB) GetRemoteVolumeIDLocked(name string) (int64, bool, error) {
	for _, v := range db.volumes {
		if v.Name == name {
			return v.ID, true, nil
		}
	}
	return 0, false, nil
}

func (db *fakeDB) SetBlockRestored(ctx context.Context, tx Tx, ref block.Ref, dataVolumeID int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.blocks[ref] = dataVolumeID
	return nil
}

func (db *fakeDB) GetMissingBlocks(ctx context.Context, volumeName string) ([]block.Ref, error) {
	v, err := db.GetRemoteVolume(ctx, volumeName)
	if err != nil || v == nil {
		return nil, err
	}
	return db.GetBlocks(ctx, v.ID)
}

func (db *fakeDB) GetFilesetsUsingMissingBlocks(ctx context.Context, volumeName string) ([]string, error) {
	return nil, nil
}

func (db *fakeDB) CheckAllBlocksAreInVolume(ctx context.Context, dataVolumeName string, refs []block.Ref) (bool, error) {
	v, err := db.GetRemoteVolume(ctx, dataVolumeName)
	if err != nil || v == nil {
		return false, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, ref := range refs {
		if db.blocks[ref] != v.ID {
			return false, nil
		}
	}
	return true, nil
}

func (db *fakeDB) CheckBlocklistCorrect(ctx context.Context, ref block.Ref, raw []byte, blocksize int64, hashSize int) (bool, error) {
	decoded, err := block.Decode(raw, hashSize)
	if err != nil {
		return false, nil
	}
	reenc, err := decoded.Encode()
	if err != nil {
		return false, nil
	}
	return string(reenc) == string(raw), nil
}

func (db *fakeDB) WriteFileset(ctx context.Context, tx Tx, filesetID int64, fs *volume.Fileset) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.filesets[filesetID].entries = fs.Entries
	return nil
}

func (db *fakeDB) GetFilesetsWithMissingFiles(ctx context.Context) ([]int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []int64
	for _, fs := range db.filesets {
		for _, fe := range fs.entries {
			ref := fe.SingleBlock
			if fe.BlockList.Hash != "" {
				ref = fe.BlockList
			}
			if ref.Hash == "" {
				continue
			}
			if _, ok := db.blocks[ref]; !ok {
				out = append(out, fs.id)
				break
			}
		}
	}
	return out, nil
}

func (db *fakeDB) DeleteFilesetEntries(ctx context.Context, tx Tx, filesetID int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.filesets[filesetID].entries = nil
	return nil
}

func (db *fakeDB) VerifyConsistencyForRepair(ctx context.Context) error { return nil }

func (db *fakeDB) MaxFilesetTime(ctx context.Context) (time.Time, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var max time.Time
	found := false
	for _, fs := range db.filesets {
		if !found || fs.time.After(max) {
			max = fs.time
			found = true
		}
	}
	return max, found, nil
}

func (db *fakeDB) KnownRemoteVolumeCount(ctx context.Context) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.volumes), nil
}

func (db *fakeDB) FixDuplicateMetahash(ctx context.Context) (int, error)     { return 0, nil }
func (db *fakeDB) FixDuplicateFileentries(ctx context.Context) (int, error) { return 0, nil }
func (db *fakeDB) FixDuplicateBlocklistHashes(ctx context.Context, blocksize int64, blockhashSize int) (int, error) {
	return 0, nil
}
func (db *fakeDB) FixMissingBlocklistHashes(ctx context.Context, algorithm string, blocksize int64) (int, error) {
	return 0, nil
}

func (db *fakeDB) Close() error { return nil }

// FilesetEntries implements the optional FilesetEntryLoader capability.
func (db *fakeDB) FilesetEntries(ctx context.Context, filesetID int64) ([]volume.FileEntry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	fs := db.filesets[filesetID]
	if fs == nil {
		return nil, nil
	}
	return fs.entries, nil
}
