package repair

import (
	"context"
	"fmt"
	"os"

	"github.com/vaultkeep/repair/internal/backend"
	"github.com/vaultkeep/repair/internal/block"
	"github.com/vaultkeep/repair/internal/codec"
	"github.com/vaultkeep/repair/internal/volume"
	"github.com/vaultkeep/repair/internal/xlog"
)

// executor drives the verify/extras/missing/empty-index phases of
// spec.md §4.2 against one backend+db pair. It owns nothing persistent;
// it is constructed fresh for each reconciliation run.
type executor struct {
	db     DB
	be     backend.Backend
	reg    *codec.Registry
	hasher block.Hasher
	cfg    Config
	log    *xlog.Logger

	progress ProgressSink
	done     int
	target   int

	// recreate repopulates a fileset's file entries, threaded through so
	// processExtra can import an unrecognized fileset volume the same way
	// runMissingLocalFilesetsPhase does for one the DB already knows about.
	recreate FilesetRecreateFunc
}

func (e *executor) tick() {
	e.done++
	if e.progress != nil && e.target > 0 {
		e.progress(float64(e.done) / float64(e.target))
	}
}

///////////////////////////////////////////////////////////////////////////
// Phase 1: verification-required volumes

// runVerifyPhase implements spec.md §4.2 phase 1. All DB updates share
// one reusable transaction, committed once at phase end under the tag
// CommitVerificationTransaction.
func (e *executor) runVerifyPhase(ctx context.Context, volumes []RemoteVolume) error {
	if len(volumes) == 0 {
		return nil
	}
	tx, err := e.db.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, rv := range volumes {
		if err := checkAbort(ctx); err != nil {
			return err
		}
		e.tick()
		if err := e.verifyOneVolume(ctx, tx, rv); err != nil {
			if IsAbort(err) {
				return err
			}
			e.log.Error("RemoteFileVerificationError: %s: %v", rv.Name, err)
		}
	}

	if e.cfg.Dryrun {
		return nil
	}
	return tx.Commit() // tag: CommitVerificationTransaction
}

func (e *executor) verifyOneVolume(ctx context.Context, tx Tx, rv RemoteVolume) error {
	lf, err := e.be.GetWithInfo(ctx, rv.Name)
	if err != nil {
		return err
	}
	defer lf.Release()

	if err := e.testVolumeInternals(rv, lf.Path); err != nil {
		return err
	}

	if e.cfg.Dryrun {
		e.log.Print("dry-run: would mark %s Verified (size=%d hash=%s)", rv.Name, lf.Size, lf.Hash)
		return nil
	}
	return e.db.UpdateRemoteVolume(ctx, tx, rv.ID, volume.StateVerified, lf.Size, lf.Hash)
}

// testVolumeInternals decompresses the volume and, for Blocks and Index
// kinds, rereads every block/entry and verifies its hash, per spec.md's
// "run volume internals test (decompress, reread every block, verify
// their hashes)".
func (e *executor) testVolumeInternals(rv RemoteVolume, localPath string) error {
	n, err := volume.ParseFilename(rv.Name)
	if err != nil {
		return err
	}
	comp, err := e.reg.Compressor(n.Compression)
	if err != nil {
		return userErr(HelpFailedToLoadCompressionModule, err)
	}
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	r, err := comp.Decompress(f)
	if err != nil {
		return err
	}
	defer r.Close()

	switch n.Kind {
	case volume.KindBlocks:
		return volume.ReadDataVolume(r, func(ent volume.DataVolumeEntry) error {
			if e.hasher.Sum(ent.Data) != ent.Ref.Hash {
				return fmt.Errorf("block %s: hash mismatch on reread", ent.Ref)
			}
			return nil
		})
	case volume.KindIndex:
		_, lists, err := volume.ReadIndexVolume(r)
		if err != nil {
			return err
		}
		for _, bl := range lists {
			if e.hasher.Sum(bl.Raw) != bl.Ref.Hash {
				return fmt.Errorf("block-list %s: hash mismatch on reread", bl.Ref)
			}
		}
		return nil
	default:
		_, err := volume.ReadFileset(r)
		return err
	}
}

///////////////////////////////////////////////////////////////////////////
// Phase 2: extra volumes

func (e *executor) runExtrasPhase(ctx context.Context, names []string) error {
	for _, name := range names {
		if err := checkAbort(ctx); err != nil {
			return err
		}
		e.tick()
		if err := e.processExtra(ctx, name); err != nil {
			if IsAbort(err) {
				return err
			}
			e.log.Error("FailedExtraFileCleanup: %s: %v", name, err)
		}
	}
	return nil
}

func (e *executor) processExtra(ctx context.Context, name string) error {
	n, perr := volume.ParseFilename(name)
	if perr == nil {
		switch n.Kind {
		case volume.KindIndex:
			if e.cfg.IndexfilePolicy != IndexfileNone {
				adopted, err := e.tryAdoptIndex(ctx, name, n)
				if err != nil {
					e.log.Warning("FailedNewIndexFile: %s: adoption failed, deleting: %v", name, err)
				} else if adopted {
					return nil
				}
			}
		case volume.KindFiles:
			// An extra fileset volume is unknown to the DB, not
			// necessarily obsolete: under RepairIgnoreOutdatedDatabase
			// this is exactly how genuinely newer remote data shows up.
			// Deleting it would violate spec.md §1's "never destroy
			// unique data", so it is imported as a new local fileset
			// instead of reaching deleteExtra.
			if err := e.tryImportExtraFileset(ctx, name, n); err != nil {
				return fmt.Errorf("importing extra fileset volume %s: %w", name, err)
			}
			return nil
		}
	}
	return e.deleteExtra(ctx, name)
}

// tryImportExtraFileset registers name as a new RemoteVolume row and
// repopulates a fresh local fileset from its contents, reusing the same
// download-and-parse path rebuildMissingLocalFileset uses for a fileset
// volume the DB already links.
func (e *executor) tryImportExtraFileset(ctx context.Context, name string, n volume.Name) error {
	if e.cfg.Dryrun {
		e.log.Print("dry-run: would import extra fileset volume %s as a new local fileset", name)
		return nil
	}

	lf, err := e.be.GetWithInfo(ctx, name)
	if err != nil {
		return err
	}
	defer lf.Release()

	tx, err := e.db.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	if _, err := e.db.RegisterRemoteVolume(ctx, tx, RemoteVolume{
		Name:              name,
		Kind:              volume.KindFiles,
		State:             volume.StateVerified,
		Size:              lf.Size,
		Hash:              lf.Hash,
		CompressionModule: n.Compression,
		EncryptionModule:  n.Encryption,
		Time:              n.Time,
	}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	rv, err := e.db.GetRemoteVolume(ctx, name)
	if err != nil {
		return err
	}
	if rv == nil {
		return fmt.Errorf("registered remote volume %s not found after commit", name)
	}
	if err := rebuildMissingLocalFileset(ctx, e.db, e.be, e.reg, *rv, e.recreate, e.log); err != nil {
		return err
	}
	e.log.Verbose("imported extra fileset volume %s as a new local fileset", name)
	return nil
}

// tryAdoptIndex implements spec.md §4.2 phase 2's adoption path: verify
// every (dataVolume, blocks) tuple the index claims, verify every
// embedded block-list round-trips, and on success register it as a new
// remote-volume row.
func (e *executor) tryAdoptIndex(ctx context.Context, name string, n volume.Name) (bool, error) {
	lf, err := e.be.GetWithInfo(ctx, name)
	if err != nil {
		return false, err
	}
	defer lf.Release()

	comp, err := e.reg.Compressor(n.Compression)
	if err != nil {
		return false, userErr(HelpFailedToLoadCompressionModule, err)
	}
	f, err := os.Open(lf.Path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	r, err := comp.Decompress(f)
	if err != nil {
		return false, err
	}
	defer r.Close()

	entries, lists, err := volume.ReadIndexVolume(r)
	if err != nil {
		return false, err
	}

	var dataVolumeIDs []int64
	for _, ent := range entries {
		dv, err := e.db.GetRemoteVolume(ctx, ent.DataVolumeName)
		if err != nil {
			return false, err
		}
		if dv == nil {
			return false, fmt.Errorf("index references unknown data volume %s", ent.DataVolumeName)
		}
		if dv.State != volume.StateUploading && dv.State != volume.StateUploaded && dv.State != volume.StateVerified {
			return false, fmt.Errorf("data volume %s is in state %s, not a durable/uploading state", dv.Name, dv.State)
		}
		ok, err := e.db.CheckAllBlocksAreInVolume(ctx, ent.DataVolumeName, ent.Blocks)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, fmt.Errorf("index claims blocks the DB does not record in %s", ent.DataVolumeName)
		}
		dataVolumeIDs = append(dataVolumeIDs, dv.ID)
	}
	for _, bl := range lists {
		ok, err := e.db.CheckBlocklistCorrect(ctx, bl.Ref, bl.Raw, e.cfg.Blocksize, e.cfg.BlockhashSize)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, fmt.Errorf("embedded block-list %s fails round-trip check", bl.Ref)
		}
	}

	if e.cfg.Dryrun {
		e.log.Print("dry-run: would adopt extra index volume %s", name)
		return true, nil
	}

	tx, err := e.db.BeginTransaction(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	volID, err := e.db.RegisterRemoteVolume(ctx, tx, RemoteVolume{
		Name:              name,
		Kind:              volume.KindIndex,
		State:             volume.StateUploading,
		Size:              lf.Size,
		Hash:              lf.Hash,
		CompressionModule: n.Compression,
		EncryptionModule:  n.Encryption,
		Time:              n.Time,
	})
	if err != nil {
		return false, err
	}
	for _, dvID := range dataVolumeIDs {
		if err := e.db.AddIndexBlockLink(ctx, tx, volID, dvID); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	// adopted index's whole-file (size,hash) pair comes straight from the
	// backend's report on the download we already performed, so invariant
	// 1 ("(size,hash) equals actual bytes") holds the same way it does for
	// any other Verified row.
	if err := e.db.UpdateRemoteVolume(ctx, nil, volID, volume.StateVerified, lf.Size, lf.Hash); err != nil {
		return false, err
	}
	e.log.Verbose("adopted extra index volume %s covering %d data volumes", name, len(dataVolumeIDs))
	return true, nil
}

func (e *executor) deleteExtra(ctx context.Context, name string) error {
	if e.cfg.Dryrun {
		e.log.Print("dry-run: would delete extra remote file %s", name)
		return nil
	}
	rv, err := e.db.GetRemoteVolume(ctx, name)
	if err == nil && rv != nil {
		if err := e.db.UpdateRemoteVolume(ctx, nil, rv.ID, volume.StateDeleting, rv.Size, rv.Hash); err != nil {
			return err
		}
	}
	return e.be.Delete(ctx, name, 0)
}

///////////////////////////////////////////////////////////////////////////
// Phase 4: missing remote filesets

func (e *executor) runMissingRemoteFilesetsPhase(ctx context.Context, filesetIDs []int64, times map[int64]FilesetTime) error {
	for _, id := range filesetIDs {
		if err := checkAbort(ctx); err != nil {
			return err
		}
		e.tick()
		ft, ok := times[id]
		if !ok {
			e.log.Error("missing fileset %d has no recorded FilesetTime", id)
			continue
		}
		if err := reuploadMissingRemoteFileset(ctx, e.db, e.be, e.reg, e.cfg, id, ft.Time, ft.IsFullBackup, e.log); err != nil {
			if IsAbort(err) {
				return err
			}
			e.log.Error("failed reuploading missing fileset for filesetID %d: %v", id, err)
		}
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Phase 5: missing local filesets

func (e *executor) runMissingLocalFilesetsPhase(ctx context.Context, volumes []RemoteVolume, recreate FilesetRecreateFunc) error {
	for _, rv := range volumes {
		if err := checkAbort(ctx); err != nil {
			return err
		}
		e.tick()
		if err := rebuildMissingLocalFileset(ctx, e.db, e.be, e.reg, rv, recreate, e.log); err != nil {
			if IsAbort(err) {
				return err
			}
			e.log.Error("failed recreating local fileset for %s: %v", rv.Name, err)
		}
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Phase 6: missing volumes (remote)

func (e *executor) runMissingVolumesPhase(ctx context.Context, missing []RemoteVolume, times map[int64]FilesetTime) error {
	for _, rv := range missing {
		if err := checkAbort(ctx); err != nil {
			return err
		}
		e.tick()
		if err := e.rebuildMissingVolume(ctx, rv, times); err != nil {
			if IsAbort(err) {
				return err
			}
			e.log.Error("CleanupMissingFileError: %s: %v", rv.Name, err)
		}
	}
	return nil
}

func (e *executor) rebuildMissingVolume(ctx context.Context, rv RemoteVolume, times map[int64]FilesetTime) error {
	switch rv.Kind {
	case volume.KindFiles:
		return e.rebuildMissingFilesVolume(ctx, rv, times)
	case volume.KindIndex:
		return e.rebuildMissingIndexVolume(ctx, rv)
	case volume.KindBlocks:
		return e.rebuildMissingDataVolume(ctx, rv)
	default:
		return fmt.Errorf("unknown volume kind for %s", rv.Name)
	}
}

func (e *executor) rebuildMissingFilesVolume(ctx context.Context, rv RemoteVolume, times map[int64]FilesetTime) error {
	filesetID, ok, err := e.db.GetFilesetIdFromRemotename(ctx, rv.Name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no fileset links to missing volume %s", rv.Name)
	}
	ft, ok := times[filesetID]
	if !ok {
		ft.Time = rv.Time
		ft.IsFullBackup, _ = e.db.IsFilesetFullBackup(ctx, filesetID)
	}

	n, err := volume.ParseFilename(rv.Name)
	if err != nil {
		return err
	}
	fs, err := loadFilesetFromDB(ctx, e.db, filesetID, ft.Time, ft.IsFullBackup)
	if err != nil {
		return err
	}
	w, err := buildFilesetVolume(fs, n, e.reg, e.cfg.ControlFiles)
	if err != nil {
		return err
	}
	defer w.Dispose()

	if err := uploadVolume(ctx, e.be, e.reg, w, e.cfg.Dryrun); err != nil {
		return err
	}
	if e.cfg.Dryrun {
		return nil
	}
	size, hash, err := verifyUploadedVolume(ctx, e.be, n.Format())
	if err != nil {
		return err
	}
	return e.db.UpdateRemoteVolume(ctx, nil, rv.ID, volume.StateVerified, size, hash)
}

// rebuildMissingIndexVolume implements spec.md §4.2 phase 6's Index
// case: enumerate the data volumes this index should cover, and write
// each as a StartVolume/AddBlock.../FinishVolume triple. Under
// IndexfileFull, also emit every block-list and self-verify its hash
// before writing, aborting on mismatch (internal-consistency error).
func (e *executor) rebuildMissingIndexVolume(ctx context.Context, rv RemoteVolume) error {
	n, err := volume.ParseFilename(rv.Name)
	if err != nil {
		return err
	}
	dataVolumes, err := e.db.GetBlockVolumesFromIndexName(ctx, rv.Name)
	if err != nil {
		return err
	}

	w, err := volume.NewWriter()
	if err != nil {
		return err
	}
	defer w.Dispose()
	w.SetRemoteName(n)

	for _, dvName := range dataVolumes {
		dv, err := e.db.GetRemoteVolume(ctx, dvName)
		if err != nil {
			return err
		}
		if dv == nil {
			return fmt.Errorf("index %s references unknown data volume %s", rv.Name, dvName)
		}
		if err := w.StartVolume(dvName); err != nil {
			return err
		}
		refs, err := e.db.GetBlocks(ctx, dv.ID)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			if err := w.AddBlock(ref); err != nil {
				return err
			}
		}
		if err := w.FinishVolume(); err != nil {
			return err
		}

		if e.cfg.IndexfilePolicy == IndexfileFull {
			lists, err := e.db.GetBlocklists(ctx, dv.ID, e.cfg.Blocksize, e.cfg.BlockhashSize)
			if err != nil {
				return err
			}
			for _, bl := range lists {
				blist := block.NewList(e.cfg.BlockhashSize)
				for _, h := range bl.Hashes {
					blist.Append(h)
				}
				raw, err := blist.Encode()
				if err != nil {
					return &RepairError{Kind: KindInternalConsistency, Err: err}
				}
				if e.hasher.Sum(raw) != bl.Ref.Hash {
					return &RepairError{Kind: KindInternalConsistency,
						Err: fmt.Errorf("block-list %s re-derives to a different hash", bl.Ref)}
				}
				if err := w.WriteBlockList(bl.Ref, raw); err != nil {
					return err
				}
			}
		}
	}

	if err := w.Close(); err != nil {
		return err
	}
	if err := uploadVolume(ctx, e.be, e.reg, w, e.cfg.Dryrun); err != nil {
		return err
	}
	if e.cfg.Dryrun {
		return nil
	}
	size, hash, err := verifyUploadedVolume(ctx, e.be, n.Format())
	if err != nil {
		return err
	}
	return e.db.UpdateRemoteVolume(ctx, nil, rv.ID, volume.StateVerified, size, hash)
}

// rebuildMissingDataVolume implements spec.md §4.3's final step 4 in the
// context of phase 6's Blocks case: call the locator, and only Put a
// volume that recovered every block it needs.
func (e *executor) rebuildMissingDataVolume(ctx context.Context, rv RemoteVolume) error {
	result, err := LocateBlocks(ctx, e.db, e.be, e.reg, e.hasher, rv.Name, e.log)
	if err != nil {
		return err
	}
	if len(result.Missing) > 0 {
		filesets, _ := e.db.GetFilesetsUsingMissingBlocks(ctx, rv.Name)
		msg := fmt.Errorf("%d block(s) of %s could not be recovered from any source (affects filesets: %v)",
			len(result.Missing), rv.Name, filesets)
		if !e.cfg.Dryrun {
			return userErr(HelpRepairIsNotPossible, msg)
		}
		e.log.Print("dry-run: %v", msg)
		return nil
	}

	n, err := volume.ParseFilename(rv.Name)
	if err != nil {
		return err
	}
	w, err := volume.NewWriter()
	if err != nil {
		return err
	}
	defer w.Dispose()
	w.SetRemoteName(n)
	for ref, data := range result.Restored {
		if err := w.AppendBlock(ref, data); err != nil {
			return err
		}
		if err := e.db.SetBlockRestored(ctx, nil, ref, rv.ID); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}

	if err := uploadVolume(ctx, e.be, e.reg, w, e.cfg.Dryrun); err != nil {
		return err
	}
	if e.cfg.Dryrun {
		e.log.Print("dry-run: would reupload %d recovered blocks as %s", len(result.Restored), rv.Name)
		return nil
	}
	size, hash, err := verifyUploadedVolume(ctx, e.be, n.Format())
	if err != nil {
		return err
	}
	return e.db.UpdateRemoteVolume(ctx, nil, rv.ID, volume.StateVerified, size, hash)
}

///////////////////////////////////////////////////////////////////////////
// Phase 8: empty index files

func (e *executor) runEmptyIndexPhase(ctx context.Context, volumes []RemoteVolume) error {
	const emptyIndexSizeLimit = 2048
	for _, rv := range volumes {
		if err := checkAbort(ctx); err != nil {
			return err
		}
		e.tick()
		if rv.Size > emptyIndexSizeLimit {
			e.log.Warning("empty-index candidate %s is %s, larger than the %s limit; skipping as likely not actually empty", rv.Name, xlog.FmtBytes(rv.Size), xlog.FmtBytes(emptyIndexSizeLimit))
			continue
		}
		if e.cfg.Dryrun {
			e.log.Print("dry-run: would delete empty index file %s", rv.Name)
			continue
		}
		if err := e.be.Delete(ctx, rv.Name, rv.Size); err != nil {
			if IsAbort(err) {
				return err
			}
			e.log.Error("CleanupEmptyIndexFileError: %s: %v", rv.Name, err)
		}
	}
	return nil
}
