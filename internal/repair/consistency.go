package repair

import (
	"context"

	"github.com/vaultkeep/repair/internal/xlog"
)

// RunConsistencyPass runs the DB consistency pass described in spec.md
// §4.6, in the fixed order the spec names. It is idempotent: running it
// twice against an already-clean DB fixes zero rows both times.
//
// If the DB carries RepairInProgress or PartiallyRecreated it warns but
// proceeds, per spec.md: "these fixes are safe even on partially
// recreated DBs".
func RunConsistencyPass(ctx context.Context, db DB, cfg Config, log *xlog.Logger) error {
	partial, err := db.PartiallyRecreated(ctx)
	if err != nil {
		return err
	}
	inRepair, err := db.RepairInProgress(ctx)
	if err != nil {
		return err
	}
	if partial || inRepair {
		log.Warning("database consistency pass: running against a database flagged PartiallyRecreated=%v RepairInProgress=%v", partial, inRepair)
	}

	n, err := db.FixDuplicateMetahash(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Verbose("consistency: fixed %d duplicate metadata hash rows", n)
	}

	n, err = db.FixDuplicateFileentries(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Verbose("consistency: fixed %d duplicate file-entry rows", n)
	}

	n, err = db.FixDuplicateBlocklistHashes(ctx, cfg.Blocksize, cfg.BlockhashSize)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Verbose("consistency: fixed %d duplicate block-list hash rows", n)
	}

	// FixMissingBlocklistHashes never actually recovers anything at this
	// layer (see its doc comment); kept in the fixed order so a future
	// DB that can reconstruct block-lists locally has a slot to do so.
	if _, err := db.FixMissingBlocklistHashes(ctx, cfg.BlockHashAlgorithm, cfg.Blocksize); err != nil {
		return err
	}

	return nil
}
