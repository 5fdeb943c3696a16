package repair

import (
	"context"
	"fmt"
	"time"

	"github.com/vaultkeep/repair/internal/backend"
	"github.com/vaultkeep/repair/internal/block"
	"github.com/vaultkeep/repair/internal/codec"
	"github.com/vaultkeep/repair/internal/volume"
	"github.com/vaultkeep/repair/internal/xlog"
)

// Coordinator is the single entrypoint spec.md §4.1 describes. It holds
// no state across calls to Run beyond what's passed in; "the repair
// coordinator owns all in-memory progress state" (spec.md §3) refers to
// the state local to one Run call, not anything persisted on the type.
type Coordinator struct {
	DB       DB
	Registry *codec.Registry
	Hasher   block.Hasher
	Config   Config
	Log      *xlog.Logger

	// Recreate rebuilds the local database from the remote store,
	// per spec.md §1's explicit out-of-scope note. Required.
	Recreate RecreateFunc

	// FilesetRecreate repopulates a fileset's file entries from a parsed
	// archive, per spec.md §4.2 phase 5 and §4.7. Required for those
	// phases to do anything beyond registering an empty fileset row.
	FilesetRecreate FilesetRecreateFunc

	// RenameDatabase implements spec.md §4.1 branch 2's "rename the DB
	// to <name>.backup[-N]" step. Required.
	RenameDatabase func(ctx context.Context) error

	Progress ProgressSink
}

// Run is the top-level decision tree, spec.md §4.1.
func (c *Coordinator) Run(ctx context.Context, be backend.Backend) error {
	if c.Config.AllowPassphraseChange {
		return userErr(HelpPassphraseChangeUnsupported, nil)
	}

	defer c.publish(1)

	dbExists, err := c.dbFileExists(ctx)
	if err != nil {
		return err
	}
	if !dbExists {
		c.Log.Print("no local database file: delegating to recreate-from-remote")
		if err := c.Recreate(ctx); err != nil {
			return err
		}
		return RunConsistencyPass(ctx, c.DB, c.Config, c.Log)
	}

	n, err := c.DB.KnownRemoteVolumeCount(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		c.Log.Print("database reports zero known remote volumes: treating as equivalent to a missing database")
		if !c.Config.Dryrun {
			if err := c.RenameDatabase(ctx); err != nil {
				return err
			}
			if err := c.Recreate(ctx); err != nil {
				return err
			}
		}
		return RunConsistencyPass(ctx, c.DB, c.Config, c.Log)
	}

	if err := RunConsistencyPass(ctx, c.DB, c.Config, c.Log); err != nil {
		return err
	}
	if err := RepairBrokenFilesets(ctx, c.DB, be, c.Registry, c.FilesetRecreate, c.Log); err != nil {
		return err
	}
	return c.RunRemoteReconciliation(ctx, be)
}

// RunRepairLocal is the local-only consistency pass, exposed per
// spec.md §6 for callers that want to invoke it directly without going
// through Run's full decision tree.
func (c *Coordinator) RunRepairLocal(ctx context.Context) error {
	return RunConsistencyPass(ctx, c.DB, c.Config, c.Log)
}

// RunRepairCommon is spec.md §6's runRepairCommon: remote reconciliation
// on its own, for callers that have already ensured preconditions (e.g.
// having just run RunRepairLocal) and want the remote phases without the
// top-level branch-selection logic in Run.
func (c *Coordinator) RunRepairCommon(ctx context.Context, be backend.Backend) error {
	return c.RunRemoteReconciliation(ctx, be)
}

// RunRepairBrokenFilesets is spec.md §6's runRepairBrokenFilesets.
func (c *Coordinator) RunRepairBrokenFilesets(ctx context.Context, be backend.Backend) error {
	return RepairBrokenFilesets(ctx, c.DB, be, c.Registry, c.FilesetRecreate, c.Log)
}

func (c *Coordinator) dbFileExists(ctx context.Context) (bool, error) {
	_, err := c.DB.GetRemoteVolumes(ctx)
	if err != nil {
		return false, nil // a DB that can't even be opened is "does not exist" for this purpose
	}
	return true, nil
}

func (c *Coordinator) publish(fraction float64) {
	if c.Progress != nil {
		c.Progress(fraction)
	}
}

// RunRemoteReconciliation implements spec.md §4.2, the heart of the
// engine: preconditions, freshness check, inventory, the fixed phase
// order, and the final drain.
func (c *Coordinator) RunRemoteReconciliation(ctx context.Context, be backend.Backend) error {
	if err := c.checkPreconditions(ctx); err != nil {
		return err
	}

	lastIncomplete, err := c.DB.GetLastIncompleteFilesetVolume(ctx)
	if err != nil {
		return err
	}
	lastIncompleteName := ""
	if lastIncomplete != nil {
		lastIncompleteName = lastIncomplete.Name
	}

	report, err := Analyze(ctx, be, c.DB, c.Config.Prefix, lastIncompleteName)
	if err != nil {
		return err
	}

	if err := c.checkFreshness(ctx, report); err != nil {
		return err
	}

	// SetRepairInProgress only lands once every precondition, including
	// freshness, has passed: scenario F's RemoteFilesNewerThanLocalDatabase
	// abort must come before any mutation, so an outdated-but-otherwise-fine
	// database isn't left falsely flagged as mid-repair for the next run.
	if !c.Config.Dryrun {
		if err := c.DB.SetRepairInProgress(ctx, true); err != nil {
			return err
		}
	}

	missingRemoteFilesets, err := c.DB.MissingRemoteFilesets(ctx)
	if err != nil {
		return err
	}
	missingLocalFilesets, err := c.DB.MissingLocalFilesets(ctx)
	if err != nil {
		return err
	}
	emptyIndex, err := c.DB.EmptyIndexFiles(ctx)
	if err != nil {
		return err
	}

	if c.Config.Dryrun {
		if err := c.dryRunSanityChecks(report); err != nil {
			return err
		}
	}

	if len(report.Missings) > 0 && !c.Config.RebuildMissingDblockFiles {
		var names []string
		for _, rv := range report.Missings {
			if rv.Kind == volume.KindBlocks {
				names = append(names, rv.Name)
			}
		}
		if len(names) > 0 {
			return userErr(HelpMissingDblockFiles, fmt.Errorf("%v", names))
		}
	}

	target := len(report.Extras) + len(report.Missings) + len(report.VerifyRequired) +
		len(missingRemoteFilesets) + len(missingLocalFilesets) + len(emptyIndex)

	if target == 0 {
		c.Log.Print("DatabaseIsSynchronized")
		if err := be.WaitForEmpty(ctx); err != nil {
			return err
		}
		return c.clearRepairInProgress(ctx)
	}

	exec := &executor{
		db: c.DB, be: be, reg: c.Registry, hasher: c.Hasher, cfg: c.Config, log: c.Log,
		progress: c.Progress, target: target, recreate: c.FilesetRecreate,
	}

	filesetTimes, err := c.DB.FilesetTimes(ctx)
	if err != nil {
		return err
	}
	timesByID := make(map[int64]FilesetTime, len(filesetTimes))
	for _, ft := range filesetTimes {
		timesByID[ft.FilesetID] = ft
	}

	// Phase 1: verification-required. Must finish before missing-volume
	// reupload so a data volume that's actually present-and-verifiable
	// is promoted, not rebuilt (spec.md §5).
	if err := exec.runVerifyPhase(ctx, report.VerifyRequired); err != nil {
		return c.abortOrReturn(ctx, be, err)
	}

	// Phase 2: extras.
	if err := exec.runExtrasPhase(ctx, report.Extras); err != nil {
		return c.abortOrReturn(ctx, be, err)
	}

	// Phase 4: missing remote filesets.
	if len(missingRemoteFilesets) > 0 {
		if err := c.DB.SetTerminatedWithActiveUploads(ctx, true); err != nil {
			return err
		}
	}
	if err := exec.runMissingRemoteFilesetsPhase(ctx, missingRemoteFilesets, timesByID); err != nil {
		return c.abortOrReturn(ctx, be, err)
	}

	// Phase 5: missing local filesets.
	if err := exec.runMissingLocalFilesetsPhase(ctx, missingLocalFilesets, c.FilesetRecreate); err != nil {
		return c.abortOrReturn(ctx, be, err)
	}

	// Phase 6: missing volumes.
	if len(report.Missings) > 0 {
		if err := c.DB.SetTerminatedWithActiveUploads(ctx, true); err != nil {
			return err
		}
	}
	if err := exec.runMissingVolumesPhase(ctx, report.Missings, timesByID); err != nil {
		return c.abortOrReturn(ctx, be, err)
	}

	// Phase 7: drain, then clear the flag.
	if err := be.WaitForEmpty(ctx); err != nil {
		return err
	}
	if err := c.DB.SetTerminatedWithActiveUploads(ctx, false); err != nil {
		return err
	}

	// Phase 8: empty index files.
	if err := exec.runEmptyIndexPhase(ctx, emptyIndex); err != nil {
		return c.abortOrReturn(ctx, be, err)
	}

	if err := be.WaitForEmpty(ctx); err != nil {
		return err
	}
	return c.clearRepairInProgress(ctx)
}

// clearRepairInProgress clears the RepairInProgress flag on a fully
// successful run. Dry-run never set it in the first place
// (RunRemoteReconciliation only sets it when !Dryrun), so it is left alone
// in dry-run.
func (c *Coordinator) clearRepairInProgress(ctx context.Context) error {
	if c.Config.Dryrun {
		return nil
	}
	return c.DB.SetRepairInProgress(ctx, false)
}

// abortOrReturn implements spec.md §5's cancellation contract: on an
// abort-class error, drain the queue and return without clearing
// TerminatedWithActiveUploads (so the next start observes it and can
// compensate). Non-abort errors are returned unchanged — they were
// already handled per-item inside the phase, so reaching here means a
// UserInformation/InternalConsistency error propagated out.
func (c *Coordinator) abortOrReturn(ctx context.Context, be backend.Backend, err error) error {
	if IsAbort(err) {
		// Use a background context for the drain: ctx itself may already
		// be the canceled one.
		_ = be.WaitForEmpty(context.Background())
	}
	return err
}

func (c *Coordinator) checkPreconditions(ctx context.Context) error {
	if _, err := c.DB.GetRemoteVolumes(ctx); err != nil {
		return userErr(HelpRepairDatabaseFileDoesNotExist, err)
	}
	partial, err := c.DB.PartiallyRecreated(ctx)
	if err != nil {
		return err
	}
	if partial {
		return userErr(HelpDatabaseIsPartiallyRecreated, nil)
	}
	inRepair, err := c.DB.RepairInProgress(ctx)
	if err != nil {
		return err
	}
	if inRepair {
		return userErr(HelpDatabaseIsInRepairState, nil)
	}
	if err := c.DB.VerifyConsistencyForRepair(ctx); err != nil {
		return err
	}
	return nil
}

// checkFreshness implements spec.md §4.2's "Freshness check": compare
// the maximum fileset timestamp in the DB against the maximum parsed
// remote timestamp.
func (c *Coordinator) checkFreshness(ctx context.Context, report *Report) error {
	if !report.HasRemoteTime {
		return nil
	}
	localMax, ok, err := c.DB.MaxFilesetTime(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return userErr(HelpLocalDatabaseHasNoFilesetTimes, nil)
	}
	if report.MaxRemoteTime.After(localMax) {
		if !c.Config.RepairIgnoreOutdatedDatabase {
			return userErr(HelpRemoteFilesNewerThanLocalDatabase,
				fmt.Errorf("remote max time %s > local max time %s", report.MaxRemoteTime, localMax))
		}
		c.Log.Warning("remote files are newer than the local database (remote=%s local=%s); proceeding because RepairIgnoreOutdatedDatabase is set", report.MaxRemoteTime, localMax)
	}
	return nil
}

// dryRunSanityChecks implements spec.md §4.2's dry-run-only diagnostics.
// Both diagnostics only make sense when nothing parsed under Prefix at
// all: Extras is always a subset of Parsed's keys (Analyze only appends
// to Extras alongside recording the entry in Parsed), so a guard on
// Extras being non-empty can never fire once Parsed is empty. The
// signal that something is actually present remotely is ForeignPrefixes
// (names under a different prefix) or OtherVolumes (names under this
// prefix that failed to parse).
func (c *Coordinator) dryRunSanityChecks(report *Report) error {
	if len(report.Parsed) != 0 {
		return nil
	}
	switch {
	case len(report.ForeignPrefixes) > 0:
		return userErr(HelpRemoteFolderEmptyWithPrefix, nil)
	case len(report.OtherVolumes) > 0:
		return userErr(HelpNoRemoteFilesMissing, fmt.Errorf("consider running recreate instead"))
	}
	return nil
}

// timeFrom is a small helper used when a caller needs "now" in a spot
// that should instead reflect Config.Time (tests pin it for
// determinism), matching mmp-bk's convention of threading a fixed
// backup time through rather than calling time.Now() deep in the stack.
func (c *Coordinator) timeFrom() time.Time {
	if c.Config.Time.IsZero() {
		return time.Now().UTC()
	}
	return c.Config.Time
}
