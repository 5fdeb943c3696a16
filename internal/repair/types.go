// Package repair implements the repair engine described across spec.md
// §4: the coordinator that diagnoses divergence between a local database
// and a remote volume store, and drives the minimum set of uploads,
// deletes, and DB fixes needed to bring them back into a provably
// consistent state.
//
// Grounded on mmp-bk's overall shape (a single coordinator type owning a
// Logger and driving a Backend through an explicit phase sequence, per
// cmd/bk/backup.go's BackupRoot.Backup), generalized from "make a backup"
// to "repair an existing one".
package repair

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind tags a RepairError with the taxonomy spec.md §7 describes.
type Kind int

const (
	// KindUserInformation is surfaced verbatim to the caller and aborts
	// the whole operation.
	KindUserInformation Kind = iota
	// KindAbort is cancellation / abort-class; always re-propagates.
	KindAbort
	// KindInternalConsistency signals DB corruption no retry can fix.
	KindInternalConsistency
)

// Well-known HelpIDs, per spec.md §7.
const (
	HelpPassphraseChangeUnsupported  = "PassphraseChangeUnsupported"
	HelpRepairDatabaseFileDoesNotExist = "RepairDatabaseFileDoesNotExist"
	HelpDatabaseIsPartiallyRecreated  = "DatabaseIsPartiallyRecreated"
	HelpDatabaseIsInRepairState       = "DatabaseIsInRepairState"
	HelpLocalDatabaseHasNoFilesetTimes = "LocalDatabaseHasNoFilesetTimes"
	HelpRemoteFilesNewerThanLocalDatabase = "RemoteFilesNewerThanLocalDatabase"
	HelpRemoteFolderEmptyWithPrefix   = "RemoteFolderEmptyWithPrefix"
	HelpNoRemoteFilesMissing          = "NoRemoteFilesMissing"
	HelpMissingDblockFiles            = "MissingDblockFiles"
	HelpFailedToLoadCompressionModule = "FailedToLoadCompressionModule"
	HelpRepairIsNotPossible           = "RepairIsNotPossible"
	HelpDatabaseDoesNotExist          = "DatabaseDoesNotExist"
)

// RepairError is the single rich error type at the coordinator boundary,
// per spec.md's DESIGN NOTES "Exceptions-for-control-flow": a tagged
// result variant replacing the teacher's (hypothetical, this being a
// port) typed-exception idiom.
type RepairError struct {
	Kind   Kind
	HelpID string
	Err    error
}

func (e *RepairError) Error() string {
	switch e.Kind {
	case KindUserInformation:
		if e.Err != nil {
			return fmt.Sprintf("repair: %s: %v", e.HelpID, e.Err)
		}
		return fmt.Sprintf("repair: %s", e.HelpID)
	case KindAbort:
		return fmt.Sprintf("repair: aborted: %v", e.Err)
	case KindInternalConsistency:
		return fmt.Sprintf("repair: internal consistency error: %v", e.Err)
	default:
		return fmt.Sprintf("repair: %v", e.Err)
	}
}

func (e *RepairError) Unwrap() error { return e.Err }

// userErr builds a KindUserInformation RepairError.
func userErr(helpID string, err error) *RepairError {
	return &RepairError{Kind: KindUserInformation, HelpID: helpID, Err: err}
}

// ErrAborted is the sentinel cancellation/abort-class error. Per spec.md
// §9's open question about ThreadAbortException vs. a generic abort
// predicate, this module treats both uniformly: anything satisfying
// errors.Is(err, ErrAborted) re-propagates unconditionally, everywhere.
var ErrAborted = errors.New("repair: operation aborted")

// IsAbort reports whether err is abort-class, per spec.md §5/§7.
func IsAbort(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IndexfilePolicy controls how aggressively missing index volumes are
// rebuilt, per spec.md §6.
type IndexfilePolicy int

const (
	IndexfileNone IndexfilePolicy = iota
	IndexfileLookup
	IndexfileFull
)

// Config enumerates exactly the fields spec.md §6 lists under
// "Configuration".
type Config struct {
	Dbpath string
	Dryrun bool

	Prefix             string
	Blocksize          int64
	BlockhashSize      int
	BlockHashAlgorithm string

	IndexfilePolicy               IndexfilePolicy
	RebuildMissingDblockFiles     bool
	RepairIgnoreOutdatedDatabase  bool
	AllowPassphraseChange         bool // must be false
	ControlFiles                  []string

	Time    time.Time
	Version string

	SqlitePageCache int
}

// Filter selects which filesets/paths a phase operates over. The core
// passes it through to collaborators (the DB, the fileset reconstructor)
// without interpreting it itself, mirroring spec.md §6's
// "run(backend, filter)" signature.
type Filter func(path string) bool

// ProgressSink receives progress updates during remote reconciliation,
// per spec.md §4.2's "progress/target is published to the progress
// sink". fraction is always in [0,1].
type ProgressSink func(fraction float64)

// RecreateFunc models the out-of-scope "recreate database from remote"
// subroutine (spec.md §1, §4.1) as an injected collaborator function,
// since its implementation lives outside the core per spec.md's explicit
// scoping.
type RecreateFunc func(ctx context.Context) error
