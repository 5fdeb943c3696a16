package repair

import (
	"context"
	"sort"
	"time"

	"github.com/vaultkeep/repair/internal/backend"
	"github.com/vaultkeep/repair/internal/volume"
)

// Report is the analyzer's output: the reconciliation between a backend
// listing and the DB's RemoteVolumes relation, per spec.md §4.4.
type Report struct {
	// Parsed holds every remote entry whose name parses under Prefix,
	// keyed by name.
	Parsed map[string]volume.Name

	// Extras are present remotely but unknown to the DB, or known only
	// in a non-durable state (spec.md §3 "ExtraVolumes").
	Extras []string

	// Missings are DB rows in Uploaded/Verified with no matching remote
	// object (spec.md §3 "MissingVolumes").
	Missings []RemoteVolume

	// VerifyRequired are DB rows in Uploading at last crash (spec.md §3
	// "VerificationRequired").
	VerifyRequired []RemoteVolume

	// OtherVolumes are remote entries with the correct prefix that
	// didn't parse.
	OtherVolumes []string

	// ForeignPrefixes are backend names that don't match Prefix at all,
	// bucketed by the prefix they do seem to use.
	ForeignPrefixes map[string][]string

	// MaxRemoteTime is the maximum parsed timestamp among every parsed
	// remote volume, used by the freshness check (§4.2).
	MaxRemoteTime time.Time
	HasRemoteTime bool
}

// Analyze lists the backend and reconciles it against db's RemoteVolumes
// relation. It runs in what spec.md §4.4 calls "VerifyAndCleanForced"
// mode: lastIncomplete, if non-empty, is excluded from both Extras and
// Missings so the coordinator can later synthesize a filelist there.
func Analyze(ctx context.Context, be backend.Backend, db DB, prefix string, lastIncomplete string) (*Report, error) {
	dbVolumes, err := db.GetRemoteVolumes(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]RemoteVolume, len(dbVolumes))
	for _, v := range dbVolumes {
		byName[v.Name] = v
	}
	seen := make(map[string]bool, len(dbVolumes))

	rep := &Report{
		Parsed:          make(map[string]volume.Name),
		ForeignPrefixes: make(map[string][]string),
	}

	err = be.List(ctx, func(e backend.Entry) error {
		if e.IsFolder {
			return nil
		}
		if err := checkAbort(ctx); err != nil {
			return err
		}

		if !hasVolumePrefix(e.Name, prefix) {
			p := foreignPrefix(e.Name)
			rep.ForeignPrefixes[p] = append(rep.ForeignPrefixes[p], e.Name)
			return nil
		}

		n, perr := volume.ParseFilename(e.Name)
		if perr != nil || n.Prefix != prefix {
			rep.OtherVolumes = append(rep.OtherVolumes, e.Name)
			return nil
		}
		rep.Parsed[e.Name] = n
		if !rep.HasRemoteTime || n.Time.After(rep.MaxRemoteTime) {
			rep.MaxRemoteTime = n.Time
			rep.HasRemoteTime = true
		}

		dbv, known := byName[e.Name]
		if known {
			seen[e.Name] = true
		}
		switch {
		case !known:
			if e.Name != lastIncomplete {
				rep.Extras = append(rep.Extras, e.Name)
			}
		case !dbv.State.Durable() && dbv.State != volume.StateUploading:
			// Known but in a non-durable, non-uploading state (e.g.
			// Temporary or Deleting left over from a crash): treat as
			// extra, same as unknown.
			if e.Name != lastIncomplete {
				rep.Extras = append(rep.Extras, e.Name)
			}
		case dbv.State == volume.StateUploading:
			rep.VerifyRequired = append(rep.VerifyRequired, dbv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, v := range dbVolumes {
		if seen[v.Name] {
			continue
		}
		if v.State.Durable() && v.Name != lastIncomplete {
			rep.Missings = append(rep.Missings, v)
		}
	}

	sort.Slice(rep.Extras, func(i, j int) bool { return rep.Extras[i] < rep.Extras[j] })
	sort.Slice(rep.Missings, func(i, j int) bool { return rep.Missings[i].Name < rep.Missings[j].Name })
	sort.Slice(rep.VerifyRequired, func(i, j int) bool { return rep.VerifyRequired[i].Name < rep.VerifyRequired[j].Name })

	return rep, nil
}

func hasVolumePrefix(name, prefix string) bool {
	// A correct-prefix name must at least start with "<prefix>-"; the
	// full grammar check happens in ParseFilename.
	return len(name) > len(prefix)+1 && name[:len(prefix)] == prefix && name[len(prefix)] == '-'
}

func foreignPrefix(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == '-' {
			return name[:i]
		}
	}
	return name
}

func checkAbort(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ErrAborted
	default:
		return nil
	}
}
