// cmd/vaultrepair/main.go runs the repair coordinator as a standalone
// tool, grounded on gentoomaniac-backup-tool/main.go's kong-based
// command dispatch (a single `cli` struct embedding one sub-struct per
// subcommand, dispatched on ctx.Command()).
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"github.com/vaultkeep/repair/internal/backend"
	"github.com/vaultkeep/repair/internal/block"
	"github.com/vaultkeep/repair/internal/codec"
	"github.com/vaultkeep/repair/internal/localdb"
	"github.com/vaultkeep/repair/internal/repair"
	"github.com/vaultkeep/repair/internal/volume"
	"github.com/vaultkeep/repair/internal/xlog"
)

var (
	version = "unset"
	commit  = "unset"
)

var cli struct {
	Verbose bool `short:"v" help:"enable verbose logging"`
	Debug   bool `help:"enable debug logging"`

	Repair struct {
		DBPath     string `short:"d" required:"" type:"path" help:"local database file"`
		Backend    string `short:"b" default:"disk" enum:"disk,gcs,memory" help:"remote backend: disk, gcs, or memory"`
		BackendDir string `help:"directory for the disk backend"`
		GCSBucket  string `help:"bucket name for the gcs backend"`
		GCSProject string `help:"project id for the gcs backend"`

		Prefix             string `default:"vault" help:"remote filename prefix"`
		Blocksize          int64  `default:"10485760" help:"block size in bytes"`
		BlockhashSize      int    `default:"32" help:"block hash digest size in bytes"`
		BlockHashAlgorithm string `default:"shake256" help:"block hash algorithm name"`

		Passphrase string `help:"encryption passphrase; empty disables encryption"`

		Dryrun                       bool   `help:"report what would change without changing anything"`
		RebuildMissingDblockFiles    bool   `help:"permit rebuilding missing data volumes from local sources"`
		RepairIgnoreOutdatedDatabase bool   `help:"proceed even if remote data is newer than the local database"`
		IndexfilePolicy              string `default:"full" enum:"none,lookup,full" help:"how aggressively to rebuild missing index volumes"`

		UploadBandwidth   int `help:"cap upload throughput in bytes/sec, 0 for unlimited"`
		DownloadBandwidth int `help:"cap download throughput in bytes/sec, 0 for unlimited"`
	} `cmd:"" help:"Reconcile the local database against the remote volume store."`

	VerifyAll struct {
		DBPath     string `short:"d" required:"" type:"path" help:"local database file"`
		Backend    string `short:"b" default:"disk" enum:"disk,gcs,memory"`
		BackendDir string `help:"directory for the disk backend"`
		GCSBucket  string `help:"bucket name for the gcs backend"`
		GCSProject string `help:"project id for the gcs backend"`
		Passphrase string `help:"encryption passphrase; empty disables encryption"`

		DownloadBandwidth int `help:"cap download throughput in bytes/sec, 0 for unlimited"`
	} `cmd:"" help:"Read-only end-to-end verification of every remote volume."`

	Version kong.VersionFlag `short:"V" help:"Display version."`
}

func main() {
	ctx := kong.Parse(&cli, kong.UsageOnError(), kong.Vars{
		"version": version,
		"commit":  commit,
	})

	log := xlog.NewLogger(cli.Verbose, cli.Debug)

	switch ctx.Command() {
	case "repair":
		runRepair(log)
	case "verify-all":
		runVerifyAll(log)
	default:
		log.Fatal("unknown command %q", ctx.Command())
	}
}

func openBackend(ctx context.Context, kind, dir, bucket, project string) (backend.Backend, error) {
	switch kind {
	case "disk":
		if dir == "" {
			return nil, fmt.Errorf("--backend-dir is required for the disk backend")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		return backend.NewDisk(dir, 4), nil
	case "gcs":
		if bucket == "" {
			return nil, fmt.Errorf("--gcs-bucket is required for the gcs backend")
		}
		return backend.NewGCS(ctx, backend.GCSOptions{BucketName: bucket, ProjectID: project})
	case "memory":
		return backend.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}

func indexfilePolicy(s string) repair.IndexfilePolicy {
	switch strings.ToLower(s) {
	case "none":
		return repair.IndexfileNone
	case "lookup":
		return repair.IndexfileLookup
	default:
		return repair.IndexfileFull
	}
}

func runRepair(log *xlog.Logger) {
	c := cli.Repair
	ctx := context.Background()

	db, err := localdb.Open(c.DBPath, log)
	log.CheckError(err, "opening database %s: %+v", c.DBPath, err)
	defer db.Close()

	reg, err := codec.NewRegistry(c.Passphrase)
	log.CheckError(err, "building codec registry: %+v", err)

	if c.UploadBandwidth != 0 || c.DownloadBandwidth != 0 {
		backend.SetBandwidthLimit(c.UploadBandwidth, c.DownloadBandwidth)
	}

	be, err := openBackend(ctx, c.Backend, c.BackendDir, c.GCSBucket, c.GCSProject)
	log.CheckError(err, "opening backend: %+v", err)

	coord := &repair.Coordinator{
		DB:       db,
		Registry: reg,
		Hasher:   block.NewSHAKE256(c.BlockhashSize),
		Config: repair.Config{
			Dbpath:                       c.DBPath,
			Dryrun:                       c.Dryrun,
			Prefix:                       c.Prefix,
			Blocksize:                    c.Blocksize,
			BlockhashSize:                c.BlockhashSize,
			BlockHashAlgorithm:           c.BlockHashAlgorithm,
			IndexfilePolicy:              indexfilePolicy(c.IndexfilePolicy),
			RebuildMissingDblockFiles:    c.RebuildMissingDblockFiles,
			RepairIgnoreOutdatedDatabase: c.RepairIgnoreOutdatedDatabase,
			Time:                         time.Now().UTC(),
			Version:                      version,
		},
		Log: log,
		Recreate: func(ctx context.Context) error {
			return &repair.RepairError{
				Kind:   repair.KindUserInformation,
				HelpID: repair.HelpRepairDatabaseFileDoesNotExist,
				Err:    fmt.Errorf("database recreation from remote is not implemented by this tool; restore a database backup instead"),
			}
		},
		FilesetRecreate: func(ctx context.Context, filesetID int64, fs *volume.Fileset) error {
			return db.WriteFileset(ctx, nil, filesetID, fs)
		},
		RenameDatabase: func(ctx context.Context) error {
			for i := 0; i < 1000; i++ {
				target := c.DBPath + ".backup"
				if i > 0 {
					target = fmt.Sprintf("%s.backup-%d", c.DBPath, i)
				}
				if _, err := os.Stat(target); os.IsNotExist(err) {
					return os.Rename(c.DBPath, target)
				}
			}
			return fmt.Errorf("no free backup name for %s", c.DBPath)
		},
		Progress: func(fraction float64) {
			log.Verbose("progress: %.1f%%", fraction*100)
		},
	}

	if err := coord.Run(ctx, be); err != nil {
		log.Fatal("repair failed: %+v", err)
	}
	log.Print("repair complete")
}

func runVerifyAll(log *xlog.Logger) {
	c := cli.VerifyAll
	ctx := context.Background()

	db, err := localdb.Open(c.DBPath, log)
	log.CheckError(err, "opening database %s: %+v", c.DBPath, err)
	defer db.Close()

	reg, err := codec.NewRegistry(c.Passphrase)
	log.CheckError(err, "building codec registry: %+v", err)

	if c.DownloadBandwidth != 0 {
		backend.SetBandwidthLimit(0, c.DownloadBandwidth)
	}

	be, err := openBackend(ctx, c.Backend, c.BackendDir, c.GCSBucket, c.GCSProject)
	log.CheckError(err, "opening backend: %+v", err)

	report, err := repair.RunVerifyAll(ctx, db, be, reg, block.NewSHAKE256(32), log)
	if err != nil {
		log.Fatal("verify-all failed: %+v", err)
	}
	log.Print("checked %d volumes, %d problems", report.Checked, len(report.Problems))
	for _, p := range report.Problems {
		fmt.Printf("%s: %v\n", p.Name, p.Err)
	}
	if len(report.Problems) > 0 {
		os.Exit(1)
	}
}
