package repair

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/vaultkeep/repair/internal/backend"
	"github.com/vaultkeep/repair/internal/block"
	"github.com/vaultkeep/repair/internal/codec"
	"github.com/vaultkeep/repair/internal/fec"
	"github.com/vaultkeep/repair/internal/volume"
	"github.com/vaultkeep/repair/internal/xlog"
)

// LocateResult is the outcome of attempting to rebuild one missing data
// volume, per spec.md §4.3.
type LocateResult struct {
	Restored map[block.Ref][]byte
	Missing  []block.Ref
}

// LocateBlocks implements spec.md §4.3's two-pass recovery algorithm for
// a missing data volume named volumeName. hasher is used to verify every
// recovered candidate's hash before it is accepted.
//
// Pass 1 walks each block's (localFilePath, offset) hints, grounded on
// mmp-bk/storage/disk.go's readChunk (open, seek, read exactly N bytes).
// A file-access error is logged; on it or on a hash mismatch the next
// candidate is tried; if a sidecar produced by internal/fec exists alongside a
// non-matching candidate, reconstruction is attempted before giving up
// on that source.
//
// Pass 2 batches the blocks still missing by the other remote data
// volumes that hold them and downloads each such volume once via
// GetFilesOverlapped, adopting every block it can supply.
func LocateBlocks(ctx context.Context, db DB, be backend.Backend, reg *codec.Registry, hasher block.Hasher, volumeName string, log *xlog.Logger) (*LocateResult, error) {
	wanted, err := db.GetMissingBlocks(ctx, volumeName)
	if err != nil {
		return nil, err
	}
	if len(wanted) == 0 {
		return &LocateResult{Restored: map[block.Ref][]byte{}}, nil
	}

	res := &LocateResult{Restored: make(map[block.Ref][]byte, len(wanted))}
	need := make(map[block.Ref]bool, len(wanted))
	for _, r := range wanted {
		need[r] = true
	}

	sources, err := db.GetSourceFilesWithBlocks(ctx, volumeName)
	if err != nil {
		return nil, err
	}

	// Pass 1: local files.
	for ref := range need {
		for _, src := range sources[ref] {
			if err := checkAbort(ctx); err != nil {
				return nil, err
			}
			data, ok := tryReadLocalBlock(src.Path, src.Offset, ref, hasher, log)
			if !ok {
				continue
			}
			res.Restored[ref] = data
			delete(need, ref)
			break
		}
	}

	// Pass 2: sibling remote data volumes, grouped so each is downloaded
	// only once even if it supplies several still-needed blocks, and
	// fetched as a single GetFilesOverlapped batch so transports that
	// support concurrent downloads (GCS) don't serialize on one sibling
	// at a time.
	if len(need) > 0 {
		bySourceVolume := make(map[string][]block.Ref)
		for ref := range need {
			others, err := db.GetMissingBlockSources(ctx, ref, volumeName)
			if err != nil {
				return nil, err
			}
			for _, v := range others {
				bySourceVolume[v] = append(bySourceVolume[v], ref)
			}
		}

		if err := checkAbort(ctx); err != nil {
			return nil, err
		}
		reqs := make([]backend.OverlappedRequest, 0, len(bySourceVolume))
		for srcName := range bySourceVolume {
			reqs = append(reqs, backend.OverlappedRequest{Name: srcName})
		}
		if len(reqs) > 0 {
			err := be.GetFilesOverlapped(ctx, reqs, func(or backend.OverlappedResult) error {
				if or.Err != nil {
					log.Warning("locator: downloading sibling volume %s: %v", or.Request.Name, or.Err)
					return nil
				}
				defer or.File.Release()
				if len(need) == 0 {
					return nil
				}
				if err := scanSiblingVolume(reg, or.Request.Name, or.File.Path, bySourceVolume[or.Request.Name], need, res.Restored, log); err != nil {
					log.Warning("locator: scanning sibling volume %s: %v", or.Request.Name, err)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	}

	for ref := range need {
		res.Missing = append(res.Missing, ref)
	}
	return res, nil
}

func tryReadLocalBlock(path string, offset int64, ref block.Ref, hasher block.Hasher, log *xlog.Logger) ([]byte, bool) {
	data, err := readAt(path, offset, ref.Size)
	if err == nil && hasher.Sum(data) == ref.Hash {
		return data, true
	}
	if err != nil {
		log.Warning("locator: reading %s@%d: %v", path, offset, err)
	}

	// Hash mismatch or read failure: see if a Reed-Solomon sidecar can
	// recover the source file before abandoning this candidate.
	sidecar := path + ".rs"
	if _, statErr := os.Stat(sidecar); statErr != nil {
		return nil, false
	}
	recovered, rerr := fec.Reconstruct(path, sidecar)
	if rerr != nil {
		log.Warning("locator: %s: fec reconstruction failed: %v", path, rerr)
		return nil, false
	}
	defer os.Remove(recovered)
	data, err = readAt(recovered, offset, ref.Size)
	if err != nil || hasher.Sum(data) != ref.Hash {
		return nil, false
	}
	return data, true
}

func readAt(path string, offset, size int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// scanSiblingVolume reads localPath (srcName already downloaded by the
// caller via GetFilesOverlapped) and adopts every block in wantedRefs
// that it actually contains and that is still in need.
func scanSiblingVolume(reg *codec.Registry, srcName, localPath string, wantedRefs []block.Ref, need map[block.Ref]bool, restored map[block.Ref][]byte, log *xlog.Logger) error {
	n, err := volume.ParseFilename(srcName)
	if err != nil {
		return fmt.Errorf("parsing sibling volume name: %w", err)
	}
	comp, err := reg.Compressor(n.Compression)
	if err != nil {
		return err
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

	wanted := make(map[block.Ref]bool, len(wantedRefs))
	for _, r := range wantedRefs {
		wanted[r] = true
	}

	return volume.ReadDataVolume(r, func(e volume.DataVolumeEntry) error {
		if !wanted[e.Ref] || !need[e.Ref] {
			return nil
		}
		data := make([]byte, len(e.Data))
		copy(data, e.Data)
		restored[e.Ref] = data
		delete(need, e.Ref)
		if len(need) == 0 {
			log.Debug("locator: sibling volume %s supplied the last needed block", srcName)
		}
		return nil
	})
}
