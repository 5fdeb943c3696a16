// Package fec provides Reed-Solomon forward error correction for local
// source files that back up the block locator's primary recovery path
// (spec.md §4.3 step 1).
//
// Grounded on mmp-bk/rdso/rdso.go's EncodeFile/CheckFile/RestoreFile,
// generalized from a standalone CLI helper into a library the locator
// calls when a candidate source file's bytes no longer hash-match a
// block it once held: if a sidecar .rs file produced for that source
// file exists, Reconstruct attempts to recover the original bytes
// before the locator gives up on that candidate and moves to the next
// source.
package fec

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/sha3"
)

// DigestSize is the width of the side-car's internal integrity hashes.
// It is independent of the repository's configured block-hash
// algorithm; the side-car only needs to detect shard corruption, not
// participate in content addressing.
const DigestSize = 64

type digest [DigestSize]byte

func hashBytes(b []byte) digest {
	var h digest
	sha3.ShakeSum256(h[:], b)
	return h
}

// Sidecar is the on-disk representation of one source file's
// Reed-Solomon encoding, matching rdso.ReedSolomonFile's shape.
type Sidecar struct {
	FileSize                   int64
	NDataShards, NParityShards int
	ShardHashSpan              int64
	DataHashes, ParityHashes   [][]digest
	ParityShards               [][]byte
}

// Encode computes a Sidecar for the file at path and writes it to
// sidecarPath, so a later Reconstruct call can repair local bit rot.
func Encode(path, sidecarPath string, nDataShards, nParityShards int, shardHashSpan int64) error {
	dataShards, _, err := readAndShard(path, nDataShards)
	if err != nil {
		return err
	}
	parityShards := make([][]byte, nParityShards)
	for i := range parityShards {
		parityShards[i] = make([]byte, len(dataShards[0]))
	}
	enc, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return err
	}
	all := append(append([][]byte{}, dataShards...), parityShards...)
	if err := enc.Encode(all); err != nil {
		return err
	}

	sc := Sidecar{NDataShards: nDataShards, NParityShards: nParityShards, ShardHashSpan: shardHashSpan}
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	sc.FileSize = fi.Size()
	for _, s := range dataShards {
		sc.DataHashes = append(sc.DataHashes, hashSpans(s, shardHashSpan))
	}
	for _, s := range parityShards {
		sc.ParityHashes = append(sc.ParityHashes, hashSpans(s, shardHashSpan))
	}
	sc.ParityShards = parityShards

	f, err := os.Create(sidecarPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(sc)
}

// Reconstruct attempts to recover path's original bytes using the
// sidecar at sidecarPath, writing the result to path+".recovered" on
// success. It returns an error if recovery is not possible (too many
// shards corrupted relative to NParityShards).
func Reconstruct(path, sidecarPath string) (string, error) {
	sc, err := readSidecar(sidecarPath)
	if err != nil {
		return "", err
	}
	dataShards, _, err := readAndShard(path, sc.NDataShards)
	if err != nil {
		return "", err
	}

	spanned := make([][][]byte, 0, sc.NDataShards+sc.NParityShards)
	for _, s := range dataShards {
		spanned = append(spanned, spanBytes(s, sc.ShardHashSpan))
	}
	// Parity shard bytes live in the sidecar itself, written by Encode.
	for _, p := range sc.ParityShards {
		spanned = append(spanned, spanBytes(p, sc.ShardHashSpan))
	}

	nSpans := len(spanned[0])
	nShards := len(spanned)
	for span := 0; span < nSpans; span++ {
		missing := 0
		recon := make([][]byte, nShards)
		for s := 0; s < nShards; s++ {
			var want digest
			if s < sc.NDataShards {
				want = sc.DataHashes[s][span]
			} else {
				want = sc.ParityHashes[s-sc.NDataShards][span]
			}
			if hashBytes(spanned[s][span]) != want {
				missing++
				recon[s] = nil
			} else {
				recon[s] = spanned[s][span]
			}
		}
		if missing == 0 {
			continue
		}
		enc, err := reedsolomon.New(sc.NDataShards, sc.NParityShards)
		if err != nil {
			return "", err
		}
		if err := enc.Reconstruct(recon); err != nil {
			return "", fmt.Errorf("fec: %s: unrecoverable: %w", path, err)
		}
		for s := 0; s < sc.NDataShards; s++ {
			copy(spanned[s][span], recon[s])
		}
	}

	out := path + ".recovered"
	f, err := os.Create(out)
	if err != nil {
		return "", err
	}
	defer f.Close()
	remaining := sc.FileSize
	for _, s := range dataShards {
		n := int64(len(s))
		if n > remaining {
			n = remaining
		}
		if n <= 0 {
			break
		}
		if _, err := f.Write(s[:n]); err != nil {
			return "", err
		}
		remaining -= n
	}
	return out, nil
}

func readSidecar(path string) (Sidecar, error) {
	var sc Sidecar
	f, err := os.Open(path)
	if err != nil {
		return sc, err
	}
	defer f.Close()
	return sc, gob.NewDecoder(f).Decode(&sc)
}

func readAndShard(path string, n int) ([][]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	size := fi.Size()
	shardSize := (size + int64(n) - 1) / int64(n)
	buf := make([]byte, int64(n)*shardSize)
	if _, err := io.ReadFull(f, buf[:size]); err != nil {
		return nil, 0, err
	}
	shards := make([][]byte, n)
	for i := range shards {
		shards[i] = buf[int64(i)*shardSize : int64(i+1)*shardSize]
	}
	return shards, size, nil
}

func spanBytes(b []byte, span int64) [][]byte {
	var out [][]byte
	for int64(len(b)) > span {
		out = append(out, b[:span])
		b = b[span:]
	}
	out = append(out, b)
	return out
}

func hashSpans(b []byte, span int64) []digest {
	var out []digest
	for _, s := range spanBytes(b, span) {
		out = append(out, hashBytes(s))
	}
	return out
}
