package backend

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Disk is a filesystem-backed Backend, one file per remote volume
// inside dir. Grounded on mmp-bk/storage/disk.go's directory-of-files
// layout, simplified from that file's content-addressed pack/index
// split (which doesn't apply here — repair's Backend is a named-object
// store, not a chunk store) down to "one object, one file".
//
// Put is queued and completes asynchronously on a small worker pool,
// mirroring mmp-bk/storage/packidx.go's launchWriters/SyncWrites
// pattern, so that WaitForEmpty is a meaningful barrier rather than a
// no-op (spec.md §5: "the backend is permitted to maintain an internal
// upload queue that completes after Put returns").
type Disk struct {
	dir string

	mu      sync.Mutex
	wg      sync.WaitGroup
	queue   chan func()
	closed  bool
	lastErr error
}

// NewDisk returns a Disk backend rooted at dir, which must already
// exist. nWorkers <= 0 defaults to 2.
func NewDisk(dir string, nWorkers int) *Disk {
	if nWorkers <= 0 {
		nWorkers = 2
	}
	d := &Disk{dir: dir, queue: make(chan func(), 64)}
	for i := 0; i < nWorkers; i++ {
		go d.worker()
	}
	return d
}

func (d *Disk) worker() {
	for job := range d.queue {
		job()
	}
}

func (d *Disk) String() string { return "disk:" + d.dir }

func (d *Disk) path(name string) string { return filepath.Join(d.dir, name) }

func (d *Disk) List(ctx context.Context, fn func(Entry) error) error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Error{Kind: ErrFolderMissing, Err: err}
		}
		return &Error{Err: err}
	}
	for _, e := range entries {
		if err := checkCanceled(ctx); err != nil {
			return err
		}
		if e.IsDir() {
			if err := fn(Entry{Name: e.Name(), IsFolder: true}); err != nil {
				return err
			}
			continue
		}
		info, err := e.Info()
		if err != nil {
			return &Error{Err: err}
		}
		if err := fn(Entry{Name: e.Name(), Size: info.Size()}); err != nil {
			return err
		}
	}
	return nil
}

func (d *Disk) Get(ctx context.Context, name string) (*LocalFile, error) {
	lf, _, err := d.getWithHash(ctx, name)
	return lf, err
}

func (d *Disk) GetWithInfo(ctx context.Context, name string) (*LocalFile, error) {
	lf, hash, err := d.getWithHash(ctx, name)
	if err != nil {
		return nil, err
	}
	lf.Hash = hash
	return lf, nil
}

func (d *Disk) getWithHash(ctx context.Context, name string) (*LocalFile, string, error) {
	if err := checkCanceled(ctx); err != nil {
		return nil, "", err
	}
	src, err := os.Open(d.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", &Error{Kind: ErrFolderMissing, Err: err}
		}
		return nil, "", &Error{Err: err}
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "disk-backend-*.tmp")
	if err != nil {
		return nil, "", &Error{Err: err}
	}
	h := sha256.New()
	n, err := io.Copy(tmp, newLimitedDownloadReader(io.TeeReader(src, h)))
	tmp.Close()
	if err != nil {
		os.Remove(tmp.Name())
		return nil, "", &Error{Err: err}
	}
	hash := base64.StdEncoding.EncodeToString(h.Sum(nil))
	path := tmp.Name()
	return &LocalFile{
		Path: path,
		Size: n,
		release: func() { os.Remove(path) },
	}, hash, nil
}

func (d *Disk) GetFilesOverlapped(ctx context.Context, reqs []OverlappedRequest, fn func(OverlappedResult) error) error {
	for _, r := range reqs {
		if err := checkCanceled(ctx); err != nil {
			return err
		}
		lf, err := d.Get(ctx, r.Name)
		if err := fn(OverlappedResult{Request: r, File: lf, Err: err}); err != nil {
			return err
		}
	}
	return nil
}

func (d *Disk) Put(ctx context.Context, name string, localPath string) error {
	if err := checkCanceled(ctx); err != nil {
		return err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return &Error{Err: err}
	}
	d.wg.Add(1)
	d.queue <- func() {
		defer d.wg.Done()
		dest := d.path(name)
		tmp := dest + ".uploading"
		f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			d.recordErr(err)
			return
		}
		_, err = io.Copy(f, newLimitedUploadReader(bytes.NewReader(data)))
		closeErr := f.Close()
		if err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(tmp)
			d.recordErr(err)
			return
		}
		if err := os.Rename(tmp, dest); err != nil {
			d.recordErr(err)
		}
	}
	return nil
}

func (d *Disk) recordErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastErr = err
}

func (d *Disk) Delete(ctx context.Context, name string, size int64) error {
	if err := checkCanceled(ctx); err != nil {
		return err
	}
	if err := os.Remove(d.path(name)); err != nil && !os.IsNotExist(err) {
		return &Error{Err: err}
	}
	return nil
}

func (d *Disk) CreateFolder(ctx context.Context) error {
	if err := os.MkdirAll(d.dir, 0o700); err != nil {
		return &Error{Err: err}
	}
	return nil
}

func (d *Disk) Test(ctx context.Context) error {
	info, err := os.Stat(d.dir)
	if err != nil {
		return &Error{Kind: ErrFolderMissing, Err: err}
	}
	if !info.IsDir() {
		return &Error{Err: fmt.Errorf("%s: not a directory", d.dir)}
	}
	return nil
}

func (d *Disk) WaitForEmpty(ctx context.Context) error {
	d.wg.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.lastErr
	d.lastErr = nil
	return err
}
