package backend

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"os"
	"sort"
	"sync"
)

// Memory is an in-RAM Backend, grounded on mmp-bk/storage/memory.go's
// "store everything in a map, for tests" shape, generalized from a
// content-addressed blob map to a named-object map since repair's
// Backend is name-addressed.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) String() string { return "memory" }

func dupe(b []byte) []byte {
	d := make([]byte, len(b))
	copy(d, b)
	return d
}

func (m *Memory) List(ctx context.Context, fn func(Entry) error) error {
	if err := checkCanceled(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	names := make([]string, 0, len(m.objects))
	for n := range m.objects {
		names = append(names, n)
	}
	m.mu.Unlock()
	sort.Strings(names)
	for _, n := range names {
		m.mu.Lock()
		data := m.objects[n]
		m.mu.Unlock()
		if err := fn(Entry{Name: n, Size: int64(len(data))}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) getLocal(ctx context.Context, name string) (*LocalFile, string, error) {
	if err := checkCanceled(ctx); err != nil {
		return nil, "", err
	}
	m.mu.Lock()
	data, ok := m.objects[name]
	m.mu.Unlock()
	if !ok {
		return nil, "", &Error{Kind: ErrFolderMissing, Err: os.ErrNotExist}
	}
	data = dupe(data)

	f, err := os.CreateTemp("", "mem-backend-*.tmp")
	if err != nil {
		return nil, "", &Error{Err: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, "", &Error{Err: err}
	}
	f.Close()
	h := sha256.Sum256(data)
	hash := base64.StdEncoding.EncodeToString(h[:])
	path := f.Name()
	return &LocalFile{
		Path: path,
		Size: int64(len(data)),
		release: func() { os.Remove(path) },
	}, hash, nil
}

func (m *Memory) Get(ctx context.Context, name string) (*LocalFile, error) {
	lf, _, err := m.getLocal(ctx, name)
	return lf, err
}

func (m *Memory) GetWithInfo(ctx context.Context, name string) (*LocalFile, error) {
	lf, hash, err := m.getLocal(ctx, name)
	if err != nil {
		return nil, err
	}
	lf.Hash = hash
	return lf, nil
}

func (m *Memory) GetFilesOverlapped(ctx context.Context, reqs []OverlappedRequest, fn func(OverlappedResult) error) error {
	for _, r := range reqs {
		lf, err := m.Get(ctx, r.Name)
		if err := fn(OverlappedResult{Request: r, File: lf, Err: err}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Put(ctx context.Context, name string, localPath string) error {
	if err := checkCanceled(ctx); err != nil {
		return err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return &Error{Err: err}
	}
	m.mu.Lock()
	m.objects[name] = data
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(ctx context.Context, name string, size int64) error {
	if err := checkCanceled(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, name)
	m.mu.Unlock()
	return nil
}

func (m *Memory) CreateFolder(ctx context.Context) error { return nil }

func (m *Memory) Test(ctx context.Context) error { return nil }

func (m *Memory) WaitForEmpty(ctx context.Context) error { return nil }

// Contents exposes the raw stored bytes for a name, for use in tests
// that want to assert on exactly what was uploaded.
func (m *Memory) Contents(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.objects[name]
	return dupe(d), ok
}
