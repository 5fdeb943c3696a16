// Package backend implements the pluggable remote-transport surface
// spec.md §6 describes: List, Get, Put, Delete, CreateFolder, Test, and
// the upload-queue barrier WaitForEmpty. The core repair engine depends
// only on the Backend interface, never on a concrete transport.
//
// Grounded on mmp-bk/storage/storage.go's Backend interface, generalized
// from "content-addressed blob store" to "named remote object store"
// (repair's volumes are identified by filename, not by content hash),
// and on the upload-queue/WaitGroup pattern in
// mmp-bk/storage/packidx.go's PackFileBackend (launchWriters/SyncWrites).
package backend

import (
	"context"
	"errors"
	"fmt"
)

// Entry is one object reported by List, per spec.md §6:
// "List() -> async stream of {name,size,isFolder}".
type Entry struct {
	Name     string
	Size     int64
	IsFolder bool
}

// ErrorKind tags a Backend error with the taxonomy spec.md §6 and §9
// describe ("model these as a tagged result variant at the backend
// interface"), translating the teacher's typed-exception idiom into an
// explicit Go error type.
type ErrorKind int

const (
	ErrGeneric ErrorKind = iota
	ErrFolderMissing
	ErrInvalidCertificate
	ErrHostKey
	ErrUserInformation
)

// Error is the error type every Backend method returns on failure.
type Error struct {
	Kind ErrorKind

	// Populated when Kind == ErrInvalidCertificate.
	Certificate string

	// Populated when Kind == ErrHostKey.
	ReportedHostKey, AcceptedHostKey string

	// Populated when Kind == ErrUserInformation.
	HelpID string

	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrFolderMissing:
		return "backend: folder missing"
	case ErrInvalidCertificate:
		return fmt.Sprintf("backend: invalid certificate %q", e.Certificate)
	case ErrHostKey:
		return fmt.Sprintf("backend: host key mismatch: reported %q, accepted %q", e.ReportedHostKey, e.AcceptedHostKey)
	case ErrUserInformation:
		return fmt.Sprintf("backend: %s", e.HelpID)
	default:
		if e.Err != nil {
			return fmt.Sprintf("backend: %v", e.Err)
		}
		return "backend: error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// ErrCanceled is returned (wrapped) by Backend methods when ctx is
// canceled mid-operation. Per spec.md §5, cancellation is abort-class
// and must always re-propagate rather than be treated as a per-item
// failure.
var ErrCanceled = errors.New("backend: operation canceled")

// LocalFile is a downloaded (or about-to-be-uploaded) volume's local
// representation: a path on disk plus the metadata the backend captured
// about it. Release must be called on every exit path to remove the
// underlying temp file, per spec.md §3's "Lifecycle & ownership" note
// that downloaded temp files are scoped to the operation that consumed
// them.
type LocalFile struct {
	Path string
	Size int64
	Hash string // base64 whole-file hash, populated by GetWithInfo

	release func()
}

// Release removes the underlying temp file. Safe to call multiple times
// and on the zero value.
func (f *LocalFile) Release() {
	if f != nil && f.release != nil {
		f.release()
		f.release = nil
	}
}

// OverlappedRequest is one item in a GetFilesOverlapped batch.
type OverlappedRequest struct {
	Name string
	Hash string
	Size int64
}

// OverlappedResult pairs a downloaded file with the request it answers.
type OverlappedResult struct {
	Request OverlappedRequest
	File    *LocalFile
	Err     error
}

// Backend is the transport surface the repair engine consumes. Concrete
// implementations (disk, GCS, memory) live alongside this file.
type Backend interface {
	// List enumerates every object in the backend, invoking fn once per
	// entry. Returning a non-nil error from fn stops enumeration and
	// that error is returned from List.
	List(ctx context.Context, fn func(Entry) error) error

	// Get downloads name to a local temp file.
	Get(ctx context.Context, name string) (*LocalFile, error)

	// GetWithInfo downloads name and also reports its backend-observed
	// hash and size (some transports, like GCS, can report these more
	// cheaply than a full local re-hash).
	GetWithInfo(ctx context.Context, name string) (*LocalFile, error)

	// GetFilesOverlapped downloads many files with overlapping I/O,
	// invoking fn once per completed download (not necessarily in
	// request order). Used by the block locator (§4.3 step 2) to stream
	// an entire sibling data volume once while recovering several
	// blocks from it.
	GetFilesOverlapped(ctx context.Context, reqs []OverlappedRequest, fn func(OverlappedResult) error) error

	// Put uploads the contents of localPath as name. Implementations may
	// queue the actual transfer and return before it lands; WaitForEmpty
	// is the barrier that guarantees completion.
	Put(ctx context.Context, name string, localPath string) error

	// Delete removes name. size is advisory (used by some transports to
	// decide whether to verify before deleting); it is not re-verified.
	Delete(ctx context.Context, name string, size int64) error

	// CreateFolder ensures the backend's root container exists.
	CreateFolder(ctx context.Context) error

	// Test verifies connectivity and credentials.
	Test(ctx context.Context) error

	// WaitForEmpty blocks until every Put queued so far has completed.
	// The sole concurrency barrier per spec.md §5.
	WaitForEmpty(ctx context.Context) error

	// String names the backend for logging.
	String() string
}

// checkCanceled lets disk/memory backends (which don't otherwise touch
// ctx) honor cancellation promptly, matching spec.md §5's requirement
// that every phase iteration begin with a cooperative check.
func checkCanceled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
	default:
		return nil
	}
}
