package backend

import (
	"io"
	"sync"
	"time"
)

// Bandwidth limiting, adapted from mmp-bk/storage/ratelimit.go (itself
// taken from skicka's gdrive/readers.go): a global token bucket refilled
// on a ticker, consumed by wrapping the readers used on the upload and
// download paths. Unlimited by default; SetBandwidthLimit turns it on.
var (
	bandwidthMu      sync.Mutex
	bandwidthCond    = sync.NewCond(&bandwidthMu)
	availableUpload  int
	availableDownload int
	uploadLimited    bool
	downloadLimited  bool
	limiterStarted   bool
)

// SetBandwidthLimit caps Put/Get throughput across every Backend in the
// process. Zero disables the corresponding direction. Safe to call at
// most once; a second call is a no-op once the ticker goroutine exists.
func SetBandwidthLimit(uploadBytesPerSecond, downloadBytesPerSecond int) {
	bandwidthMu.Lock()
	started := limiterStarted
	if !started {
		uploadLimited = uploadBytesPerSecond != 0
		downloadLimited = downloadBytesPerSecond != 0
		limiterStarted = true
	}
	bandwidthMu.Unlock()

	if started {
		return
	}

	ticker := time.NewTicker(125 * time.Millisecond)
	go func() {
		for range ticker.C {
			bandwidthMu.Lock()
			availableUpload += uploadBytesPerSecond * 94 / 100 / 8
			if availableUpload > uploadBytesPerSecond {
				availableUpload = uploadBytesPerSecond
			}
			availableDownload += downloadBytesPerSecond * 94 / 100 / 8
			if availableDownload > downloadBytesPerSecond {
				availableDownload = downloadBytesPerSecond
			}
			bandwidthCond.Broadcast()
			bandwidthMu.Unlock()
		}
	}()
}

type rateLimitedReader struct {
	r         io.Reader
	available *int
}

// newLimitedUploadReader wraps r so reads never exceed the configured
// upload budget. Returns r unchanged if no upload limit is set.
func newLimitedUploadReader(r io.Reader) io.Reader {
	bandwidthMu.Lock()
	limited := uploadLimited
	bandwidthMu.Unlock()
	if !limited {
		return r
	}
	return rateLimitedReader{r: r, available: &availableUpload}
}

// newLimitedDownloadReader is newLimitedUploadReader's download analogue.
func newLimitedDownloadReader(r io.Reader) io.Reader {
	bandwidthMu.Lock()
	limited := downloadLimited
	bandwidthMu.Unlock()
	if !limited {
		return r
	}
	return rateLimitedReader{r: r, available: &availableDownload}
}

func (lr rateLimitedReader) Read(dst []byte) (int, error) {
	bandwidthMu.Lock()
	for *lr.available <= 0 {
		bandwidthCond.Wait()
	}
	n := len(dst)
	if n > *lr.available {
		n = *lr.available
	}
	*lr.available -= n
	bandwidthMu.Unlock()

	read, err := lr.r.Read(dst[:n])
	if read < n {
		bandwidthMu.Lock()
		*lr.available += n - read
		bandwidthMu.Unlock()
	}
	return read, err
}
