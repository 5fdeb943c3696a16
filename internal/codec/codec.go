// Package codec implements the pluggable compression and encryption
// modules spec.md §1 scopes out of the core but which must exist
// concretely for volumes to be readable and writable end to end.
//
// The registry pattern (string id -> implementation) follows spec.md's
// DESIGN NOTES "Dynamic module lookup": the core depends only on the
// Compressor/Encryptor interfaces, never on concrete types.
//
// Compression is gzip, grounded on mmp-bk/storage/compressed.go.
// Encryption is AES-256-GCM with a PBKDF2-derived key, grounded on
// mmp-bk/storage/encrypted.go (PBKDF2 key derivation) and
// gentoomaniac-backup-tool/pkg/crypt/aes256 (AES-GCM seal/open).
package codec

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Compressor is the trait interface the core uses for the compression
// module named in a volume's filename.
type Compressor interface {
	ID() string
	Compress(w io.Writer) io.WriteCloser
	Decompress(r io.Reader) (io.ReadCloser, error)
}

// Encryptor is the trait interface for the optional encryption module
// named in a volume's filename.
type Encryptor interface {
	ID() string
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Registry resolves compression/encryption module ids to
// implementations, the capability table spec.md's design notes call for.
type Registry struct {
	compressors map[string]Compressor
	encryptors  map[string]Encryptor
}

// NewRegistry returns a Registry pre-populated with the gzip compressor
// under id "gz" and, if passphrase is non-empty, an AES-256-GCM
// encryptor under id "aes256gcm".
func NewRegistry(passphrase string) (*Registry, error) {
	reg := &Registry{
		compressors: map[string]Compressor{},
		encryptors:  map[string]Encryptor{},
	}
	reg.compressors["gz"] = gzipCompressor{}
	if passphrase != "" {
		enc, err := newAES256GCM(passphrase)
		if err != nil {
			return nil, err
		}
		reg.encryptors[enc.ID()] = enc
	}
	return reg, nil
}

// Compressor resolves a compression module id, or ErrUnknownModule.
func (r *Registry) Compressor(id string) (Compressor, error) {
	c, ok := r.compressors[id]
	if !ok {
		return nil, fmt.Errorf("codec: %w: compression module %q", ErrUnknownModule, id)
	}
	return c, nil
}

// Encryptor resolves an encryption module id, or ErrUnknownModule.
func (r *Registry) Encryptor(id string) (Encryptor, error) {
	if id == "" {
		return nil, nil
	}
	e, ok := r.encryptors[id]
	if !ok {
		return nil, fmt.Errorf("codec: %w: encryption module %q", ErrUnknownModule, id)
	}
	return e, nil
}

// ErrUnknownModule is returned when a volume names a compression or
// encryption module id the registry doesn't have. Per spec.md §4.2
// phase 5, an unresolvable compression module is reported to the
// coordinator as FailedToLoadCompressionModule.
var ErrUnknownModule = fmt.Errorf("module not registered")

///////////////////////////////////////////////////////////////////////////
// gzip compression

type gzipCompressor struct{}

func (gzipCompressor) ID() string { return "gz" }

func (gzipCompressor) Compress(w io.Writer) io.WriteCloser {
	return gzip.NewWriter(w)
}

func (gzipCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

///////////////////////////////////////////////////////////////////////////
// AES-256-GCM encryption

const (
	pbkdf2Iterations = 65536
	pbkdf2KeyLen     = 32
	nonceLen         = 12
)

type aes256gcm struct {
	key  []byte
	salt []byte
}

func newAES256GCM(passphrase string) (*aes256gcm, error) {
	salt := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return &aes256gcm{key: key, salt: salt}, nil
}

// NewAES256GCMWithSalt rebuilds an encryptor from a salt previously
// persisted alongside the repository, so every volume's encryption key
// derives from the same passphrase deterministically.
func NewAES256GCMWithSalt(passphrase string, salt []byte) Encryptor {
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return &aes256gcm{key: key, salt: salt}
}

func (a *aes256gcm) ID() string { return "aes256gcm" }

func (a *aes256gcm) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(a.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

func (a *aes256gcm) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceLen {
		return nil, fmt.Errorf("codec: ciphertext too short")
	}
	nonce, sealed := ciphertext[:nonceLen], ciphertext[nonceLen:]
	block, err := aes.NewCipher(a.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, sealed, nil)
}

// Salt exposes the salt so the caller can persist it as repository
// metadata (mirroring mmp-bk/storage/encrypted.go's "encrypt.txt").
func (a *aes256gcm) Salt() []byte { return a.salt }

// CompressBytes is a convenience wrapper for the common case of
// compressing an entire in-memory buffer (volume archives are built and
// then compressed as a whole before upload).
func CompressBytes(c Compressor, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := c.Compress(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecompressBytes is the inverse of CompressBytes.
func DecompressBytes(c Compressor, data []byte) ([]byte, error) {
	r, err := c.Decompress(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
