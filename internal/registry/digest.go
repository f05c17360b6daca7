package registry

import (
	"crypto/sha1" // #nosec G505 - SHA-1 required for npm registry shasum compatibility
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
)

// DefaultDigest is the algorithm of the registry's published shasum field.
const DefaultDigest = "sha1"

// Digester incrementally computes a hex digest over a byte stream.
type Digester struct {
	algo string
	h    hash.Hash
}

// NewDigester returns a Digester for the named algorithm.  An empty name
// selects DefaultDigest.
func NewDigester(algo string) (*Digester, error) {
	var h hash.Hash
	switch algo {
	case "", "sha1":
		algo = "sha1"
		h = sha1.New() // #nosec G401 - SHA-1 required for npm registry shasum compatibility
	case "sha256":
		h = sha256.New()
	case "sha512":
		h = sha512.New()
	default:
		return nil, errors.New("unknown digest algorithm: " + algo)
	}
	return &Digester{algo: algo, h: h}, nil
}

// Algorithm returns the algorithm name.
func (d *Digester) Algorithm() string {
	return d.algo
}

// Write updates the digest.  It never fails.
func (d *Digester) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

// Sum finalizes and returns the lowercase hex digest of the bytes
// observed so far.  The digester may continue to be written to.
func (d *Digester) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Matches compares the computed digest against an expected value after
// normalization.
func (d *Digester) Matches(expected string) bool {
	return d.Sum() == NormalizeDigest(expected)
}

// NormalizeDigest lowercases and trims an expected hex digest so values
// copied from upstream metadata compare reliably.
func NormalizeDigest(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// DigestWriter is a pass-through writer that forwards every chunk to dst
// unchanged while updating a digest.  It adds no buffering, so upstream
// backpressure is preserved apart from the cost of the hash update.
type DigestWriter struct {
	dst io.Writer
	d   *Digester
}

// NewDigestWriter places a Digester in front of dst.
func NewDigestWriter(dst io.Writer, d *Digester) *DigestWriter {
	return &DigestWriter{dst: dst, d: d}
}

// Write forwards p to the destination and hashes exactly the bytes the
// destination accepted.
func (w *DigestWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	if n > 0 {
		w.d.h.Write(p[:n])
	}
	return n, err
}

// Sum finalizes the digest.
func (w *DigestWriter) Sum() string {
	return w.d.Sum()
}

// CopyWithDigest copies src to dst until EOF or error and returns the hex
// digest computed over the copied bytes along with the byte count.
func CopyWithDigest(dst io.Writer, src io.Reader, algo string) (string, int64, error) {
	d, err := NewDigester(algo)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(NewDigestWriter(dst, d), src)
	if err != nil {
		return "", n, err
	}
	return d.Sum(), n, nil
}
