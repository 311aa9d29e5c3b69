package blob

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"github.com/cockroachdb/errors"
)

// Digest identifies a blob. The client treats it as an opaque key: it is
// supplied by the caller and only ever placed in the request path.
type Digest string

// ErrInvalidDigest is returned for digests that cannot be used as a single
// path segment.
var ErrInvalidDigest = errors.New("invalid digest")

// DigestOf returns the hex-encoded SHA-1 of content, which is the key CrateDB
// expects for a blob.
func DigestOf(content []byte) Digest {
	sum := sha1.Sum(content)
	return Digest(hex.EncodeToString(sum[:]))
}

// Validate returns an error if d is empty, is a dot segment, or contains
// characters that would alter the request path.
func (d Digest) Validate() error {
	if d == "" {
		return errors.Wrap(ErrInvalidDigest, "empty digest")
	}
	if d == "." || d == ".." {
		return errors.Wrapf(ErrInvalidDigest, "%q is a dot segment", string(d))
	}
	if i := strings.IndexAny(string(d), "/?#% \t\r\n"); i >= 0 {
		return errors.Wrapf(ErrInvalidDigest, "%q: unexpected character %q", string(d), d[i])
	}
	return nil
}

// String returns the digest as a string.
func (d Digest) String() string {
	return string(d)
}
