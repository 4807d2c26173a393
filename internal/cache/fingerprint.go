package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// Fingerprint is a 128-bit digest of a file's contents and the transformers
// applied to it. It only needs to be stable and collision resistant enough
// for a build cache, so MD5 is sufficient.
type Fingerprint [md5.Size]byte

// String returns the lowercase hex form used as the entry file name.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// ParseFingerprint parses the hex form produced by String.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil {
		return f, fmt.Errorf("invalid fingerprint %q: %w", s, err)
	}
	if len(b) != len(f) {
		return f, fmt.Errorf("invalid fingerprint %q: want %d bytes, got %d", s, len(f), len(b))
	}
	copy(f[:], b)
	return f, nil
}

// Sum fingerprints contents under the ordered transformer identities. Each
// one is preceded by a NUL byte so ("ab", "c") and ("a", "bc") differ.
func Sum(contents []byte, names []string) Fingerprint {
	h := md5.New()
	h.Write(contents)
	for _, name := range names {
		h.Write([]byte{0})
		h.Write([]byte(name))
	}
	var f Fingerprint
	copy(f[:], h.Sum(nil))
	return f
}

// Salt precomputes the combined identity of a fixed transformer list, for
// deployments that apply every transformer to every file.
func Salt(names []string) Fingerprint {
	return Sum(nil, names)
}

// SumSalted fingerprints contents under a precomputed Salt.
func SumSalted(contents []byte, salt Fingerprint) Fingerprint {
	h := md5.New()
	h.Write(contents)
	h.Write([]byte{0})
	h.Write(salt[:])
	var f Fingerprint
	copy(f[:], h.Sum(nil))
	return f
}
