package upload

import (
	"crypto/sha256"
	"io"
	"strings"
)

// hashingReader wraps a reader with a running SHA-256 digest and byte count,
// computed over the NAR stream as it is read rather than after the fact, so
// UploadDirect never has to buffer the whole NAR body to learn its hash.
// Grounded on original_source's binary-cache crate's HashingReader, minus
// the async polling plumbing Go doesn't need.
type hashingReader struct {
	r    io.Reader
	hash interface {
		io.Writer
		Sum([]byte) []byte
	}
	size int64
}

func newHashingReader(r io.Reader) *hashingReader {
	return &hashingReader{r: r, hash: sha256.New()}
}

func (h *hashingReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if n > 0 {
		h.hash.Write(p[:n])
		h.size += int64(n)
	}
	return n, err
}

// nixBase32 is the lowercase, no-padding base32 alphabet Nix uses for hash
// encodings, distinct from RFC 4648's.
const nixBase32Alphabet = "0123456789abcdfghijklmnpqrsvwxyz"

// Sum returns the hash in Nix's "sha256:<nix32>" form and the total byte
// count observed.
func (h *hashingReader) Sum() (string, int64) {
	digest := h.hash.Sum(nil)
	return "sha256:" + encodeNix32(digest), h.size
}

// encodeNix32 encodes data using Nix's base32 variant: a 32-character
// lowercase alphabet, most-significant-bit-first, with no padding. Output
// characters run from the highest 5-bit group down to the lowest, reading
// input bytes in their natural order; stdlib's base32 package
// uses a different alphabet and bit order entirely, so it cannot be reused.
func encodeNix32(data []byte) string {
	hashLen := len(data) * 8
	outLen := (hashLen-1)/5 + 1
	var b strings.Builder
	b.Grow(outLen)
	for n := outLen - 1; n >= 0; n-- {
		bit := n * 5
		byteIdx := bit / 8
		bitIdx := bit % 8
		var c byte
		c = data[byteIdx] >> bitIdx
		if bitIdx > 3 && byteIdx+1 < len(data) {
			c |= data[byteIdx+1] << (8 - bitIdx)
		}
		b.WriteByte(nixBase32Alphabet[c&0x1f])
	}
	return b.String()
}
