package warc

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"hash"
	"io"
)

// SHA1Digest hashes r and returns the base32-uppercase-encoded digest, the
// form used in WARC-Payload-Digest and WARC-Block-Digest (sha1:<digest>).
func SHA1Digest(r io.Reader) (string, error) {
	h := sha1.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return base32.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// SHA1DigestBytes hashes b directly.
func SHA1DigestBytes(b []byte) string {
	h := sha1.New()
	h.Write(b)
	return base32.StdEncoding.EncodeToString(h.Sum(nil))
}

// PayloadDigestHeader formats a digest value the way WARC-Payload-Digest
// and WARC-Block-Digest expect it: "sha1:<base32 digest>".
func PayloadDigestHeader(digest string) string {
	return "sha1:" + digest
}

// NewDigester returns a fresh running SHA1 hash. The capture pipeline
// writes each body chunk to it as the chunk is teed to the client, and
// calls Sum at body-EOF to get the final payload digest without ever
// re-reading the (possibly spilled-to-disk) buffered copy.
func NewDigester() hash.Hash {
	return sha1.New()
}

// DigestString renders a finished hash.Hash as the base32 digest string
// used in WARC-Payload-Digest / WARC-Block-Digest.
func DigestString(h hash.Hash) string {
	return base32.StdEncoding.EncodeToString(h.Sum(nil))
}

// GetSHA1 hashes r and returns the base32 digest, or "ERROR" if r could
// not be fully read. Used by the offline CLI, where a failed hash is
// reported inline rather than via a separate error return.
func GetSHA1(r io.Reader) string {
	digest, err := SHA1Digest(r)
	if err != nil {
		return "ERROR"
	}
	return digest
}

// GetSHA256Base16 hashes r with SHA-256 and returns the lowercase hex
// digest, the alternate WARC-Payload-Digest/WARC-Block-Digest algorithm
// this engine can verify (but never produces itself).
func GetSHA256Base16(r io.Reader) string {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "ERROR"
	}
	return hex.EncodeToString(h.Sum(nil))
}
