package cryptoutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
)

// Digest is the SHA-256 of a stored payment proof. Object keys use the hex
// form and S3 integrity checks use the base64 form.
type Digest [sha256.Size]byte

func Sum(data []byte) Digest { return sha256.Sum256(data) }

func (d Digest) Hex() string { return hex.EncodeToString(d[:]) }

func (d Digest) Base64() string { return base64.StdEncoding.EncodeToString(d[:]) }

// MatchesBase64 reports whether s is d in base64, in constant time.
func (d Digest) MatchesBase64(s string) bool {
	return subtle.ConstantTimeCompare([]byte(d.Base64()), []byte(s)) == 1
}
