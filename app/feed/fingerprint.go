package feed

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint identifies an entry by its title, url and raw publication text.
// A republished entry with a changed title or date is a different item.
func Fingerprint(title, url, publishedAt string) string {
	hash := sha256.Sum256([]byte(title + "|" + url + "|" + publishedAt))
	return hex.EncodeToString(hash[:])
}
