package registration

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// DetailsHash fingerprints submitted account details so resubmission of
// identical details can be detected. Key order must not change the hash.
func DetailsHash(accountType string, details map[string]string) string {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(accountType))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(details[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}
