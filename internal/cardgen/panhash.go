package cardgen

import (
	"crypto/hmac"
	"crypto/sha256"
)

// HashNumberHMAC computes HMAC-SHA256 over a card number using a secret key.
// Stores index this hash instead of the number. Do not log the input.
func HashNumberHMAC(number string, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(NormalizeNumber(number)))
	return h.Sum(nil)
}
