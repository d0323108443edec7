package security

import "time"

// CodeProvider derives the 3-digit verification code printed on a card.
// Implementations must be deterministic for a given (number, expiry) so that
// the code can be recomputed on demand.
type CodeProvider interface {
	VerificationCode(number string, expiry time.Time) (string, error)
}
