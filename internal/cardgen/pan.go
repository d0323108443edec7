package cardgen

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
)

const (
	// NumberLen is the length of every issued card number.
	NumberLen = 16

	// IssuerBlock follows the kind prefix in every number we issue.
	IssuerBlock = "53280"

	accountDigits = NumberLen - 1 - 1 - len(IssuerBlock)
)

// ErrGenerationExhausted is returned when no unused number could be drawn
// within the retry budget.
var ErrGenerationExhausted = errors.New("card number generation exhausted")

// Kind is the purpose of a card. It selects the leading digit of the number.
type Kind string

const (
	KindPersonal Kind = "personal"
	KindBusiness Kind = "business"
	KindTravel   Kind = "travel"
	KindShopping Kind = "shopping"
)

var kindPrefix = map[Kind]byte{
	KindPersonal: '4',
	KindBusiness: '5',
	KindTravel:   '3',
	KindShopping: '6',
}

// Kinds returns every supported kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindPersonal, KindBusiness, KindTravel, KindShopping}
}

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	_, ok := kindPrefix[k]
	return ok
}

// Prefix returns the leading digit used for k.
func (k Kind) Prefix() (byte, error) {
	p, ok := kindPrefix[k]
	if !ok {
		return 0, fmt.Errorf("unknown card kind %q", k)
	}
	return p, nil
}

// GenerateNumber draws a 16-digit number: kind prefix, issuer block,
// 9 random digits and a Luhn check digit. Uniqueness is the caller's job.
func GenerateNumber(kind Kind) (string, error) {
	prefix, err := kind.Prefix()
	if err != nil {
		return "", err
	}
	digits, err := randomDigits(accountDigits)
	if err != nil {
		return "", fmt.Errorf("rand: %w", err)
	}
	body := string(prefix) + IssuerBlock + digits
	return body + luhnCheckDigit(body), nil
}

// GenerateUniqueNumber draws numbers until exists reports an unused one.
// maxRetries bounds the number of re-draws after the first attempt.
func GenerateUniqueNumber(kind Kind, maxRetries int, exists func(string) (bool, error)) (string, error) {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	for i := 0; i <= maxRetries; i++ {
		number, err := GenerateNumber(kind)
		if err != nil {
			return "", err
		}
		if exists == nil {
			return number, nil
		}
		used, err := exists(number)
		if err != nil {
			return "", fmt.Errorf("exists callback: %w", err)
		}
		if !used {
			return number, nil
		}
	}
	return "", fmt.Errorf("%w: no free number after %d retries", ErrGenerationExhausted, maxRetries)
}

// randomDigits returns count uniformly distributed digits. Bytes >= 250 are
// rejected so that the modulo does not bias low digits.
func randomDigits(count int) (string, error) {
	if count <= 0 {
		return "", nil
	}
	const threshold = 250 // 256 - (256 % 10)
	var sb strings.Builder
	sb.Grow(count)
	buf := make([]byte, 32)
	for sb.Len() < count {
		n, err := rand.Read(buf)
		if err != nil {
			return "", err
		}
		for i := 0; i < n && sb.Len() < count; i++ {
			if b := buf[i]; b < threshold {
				sb.WriteByte('0' + (b % 10))
			}
		}
	}
	return sb.String(), nil
}

// luhnCheckDigit returns the digit that makes body+digit pass the Luhn check.
func luhnCheckDigit(body string) string {
	sum, dbl := 0, true
	for i := len(body) - 1; i >= 0; i-- {
		d := int(body[i] - '0')
		if dbl {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		dbl = !dbl
	}
	cd := (10 - (sum % 10)) % 10
	return string('0' + byte(cd))
}

// ValidateChecksum reports whether number is 16 digits and its last digit is
// the Luhn check digit of the first 15. Luhn catches every single-digit
// substitution but not every adjacent transposition (09 <-> 90).
func ValidateChecksum(number string) bool {
	if len(number) != NumberLen || !IsDigits(number) {
		return false
	}
	return number[NumberLen-1] == luhnCheckDigit(number[:NumberLen-1])[0]
}

// ValidateNumber is ValidateChecksum with a reason attached.
func ValidateNumber(number string) error {
	if number == "" {
		return fmt.Errorf("card number is required")
	}
	if !IsDigits(number) {
		return fmt.Errorf("card number must contain digits only")
	}
	if len(number) != NumberLen {
		return fmt.Errorf("card number must be %d digits (got %d)", NumberLen, len(number))
	}
	if !ValidateChecksum(number) {
		return fmt.Errorf("invalid luhn check digit")
	}
	return nil
}

func IsDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func LastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// MaskNumber renders the card face form shown to owners: only the last four
// digits stay visible.
func MaskNumber(number string) string {
	cleaned := NormalizeNumber(number)
	if cleaned == "" {
		return "****"
	}
	return "**** **** **** " + LastN(cleaned, 4)
}

// NormalizeNumber strips spaces, tabs and dashes.
func NormalizeNumber(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '-':
			return -1
		default:
			return r
		}
	}, s)
}
