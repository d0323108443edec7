package security

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/alovak/virtualcards/internal/cardgen"
	"github.com/alovak/virtualcards/internal/expiry"
)

// CodeWidth is the number of digits in a verification code.
const CodeWidth = 3

// Derived computes the display verification code from public card data.
//
// NOT a security-grade value: anyone holding the number and expiry can
// reproduce it. Deployments that need card-present security must plug in a
// key-backed CodeProvider (see package hsm).
type Derived struct{}

func (Derived) VerificationCode(number string, exp time.Time) (string, error) {
	number = cardgen.NormalizeNumber(number)
	if number == "" || !cardgen.IsDigits(number) {
		return "", fmt.Errorf("card number must be digits only")
	}
	return ComputeVerificationCode(number, exp), nil
}

// ComputeVerificationCode hashes number+MMYY with MD5, reads the first six
// hex characters as an integer and keeps its last three decimal digits.
func ComputeVerificationCode(number string, exp time.Time) string {
	sum := md5.Sum([]byte(number + expiry.MMYY(exp)))
	hx := hex.EncodeToString(sum[:])
	v, _ := strconv.ParseUint(hx[:6], 16, 32)
	return fmt.Sprintf("%03d", v%1000)
}

var _ CodeProvider = Derived{}
