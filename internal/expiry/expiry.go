package expiry

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alovak/virtualcards/internal/tier"
)

var defaultLoc = time.UTC

// SetDefaultExpiryLocation sets the location used to derive calendar dates
// (fallback UTC).
func SetDefaultExpiryLocation(loc *time.Location) {
	if loc != nil {
		defaultLoc = loc
	}
}

// DefaultLocation returns the location set by SetDefaultExpiryLocation.
func DefaultLocation() *time.Location {
	return defaultLoc
}

// Date truncates t to midnight of its calendar day in the default location.
func Date(t time.Time) time.Time {
	t = t.In(defaultLoc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, defaultLoc)
}

// For returns the expiry date of a card of category c issued on issuedOn.
func For(c tier.Category, issuedOn time.Time) time.Time {
	return AddYears(Date(issuedOn), tier.Years(c))
}

// AddYears moves t forward by years keeping month and day. A Feb 29 that
// lands on a non-leap year is clamped to Feb 28 instead of rolling into March.
func AddYears(t time.Time, years int) time.Time {
	y := t.Year() + years
	d := t.Day()
	if t.Month() == time.February && d == 29 && !isLeap(y) {
		d = 28
	}
	return time.Date(y, t.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func isLeap(y int) bool {
	return y%4 == 0 && (y%100 != 0 || y%400 == 0)
}

// YYMM formats an expiry date as YYMM.
func YYMM(exp time.Time) string {
	return fmt.Sprintf("%02d%02d", exp.Year()%100, int(exp.Month()))
}

// MMYY formats an expiry date as MMYY, the token the verification code is
// derived from.
func MMYY(exp time.Time) string {
	return fmt.Sprintf("%02d%02d", int(exp.Month()), exp.Year()%100)
}

// CardFace returns expiry as MM/YY for card imprint.
func CardFace(exp time.Time) string {
	return fmt.Sprintf("%02d/%02d", int(exp.Month()), exp.Year()%100)
}

// IsExpired reports whether at is past the end of the expiry day in loc.
func IsExpired(exp, at time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = defaultLoc
	}
	e := exp.In(loc)
	end := time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1).Add(-time.Nanosecond)
	return at.In(loc).After(end)
}

// ParseCardFace reads an imprinted MM/YY (or MMYY) back into a date. A card
// face only carries the month, so the card is good through its last day.
func ParseCardFace(in string) (time.Time, error) {
	s := strings.ReplaceAll(strings.TrimSpace(in), "/", "")
	if len(s) != 4 {
		return time.Time{}, fmt.Errorf("card face must be MM/YY, got %q", in)
	}
	yymm := s[2:] + s[:2]
	if err := ValidateYYMM(yymm); err != nil {
		return time.Time{}, err
	}
	yy, _ := strconv.Atoi(yymm[:2])
	mm, _ := strconv.Atoi(yymm[2:])
	return time.Date(2000+yy, time.Month(mm)+1, 1, 0, 0, 0, 0, defaultLoc).AddDate(0, 0, -1), nil
}

// ValidateYYMM checks the YYMM shape and that the month is 01..12.
func ValidateYYMM(yymm string) error {
	if len(yymm) != 4 {
		return fmt.Errorf("expiry must be YYMM (4 digits)")
	}
	for i := 0; i < 4; i++ {
		if yymm[i] < '0' || yymm[i] > '9' {
			return fmt.Errorf("expiry must be digits: YYMM")
		}
	}
	mm := int(yymm[2]-'0')*10 + int(yymm[3]-'0')
	if mm < 1 || mm > 12 {
		return fmt.Errorf("expiry month must be 01..12")
	}
	return nil
}
