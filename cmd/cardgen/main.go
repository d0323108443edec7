// Command cardgen prints a sample card for a kind and limit without touching
// any store: number, verification code, expiry formats and category.
//
// With -check-number and -check-face it instead reads back a printed card:
// checksum, expiry state and, given -check-code, the verification code.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alovak/virtualcards/internal/cardgen"
	"github.com/alovak/virtualcards/internal/expiry"
	"github.com/alovak/virtualcards/internal/security"
	"github.com/alovak/virtualcards/internal/tier"
)

var (
	flagKind     = flag.String("kind", "personal", "card kind: personal|business|travel|shopping")
	flagLimit    = flag.String("limit", "1000", "requested credit limit")
	flagDate     = flag.String("date", "", "issue date YYYY-MM-DD (defaults to today)")
	flagTZ       = flag.String("tz", "", "IANA timezone for the issue date (defaults to UTC)")
	flagCardName = flag.String("card-name", "", "cardholder name for card face imprint")
	flagShowCode = flag.Bool("show-code", false, "print the verification code")
	flagVerbose  = flag.Bool("verbose", false, "print full number (otherwise masked)")
	flagCategory = flag.String("category", "", "force a category instead of classifying -limit: classic|gold|platinum|diamond")

	flagCheckNumber = flag.String("check-number", "", "card number to check instead of generating one")
	flagCheckFace   = flag.String("check-face", "", "card face expiry MM/YY of the checked card")
	flagCheckCode   = flag.String("check-code", "", "verification code of the checked card")
)

func main() {
	flag.Parse()

	if *flagTZ != "" {
		expiry.SetDefaultExpiryLocation(must1(time.LoadLocation(*flagTZ)))
	}

	if *flagCheckNumber != "" {
		check := must1(checkFace(*flagCheckNumber, *flagCheckFace, *flagCheckCode, time.Now()))
		fmt.Printf("NUMBER: %s (checksum ok)\nEXP: %s  EXPIRED: %t\n", check.Masked, check.Expiry.Format("2006-01-02"), check.Expired)
		if *flagCheckCode != "" {
			fmt.Printf("CODE MATCHES: %t\n", check.CodeMatches)
		}
		if check.Expired || (*flagCheckCode != "" && !check.CodeMatches) {
			os.Exit(2)
		}
		return
	}

	kind := cardgen.Kind(strings.ToLower(strings.TrimSpace(*flagKind)))
	if !kind.Valid() {
		fail("-kind must be one of %v", cardgen.Kinds())
	}
	limit := must1(decimal.NewFromString(*flagLimit))
	if limit.IsNegative() {
		fail("-limit must not be negative")
	}
	now := time.Now()
	if *flagDate != "" {
		now = must1(time.ParseInLocation("2006-01-02", *flagDate, expiry.DefaultLocation()))
	}

	category := must1(resolveCategory(limit, *flagCategory))
	number := must1(cardgen.GenerateNumber(kind))
	exp := expiry.For(category, now)
	code := security.ComputeVerificationCode(number, exp)

	printNumber := cardgen.MaskNumber(number)
	if *flagVerbose {
		printNumber = number + "   (WARNING: printing full number)"
	}

	fmt.Printf("NUMBER: %s\nCATEGORY: %s (%d years)\n", printNumber, category, tier.Years(category))
	fmt.Printf("EXP(card-face): %s  EXP(YYMM): %s  EXP(MMYY): %s\n", expiry.CardFace(exp), expiry.YYMM(exp), expiry.MMYY(exp))
	if cardName := normalizeCardName(*flagCardName); cardName != "" {
		fmt.Printf("NAME(card-face): %s\n", cardName)
	} else {
		fmt.Println("NAME(card-face): (provide --card-name to imprint)")
	}
	if *flagShowCode {
		fmt.Printf("CODE: %s\n", code)
	}
}

// resolveCategory classifies limit unless override names a category.
func resolveCategory(limit decimal.Decimal, override string) (tier.Category, error) {
	if strings.TrimSpace(override) == "" {
		return tier.Classify(limit), nil
	}
	c, ok := tier.Parse(override)
	if !ok {
		return "", fmt.Errorf("-category must be one of classic|gold|platinum|diamond, got %q", override)
	}
	return c, nil
}

type faceCheck struct {
	Masked      string
	Expiry      time.Time
	Expired     bool
	CodeMatches bool
}

// checkFace validates what is printed on a card as of at. An empty code
// leaves CodeMatches false.
func checkFace(number, face, code string, at time.Time) (faceCheck, error) {
	number = cardgen.NormalizeNumber(number)
	if err := cardgen.ValidateNumber(number); err != nil {
		return faceCheck{}, err
	}
	exp, err := expiry.ParseCardFace(face)
	if err != nil {
		return faceCheck{}, err
	}
	code = strings.TrimSpace(code)
	return faceCheck{
		Masked:      cardgen.MaskNumber(number),
		Expiry:      exp,
		Expired:     expiry.IsExpired(exp, at, nil),
		CodeMatches: code != "" && security.ComputeVerificationCode(number, exp) == code,
	}, nil
}

func normalizeCardName(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ""
	}
	normalized := strings.Join(strings.Fields(trimmed), " ")
	up := strings.ToUpper(normalized)
	if len(up) > 26 {
		return up[:26]
	}
	return up
}

func must1[T any](v T, err error) T {
	if err != nil {
		fail("%v", err)
	}
	return v
}

func fail(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
