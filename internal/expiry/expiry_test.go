package expiry

import (
	"testing"
	"time"

	"github.com/alovak/virtualcards/internal/tier"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestFor(t *testing.T) {
	issued := day(2025, time.January, 15)
	cases := []struct {
		c    tier.Category
		want time.Time
	}{
		{tier.Classic, day(2028, time.January, 15)},
		{tier.Gold, day(2029, time.January, 15)},
		{tier.Platinum, day(2030, time.January, 15)},
		{tier.Diamond, day(2030, time.January, 15)},
	}
	for _, c := range cases {
		if got := For(c.c, issued); !got.Equal(c.want) {
			t.Fatalf("For(%s) got %v want %v", c.c, got, c.want)
		}
	}
}

func TestFor_TruncatesToDate(t *testing.T) {
	issued := time.Date(2025, time.January, 15, 23, 59, 1, 5, time.UTC)
	if got := For(tier.Classic, issued); !got.Equal(day(2028, time.January, 15)) {
		t.Fatalf("got %v", got)
	}
}

// A leap-day issue clamps to Feb 28 when the target year has no Feb 29.
func TestFor_LeapDayClampsToFeb28(t *testing.T) {
	issued := day(2028, time.February, 29)
	if got := For(tier.Classic, issued); !got.Equal(day(2031, time.February, 28)) {
		t.Fatalf("classic got %v want 2031-02-28", got)
	}
	if got := For(tier.Gold, issued); !got.Equal(day(2032, time.February, 29)) {
		t.Fatalf("gold got %v want 2032-02-29", got)
	}
}

func TestAddYears_CenturyRule(t *testing.T) {
	if got := AddYears(day(2096, time.February, 29), 4); !got.Equal(day(2100, time.February, 28)) {
		t.Fatalf("2100 is not leap, got %v", got)
	}
	if got := AddYears(day(1996, time.February, 29), 4); !got.Equal(day(2000, time.February, 29)) {
		t.Fatalf("2000 is leap, got %v", got)
	}
}

func TestFormats(t *testing.T) {
	exp := day(2030, time.December, 15)
	if got := YYMM(exp); got != "3012" {
		t.Fatalf("YYMM got %s want %s", got, "3012")
	}
	if got := MMYY(exp); got != "1230" {
		t.Fatalf("MMYY got %s want %s", got, "1230")
	}
	if got := CardFace(exp); got != "12/30" {
		t.Fatalf("CardFace got %s want %s", got, "12/30")
	}
}

func TestIsExpired(t *testing.T) {
	exp := day(2030, time.February, 28)
	if IsExpired(exp, time.Date(2030, time.February, 28, 23, 59, 59, 0, time.UTC), time.UTC) {
		t.Fatalf("expected not expired during the expiry day")
	}
	if !IsExpired(exp, day(2030, time.March, 1), time.UTC) {
		t.Fatalf("expected expired the day after")
	}
}

func TestValidateYYMM(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"3002", true}, {"9912", true}, {"0001", true},
		{"123", false}, {"12a4", false}, {"3013", false}, {"0000", false},
	}
	for _, c := range cases {
		err := ValidateYYMM(c.in)
		if (err == nil) != c.ok {
			t.Fatalf("ValidateYYMM(%s) ok=%v got err=%v", c.in, c.ok, err)
		}
	}
}

func TestParseCardFace(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"10/30", day(2030, time.October, 31)},
		{" 1030 ", day(2030, time.October, 31)},
		{"02/28", day(2028, time.February, 29)},
		{"02/30", day(2030, time.February, 28)},
		{"12/29", day(2029, time.December, 31)},
	}
	for _, c := range cases {
		got, err := ParseCardFace(c.in)
		if err != nil || !got.Equal(c.want) {
			t.Fatalf("ParseCardFace(%q) got %v err=%v want %v", c.in, got, err, c.want)
		}
	}
	for _, bad := range []string{"13/30", "00/30", "1/30", "ab/cd", ""} {
		if _, err := ParseCardFace(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestParseCardFaceRoundTrip(t *testing.T) {
	exp := For(tier.Gold, day(2025, time.March, 15))
	face, err := ParseCardFace(CardFace(exp))
	if err != nil {
		t.Fatal(err)
	}
	if MMYY(face) != MMYY(exp) {
		t.Fatalf("MMYY got %s want %s", MMYY(face), MMYY(exp))
	}
	if IsExpired(face, exp, nil) {
		t.Fatalf("card face %v expired at printed expiry %v", face, exp)
	}
}
