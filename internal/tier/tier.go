// Package tier maps an approved credit limit to a card category and a
// category to its validity horizon.
package tier

import (
	"strings"

	"github.com/shopspring/decimal"
)

type Category string

const (
	Classic  Category = "classic"
	Gold     Category = "gold"
	Platinum Category = "platinum"
	Diamond  Category = "diamond"
)

var (
	diamondFloor  = decimal.NewFromInt(10000)
	platinumFloor = decimal.NewFromInt(5000)
	goldFloor     = decimal.NewFromInt(2000)
)

// years is the validity horizon per category.
var years = map[Category]int{
	Classic:  3,
	Gold:     4,
	Platinum: 5,
	Diamond:  5,
}

// Classify bands a limit high to low; the first floor reached wins.
func Classify(limit decimal.Decimal) Category {
	switch {
	case limit.GreaterThanOrEqual(diamondFloor):
		return Diamond
	case limit.GreaterThanOrEqual(platinumFloor):
		return Platinum
	case limit.GreaterThanOrEqual(goldFloor):
		return Gold
	default:
		return Classic
	}
}

// Years returns the validity horizon for c. Unknown categories get the
// classic horizon.
func Years(c Category) int {
	if y, ok := years[c]; ok {
		return y
	}
	return years[Classic]
}

func (c Category) Valid() bool {
	_, ok := years[c]
	return ok
}

// Parse accepts a category name in any case.
func Parse(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	return c, c.Valid()
}
