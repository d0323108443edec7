package tier

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		limit string
		want  Category
	}{
		{"0", Classic},
		{"100", Classic},
		{"1999", Classic},
		{"1999.99", Classic},
		{"2000", Gold},
		{"4999", Gold},
		{"5000", Platinum},
		{"9999", Platinum},
		{"10000", Diamond},
		{"250000", Diamond},
	}
	for _, c := range cases {
		got := Classify(decimal.RequireFromString(c.limit))
		require.Equal(t, c.want, got, "Classify(%s)", c.limit)
	}
}

func TestYears(t *testing.T) {
	require.Equal(t, 3, Years(Classic))
	require.Equal(t, 4, Years(Gold))
	require.Equal(t, 5, Years(Platinum))
	require.Equal(t, 5, Years(Diamond))
	require.Equal(t, 3, Years(Category("bronze")))
}

func TestParse(t *testing.T) {
	c, ok := Parse(" Gold ")
	require.True(t, ok)
	require.Equal(t, Gold, c)

	_, ok = Parse("bronze")
	require.False(t, ok)
}
