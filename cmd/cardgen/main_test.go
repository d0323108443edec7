package main

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alovak/virtualcards/internal/cardgen"
	"github.com/alovak/virtualcards/internal/expiry"
	"github.com/alovak/virtualcards/internal/security"
	"github.com/alovak/virtualcards/internal/tier"
)

func TestNormalizeCardName(t *testing.T) {
	cases := []struct {
		in  string
		out string
	}{
		{"", ""},
		{"   ", ""},
		{"john  doe", "JOHN DOE"},
		{"  Alice\tSmith  ", "ALICE SMITH"},
		{"very very very very very long name here", "VERY VERY VERY VERY VERY L"},
	}
	for _, c := range cases {
		require.Equal(t, c.out, normalizeCardName(c.in), c.in)
	}
}

func TestResolveCategory(t *testing.T) {
	c, err := resolveCategory(decimal.NewFromInt(6000), "")
	require.NoError(t, err)
	require.Equal(t, tier.Platinum, c)

	c, err = resolveCategory(decimal.NewFromInt(100), " Diamond ")
	require.NoError(t, err)
	require.Equal(t, tier.Diamond, c)

	_, err = resolveCategory(decimal.NewFromInt(100), "bronze")
	require.Error(t, err)
}

func TestCheckFace(t *testing.T) {
	number, err := cardgen.GenerateNumber(cardgen.KindTravel)
	require.NoError(t, err)
	exp := expiry.For(tier.Gold, time.Date(2025, time.March, 15, 0, 0, 0, 0, time.UTC))
	require.Equal(t, "03/29", expiry.CardFace(exp))
	code := security.ComputeVerificationCode(number, exp)
	spaced := number[:4] + " " + number[4:8] + " " + number[8:12] + " " + number[12:]

	t.Run("valid card within its month", func(t *testing.T) {
		check, err := checkFace(spaced, "03/29", code, time.Date(2029, time.March, 20, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		require.Equal(t, cardgen.MaskNumber(number), check.Masked)
		require.Equal(t, time.Date(2029, time.March, 31, 0, 0, 0, 0, time.UTC), check.Expiry)
		require.False(t, check.Expired)
		require.True(t, check.CodeMatches)
	})

	t.Run("expired after the printed month", func(t *testing.T) {
		check, err := checkFace(number, "0329", code, time.Date(2029, time.April, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		require.True(t, check.Expired)
	})

	t.Run("wrong or missing code", func(t *testing.T) {
		wrong := "000"
		if code == wrong {
			wrong = "001"
		}
		check, err := checkFace(number, "03/29", wrong, time.Date(2029, time.March, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		require.False(t, check.CodeMatches)

		check, err = checkFace(number, "03/29", "", time.Date(2029, time.March, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		require.False(t, check.CodeMatches)
	})

	t.Run("rejects bad input", func(t *testing.T) {
		_, err := checkFace(number, "13/29", code, time.Now())
		require.Error(t, err)

		last := (number[15]-'0'+1)%10 + '0'
		_, err = checkFace(number[:15]+string(last), "03/29", code, time.Now())
		require.Error(t, err)
	})
}
