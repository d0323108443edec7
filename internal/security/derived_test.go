package security

import (
	"testing"
	"time"

	"github.com/alovak/virtualcards/internal/cardgen"
	"github.com/stretchr/testify/require"
)

func TestComputeVerificationCode_KnownVectors(t *testing.T) {
	jan := time.Date(2030, time.January, 15, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2030, time.February, 15, 0, 0, 0, 0, time.UTC)

	require.Equal(t, "224", ComputeVerificationCode("4111111111111111", jan))
	require.Equal(t, "215", ComputeVerificationCode("4111111111111111", feb))
}

func TestComputeVerificationCode_Deterministic(t *testing.T) {
	exp := time.Date(2029, time.June, 30, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		number, err := cardgen.GenerateNumber(cardgen.KindShopping)
		require.NoError(t, err)

		a := ComputeVerificationCode(number, exp)
		b := ComputeVerificationCode(number, exp)
		require.Equal(t, a, b)
		require.Len(t, a, CodeWidth)
		require.True(t, cardgen.IsDigits(a))
	}
}

// Only month and year feed the code; the day does not.
func TestComputeVerificationCode_IgnoresDay(t *testing.T) {
	a := ComputeVerificationCode("4111111111111111", time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC))
	b := ComputeVerificationCode("4111111111111111", time.Date(2030, time.January, 31, 0, 0, 0, 0, time.UTC))
	require.Equal(t, a, b)
}

func TestComputeVerificationCode_MonthUsuallyChangesCode(t *testing.T) {
	differs := 0
	for i := 0; i < 20; i++ {
		number, err := cardgen.GenerateNumber(cardgen.KindPersonal)
		require.NoError(t, err)
		a := ComputeVerificationCode(number, time.Date(2030, time.March, 1, 0, 0, 0, 0, time.UTC))
		b := ComputeVerificationCode(number, time.Date(2030, time.April, 1, 0, 0, 0, 0, time.UTC))
		if a != b {
			differs++
		}
	}
	require.Greater(t, differs, 10)
}

func TestDerived_RejectsNonDigits(t *testing.T) {
	_, err := Derived{}.VerificationCode("4111x", time.Now())
	require.Error(t, err)

	code, err := Derived{}.VerificationCode("4111 1111 1111 1111", time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, "224", code)
}
