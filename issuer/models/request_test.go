package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestAgeOn(t *testing.T) {
	now := time.Date(2025, time.March, 10, 15, 0, 0, 0, time.UTC)

	require.Equal(t, 18, AgeOn(time.Date(2007, time.March, 10, 0, 0, 0, 0, time.UTC), now))
	require.Equal(t, 17, AgeOn(time.Date(2007, time.March, 11, 0, 0, 0, 0, time.UTC), now))
	require.Equal(t, 17, AgeOn(time.Date(2007, time.April, 1, 0, 0, 0, 0, time.UTC), now))
	require.Equal(t, 18, AgeOn(time.Date(2007, time.February, 28, 0, 0, 0, 0, time.UTC), now))
	// born on Feb 29, birthday counts as reached on Mar 1 in non-leap years
	require.Equal(t, 18, AgeOn(time.Date(2004, time.February, 29, 0, 0, 0, 0, time.UTC), time.Date(2022, time.March, 1, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, 17, AgeOn(time.Date(2004, time.February, 29, 0, 0, 0, 0, time.UTC), time.Date(2022, time.February, 28, 0, 0, 0, 0, time.UTC)))
}

func validSubmission(now time.Time) SubmitCardRequest {
	return SubmitCardRequest{
		UserID:         "u1",
		Kind:           CardKindBusiness,
		CardName:       "Team travel",
		RequestedLimit: decimal.NewFromInt(6000),
		DateOfBirth:    now.AddDate(-30, 0, 0),
		Reason:         "Need for travel expenses",
	}
}

func TestSubmitCardRequestValidate(t *testing.T) {
	now := time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, validSubmission(now).Validate(now))

	tests := []struct {
		name  string
		field string
		edit  func(*SubmitCardRequest)
	}{
		{"missing user", "user_id", func(s *SubmitCardRequest) { s.UserID = "" }},
		{"unknown kind", "kind", func(s *SubmitCardRequest) { s.Kind = "gift" }},
		{"blank name", "card_name", func(s *SubmitCardRequest) { s.CardName = "   " }},
		{"long name", "card_name", func(s *SubmitCardRequest) {
			b := make([]byte, MaxCardName+1)
			for i := range b {
				b[i] = 'a'
			}
			s.CardName = string(b)
		}},
		{"limit below range", "requested_limit", func(s *SubmitCardRequest) { s.RequestedLimit = decimal.NewFromInt(99) }},
		{"limit above range", "requested_limit", func(s *SubmitCardRequest) { s.RequestedLimit = decimal.RequireFromString("10000.01") }},
		{"negative income", "monthly_income", func(s *SubmitCardRequest) { s.MonthlyIncome = decimal.NewFromInt(-1) }},
		{"short reason", "reason", func(s *SubmitCardRequest) { s.Reason = "  too short  " }},
		{"missing dob", "date_of_birth", func(s *SubmitCardRequest) { s.DateOfBirth = time.Time{} }},
		{"one day short of 18", "date_of_birth", func(s *SubmitCardRequest) { s.DateOfBirth = now.AddDate(-18, 0, 1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSubmission(now)
			tt.edit(&s)

			err := s.Validate(now)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tt.field, verr.Field)
		})
	}

	t.Run("limit bounds are inclusive", func(t *testing.T) {
		s := validSubmission(now)
		s.RequestedLimit = decimal.NewFromInt(100)
		require.NoError(t, s.Validate(now))
		s.RequestedLimit = decimal.NewFromInt(10000)
		require.NoError(t, s.Validate(now))
	})

	t.Run("exactly 18 today", func(t *testing.T) {
		s := validSubmission(now)
		s.DateOfBirth = now.AddDate(-18, 0, 0)
		require.NoError(t, s.Validate(now))
	})
}

func TestCardRequestReview(t *testing.T) {
	at := time.Date(2025, time.June, 2, 10, 0, 0, 0, time.UTC)

	req := &CardRequest{ID: "r1", Status: RequestStatusPending}
	require.NoError(t, req.Review(RequestStatusRejected, "admin", "incomplete", at))
	require.Equal(t, RequestStatusRejected, req.Status)
	require.Equal(t, "admin", req.ReviewerID)
	require.Equal(t, "incomplete", req.ReviewerComments)
	require.Equal(t, at, *req.ReviewedAt)

	err := req.Review(RequestStatusApproved, "admin", "", at)
	var conflict *StateConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, string(RequestStatusRejected), conflict.Status)
	require.Equal(t, RequestStatusRejected, req.Status)

	pending := &CardRequest{ID: "r2", Status: RequestStatusPending}
	var verr *ValidationError
	require.ErrorAs(t, pending.Review(RequestStatusPending, "admin", "", at), &verr)
	require.Equal(t, RequestStatusPending, pending.Status)
	require.Nil(t, pending.ReviewedAt)
}
