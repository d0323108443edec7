package models

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "pending"
	RequestStatusApproved RequestStatus = "approved"
	RequestStatusRejected RequestStatus = "rejected"
)

type Decision = RequestStatus

const (
	MinAge          = 18
	MinReasonLength = 10
	MaxCardName     = 100
)

var (
	MinRequestedLimit = decimal.NewFromInt(100)
	MaxRequestedLimit = decimal.NewFromInt(10000)
)

type CardRequest struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	Kind             CardKind        `json:"kind"`
	CardName         string          `json:"card_name"`
	RequestedLimit   decimal.Decimal `json:"requested_limit"`
	DateOfBirth      time.Time       `json:"date_of_birth"`
	AgeVerified      bool            `json:"age_verified"`
	PhoneNumber      string          `json:"phone_number,omitempty"`
	EmergencyContact string          `json:"emergency_contact,omitempty"`
	Profession       string          `json:"profession,omitempty"`
	MonthlyIncome    decimal.Decimal `json:"monthly_income"`
	Reason           string          `json:"reason"`
	Status           RequestStatus   `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	ReviewedAt       *time.Time      `json:"reviewed_at,omitempty"`
	ReviewerID       string          `json:"reviewer_id,omitempty"`
	ReviewerComments string          `json:"reviewer_comments,omitempty"`
	IssuedCardID     string          `json:"issued_card_id,omitempty"`
}

// Review records the reviewer's decision on a pending request.
func (r *CardRequest) Review(decision Decision, reviewerID, comments string, at time.Time) error {
	if r.Status != RequestStatusPending {
		return &StateConflictError{
			Entity:  "card request",
			ID:      r.ID,
			Status:  string(r.Status),
			Message: "request has already been reviewed, current status: " + string(r.Status),
		}
	}
	if decision != RequestStatusApproved && decision != RequestStatusRejected {
		return invalid("decision", "must be approved or rejected, got %q", decision)
	}
	r.Status = decision
	r.ReviewedAt = &at
	r.ReviewerID = reviewerID
	r.ReviewerComments = comments
	return nil
}

type SubmitCardRequest struct {
	UserID           string
	Kind             CardKind
	CardName         string
	RequestedLimit   decimal.Decimal
	DateOfBirth      time.Time
	PhoneNumber      string
	EmergencyContact string
	Profession       string
	MonthlyIncome    decimal.Decimal
	Reason           string
}

// Validate checks the submission as of now. The duplicate-pending rule needs
// storage and is enforced by the service.
func (s SubmitCardRequest) Validate(now time.Time) error {
	if s.UserID == "" {
		return invalid("user_id", "is required")
	}
	if !s.Kind.Valid() {
		return invalid("kind", "unknown card kind %q", s.Kind)
	}
	name := strings.TrimSpace(s.CardName)
	if name == "" {
		return invalid("card_name", "is required")
	}
	if utf8.RuneCountInString(name) > MaxCardName {
		return invalid("card_name", "must be at most %d characters", MaxCardName)
	}
	if s.RequestedLimit.LessThan(MinRequestedLimit) || s.RequestedLimit.GreaterThan(MaxRequestedLimit) {
		return invalid("requested_limit", "must be between %s and %s", MinRequestedLimit, MaxRequestedLimit)
	}
	if s.MonthlyIncome.IsNegative() {
		return invalid("monthly_income", "must not be negative")
	}
	if utf8.RuneCountInString(strings.TrimSpace(s.Reason)) < MinReasonLength {
		return invalid("reason", "must be at least %d characters", MinReasonLength)
	}
	if s.DateOfBirth.IsZero() {
		return invalid("date_of_birth", "is required")
	}
	if AgeOn(s.DateOfBirth, now) < MinAge {
		return invalid("date_of_birth", "applicant must be at least %d years old", MinAge)
	}
	return nil
}

// AgeOn is the number of whole years between dob and now. Only the calendar
// date of each value is considered.
func AgeOn(dob, now time.Time) int {
	age := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		age--
	}
	return age
}
