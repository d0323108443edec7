package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alovak/virtualcards/internal/cardgen"
	"github.com/alovak/virtualcards/internal/tier"
)

type CardKind = cardgen.Kind

const (
	CardKindPersonal = cardgen.KindPersonal
	CardKindBusiness = cardgen.KindBusiness
	CardKindTravel   = cardgen.KindTravel
	CardKindShopping = cardgen.KindShopping
)

type CardCategory = tier.Category

type CardStatus string

const (
	CardStatusPending  CardStatus = "pending"
	CardStatusActive   CardStatus = "active"
	CardStatusBlocked  CardStatus = "blocked"
	CardStatusExpired  CardStatus = "expired"
	CardStatusRejected CardStatus = "rejected"
)

// Terminal statuses never change again.
func (s CardStatus) Terminal() bool {
	return s == CardStatusExpired || s == CardStatusRejected
}

type Card struct {
	ID               string          `json:"id"`
	RequestID        string          `json:"request_id,omitempty"`
	OwnerID          string          `json:"owner_id"`
	Name             string          `json:"name"`
	Number           string          `json:"number"`
	VerificationCode string          `json:"verification_code"`
	Expiry           time.Time       `json:"expiry"`
	Kind             CardKind        `json:"kind"`
	Category         CardCategory    `json:"category"`
	Status           CardStatus      `json:"status"`
	Balance          decimal.Decimal `json:"balance"`
	CreditLimit      decimal.Decimal `json:"credit_limit"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Transition is the status change an operation performed. From == To means
// the operation was a no-op and must not notify anyone.
type Transition struct {
	From CardStatus
	To   CardStatus
}

func (t Transition) Changed() bool {
	return t.From != t.To
}

func (c *Card) conflict(msg string) *StateConflictError {
	return &StateConflictError{Entity: "card", ID: c.ID, Status: string(c.Status), Message: msg}
}

// Activate moves a pending or blocked card to active.
func (c *Card) Activate() (Transition, error) {
	switch c.Status {
	case CardStatusPending, CardStatusBlocked:
		t := Transition{From: c.Status, To: CardStatusActive}
		c.Status = CardStatusActive
		return t, nil
	case CardStatusActive:
		return Transition{}, c.conflict("card is already active")
	case CardStatusExpired:
		return Transition{}, c.conflict("cannot activate an expired card")
	case CardStatusRejected:
		return Transition{}, c.conflict("cannot activate a rejected card")
	default:
		return Transition{}, c.conflict("card cannot be activated, current status: " + string(c.Status))
	}
}

// Block moves a pending or active card to blocked. Blocking a blocked card is
// an unchanged no-op; terminal cards cannot be blocked.
func (c *Card) Block() (Transition, error) {
	if c.Status.Terminal() {
		return Transition{}, c.conflict("cannot block a card that is " + string(c.Status))
	}
	t := Transition{From: c.Status, To: CardStatusBlocked}
	c.Status = CardStatusBlocked
	return t, nil
}

// SoftDelete marks the card expired. The record is kept for audit. Already
// terminal cards are left untouched.
func (c *Card) SoftDelete() Transition {
	if c.Status.Terminal() {
		return Transition{From: c.Status, To: c.Status}
	}
	t := Transition{From: c.Status, To: CardStatusExpired}
	c.Status = CardStatusExpired
	return t
}

// IsValid is the structural gate for balance-affecting operations.
func (c *Card) IsValid() bool {
	return len(c.Number) == cardgen.NumberLen && len(c.VerificationCode) == 3
}

func (c *Card) CanSpend(amount decimal.Decimal) bool {
	return c.Status == CardStatusActive && c.Balance.GreaterThanOrEqual(amount)
}

// MaskedNumber is the form shown in lists.
func (c *Card) MaskedNumber() string {
	return cardgen.MaskNumber(c.Number)
}
