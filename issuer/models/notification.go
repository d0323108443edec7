package models

import (
	"time"
)

type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityAlert   Severity = "alert"
)

var Severities = []Severity{SeveritySuccess, SeverityError, SeverityInfo, SeverityWarning, SeverityAlert}

func (s Severity) Valid() bool {
	for _, v := range Severities {
		if v == s {
			return true
		}
	}
	return false
}

type NotificationCategory string

const (
	CategoryCardCreation     NotificationCategory = "card_creation"
	CategoryCardApproval     NotificationCategory = "card_approval"
	CategoryCardRejection    NotificationCategory = "card_rejection"
	CategoryCardActivation   NotificationCategory = "card_activation"
	CategoryCardDeactivation NotificationCategory = "card_deactivation"
	CategoryNewRequest       NotificationCategory = "new_request"
)

var NotificationCategories = []NotificationCategory{
	CategoryCardCreation,
	CategoryCardApproval,
	CategoryCardRejection,
	CategoryCardActivation,
	CategoryCardDeactivation,
	CategoryNewRequest,
}

func (c NotificationCategory) Valid() bool {
	_, ok := defaultCategoryFlags[c]
	return ok
}

type NotificationEvent struct {
	ID               string               `json:"id"`
	UserID           string               `json:"user_id"`
	Title            string               `json:"title"`
	Body             string               `json:"body"`
	Severity         Severity             `json:"severity"`
	Category         NotificationCategory `json:"category"`
	RelatedCardID    string               `json:"related_card_id,omitempty"`
	RelatedRequestID string               `json:"related_request_id,omitempty"`
	ActionURL        string               `json:"action_url,omitempty"`
	Important        bool                 `json:"important"`
	Read             bool                 `json:"read"`
	ReadAt           *time.Time           `json:"read_at,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
}

type NotificationPreference struct {
	UserID     string                        `json:"user_id"`
	Categories map[NotificationCategory]bool `json:"categories"`
	Email      bool                          `json:"email"`
	InApp      bool                          `json:"in_app"`
	Sound      bool                          `json:"sound"`
	CreatedAt  time.Time                     `json:"created_at"`
	UpdatedAt  time.Time                     `json:"updated_at"`
}

// Every category is delivered until the user opts out.
var defaultCategoryFlags = map[NotificationCategory]bool{
	CategoryCardCreation:     true,
	CategoryCardApproval:     true,
	CategoryCardRejection:    true,
	CategoryCardActivation:   true,
	CategoryCardDeactivation: true,
	CategoryNewRequest:       true,
}

const (
	defaultEmail = false
	defaultInApp = true
	defaultSound = false
)

// DefaultPreferences is the row created the first time a user is looked up.
func DefaultPreferences(userID string, now time.Time) NotificationPreference {
	flags := make(map[NotificationCategory]bool, len(defaultCategoryFlags))
	for c, v := range defaultCategoryFlags {
		flags[c] = v
	}
	return NotificationPreference{
		UserID:     userID,
		Categories: flags,
		Email:      defaultEmail,
		InApp:      defaultInApp,
		Sound:      defaultSound,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Enabled reports whether events of category c are delivered. Categories
// missing from a stored row fall back to the default table.
func (p NotificationPreference) Enabled(c NotificationCategory) bool {
	if v, ok := p.Categories[c]; ok {
		return v
	}
	return defaultCategoryFlags[c]
}

func (p NotificationPreference) Clone() NotificationPreference {
	out := p
	out.Categories = make(map[NotificationCategory]bool, len(p.Categories))
	for c, v := range p.Categories {
		out.Categories[c] = v
	}
	return out
}

// PreferencePatch changes only the fields that are set.
type PreferencePatch struct {
	Categories map[NotificationCategory]bool
	Email      *bool
	InApp      *bool
	Sound      *bool
}

func (p PreferencePatch) Apply(pref *NotificationPreference, now time.Time) error {
	for c := range p.Categories {
		if !c.Valid() {
			return invalid("categories", "unknown notification category %q", c)
		}
	}
	if pref.Categories == nil {
		pref.Categories = make(map[NotificationCategory]bool, len(p.Categories))
	}
	for c, v := range p.Categories {
		pref.Categories[c] = v
	}
	if p.Email != nil {
		pref.Email = *p.Email
	}
	if p.InApp != nil {
		pref.InApp = *p.InApp
	}
	if p.Sound != nil {
		pref.Sound = *p.Sound
	}
	pref.UpdatedAt = now
	return nil
}

// NotificationStats summarizes a user's inbox.
type NotificationStats struct {
	Total            int              `json:"total"`
	Unread           int              `json:"unread"`
	ImportantUnread  int              `json:"important_unread"`
	UnreadBySeverity map[Severity]int `json:"unread_by_severity"`
}

func (s NotificationStats) HasUnread() bool {
	return s.Unread > 0
}
