package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultPreferences(t *testing.T) {
	now := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	pref := DefaultPreferences("u1", now)

	require.Equal(t, "u1", pref.UserID)
	require.False(t, pref.Email)
	require.True(t, pref.InApp)
	require.False(t, pref.Sound)
	require.Len(t, pref.Categories, len(NotificationCategories))
	for _, c := range NotificationCategories {
		require.True(t, pref.Enabled(c), c)
	}

	// each call gets its own map
	pref.Categories[CategoryCardCreation] = false
	require.True(t, DefaultPreferences("u2", now).Enabled(CategoryCardCreation))
}

func TestPreferenceEnabledFallsBackToDefaults(t *testing.T) {
	pref := NotificationPreference{UserID: "u1"}
	require.True(t, pref.Enabled(CategoryCardDeactivation))
	require.False(t, pref.Enabled("document_upload"))
}

func TestPreferencePatchApply(t *testing.T) {
	now := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)
	pref := DefaultPreferences("u1", now)

	on := true
	patch := PreferencePatch{
		Categories: map[NotificationCategory]bool{CategoryCardDeactivation: false},
		Email:      &on,
	}
	require.NoError(t, patch.Apply(&pref, later))
	require.False(t, pref.Enabled(CategoryCardDeactivation))
	require.True(t, pref.Enabled(CategoryCardActivation))
	require.True(t, pref.Email)
	require.True(t, pref.InApp)
	require.Equal(t, later, pref.UpdatedAt)
	require.Equal(t, now, pref.CreatedAt)

	bad := PreferencePatch{Categories: map[NotificationCategory]bool{"security": false}}
	before := pref.Clone()
	var verr *ValidationError
	require.ErrorAs(t, bad.Apply(&pref, later), &verr)
	require.Equal(t, before, pref)
}

func TestPreferenceClone(t *testing.T) {
	pref := DefaultPreferences("u1", time.Now())
	cp := pref.Clone()
	cp.Categories[CategoryNewRequest] = false
	require.True(t, pref.Enabled(CategoryNewRequest))
}

func TestSeverityAndCategoryValid(t *testing.T) {
	require.True(t, SeverityAlert.Valid())
	require.False(t, Severity("fatal").Valid())
	require.True(t, CategoryNewRequest.Valid())
	require.False(t, NotificationCategory("system").Valid())
}
