package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	auth "github.com/vanguardgg/go-auth-client"
)

func TestNewUserProfile(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.FixedZone("CET", 3600))
	row := &auth.UserRow{
		ID:                  "rec-1",
		AuthUserID:          "u-1",
		Email:               "player@example.com",
		Tier:                " PRO ",
		OnboardingCompleted: true,
		TextCount:           2000,
		CreatedAt:           &created,
	}

	p := auth.NewUserProfile(row)
	require.NotNil(t, p)
	assert.Equal(t, "u-1", p.ID)
	assert.Equal(t, "rec-1", p.RecordID)
	assert.Equal(t, auth.TierPro, p.Tier)
	assert.True(t, p.Tier.IsPaid())
	assert.True(t, p.Flags.OnboardingCompleted)
	assert.Equal(t, 1583, p.Usage.TextLimit)
	assert.Equal(t, 328, p.Usage.ImageLimit)
	assert.Equal(t, 0, p.Usage.TextRemaining())
	assert.Equal(t, 328, p.Usage.ImageRemaining())
	assert.Equal(t, time.UTC, p.CreatedAt.Location())
	assert.True(t, p.UpdatedAt.IsZero())
	assert.NotNil(t, p.Preferences)
	assert.NotNil(t, p.ProfileData)

	assert.Nil(t, auth.NewUserProfile(nil))
}

func TestNewUserProfileDefaults(t *testing.T) {
	p := auth.NewUserProfile(&auth.UserRow{ID: "rec-2", Tier: "platinum", TextLimit: 10})
	assert.Equal(t, "rec-2", p.ID)
	assert.Equal(t, auth.TierFree, p.Tier)
	assert.Equal(t, 10, p.Usage.TextLimit)
	assert.Equal(t, 25, p.Usage.ImageLimit)
}

func TestUserProfileClone(t *testing.T) {
	p := auth.NewUserProfile(&auth.UserRow{
		AuthUserID:  "u-1",
		Preferences: map[string]any{"theme": "dark", "audio": map[string]any{"muted": false}},
	})
	c := p.Clone()
	c.Preferences["theme"] = "light"
	c.Preferences["audio"].(map[string]any)["muted"] = true

	assert.Equal(t, "dark", p.Preferences["theme"])
	assert.Equal(t, false, p.Preferences["audio"].(map[string]any)["muted"])

	var nilProfile *auth.UserProfile
	assert.Nil(t, nilProfile.Clone())
}

func TestNewUserRecordFromSession(t *testing.T) {
	rec := auth.NewUserRecordFromSession(&auth.Session{User: auth.SessionUser{
		ID:       "u-1",
		Email:    "gamer@example.com",
		Provider: "discord",
		Metadata: map[string]any{"name": "Gamer", "picture": "https://cdn.example/a.png"},
	}})
	assert.Equal(t, auth.NewUserRecord{
		AuthUserID: "u-1",
		Email:      "gamer@example.com",
		FullName:   "Gamer",
		AvatarURL:  "https://cdn.example/a.png",
		Provider:   "discord",
		Tier:       auth.TierFree,
	}, rec)

	assert.Equal(t, auth.NewUserRecord{Tier: auth.TierFree}, auth.NewUserRecordFromSession(nil))
}
