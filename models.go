package auth

import (
	"maps"
	"strings"
	"time"
)

// Tier is the subscription tier of a user.
type Tier string

const (
	TierFree        Tier = "free"
	TierPro         Tier = "pro"
	TierVanguardPro Tier = "vanguard_pro"
)

// ParseTier normalizes raw tier values; unknown values fall back to TierFree.
func ParseTier(raw string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierPro:
		return TierPro
	case TierVanguardPro:
		return TierVanguardPro
	default:
		return TierFree
	}
}

// IsPaid reports whether the tier is a paid plan.
func (t Tier) IsPaid() bool {
	return t == TierPro || t == TierVanguardPro
}

// DefaultLimits returns the monthly text and image quotas of a tier.
func (t Tier) DefaultLimits() (text, image int) {
	if t.IsPaid() {
		return 1583, 328
	}
	return 55, 25
}

// OnboardingFlags tracks onboarding and progress milestones.
type OnboardingFlags struct {
	OnboardingCompleted  bool
	HasProfileSetup      bool
	HasSeenSplashScreens bool
	HasSeenHowToUse      bool
	HasWelcomeMessage    bool
	PWAInstalled         bool
}

// Usage holds the usage counters against the tier quota.
type Usage struct {
	TextCount  int
	ImageCount int
	TextLimit  int
	ImageLimit int
}

// TextRemaining returns the remaining text quota, never negative.
func (u Usage) TextRemaining() int { return max(u.TextLimit-u.TextCount, 0) }

// ImageRemaining returns the remaining image quota, never negative.
func (u Usage) ImageRemaining() int { return max(u.ImageLimit-u.ImageCount, 0) }

// UserProfile is the application level projection of a backend user row.
// Profiles are replaced wholesale on reload; treat values as immutable.
type UserProfile struct {
	ID           string
	RecordID     string
	Email        string
	Tier         Tier
	Flags        OnboardingFlags
	Usage        Usage
	Preferences  map[string]any
	ProfileData  map[string]any
	BehaviorData map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastActivity time.Time
}

// Clone returns a deep copy of the profile maps.
func (p *UserProfile) Clone() *UserProfile {
	if p == nil {
		return nil
	}
	c := *p
	c.Preferences = cloneMap(p.Preferences)
	c.ProfileData = cloneMap(p.ProfileData)
	c.BehaviorData = cloneMap(p.BehaviorData)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// UserRow is the raw backend representation of a user record.
type UserRow struct {
	ID                   string         `json:"id"`
	AuthUserID           string         `json:"auth_user_id"`
	Email                string         `json:"email"`
	Tier                 string         `json:"tier"`
	OnboardingCompleted  bool           `json:"onboarding_completed"`
	HasProfileSetup      bool           `json:"has_profile_setup"`
	HasSeenSplashScreens bool           `json:"has_seen_splash_screens"`
	HasSeenHowToUse      bool           `json:"has_seen_how_to_use"`
	HasWelcomeMessage    bool           `json:"has_welcome_message"`
	PWAInstalled         bool           `json:"pwa_installed"`
	TextCount            int            `json:"text_count"`
	ImageCount           int            `json:"image_count"`
	TextLimit            int            `json:"text_limit"`
	ImageLimit           int            `json:"image_limit"`
	Preferences          map[string]any `json:"preferences"`
	ProfileData          map[string]any `json:"profile_data"`
	BehaviorData         map[string]any `json:"behavior_data"`
	CreatedAt            *time.Time     `json:"created_at"`
	UpdatedAt            *time.Time     `json:"updated_at"`
	LastActivity         *time.Time     `json:"last_activity"`
}

// NewUserProfile builds a profile from a backend row. Missing limits are
// filled from the tier defaults.
func NewUserProfile(row *UserRow) *UserProfile {
	if row == nil {
		return nil
	}

	tier := ParseTier(row.Tier)
	textLimit, imageLimit := row.TextLimit, row.ImageLimit
	defText, defImage := tier.DefaultLimits()
	if textLimit <= 0 {
		textLimit = defText
	}
	if imageLimit <= 0 {
		imageLimit = defImage
	}

	id := row.AuthUserID
	if id == "" {
		id = row.ID
	}

	return &UserProfile{
		ID:       id,
		RecordID: row.ID,
		Email:    row.Email,
		Tier:     tier,
		Flags: OnboardingFlags{
			OnboardingCompleted:  row.OnboardingCompleted,
			HasProfileSetup:      row.HasProfileSetup,
			HasSeenSplashScreens: row.HasSeenSplashScreens,
			HasSeenHowToUse:      row.HasSeenHowToUse,
			HasWelcomeMessage:    row.HasWelcomeMessage,
			PWAInstalled:         row.PWAInstalled,
		},
		Usage: Usage{
			TextCount:  row.TextCount,
			ImageCount: row.ImageCount,
			TextLimit:  textLimit,
			ImageLimit: imageLimit,
		},
		Preferences:  orEmpty(row.Preferences),
		ProfileData:  orEmpty(row.ProfileData),
		BehaviorData: orEmpty(row.BehaviorData),
		CreatedAt:    normalizeTime(row.CreatedAt),
		UpdatedAt:    normalizeTime(row.UpdatedAt),
		LastActivity: normalizeTime(row.LastActivity),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return maps.Clone(m)
}

// normalizeTime drops location and monotonic readings so profiles built from
// the same row compare equal.
func normalizeTime(t *time.Time) time.Time {
	if t == nil || t.IsZero() {
		return time.Time{}
	}
	return t.UTC().Round(0)
}

// NewUserRecord is the payload used to provision a missing record.
type NewUserRecord struct {
	AuthUserID string
	Email      string
	FullName   string
	AvatarURL  string
	Provider   string
	Tier       Tier
}

// NewUserRecordFromSession synthesizes a record from the provider session
// payload.
func NewUserRecordFromSession(s *Session) NewUserRecord {
	rec := NewUserRecord{Tier: TierFree}
	if s == nil {
		return rec
	}
	rec.AuthUserID = s.User.ID
	rec.Email = s.User.Email
	rec.Provider = s.User.Provider
	rec.FullName = stringFrom(s.User.Metadata, "full_name", "name", "user_name")
	rec.AvatarURL = stringFrom(s.User.Metadata, "avatar_url", "picture")
	return rec
}

func stringFrom(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// TrialStatus is a point-in-time view of the user's free trial.
type TrialStatus struct {
	Eligible  bool       `json:"is_eligible"`
	Active    bool       `json:"is_active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
