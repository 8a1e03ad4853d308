// Package sqlstore keeps user records and usage counters in a SQL database
// through bun. It backs the command line client and local development.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	auth "github.com/vanguardgg/go-auth-client"
)

// UserModel is the bun model for user records.
type UserModel struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID                   uuid.UUID      `bun:"id,pk,type:uuid"`
	AuthUserID           string         `bun:"auth_user_id,notnull,unique"`
	Email                string         `bun:"email,notnull,unique"`
	FullName             string         `bun:"full_name"`
	AvatarURL            string         `bun:"avatar_url"`
	Provider             string         `bun:"provider"`
	Tier                 string         `bun:"tier,notnull,default:'free'"`
	OnboardingCompleted  bool           `bun:"onboarding_completed,notnull,default:false"`
	HasProfileSetup      bool           `bun:"has_profile_setup,notnull,default:false"`
	HasSeenSplashScreens bool           `bun:"has_seen_splash_screens,notnull,default:false"`
	HasSeenHowToUse      bool           `bun:"has_seen_how_to_use,notnull,default:false"`
	HasWelcomeMessage    bool           `bun:"has_welcome_message,notnull,default:false"`
	PWAInstalled         bool           `bun:"pwa_installed,notnull,default:false"`
	Preferences          map[string]any `bun:"preferences,type:jsonb"`
	ProfileData          map[string]any `bun:"profile_data,type:jsonb"`
	BehaviorData         map[string]any `bun:"behavior_data,type:jsonb"`
	TrialExpiresAt       *time.Time     `bun:"trial_expires_at"`
	CreatedAt            time.Time      `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt            time.Time      `bun:"updated_at,notnull,default:current_timestamp"`
	LastActivity         *time.Time     `bun:"last_activity"`
}

// UsageModel is the bun model for per-user quota counters.
type UsageModel struct {
	bun.BaseModel `bun:"table:usage,alias:us"`

	AuthUserID string    `bun:"auth_user_id,pk"`
	TextCount  int       `bun:"text_count,notnull,default:0"`
	ImageCount int       `bun:"image_count,notnull,default:0"`
	TextLimit  int       `bun:"text_limit,notnull,default:0"`
	ImageLimit int       `bun:"image_limit,notnull,default:0"`
	UpdatedAt  time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store implements auth.UserBackend on a bun database.
type Store struct {
	db  *bun.DB
	now func() time.Time
}

// New wraps db. Call Migrate before first use.
func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Migrate creates the users and usage tables.
func Migrate(ctx context.Context, db *bun.DB) error {
	for _, model := range []any{(*UserModel)(nil), (*UsageModel)(nil)} {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("sqlstore: create table: %w", err)
		}
	}
	return nil
}

// GetCompleteUserData returns the user joined with its usage counters.
func (s *Store) GetCompleteUserData(ctx context.Context, sessionID string) (*auth.UserRow, error) {
	user, err := s.findUser(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var usage UsageModel
	err = s.db.NewSelect().
		Model(&usage).
		Where("auth_user_id = ?", sessionID).
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	row := toRow(user)
	row.TextCount = usage.TextCount
	row.ImageCount = usage.ImageCount
	row.TextLimit = usage.TextLimit
	row.ImageLimit = usage.ImageLimit
	return row, nil
}

// GetUserRow reads the users table alone.
func (s *Store) GetUserRow(ctx context.Context, sessionID string) (*auth.UserRow, error) {
	user, err := s.findUser(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return toRow(user), nil
}

// CreateUserRecord inserts the user and its usage row in one transaction.
func (s *Store) CreateUserRecord(ctx context.Context, record auth.NewUserRecord) error {
	tier := record.Tier
	if tier == "" {
		tier = auth.TierFree
	}
	textLimit, imageLimit := tier.DefaultLimits()
	now := s.now().UTC()

	user := &UserModel{
		ID:           uuid.New(),
		AuthUserID:   record.AuthUserID,
		Email:        record.Email,
		FullName:     record.FullName,
		AvatarURL:    record.AvatarURL,
		Provider:     record.Provider,
		Tier:         string(tier),
		Preferences:  map[string]any{},
		ProfileData:  map[string]any{},
		BehaviorData: map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	usage := &UsageModel{
		AuthUserID: record.AuthUserID,
		TextLimit:  textLimit,
		ImageLimit: imageLimit,
		UpdatedAt:  now,
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(user).Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewInsert().
			Model(usage).
			On("CONFLICT (auth_user_id) DO NOTHING").
			Exec(ctx)
		return err
	})
	return asConflict("users", err)
}

// UpdateUserProfile replaces profile_data.
func (s *Store) UpdateUserProfile(ctx context.Context, sessionID string, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	res, err := s.db.NewUpdate().
		Model((*UserModel)(nil)).
		Set("profile_data = ?", string(payload)).
		Set("updated_at = ?", s.now().UTC()).
		Where("auth_user_id = ?", sessionID).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.ErrRecordNotFound
	}
	return nil
}

// GetTrialStatus derives the trial state from the tier and trial expiry.
func (s *Store) GetTrialStatus(ctx context.Context, sessionID string) (*auth.TrialStatus, error) {
	user, err := s.findUser(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	status := &auth.TrialStatus{}
	if user.TrialExpiresAt == nil {
		status.Eligible = !auth.ParseTier(user.Tier).IsPaid()
		return status, nil
	}

	expires := user.TrialExpiresAt.UTC()
	status.ExpiresAt = &expires
	status.Active = s.now().Before(expires)
	return status, nil
}

// StartTrial begins a trial of length d for an eligible user.
func (s *Store) StartTrial(ctx context.Context, sessionID string, d time.Duration) error {
	expires := s.now().UTC().Add(d)
	res, err := s.db.NewUpdate().
		Model((*UserModel)(nil)).
		Set("trial_expires_at = ?", expires).
		Set("updated_at = ?", s.now().UTC()).
		Where("auth_user_id = ?", sessionID).
		Where("trial_expires_at IS NULL").
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("sqlstore: trial not available for %s", sessionID)
	}
	return nil
}

// RecordUsage increments the usage counters.
func (s *Store) RecordUsage(ctx context.Context, sessionID string, text, image int) error {
	res, err := s.db.NewUpdate().
		Model((*UsageModel)(nil)).
		Set("text_count = text_count + ?", text).
		Set("image_count = image_count + ?", image).
		Set("updated_at = ?", s.now().UTC()).
		Where("auth_user_id = ?", sessionID).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.ErrRecordNotFound
	}
	return nil
}

func (s *Store) findUser(ctx context.Context, sessionID string) (*UserModel, error) {
	var user UserModel
	err := s.db.NewSelect().
		Model(&user).
		Where("auth_user_id = ?", sessionID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrRecordNotFound
		}
		return nil, err
	}
	return &user, nil
}

func toRow(m *UserModel) *auth.UserRow {
	created := m.CreatedAt
	updated := m.UpdatedAt
	return &auth.UserRow{
		ID:                   m.ID.String(),
		AuthUserID:           m.AuthUserID,
		Email:                m.Email,
		Tier:                 m.Tier,
		OnboardingCompleted:  m.OnboardingCompleted,
		HasProfileSetup:      m.HasProfileSetup,
		HasSeenSplashScreens: m.HasSeenSplashScreens,
		HasSeenHowToUse:      m.HasSeenHowToUse,
		HasWelcomeMessage:    m.HasWelcomeMessage,
		PWAInstalled:         m.PWAInstalled,
		Preferences:          m.Preferences,
		ProfileData:          m.ProfileData,
		BehaviorData:         m.BehaviorData,
		CreatedAt:            &created,
		UpdatedAt:            &updated,
		LastActivity:         m.LastActivity,
	}
}

var (
	sqliteUnique   = regexp.MustCompile(`UNIQUE constraint failed: ([\w.]+)`)
	postgresUnique = regexp.MustCompile(`unique constraint "([^"]+)"`)
)

// asConflict maps driver unique violations onto *auth.ConflictError.
func asConflict(table string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if m := sqliteUnique.FindStringSubmatch(msg); m != nil {
		return &auth.ConflictError{Table: table, Constraint: m[1], Err: err}
	}
	if m := postgresUnique.FindStringSubmatch(msg); m != nil {
		return &auth.ConflictError{Table: table, Constraint: m[1], Err: err}
	}
	if strings.Contains(msg, "23505") {
		return &auth.ConflictError{Table: table, Err: err}
	}
	return err
}

var _ auth.UserBackend = (*Store)(nil)
