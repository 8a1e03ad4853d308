package auth

import "fmt"

// Persisted app keys in the local store. Every key starting with AppKeyPrefix
// is removed on sign-out.
const (
	AppKeyPrefix          = "vanguard_"
	KeyRememberMe         = AppKeyPrefix + "remember_me"
	KeyRememberedEmail    = AppKeyPrefix + "remembered_email"
	KeyLastAuthMethod     = AppKeyPrefix + "last_auth_method"
	KeyDiscordAuthAttempt = AppKeyPrefix + "discord_auth_attempt"
)

// Auth methods recorded under KeyLastAuthMethod.
const (
	MethodEmail   = "email"
	MethodGoogle  = "google"
	MethodDiscord = "discord"
)

// Rate limiter action identifiers.
const (
	ActionGoogleSignIn  = "google_signin"
	ActionDiscordSignIn = "discord_signin"
)

func emailSignInAction(email string) string   { return "email_signin_" + email }
func emailSignUpAction(email string) string   { return "email_signup_" + email }
func passwordResetAction(email string) string { return "password_reset_" + email }
func resendAction(email string) string        { return "resend_" + email }

func oauthAction(p OAuthProvider) string { return fmt.Sprintf("%s_signin", p) }

func userCacheKey(sessionID string) string  { return "user:" + sessionID }
func trialCacheKey(sessionID string) string { return "trial:" + sessionID }
