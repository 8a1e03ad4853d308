package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignInOption customizes an email sign-in.
type SignInOption func(*signInOptions)

type signInOptions struct {
	rememberMe bool
}

// WithRememberMe persists the address for the next visit.
func WithRememberMe(remember bool) SignInOption {
	return func(o *signInOptions) {
		o.rememberMe = remember
	}
}

// SignInWithGoogle starts the Google OAuth flow.
func (s *Store) SignInWithGoogle(ctx context.Context) Result {
	return s.SignInWithOAuthProvider(ctx, OAuthGoogle)
}

// SignInWithDiscord starts the Discord OAuth flow.
func (s *Store) SignInWithDiscord(ctx context.Context) Result {
	return s.SignInWithOAuthProvider(ctx, OAuthDiscord)
}

// SignInWithOAuthProvider prepares the provider redirect. The user is not
// set here: control leaves the app, and the state stays loading until the
// callback route resolves.
func (s *Store) SignInWithOAuthProvider(ctx context.Context, provider OAuthProvider) Result {
	req, err := s.oauthRequest(provider)
	if err != nil {
		return failure(err)
	}

	method := string(provider)
	if err := s.allow(ctx, oauthAction(provider), oauthAction(provider), method); err != nil {
		return failure(err)
	}

	if provider == OAuthDiscord {
		s.setLocal(ctx, KeyDiscordAuthAttempt, s.now().UTC().Format(time.RFC3339))
	}

	redirect, err := s.provider.SignInWithOAuth(ctx, req)
	if err != nil {
		s.logger.Error("oauth sign-in failed", "provider", provider, "error", err)
		s.signInFailed(ctx, method, err)
		msg := UserMessage(err)
		s.commit(anyEpoch, "", func(st *AuthState) {
			st.IsLoading = false
			st.Error = msg
		})
		return failure(err)
	}

	s.setLocal(ctx, KeyLastAuthMethod, method)
	s.commit(anyEpoch, "", func(st *AuthState) {
		st.IsLoading = true
		st.Error = ""
	})
	s.record(ctx, ActivityEvent{
		EventType: ActivityEventOAuthStarted,
		Method:    method,
		Metadata:  map[string]any{"redirect_to": req.RedirectTo},
	})
	s.logger.Info("oauth redirect prepared", "provider", provider)

	return Result{Success: true, RedirectURL: redirect.URL}
}

func (s *Store) oauthRequest(provider OAuthProvider) (OAuthRequest, error) {
	req := OAuthRequest{Provider: provider, RedirectTo: s.redirects.CallbackURL()}
	switch provider {
	case OAuthGoogle:
		req.QueryParams = map[string]string{
			"access_type": "offline",
			"prompt":      "consent",
		}
	case OAuthDiscord:
		req.Scopes = []string{"identify", "email"}
	default:
		return req, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return req, nil
}

// SignInWithEmail signs in with a password and loads the user record.
func (s *Store) SignInWithEmail(ctx context.Context, email, password string, opts ...SignInOption) Result {
	options := signInOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	if err := validateCredentials(Credentials{Email: email, Password: password}, "email", "password"); err != nil {
		return failure(err)
	}
	email = NormalizeEmail(email)

	if err := s.allow(ctx, "email_signin", emailSignInAction(email), MethodEmail); err != nil {
		return failure(err)
	}

	s.commit(anyEpoch, "", func(st *AuthState) {
		st.IsLoading = true
		st.Error = ""
	})

	sess, err := s.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		msg := s.passwordFailureMessage(ctx, email, err)
		s.logger.Warn("email sign-in failed", "code", ErrorCode(err), "error", err)
		s.signInFailed(ctx, MethodEmail, err)
		s.commit(anyEpoch, "", func(st *AuthState) {
			st.IsLoading = false
			st.Error = msg
		})
		return Result{Error: msg, Code: ErrorCode(err)}
	}

	s.persistRememberMe(ctx, options.rememberMe, email)
	return s.completeSignIn(ctx, sess, MethodEmail)
}

func (s *Store) completeSignIn(ctx context.Context, sess *Session, method string) Result {
	user, err := s.establish(ctx, sess, method)
	if err != nil {
		return failure(err)
	}
	return Result{Success: true, User: user}
}

// establish loads the record for a fresh session and publishes it.
func (s *Store) establish(ctx context.Context, sess *Session, method string) (*UserProfile, error) {
	if sess == nil {
		return nil, ErrNoSession
	}
	s.setLocal(ctx, KeyLastAuthMethod, method)

	user, err := s.commitLoad(ctx, sess.ID(), func(st *AuthState, err error) {
		*st = AuthState{Error: UserMessage(err)}
	})
	if err != nil {
		s.logger.Error("failed to load user after sign-in", "session_id", sess.ID(), "error", err)
		s.signInFailed(ctx, method, err)
		return nil, err
	}

	s.metrics.signIn(method, "ok")
	s.record(ctx, ActivityEvent{EventType: ActivityEventSignInSuccess, UserID: user.ID, Method: method})
	return user, nil
}

// passwordFailureMessage tells apart wrong credentials on an account that
// was created through an OAuth provider.
func (s *Store) passwordFailureMessage(ctx context.Context, email string, err error) string {
	if ErrorCode(err) != CodeInvalidCredentials {
		return UserMessage(err)
	}

	method := s.getLocal(ctx, KeyLastAuthMethod)
	remembered := s.getLocal(ctx, KeyRememberedEmail)
	if remembered != "" && remembered != email {
		return UserMessage(err)
	}

	switch method {
	case MethodGoogle:
		return "This account was created with Google. Please use \"Continue with Google\" to sign in."
	case MethodDiscord:
		return "This account was created with Discord. Please use \"Continue with Discord\" to sign in."
	}
	return UserMessage(err)
}

func (s *Store) persistRememberMe(ctx context.Context, remember bool, email string) {
	if remember {
		s.setLocal(ctx, KeyRememberMe, "true")
		s.setLocal(ctx, KeyRememberedEmail, email)
		return
	}
	if err := s.local.Delete(ctx, KeyRememberMe); err != nil {
		s.logger.Warn("local storage delete failed", "key", KeyRememberMe, "error", err)
	}
	if err := s.local.Delete(ctx, KeyRememberedEmail); err != nil {
		s.logger.Warn("local storage delete failed", "key", KeyRememberedEmail, "error", err)
	}
}

// RememberedEmail returns the address saved by WithRememberMe(true).
func (s *Store) RememberedEmail(ctx context.Context) (string, bool) {
	if on, _ := strconv.ParseBool(s.getLocal(ctx, KeyRememberMe)); !on {
		return "", false
	}
	email := s.getLocal(ctx, KeyRememberedEmail)
	return email, email != ""
}

// SignUpWithEmail creates an account. When the provider hands back a session
// the user is loaded right away; otherwise ConfirmationRequired is set.
func (s *Store) SignUpWithEmail(ctx context.Context, email, password string) Result {
	if err := validateCredentials(SignUpCredentials{Email: email, Password: password}, "email", "password"); err != nil {
		return failure(err)
	}
	email = NormalizeEmail(email)

	if err := s.allow(ctx, "email_signup", emailSignUpAction(email), MethodEmail); err != nil {
		return failure(err)
	}

	resp, err := s.provider.SignUp(ctx, email, password, s.redirects.CallbackURL())
	if err != nil {
		if !isConfirmationDeliveryFailure(err) {
			s.logger.Warn("sign-up failed", "code", ErrorCode(err), "error", err)
			return failure(err)
		}

		// The account exists even though the confirmation email bounced.
		s.logger.Warn("confirmation email failed after sign-up, signing in", "error", err)
		s.record(ctx, ActivityEvent{EventType: ActivityEventSignUp, Method: MethodEmail,
			Metadata: map[string]any{"confirmation_email_failed": true}})

		sess, serr := s.provider.SignInWithPassword(ctx, email, password)
		if serr != nil {
			s.logger.Warn("sign-in after sign-up failed", "error", serr)
			return Result{Success: true}
		}
		return s.completeSignIn(ctx, sess, MethodEmail)
	}

	s.record(ctx, ActivityEvent{EventType: ActivityEventSignUp, UserID: resp.User.ID, Method: MethodEmail})
	if resp.Session == nil {
		return Result{Success: true, ConfirmationRequired: true}
	}
	return s.completeSignIn(ctx, resp.Session, MethodEmail)
}

func isConfirmationDeliveryFailure(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	if pe.Code == CodeUnexpectedFailure {
		return true
	}
	return strings.Contains(strings.ToLower(pe.Message), "confirmation email")
}

// ResetPassword sends a password reset email.
func (s *Store) ResetPassword(ctx context.Context, email string) Result {
	if err := validateEmail(email); err != nil {
		return failure(err)
	}
	email = NormalizeEmail(email)

	if err := s.allow(ctx, "password_reset", passwordResetAction(email), MethodEmail); err != nil {
		return failure(err)
	}

	if err := s.provider.ResetPasswordForEmail(ctx, email, s.redirects.ResetPasswordURL()); err != nil {
		s.logger.Warn("password reset failed", "code", ErrorCode(err), "error", err)
		return failure(err)
	}

	s.record(ctx, ActivityEvent{EventType: ActivityEventPasswordResetSent, Method: MethodEmail})
	return Result{Success: true}
}

// ResendConfirmationEmail resends the sign-up confirmation email.
func (s *Store) ResendConfirmationEmail(ctx context.Context, email string) Result {
	if err := validateEmail(email); err != nil {
		return failure(err)
	}
	email = NormalizeEmail(email)

	if err := s.allow(ctx, "resend", resendAction(email), MethodEmail); err != nil {
		return failure(err)
	}

	if err := s.provider.Resend(ctx, ResendSignup, email, s.redirects.CallbackURL()); err != nil {
		s.logger.Warn("resend confirmation failed", "code", ErrorCode(err), "error", err)
		return failure(err)
	}
	return Result{Success: true}
}

// allow consults the rate limiter. class is the bounded metrics label for
// action.
func (s *Store) allow(ctx context.Context, class, action, method string) error {
	if s.limiter.Allow(action) {
		return nil
	}

	err := &RateLimitError{Action: class, RetryAfter: s.limiter.RetryAfter(action)}
	s.logger.Warn("rate limited", "action", class, "retry_after", err.RetryAfter)
	s.metrics.limited(class)
	s.metrics.signIn(method, "rate_limited")
	s.record(ctx, ActivityEvent{
		EventType: ActivityEventRateLimited,
		Method:    method,
		Metadata:  map[string]any{"action": class, "retry_after": err.RetryAfter.String()},
	})
	return err
}

func (s *Store) signInFailed(ctx context.Context, method string, err error) {
	s.metrics.signIn(method, "error")
	s.record(ctx, ActivityEvent{
		EventType: ActivityEventSignInFailure,
		Method:    method,
		Metadata:  map[string]any{"code": ErrorCode(err)},
	})
}
