package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Skotchmaster/bonebuddy/pkg/hash"
	"github.com/Skotchmaster/bonebuddy/pkg/logging"
	"github.com/Skotchmaster/bonebuddy/pkg/tokens"
	"github.com/Skotchmaster/bonebuddy/services/auth/internal/models"
	"github.com/Skotchmaster/bonebuddy/services/auth/internal/otp"
	"github.com/Skotchmaster/bonebuddy/services/auth/internal/repo"
	"github.com/Skotchmaster/bonebuddy/services/auth/internal/transport"
)

const (
	DefaultAccessTTL      = 15 * time.Minute
	DefaultRefreshTTL     = 7 * 24 * time.Hour
	DefaultOTPTTL         = 5 * time.Minute
	DefaultResendInterval = 30 * time.Second
	DefaultMaxAttempts    = 5

	EventUserLoggedIn = "user.logged_in"

	eventTimeout = 5 * time.Second
)

var phoneRe = regexp.MustCompile(`^\+?[1-9][0-9]{7,14}$`)

// EventPublisher is satisfied by mykafka.Producer.
type EventPublisher interface {
	PublishEvent(ctx context.Context, topic, key string, event any) error
}

type AuthService struct {
	Repo          *repo.GormRepo
	JWTSecret     []byte
	RefreshSecret []byte
	Sender        otp.Sender

	// Events is optional.
	Events      EventPublisher
	EventsTopic string

	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	OTPTTL         time.Duration
	ResendInterval time.Duration
	MaxAttempts    int
	// BcryptCost below bcrypt.MinCost means the default cost.
	BcryptCost int

	Now func() time.Time
}

func (s *AuthService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (s *AuthService) maxAttempts() int {
	if s.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return s.MaxAttempts
}

// NormalizePhone strips spaces, dashes and brackets and checks the result
// looks like an international number.
func NormalizePhone(phone string) (string, error) {
	p := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')':
			return -1
		}
		return r
	}, strings.TrimSpace(phone))
	if !phoneRe.MatchString(p) {
		return "", fmt.Errorf("%w: phone must be in international format", ErrValidation)
	}
	if !strings.HasPrefix(p, "+") {
		p = "+" + p
	}
	return p, nil
}

func (s *AuthService) RequestOTP(ctx context.Context, phone string) (time.Time, error) {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return time.Time{}, err
	}
	l := logging.FromContext(ctx).With("svc", "auth.otp_request", "phone", logging.MaskPhone(phone))
	now := s.now()

	last, err := s.Repo.LatestChallenge(ctx, phone)
	if err != nil {
		l.Error("otp_request_error", "status", 500, "error", err)
		return time.Time{}, err
	}
	if last != nil && now.Sub(last.CreatedAt) < orDefault(s.ResendInterval, DefaultResendInterval) {
		l.Warn("otp_request_error", "status", 429, "reason", "rate limited")
		return time.Time{}, ErrRateLimited
	}

	code, err := otp.NewCode()
	if err != nil {
		return time.Time{}, err
	}
	codeHash, err := hash.Secret(code, s.BcryptCost)
	if err != nil {
		return time.Time{}, err
	}

	challenge := &models.OTPChallenge{
		Phone:     phone,
		CodeHash:  codeHash,
		ExpiresAt: now.Add(orDefault(s.OTPTTL, DefaultOTPTTL)),
		CreatedAt: now,
	}
	if err := s.Repo.CreateChallenge(ctx, challenge); err != nil {
		l.Error("otp_request_error", "status", 500, "error", err)
		return time.Time{}, err
	}

	if err := s.Sender.Send(ctx, phone, code); err != nil {
		l.Error("otp_request_error", "status", 500, "reason", "delivery failed", "error", err)
		return time.Time{}, fmt.Errorf("deliver otp: %w", err)
	}

	l.Info("otp_requested", "expires_at", challenge.ExpiresAt)
	return challenge.ExpiresAt, nil
}

// VerifyOTP checks the latest code sent to phone and logs the user in,
// creating a patient account on first login.
func (s *AuthService) VerifyOTP(ctx context.Context, phone, code string) (*transport.LoginResult, error) {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	code = strings.TrimSpace(code)
	if len(code) != otp.CodeLength {
		return nil, fmt.Errorf("%w: code must have %d digits", ErrValidation, otp.CodeLength)
	}
	l := logging.FromContext(ctx).With("svc", "auth.otp_verify", "phone", logging.MaskPhone(phone))

	challenge, err := s.Repo.LatestChallenge(ctx, phone)
	if err != nil {
		return nil, err
	}
	if challenge == nil || challenge.Consumed || !challenge.ExpiresAt.After(s.now()) {
		l.Warn("otp_verify_error", "status", 401, "reason", "no active code")
		return nil, ErrInvalidCode
	}

	counted, err := s.Repo.RegisterAttempt(ctx, challenge.ID, s.maxAttempts())
	if err != nil {
		return nil, err
	}
	if !counted {
		l.Warn("otp_verify_error", "status", 429, "reason", "attempts exhausted")
		return nil, ErrTooManyAttempts
	}

	if !hash.CheckSecret(challenge.CodeHash, code) {
		l.Warn("otp_verify_error", "status", 401, "reason", "wrong code", "attempt", challenge.Attempts+1)
		return nil, ErrInvalidCode
	}

	consumed, err := s.Repo.ConsumeChallenge(ctx, challenge.ID)
	if err != nil {
		return nil, err
	}
	if !consumed {
		return nil, ErrInvalidCode
	}

	user, created, err := s.Repo.FindOrCreateUser(ctx, phone, tokens.RolePatient)
	if err != nil {
		l.Error("otp_verify_error", "status", 500, "error", err)
		return nil, err
	}

	res, err := s.issue(ctx, user)
	if err != nil {
		l.Error("otp_verify_error", "status", 500, "reason", "issue tokens", "error", err)
		return nil, err
	}
	res.NewUser = created

	s.publishLogin(ctx, res)
	l.Info("login_successful", "user_id", user.ID, "new_user", created)
	return res, nil
}

func (s *AuthService) issue(ctx context.Context, user *models.User) (*transport.LoginResult, error) {
	now := s.now()
	accessExp := now.Add(orDefault(s.AccessTTL, DefaultAccessTTL))
	access, err := tokens.NewAccessToken(user.ID, user.Role, accessExp, s.JWTSecret)
	if err != nil {
		return nil, err
	}

	refreshExp := now.Add(orDefault(s.RefreshTTL, DefaultRefreshTTL))
	refresh, jti, err := tokens.NewRefreshToken(user.ID, refreshExp, s.RefreshSecret)
	if err != nil {
		return nil, err
	}

	if err := s.Repo.StoreRefreshToken(ctx, &models.RefreshToken{
		UserID:    user.ID,
		TokenHash: hash.Sha256Hex(refresh),
		JTI:       jti,
		ExpiresAt: refreshExp,
	}); err != nil {
		return nil, err
	}

	return &transport.LoginResult{
		AccessToken:  access,
		RefreshToken: refresh,
		AccessExp:    accessExp,
		RefreshExp:   refreshExp,
		Role:         user.Role,
		UserID:       user.ID,
	}, nil
}

// Refresh rotates a refresh token. Presenting an already rotated token
// revokes every session of its owner.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*transport.LoginResult, error) {
	l := logging.FromContext(ctx).With("svc", "auth.refresh")

	claims, err := tokens.RefreshClaimsFromToken(refreshToken, s.RefreshSecret)
	if err != nil {
		l.Warn("refresh_error", "status", 401, "reason", "bad token", "error", err)
		return nil, ErrInvalidToken
	}
	l = l.With("user_id", claims.Subject)

	user, err := s.Repo.GetUserByID(ctx, claims.Subject)
	if err != nil {
		l.Warn("refresh_error", "status", 401, "reason", "unknown user", "error", err)
		return nil, ErrInvalidToken
	}

	now := s.now()
	accessExp := now.Add(orDefault(s.AccessTTL, DefaultAccessTTL))
	access, err := tokens.NewAccessToken(user.ID, user.Role, accessExp, s.JWTSecret)
	if err != nil {
		return nil, err
	}
	refreshExp := now.Add(orDefault(s.RefreshTTL, DefaultRefreshTTL))
	next, jti, err := tokens.NewRefreshToken(user.ID, refreshExp, s.RefreshSecret)
	if err != nil {
		return nil, err
	}

	err = s.Repo.RotateRefreshToken(ctx, claims.ID, hash.Sha256Hex(refreshToken), now, &models.RefreshToken{
		UserID:    user.ID,
		TokenHash: hash.Sha256Hex(next),
		JTI:       jti,
		ExpiresAt: refreshExp,
	})
	switch {
	case errors.Is(err, repo.ErrRefreshReused):
		l.Warn("refresh_reuse_detected", "status", 401, "audit", true, "jti", claims.ID)
		if rErr := s.Repo.RevokeAllForUser(ctx, user.ID); rErr != nil {
			l.Error("revoke_sessions_failed", "error", rErr)
		}
		return nil, ErrInvalidToken
	case errors.Is(err, repo.ErrRefreshInvalid):
		l.Warn("refresh_error", "status", 401, "reason", "unknown or expired")
		return nil, ErrInvalidToken
	case err != nil:
		l.Error("refresh_error", "status", 500, "error", err)
		return nil, err
	}

	l.Info("refresh_successful")
	return &transport.LoginResult{
		AccessToken:  access,
		RefreshToken: next,
		AccessExp:    accessExp,
		RefreshExp:   refreshExp,
		Role:         user.Role,
		UserID:       user.ID,
	}, nil
}

// LogOut revokes refreshToken if it belongs to userID. An empty token is a
// no-op so cookie-less clients can still log out.
func (s *AuthService) LogOut(ctx context.Context, userID, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.Repo.RevokeRefreshToken(ctx, userID, hash.Sha256Hex(refreshToken))
}

func (s *AuthService) publishLogin(ctx context.Context, res *transport.LoginResult) {
	if s.Events == nil || s.EventsTopic == "" {
		return
	}
	event := transport.UserLoggedIn{
		Type:       EventUserLoggedIn,
		UserID:     res.UserID,
		Role:       res.Role,
		NewUser:    res.NewUser,
		OccurredAt: s.now(),
	}
	l := logging.FromContext(ctx)
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventTimeout)
	go func() {
		defer cancel()
		if err := s.Events.PublishEvent(pubCtx, s.EventsTopic, res.UserID, event); err != nil {
			l.Warn("login_event_failed", "user_id", res.UserID, "error", err)
		}
	}()
}
