package transport

import "time"

type OTPRequest struct {
	Phone string `json:"phone"`
}

type OTPRequested struct {
	ExpiresAt time.Time `json:"expiresAt"`
}

type OTPVerifyRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type TokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	Role         string `json:"role,omitempty"`
	UserID       string `json:"userId,omitempty"`
}

type LoginResult struct {
	AccessToken  string
	RefreshToken string
	AccessExp    time.Time
	RefreshExp   time.Time
	Role         string
	UserID       string
	NewUser      bool
}

// UserLoggedIn is published to Kafka after a successful OTP login.
type UserLoggedIn struct {
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	Role       string    `json:"role"`
	NewUser    bool      `json:"new_user"`
	OccurredAt time.Time `json:"occurred_at"`
}
