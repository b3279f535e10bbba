package models

import "time"

type User struct {
	ID         int64
	Email      string
	Username   string
	PassHash   []byte
	IsVerified bool
	AvatarURL  string
}

type RefreshToken struct {
	TokenHash string
	UserID    int64
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// TokenPurpose is a closed set of out-of-band token purposes. The ledger
// matches on it exactly, so a token issued for one flow cannot be redeemed
// in another.
type TokenPurpose string

const (
	PurposeVerifyEmail   TokenPurpose = "verify_email"
	PurposeResetPassword TokenPurpose = "reset_password"
)

func (p TokenPurpose) Valid() bool {
	switch p {
	case PurposeVerifyEmail, PurposeResetPassword:
		return true
	}
	return false
}

type SingleUseToken struct {
	TokenHash string
	UserID    int64
	Purpose   TokenPurpose
	ExpiresAt time.Time
	Consumed  bool
}

type Message struct {
	Email   string `json:"to"`
	Link    string `json:"link"`
	Purpose string `json:"purpose"`
}
