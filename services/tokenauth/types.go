package tokenauth

import (
	"time"

	"github.com/tech-arch1tect/tokenguard/services/issuer"
	"github.com/tech-arch1tect/tokenguard/services/jwt"
	"github.com/tech-arch1tect/tokenguard/services/rotation"
	"github.com/tech-arch1tect/tokenguard/services/tokenerr"
)

// Session is everything the web layer hands to the client after a login.
type Session struct {
	UserID           uint      `json:"user_id"`
	AccessToken      string    `json:"access_token"`
	AccessTokenID    string    `json:"access_token_id"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	CSRFToken        string    `json:"csrf_token,omitempty"`
	FamilyID         string    `json:"family_id"`
	Generation       int       `json:"generation"`
	RiskScore        int       `json:"risk_score"`
	DeviceTrusted    bool      `json:"device_trusted"`
}

// VerifyContext describes the request carrying an access token.
type VerifyContext struct {
	IPAddress  string
	Location   string
	UserAgent  string
	DeviceHash string
}

type Security struct {
	RiskScore     int  `json:"risk_score"`
	DeviceTrusted bool `json:"device_trusted"`
}

type Verification struct {
	Valid    bool            `json:"valid"`
	Reason   tokenerr.Reason `json:"reason,omitempty"`
	UserID   uint            `json:"user_id,omitempty"`
	User     *issuer.User    `json:"-"`
	Claims   *jwt.Claims     `json:"-"`
	Security Security        `json:"security"`
}

// Status answers the session status check. When the access token was
// expired or about to expire and the refresh succeeded, Refreshed holds the
// new tokens.
type Status struct {
	Authenticated bool             `json:"authenticated"`
	Reason        tokenerr.Reason  `json:"reason,omitempty"`
	Verification  *Verification    `json:"verification,omitempty"`
	Refreshed     *rotation.Result `json:"refreshed,omitempty"`
}

func invalid(reason tokenerr.Reason) *Verification {
	return &Verification{Valid: false, Reason: reason}
}
