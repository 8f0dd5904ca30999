package rotation

import (
	"time"

	"github.com/tech-arch1tect/tokenguard/services/tokenerr"
)

// RequestContext is what the web layer knows about the refreshing client.
type RequestContext struct {
	IPAddress  string
	Location   string
	UserAgent  string
	DeviceHash string
}

type Metadata struct {
	Rotated       bool   `json:"rotated"`
	Generation    int    `json:"generation"`
	FamilyID      string `json:"family_id"`
	RiskScore     int    `json:"risk_score"`
	DeviceTrusted bool   `json:"device_trusted"`
}

// Result carries expected outcomes. A rejected refresh has Valid=false and
// a Reason; infrastructure faults are returned as errors instead.
type Result struct {
	Valid  bool            `json:"valid"`
	Reason tokenerr.Reason `json:"reason,omitempty"`
	UserID uint            `json:"user_id,omitempty"`

	AccessToken      string    `json:"access_token,omitempty"`
	AccessTokenID    string    `json:"access_token_id,omitempty"`
	AccessExpiresAt  time.Time `json:"access_expires_at,omitzero"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at,omitzero"`
	CSRFToken        string    `json:"csrf_token,omitempty"`

	Metadata Metadata `json:"metadata"`
}

func rejected(reason tokenerr.Reason) *Result {
	return &Result{Valid: false, Reason: reason}
}
