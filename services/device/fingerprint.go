package device

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/mileusna/useragent"
)

// Info is what the web layer knows about the calling client.
type Info struct {
	Hash      string
	UserAgent string
	// RequestTrust opts the device into trust promotion on a low-risk login.
	RequestTrust bool
}

// Description is the human readable breakdown shown on the sessions screen.
type Description struct {
	Browser    string `json:"browser"`
	OS         string `json:"os"`
	DeviceType string `json:"device_type"`
	Device     string `json:"device"`
	Bot        bool   `json:"bot"`
}

func Describe(userAgentString string) Description {
	if userAgentString == "" {
		return Description{
			Browser:    "Unknown Browser",
			OS:         "Unknown OS",
			DeviceType: "Unknown",
			Device:     "Unknown Device",
		}
	}

	ua := useragent.Parse(userAgentString)

	deviceType := "Desktop"
	switch {
	case ua.Mobile:
		deviceType = "Mobile"
	case ua.Tablet:
		deviceType = "Tablet"
	case ua.Bot:
		deviceType = "Bot"
	}

	browser := "Unknown Browser"
	if ua.Name != "" {
		browser = ua.Name
	}

	os := "Unknown OS"
	if ua.OS != "" {
		os = ua.OS
	}

	name := ua.Device
	if name == "" {
		switch {
		case ua.Mobile:
			name = "Mobile Device"
		case ua.Tablet:
			name = "Tablet"
		default:
			name = "Desktop Computer"
		}
	}

	return Description{
		Browser:    browser,
		OS:         os,
		DeviceType: deviceType,
		Device:     name,
		Bot:        ua.Bot,
	}
}

// Fingerprint derives a stable device hash from the user agent plus any
// client supplied hints (screen, timezone, platform id). Browser versions are
// left out so routine upgrades do not register as a new device.
func Fingerprint(userAgentString string, hints ...string) string {
	d := Describe(userAgentString)

	parts := []string{
		strings.ToLower(d.Browser),
		strings.ToLower(d.OS),
		strings.ToLower(d.DeviceType),
		strings.ToLower(d.Device),
	}
	for _, h := range hints {
		if h = strings.TrimSpace(h); h != "" {
			parts = append(parts, h)
		}
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Resolve fills in Hash from the user agent when the client did not send one.
func (i Info) Resolve() Info {
	if i.Hash == "" && i.UserAgent != "" {
		i.Hash = Fingerprint(i.UserAgent)
	}
	return i
}
