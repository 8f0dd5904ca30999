package risk

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/tech-arch1tect/tokenguard/services/device"
	"github.com/tech-arch1tect/tokenguard/services/logging"
	"go.uber.org/zap"
)

type LocationHistory interface {
	KnownLocations(ctx context.Context, userID uint) ([]string, error)
}

type DeviceLookup interface {
	Lookup(ctx context.Context, userID uint, hash string) (*device.Device, error)
}

// Signals is the raw context of one authentication event.
type Signals struct {
	UserID     uint
	DeviceHash string
	IPAddress  string
	Location   string
	At         time.Time
}

// Assessment is attached to issuance and refresh results.
type Assessment struct {
	Factors       Factors `json:"factors"`
	Score         int     `json:"risk_score"`
	DeviceTrusted bool    `json:"device_trusted"`
	TrustLevel    int     `json:"trust_level"`
}

type AssessorConfig struct {
	Weights          Weights
	Thresholds       Thresholds
	ActiveHoursStart int
	ActiveHoursEnd   int
	Location         *time.Location
	VelocityLimit    int64
}

// Assessor derives Factors from stored history. Lookup failures count the
// affected factor as present, so an outage raises the score rather than
// hiding risk.
type Assessor struct {
	cfg       AssessorConfig
	devices   DeviceLookup
	locations LocationHistory
	velocity  VelocityTracker
	logger    *logging.Service
}

func NewAssessor(cfg AssessorConfig, devices DeviceLookup, locations LocationHistory, velocity VelocityTracker, logger *logging.Service) *Assessor {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Assessor{
		cfg:       cfg,
		devices:   devices,
		locations: locations,
		velocity:  velocity,
		logger:    logger,
	}
}

func (a *Assessor) Thresholds() Thresholds {
	return a.cfg.Thresholds
}

// Assess scores an authentication event and counts it toward the user's
// request velocity.
func (a *Assessor) Assess(ctx context.Context, s Signals) Assessment {
	return a.assess(ctx, s, true)
}

// Annotate scores a plain API request. It does not count toward velocity,
// so ordinary traffic never trips the rapid requests factor.
func (a *Assessor) Annotate(ctx context.Context, s Signals) Assessment {
	return a.assess(ctx, s, false)
}

func (a *Assessor) assess(ctx context.Context, s Signals, countVelocity bool) Assessment {
	var out Assessment

	out.Factors.NewDevice, out.DeviceTrusted, out.TrustLevel = a.deviceFactor(ctx, s)
	out.Factors.NewLocation = a.locationFactor(ctx, s)
	out.Factors.UnusualTime = a.unusualTime(s.At)
	if countVelocity {
		out.Factors.RapidRequests = a.rapidRequests(ctx, s.UserID)
	}
	out.Score = a.cfg.Weights.Score(out.Factors)

	a.logger.Debug("risk assessed",
		zap.Uint("user_id", s.UserID),
		zap.Int("risk_score", out.Score),
		zap.Bool("new_device", out.Factors.NewDevice),
		zap.Bool("new_location", out.Factors.NewLocation),
		zap.Bool("unusual_time", out.Factors.UnusualTime),
		zap.Bool("rapid_requests", out.Factors.RapidRequests))

	return out
}

func (a *Assessor) deviceFactor(ctx context.Context, s Signals) (isNew, trusted bool, level int) {
	if a.devices == nil || s.DeviceHash == "" {
		return s.DeviceHash != "", false, device.TrustNone
	}

	d, err := a.devices.Lookup(ctx, s.UserID, s.DeviceHash)
	if err != nil {
		a.logger.Warn("device lookup failed during risk assessment",
			zap.Uint("user_id", s.UserID),
			zap.Error(err))
		return true, false, device.TrustNone
	}
	if d == nil {
		return true, false, device.TrustNone
	}
	return false, d.Trusted(), d.TrustLevel
}

func (a *Assessor) locationFactor(ctx context.Context, s Signals) bool {
	where := strings.TrimSpace(s.Location)
	if where == "" {
		where = strings.TrimSpace(s.IPAddress)
	}
	if where == "" || a.locations == nil {
		return false
	}

	known, err := a.locations.KnownLocations(ctx, s.UserID)
	if err != nil {
		a.logger.Warn("location history lookup failed during risk assessment",
			zap.Uint("user_id", s.UserID),
			zap.Error(err))
		return true
	}
	return !slices.Contains(known, where)
}

func (a *Assessor) unusualTime(at time.Time) bool {
	if at.IsZero() {
		return false
	}
	hour := at.In(a.cfg.Location).Hour()
	return hour < a.cfg.ActiveHoursStart || hour >= a.cfg.ActiveHoursEnd
}

func (a *Assessor) rapidRequests(ctx context.Context, userID uint) bool {
	if a.velocity == nil || a.cfg.VelocityLimit <= 0 {
		return false
	}

	count, err := a.velocity.Hit(ctx, userID)
	if err != nil {
		a.logger.Warn("velocity tracking failed during risk assessment",
			zap.Uint("user_id", userID),
			zap.Error(err))
		return false
	}
	return count > a.cfg.VelocityLimit
}
