// Package risk turns contextual authentication signals into a bounded score.
//
// The score annotates issuance and refresh results. It gates device trust
// promotion and may be used by callers to refuse an operation, but the
// scorer itself never fails.
package risk

const (
	MinScore = 0
	MaxScore = 100
)

// Factors are the boolean signals observed for one authentication event.
type Factors struct {
	NewLocation   bool `json:"new_location"`
	NewDevice     bool `json:"new_device"`
	UnusualTime   bool `json:"unusual_time"`
	RapidRequests bool `json:"rapid_requests"`
}

// Weights assigns each factor its contribution. Negative weights are
// treated as zero so adding a factor can never lower the score.
type Weights struct {
	NewLocation   int
	NewDevice     int
	UnusualTime   int
	RapidRequests int
}

var DefaultWeights = Weights{
	NewLocation:   30,
	NewDevice:     30,
	UnusualTime:   10,
	RapidRequests: 30,
}

// CalculateRiskScore scores factors with DefaultWeights.
func CalculateRiskScore(f Factors) int {
	return DefaultWeights.Score(f)
}

func (w Weights) Score(f Factors) int {
	score := 0
	if f.NewLocation {
		score += nonNegative(w.NewLocation)
	}
	if f.NewDevice {
		score += nonNegative(w.NewDevice)
	}
	if f.UnusualTime {
		score += nonNegative(w.UnusualTime)
	}
	if f.RapidRequests {
		score += nonNegative(w.RapidRequests)
	}
	return clamp(score)
}

func nonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// Thresholds split the score range into decisions.
type Thresholds struct {
	// Trust promotion only happens strictly below Trust.
	Trust int
	// Scores strictly above Block may be refused by the caller.
	Block int
}

func (t Thresholds) AllowsTrustPromotion(score int) bool {
	return score < t.Trust
}

func (t Thresholds) ShouldBlock(score int) bool {
	return score > t.Block
}
