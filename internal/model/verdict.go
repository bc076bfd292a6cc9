package model

import "strings"

// Threat type tags.
const (
	ThreatBruteForce         = "BRUTE_FORCE_ATTACK"
	ThreatEnumeration        = "ENUMERATION_ATTACK"
	ThreatIPAbuse            = "IP_ABUSE"
	ThreatIPAbuseUserAgent   = "IP_ABUSE_USER_AGENT"
	ThreatSubnetAbuse        = "SUBNET_ABUSE"
	ThreatReplay             = "REPLAY_ATTACK"
	ThreatDeviceAbuse        = "DEVICE_ABUSE"
	ThreatFingerprintAbuse   = "DEVICE_FINGERPRINT_ABUSE"
	ThreatTrafficSpike       = "TRAFFIC_SPIKE"
	ThreatPerIPRateExceeded  = "PER_IP_RATE_LIMIT_EXCEEDED"
	ThreatGlobalTrafficSpike = "GLOBAL_TRAFFIC_SPIKE"
	ThreatHighTrafficPath    = "HIGH_TRAFFIC_ENDPOINT"
	ThreatUniqueIPSurge      = "SUSPICIOUS_UNIQUE_IP_SURGE"
	ThreatSuspiciousUA       = "SUSPICIOUS_USER_AGENT"
	ThreatKnownBadIP         = "KNOWN_BAD_IP"
	ThreatKnownBadDevice     = "KNOWN_BAD_DEVICE"
	ThreatKnownBadCorrID     = "KNOWN_BAD_CORRELATION_ID"
)

// Recommended action tokens.
const (
	ActionBlockIP           = "BLOCK_IP"
	ActionBlockDevice       = "BLOCK_DEVICE"
	ActionBlockFingerprint  = "BLOCK_FINGERPRINT"
	ActionLockAccount       = "LOCK_ACCOUNT"
	ActionRateLimit         = "RATE_LIMIT"
	ActionRateLimitEndpoint = "RATE_LIMIT_ENDPOINT"
	ActionChallengeEndpoint = "CHALLENGE_ENDPOINT"
	ActionChallengeMFA      = "CHALLENGE_MFA"
	ActionChallengeCaptcha  = "CHALLENGE_CAPTCHA"
	ActionRejectRequest     = "REJECT_REQUEST"
	ActionRetryLater        = "RETRY_LATER"
)

// Verdict is the output of a detector or of the whole engine. An empty
// verdict means "no threat". Threats and Actions are deduplicated with
// insertion order preserved.
type Verdict struct {
	Threats []string `json:"threats"`
	Actions []string `json:"recommendations"`
	Details string   `json:"details"`
}

// NewVerdict builds a verdict from already-distinct threat tags and actions.
func NewVerdict(threats, actions []string, details string) *Verdict {
	return &Verdict{Threats: threats, Actions: actions, Details: details}
}

// IsEmpty reports whether the verdict carries no threats.
func (v *Verdict) IsEmpty() bool {
	return v == nil || len(v.Threats) == 0
}

// Merge folds other into v: union over threats and actions preserving
// first-seen order, details concatenated with a space.
func (v *Verdict) Merge(other *Verdict) {
	if other == nil {
		return
	}
	v.Threats = appendDistinct(v.Threats, other.Threats)
	v.Actions = appendDistinct(v.Actions, other.Actions)
	if d := strings.TrimSpace(other.Details); d != "" {
		if v.Details == "" {
			v.Details = d
		} else {
			v.Details += " " + d
		}
	}
}

func appendDistinct(dst, src []string) []string {
	for _, s := range src {
		seen := false
		for _, d := range dst {
			if d == s {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, s)
		}
	}
	return dst
}
