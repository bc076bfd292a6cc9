// Package primitives holds the Redis-backed building blocks the detectors
// compose: sliding window counters, distinct-value estimators, credit
// limiters, cool-off locks, baseline scorers and idempotency guards.
package primitives

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
	"time"
)

// bucketLayout renders a timestamp as a minute-resolution bucket id,
// e.g. 202608291405. Buckets larger than a minute are floor-aligned
// to the bucket size first so every event in the same span shares an id.
const bucketLayout = "200601021504"

// NormalizeScope lowercases and trims a scope component so "Alice" and
// "alice " count against the same key. Blank scopes map to "unknown"
// rather than producing an empty key segment.
func NormalizeScope(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "unknown"
	}
	return s
}

// BucketID returns the bucket identifier covering now for the given
// bucket size. now is truncated down to a bucket boundary in UTC.
func BucketID(now time.Time, bucket time.Duration) string {
	return now.UTC().Truncate(bucket).Format(bucketLayout)
}

// WindowBucketIDs returns the ids of every bucket a window spanning
// backwards from now touches, newest first. Windows that are not a
// multiple of the bucket size round up, so a partial bucket is covered
// rather than dropped.
func WindowBucketIDs(now time.Time, window, bucket time.Duration) []string {
	n := int((window + bucket - 1) / bucket)
	if n < 1 {
		n = 1
	}
	ids := make([]string, 0, n)
	t := now.UTC().Truncate(bucket)
	for i := 0; i < n; i++ {
		ids = append(ids, t.Format(bucketLayout))
		t = t.Add(-bucket)
	}
	return ids
}

// SHA256Hex hashes s and returns the lowercase hex digest. Used to keep
// unbounded client-controlled values (user agents, paths, fingerprints)
// from becoming unbounded key material.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ShortHash returns the first 16 hex characters of the SHA-256 digest,
// enough to avoid collisions at key-space scale while keeping keys short.
func ShortHash(s string) string {
	return SHA256Hex(s)[:16]
}

// Subnet24 maps an IPv4 address to its /24 network ("203.0.113.0/24").
// IPv6 addresses are grouped by /64. Unparseable input is hashed so it
// still aggregates consistently instead of being dropped.
func Subnet24(ip string) string {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return "h:" + ShortHash(ip)
	}
	if v4 := parsed.To4(); v4 != nil {
		masked := v4.Mask(net.CIDRMask(24, 32))
		return masked.String() + "/24"
	}
	masked := parsed.Mask(net.CIDRMask(64, 128))
	return masked.String() + "/64"
}
