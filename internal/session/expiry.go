package session

import "time"

const (
	DefaultValidityWindow = 60 * time.Second
	DefaultGracePeriod    = 30 * time.Second
)

// IsExpired reports whether a token issued at issuedAt is no longer valid at
// now. A token stays valid while now <= issuedAt + window + grace.
func IsExpired(issuedAt, now time.Time, window, grace time.Duration) bool {
	return now.After(issuedAt.Add(window + grace))
}
