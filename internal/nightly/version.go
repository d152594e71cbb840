// Package nightly turns freshly built release wheels into nightly wheels: a
// different distribution name and a date-stamped development version.
package nightly

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// TimestampLayout is the minute-granularity UTC stamp appended as .devN.
const TimestampLayout = "200601021504"

var (
	gitLocalSuffix = regexp.MustCompile(`\+git.*$`)
	timestampRE    = regexp.MustCompile(`^[0-9]{12}$`)
)

// Timestamp formats t as a nightly build stamp.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func ValidateTimestamp(ts string) error {
	if !timestampRE.MatchString(ts) {
		return fmt.Errorf("nightly timestamp %q must be 12 digits (YYYYMMDDHHMM)", ts)
	}
	if _, err := time.Parse(TimestampLayout, ts); err != nil {
		return fmt.Errorf("nightly timestamp %q: %w", ts, err)
	}
	return nil
}

// DeriveVersion replaces a "+git..." local version suffix with ".dev<ts>".
// A version without that suffix is returned unchanged.
func DeriveVersion(version, ts string) string {
	return gitLocalSuffix.ReplaceAllString(version, ".dev"+ts)
}

// VersionPolicy controls what happens to versions that carry no git suffix.
type VersionPolicy struct {
	// ForceDevSuffix drops any other local segment and appends .dev<ts> when
	// DeriveVersion would leave the version untouched.
	ForceDevSuffix bool
}

func (p VersionPolicy) Derive(version, ts string) string {
	derived := DeriveVersion(version, ts)
	if derived != version || !p.ForceDevSuffix {
		return derived
	}
	public, _, _ := strings.Cut(version, "+")
	if strings.HasSuffix(public, ".dev"+ts) {
		return public
	}
	return public + ".dev" + ts
}
