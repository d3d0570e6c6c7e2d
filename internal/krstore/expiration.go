package krstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// Expiration selects how long a message stays on the board after it's
// created.
type Expiration string

const (
	ExpirationHour    Expiration = "Hour"
	ExpirationDay     Expiration = "Day"
	ExpirationWeek    Expiration = "Week"
	ExpirationQuarter Expiration = "Quarter"
	ExpirationYear    Expiration = "Year"
)

var AllExpirations = []Expiration{
	ExpirationHour,
	ExpirationDay,
	ExpirationWeek,
	ExpirationQuarter,
	ExpirationYear,
}

// Lifetimes in seconds. A quarter is twelve weeks, not a calendar quarter.
const (
	secondsPerHour    = 3600
	secondsPerDay     = 24 * secondsPerHour
	secondsPerWeek    = 7 * secondsPerDay
	secondsPerQuarter = 12 * secondsPerWeek
	secondsPerYear    = 365 * secondsPerDay
)

type UnknownExpirationError struct {
	val string
}

func (e *UnknownExpirationError) Error() string {
	return fmt.Sprintf("unknown expiration: %q", e.val)
}

func ParseExpiration(s string) (Expiration, error) {
	exp := Expiration(s)
	if !exp.Valid() {
		return "", &UnknownExpirationError{s}
	}
	return exp, nil
}

func (e Expiration) Valid() bool {
	_, ok := e.lookupSeconds()
	return ok
}

// Seconds returns the lifetime of a message with this expiration. Returns 0
// for values outside the enumeration.
func (e Expiration) Seconds() int64 {
	secs, _ := e.lookupSeconds()
	return secs
}

func (e Expiration) Duration() time.Duration {
	return time.Duration(e.Seconds()) * time.Second
}

func (e Expiration) String() string { return string(e) }

func (e *Expiration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err //nolint:wrapcheck
	}

	exp, err := ParseExpiration(s)
	if err != nil {
		return err
	}

	*e = exp
	return nil
}

func (e Expiration) lookupSeconds() (int64, bool) {
	switch e {
	case ExpirationHour:
		return secondsPerHour, true
	case ExpirationDay:
		return secondsPerDay, true
	case ExpirationWeek:
		return secondsPerWeek, true
	case ExpirationQuarter:
		return secondsPerQuarter, true
	case ExpirationYear:
		return secondsPerYear, true
	}
	return 0, false
}

// IsExpired reports whether a message created at `created` with the given
// expiration has outlived it as of `now`. An age exactly equal to the lifetime
// counts as expired.
func IsExpired(created, now time.Time, exp Expiration) bool {
	return now.Sub(created) >= exp.Duration()
}
