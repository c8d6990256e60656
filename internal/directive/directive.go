// Package directive validates and evaluates the optional cron expiry
// schedule attached to an operator directive (directive re-injection,
// with a self-expiring variant).
package directive

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts standard 5-field cron expressions, without the
// optional seconds field some schedulers allow.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate reports whether expr is a well-formed cron expression. An
// empty expr (no expiry -- the directive never auto-expires) is valid.
func Validate(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid expiry schedule: %w", err)
	}
	return nil
}

// Expired reports whether a directive created at createdAt with expiry
// schedule expr should be considered expired as of now: true once the
// schedule's first occurrence after createdAt has passed. An empty
// expr never expires.
func Expired(expr string, createdAt, now time.Time) (bool, error) {
	if expr == "" {
		return false, nil
	}
	schedule, err := parser.Parse(expr)
	if err != nil {
		return false, fmt.Errorf("invalid expiry schedule: %w", err)
	}
	return !schedule.Next(createdAt).After(now), nil
}
