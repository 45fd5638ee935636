// Package ids generates and validates the identifier formats used across
// the control plane: sess_<YYYYMMDD>_<8 hex> for sessions and
// exec_<YYYYMMDDHHMMSS>_<8 hex> for executions.
package ids

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/sandpit-io/sandpit/internal/common/clock"
)

var (
	sessionIDRe   = regexp.MustCompile(`^sess_[0-9]{8}_[a-z0-9]{8}$`)
	executionIDRe = regexp.MustCompile(`^exec_[0-9]{14}_[a-z0-9]{8}$`)
)

// NewSessionID returns a fresh session id, date part from the clock.
func NewSessionID(c clock.Clock) string {
	return fmt.Sprintf("sess_%s_%s", c.Now().UTC().Format("20060102"), entropy())
}

// NewExecutionID returns a fresh execution id, timestamp part from the clock.
func NewExecutionID(c clock.Clock) string {
	return fmt.Sprintf("exec_%s_%s", c.Now().UTC().Format("20060102150405"), entropy())
}

// ValidSessionID reports whether id has the session id shape.
func ValidSessionID(id string) bool {
	return sessionIDRe.MatchString(id)
}

// ValidExecutionID reports whether id has the execution id shape.
func ValidExecutionID(id string) bool {
	return executionIDRe.MatchString(id)
}

// entropy returns 8 lowercase hex characters from a random UUID.
func entropy() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
