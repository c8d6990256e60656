package controlapi

import (
	"strconv"

	"github.com/synapsefleet/synapse/internal/apperror"
)

var (
	errWorkerProvisionFailed   = apperror.New(apperror.TransientUpstream, "worker provisioning failed")
	errWorkerProvisionTimedOut = apperror.New(apperror.Timeout, "worker did not become ready in time")
)

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, apperror.New(apperror.Validation, "value must be positive")
	}
	return n, nil
}

// statusFor maps any error to an HTTP status, defaulting unrecognized
// errors to 500 rather than leaking internals.
func statusFor(err error) int {
	return apperror.StatusFor(apperror.KindOf(err))
}

func validProjectName(name string) bool {
	return len(name) <= 64 && projectNamePattern.MatchString(name)
}

func validSecretKey(key string) bool {
	return len(key) <= 128 && secretKeyPattern.MatchString(key)
}

// validDirection reports whether a task goal direction is one of the
// two enum values (empty is allowed: direction is optional for
// subjective tasks).
func validDirection(d string) bool {
	return d == "" || d == "above" || d == "below"
}

// validSupervisorAction is the strict enum accepted by
// POST .../supervisor.
func validSupervisorAction(action string) bool {
	switch action {
	case "pause", "resume", "stop", "restart":
		return true
	default:
		return false
	}
}
