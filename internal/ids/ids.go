// Package ids centralizes identifier generation so every component
// mints IDs the same way.
package ids

import "github.com/google/uuid"

// New returns a random UUIDv4 string, used for task IDs, question IDs,
// and directive IDs.
func New() string {
	return uuid.NewString()
}
