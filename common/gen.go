package common

import "github.com/google/uuid"

// GenID returns a random identifier suitable for a Request-Id HTTP header
// or any other place a unique-but-opaque tracing token is needed.
func GenID() string {
	return uuid.NewString()
}
