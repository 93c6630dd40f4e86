package app

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// UuidToString converts a pgtype.UUID to its string representation.
func UuidToString(u pgtype.UUID) string {
	return uuid.UUID(u.Bytes).String()
}

// NewUUID returns a time-ordered pgtype.UUID.
func NewUUID() pgtype.UUID {
	return pgtype.UUID{Bytes: uuid.Must(uuid.NewV7()), Valid: true}
}

// calculateBackoff returns the delay before retry number attemptNum
// (0-indexed): base, 2*base, 4*base, ... capped at max.
func calculateBackoff(attemptNum int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := float64(base) * math.Pow(2, float64(attemptNum))
	if max > 0 && delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}
