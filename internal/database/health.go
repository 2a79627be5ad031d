package database

import "context"

// Healthy reports whether the store answers a ping within the caller's
// deadline.
func Healthy(ctx context.Context, db DB) bool {
	return db.Ping(ctx) == nil
}
