package db

import (
	"context"
	"time"
)

// CountAccounts returns the number of locally-owned actors, excluding
// none — the reserved system actor counts too, same as any other row.
func (d *DB) CountAccounts(ctx context.Context) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n)
	return n, err
}

// CountLocalPosts returns the number of notes authored on this server.
func (d *DB) CountLocalPosts(ctx context.Context) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notes`).Scan(&n)
	return n, err
}

// CountActiveUsersSince approximates NodeInfo's activeMonth/activeHalfyear
// metrics. There is no login or session table to measure against, so
// "active" is defined as having submitted at least one outbox activity
// since the cutoff — a visible proxy for engagement, not a precise one.
func (d *DB) CountActiveUsersSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT owner_username) FROM activities
		WHERE local = 1 AND owner_username IS NOT NULL AND owner_username != '' AND created_at >= ?`, since).Scan(&n)
	return n, err
}
