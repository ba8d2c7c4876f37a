package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/fediforge/apfedcore/domain"
	"github.com/google/uuid"
)

func (d *DB) Enqueue(ctx context.Context, item *domain.DeliveryQueueItem) error {
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	if item.Status == "" {
		item.Status = domain.DeliveryPending
	}
	if item.MaxRetries == 0 {
		item.MaxRetries = 5
	}
	if item.NextAttemptAt.IsZero() {
		item.NextAttemptAt = time.Now()
	}
	_, err := d.db.ExecContext(ctx, `INSERT INTO delivery_queue
		(id, activity_uri, inbox_uri, target_host, activity_json, sender_username, sender_actor_uri,
		 status, attempt_count, max_retries, created_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.Id.String(), item.ActivityURI, item.InboxURI, item.TargetHost, item.ActivityJSON,
		item.SenderUsername, item.SenderActorURI, string(item.Status), item.AttemptCount, item.MaxRetries,
		item.CreatedAt, item.NextAttemptAt)
	return err
}

const deliveryColumns = `id, activity_uri, inbox_uri, target_host, activity_json, sender_username, sender_actor_uri,
	status, attempt_count, max_retries, created_at, next_attempt_at, last_attempt_at, completed_at, last_error`

func scanDelivery(rows *sql.Rows) (*domain.DeliveryQueueItem, error) {
	var it domain.DeliveryQueueItem
	var status string
	var lastAttemptAt sql.NullTime
	var completedAt sql.NullTime
	var lastError sql.NullString
	err := rows.Scan(&it.Id, &it.ActivityURI, &it.InboxURI, &it.TargetHost, &it.ActivityJSON,
		&it.SenderUsername, &it.SenderActorURI, &status, &it.AttemptCount, &it.MaxRetries,
		&it.CreatedAt, &it.NextAttemptAt, &lastAttemptAt, &completedAt, &lastError)
	if err != nil {
		return nil, err
	}
	it.Status = domain.DeliveryStatus(status)
	if lastAttemptAt.Valid {
		it.LastAttemptAt = lastAttemptAt.Time
	}
	if completedAt.Valid {
		it.CompletedAt = &completedAt.Time
	}
	it.LastError = lastError.String
	return &it, nil
}

// LeasePending atomically claims up to limit due rows by flipping them to
// Processing inside one transaction, so two concurrent worker pools never
// receive the same row — sqlite's single-writer lock already serializes
// the SELECT+UPDATE pair here.
func (d *DB) LeasePending(ctx context.Context, limit int) ([]domain.DeliveryQueueItem, error) {
	var leased []domain.DeliveryQueueItem
	err := d.wrapTransaction(func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+deliveryColumns+` FROM delivery_queue
			WHERE status IN ('Pending', 'Failed') AND next_attempt_at <= ?
			ORDER BY next_attempt_at ASC LIMIT ?`, time.Now(), limit)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			it, err := scanDelivery(rows)
			if err != nil {
				rows.Close()
				return err
			}
			it.Status = domain.DeliveryProcessing
			leased = append(leased, *it)
			ids = append(ids, it.Id.String())
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, id := range ids {
			if _, err := tx.Exec(`UPDATE delivery_queue SET status = 'Processing', last_attempt_at = ? WHERE id = ?`, time.Now(), id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

func (d *DB) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	_, err := d.db.ExecContext(ctx, `UPDATE delivery_queue SET status = 'Delivered', completed_at = ? WHERE id = ?`,
		time.Now(), id.String())
	return err
}

func (d *DB) MarkFailed(ctx context.Context, id uuid.UUID, attemptCount int, nextAttemptAt time.Time, lastErr string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE delivery_queue SET status = 'Failed', attempt_count = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`,
		attemptCount, nextAttemptAt, lastErr, id.String())
	return err
}

func (d *DB) Revert(ctx context.Context, id uuid.UUID) error {
	_, err := d.db.ExecContext(ctx, `UPDATE delivery_queue SET status = 'Pending' WHERE id = ? AND status = 'Processing'`,
		id.String())
	return err
}

func (d *DB) MarkDead(ctx context.Context, id uuid.UUID, lastErr string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE delivery_queue SET status = 'Dead', completed_at = ?, last_error = ? WHERE id = ?`,
		time.Now(), lastErr, id.String())
	return err
}

func (d *DB) ReapDelivered(ctx context.Context, olderThan time.Time) (int, error) {
	return d.reapByStatus(ctx, "Delivered", olderThan)
}

func (d *DB) ReapDead(ctx context.Context, olderThan time.Time) (int, error) {
	return d.reapByStatus(ctx, "Dead", olderThan)
}

func (d *DB) reapByStatus(ctx context.Context, status string, olderThan time.Time) (int, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM delivery_queue WHERE status = ? AND completed_at IS NOT NULL AND completed_at < ?`,
		status, olderThan)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
