package db

import (
	"context"
	"database/sql"
	"strings"

	"github.com/fediforge/apfedcore/domain"
	"github.com/google/uuid"
)

const activityColumns = `id, activity_uri, activity_type, actor_uri, object_uri, target_uri, to_list, cc_list, bcc_list,
	in_reply_to, published, raw_json, processed, local, like_count, boost_count, reply_count,
	owner_username, tombstoned, created_at`

func joinList(items []string) string  { return strings.Join(items, "\n") }
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func scanActivity(scan func(dest ...any) error) (*domain.Activity, error) {
	var a domain.Activity
	var objectURI, targetURI, toList, ccList, bccList, inReplyTo, ownerUsername sql.NullString
	var published sql.NullTime
	err := scan(&a.Id, &a.ActivityURI, &a.ActivityType, &a.ActorURI, &objectURI, &targetURI, &toList, &ccList, &bccList,
		&inReplyTo, &published, &a.RawJSON, &a.Processed, &a.Local, &a.LikeCount, &a.BoostCount, &a.ReplyCount,
		&ownerUsername, &a.Tombstoned, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.ObjectURI = objectURI.String
	a.TargetURI = targetURI.String
	a.To = splitList(toList.String)
	a.Cc = splitList(ccList.String)
	a.Bcc = splitList(bccList.String)
	a.InReplyTo = inReplyTo.String
	a.OwnerUsername = ownerUsername.String
	if published.Valid {
		a.Published = published.Time
	}
	return &a, nil
}

func (d *DB) CreateActivity(ctx context.Context, a *domain.Activity) error {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	_, err := d.db.ExecContext(ctx, `INSERT INTO activities
		(id, activity_uri, activity_type, actor_uri, object_uri, target_uri, to_list, cc_list, bcc_list,
		 in_reply_to, published, raw_json, processed, local, like_count, boost_count, reply_count,
		 owner_username, tombstoned, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Id.String(), a.ActivityURI, a.ActivityType, a.ActorURI, a.ObjectURI, a.TargetURI,
		joinList(a.To), joinList(a.Cc), joinList(a.Bcc), a.InReplyTo, a.Published, a.RawJSON,
		a.Processed, a.Local, a.LikeCount, a.BoostCount, a.ReplyCount,
		a.OwnerUsername, a.Tombstoned, a.CreatedAt)
	return err
}

func (d *DB) UpdateActivity(ctx context.Context, a *domain.Activity) error {
	_, err := d.db.ExecContext(ctx, `UPDATE activities SET raw_json = ?, processed = ?, like_count = ?,
		boost_count = ?, reply_count = ?, tombstoned = ? WHERE id = ?`,
		a.RawJSON, a.Processed, a.LikeCount, a.BoostCount, a.ReplyCount, a.Tombstoned, a.Id.String())
	return err
}

func (d *DB) ReadActivityByURI(ctx context.Context, uri string) (*domain.Activity, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE activity_uri = ?`, uri)
	a, err := scanActivity(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (d *DB) ReadActivityByObjectURI(ctx context.Context, objectURI string) (*domain.Activity, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE object_uri = ? ORDER BY created_at DESC LIMIT 1`, objectURI)
	a, err := scanActivity(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (d *DB) DeleteActivity(ctx context.Context, id uuid.UUID) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM activities WHERE id = ?`, id.String())
	return err
}

func (d *DB) ReadOutboxActivities(ctx context.Context, username string, limit, offset int) ([]domain.Activity, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+activityColumns+` FROM activities
		WHERE owner_username = ? AND local = 1 AND tombstoned = 0
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, username, limit, offset)
	if err != nil {
		return nil, err
	}
	return readActivities(rows)
}

func (d *DB) ReadInboxActivities(ctx context.Context, ownerUsername string, limit, offset int) ([]domain.Activity, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+activityColumns+` FROM activities
		WHERE owner_username = ? AND local = 0 AND tombstoned = 0
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, ownerUsername, limit, offset)
	if err != nil {
		return nil, err
	}
	return readActivities(rows)
}

func (d *DB) CountOutboxActivities(ctx context.Context, username string) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities WHERE owner_username = ? AND local = 1 AND tombstoned = 0`, username).Scan(&n)
	return n, err
}

func (d *DB) CountInboxActivities(ctx context.Context, ownerUsername string) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities WHERE owner_username = ? AND local = 0 AND tombstoned = 0`, ownerUsername).Scan(&n)
	return n, err
}

func (d *DB) ReadRepliesByObjectURI(ctx context.Context, objectURI string, limit, offset int) ([]domain.Activity, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+activityColumns+` FROM activities
		WHERE in_reply_to = ? AND tombstoned = 0
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, objectURI, limit, offset)
	if err != nil {
		return nil, err
	}
	return readActivities(rows)
}

func (d *DB) CountRepliesByObjectURI(ctx context.Context, objectURI string) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities WHERE in_reply_to = ? AND tombstoned = 0`, objectURI).Scan(&n)
	return n, err
}

func readActivities(rows *sql.Rows) ([]domain.Activity, error) {
	defer rows.Close()
	var out []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (d *DB) ReadNoteByURI(ctx context.Context, objectURI string) (*domain.Note, error) {
	row := d.db.QueryRowContext(ctx, `SELECT n.id, a.username, n.message, n.object_uri, n.in_reply_to_uri, n.visibility,
		n.like_count, n.boost_count, n.reply_count, n.created_at, n.edited_at
		FROM notes n INNER JOIN accounts a ON a.id = n.user_id WHERE n.object_uri = ?`, objectURI)
	n, err := scanNoteWithAuthor(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return n, err
}

func (d *DB) ReadNoteById(ctx context.Context, id uuid.UUID) (*domain.Note, error) {
	row := d.db.QueryRowContext(ctx, `SELECT n.id, a.username, n.message, n.object_uri, n.in_reply_to_uri, n.visibility,
		n.like_count, n.boost_count, n.reply_count, n.created_at, n.edited_at
		FROM notes n INNER JOIN accounts a ON a.id = n.user_id WHERE n.id = ?`, id.String())
	n, err := scanNoteWithAuthor(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return n, err
}

func scanNoteWithAuthor(scan func(dest ...any) error) (*domain.Note, error) {
	var n domain.Note
	var objectURI, inReplyTo sql.NullString
	var editedAt sql.NullTime
	err := scan(&n.Id, &n.CreatedBy, &n.Message, &objectURI, &inReplyTo, &n.Visibility, &n.LikeCount, &n.BoostCount,
		&n.ReplyCount, &n.CreatedAt, &editedAt)
	if err != nil {
		return nil, err
	}
	n.ObjectURI = objectURI.String
	n.InReplyToURI = inReplyTo.String
	if editedAt.Valid {
		n.EditedAt = &editedAt.Time
	}
	return &n, nil
}

func (d *DB) CreateNote(ctx context.Context, n *domain.Note) error {
	if n.Id == uuid.Nil {
		n.Id = uuid.New()
	}
	acc, err := d.ReadAccountByUsername(ctx, n.CreatedBy)
	if err != nil {
		return err
	}
	if acc == nil {
		return sql.ErrNoRows
	}
	_, err = d.db.ExecContext(ctx, `INSERT INTO notes (id, user_id, message, object_uri, in_reply_to_uri, visibility, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.Id.String(), acc.Id.String(), n.Message, n.ObjectURI, n.InReplyToURI, n.Visibility, n.CreatedAt)
	return err
}

func (d *DB) UpdateNote(ctx context.Context, n *domain.Note) error {
	_, err := d.db.ExecContext(ctx, `UPDATE notes SET message = ?, edited_at = ? WHERE id = ?`, n.Message, n.EditedAt, n.Id.String())
	return err
}

func (d *DB) DeleteNote(ctx context.Context, id uuid.UUID) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id.String())
	return err
}

func (d *DB) CreateNoteMention(ctx context.Context, m *domain.NoteMention) error {
	if m.Id == uuid.Nil {
		m.Id = uuid.New()
	}
	_, err := d.db.ExecContext(ctx, `INSERT INTO note_mentions (id, note_id, mentioned_actor_uri, mentioned_username, mentioned_domain, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.Id.String(), m.NoteId.String(), m.MentionedActorURI, m.MentionedUsername, m.MentionedDomain, m.CreatedAt)
	return err
}

func (d *DB) ReadMentionsByNoteId(ctx context.Context, noteId uuid.UUID) ([]domain.NoteMention, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, note_id, mentioned_actor_uri, mentioned_username, mentioned_domain, created_at
		FROM note_mentions WHERE note_id = ?`, noteId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.NoteMention
	for rows.Next() {
		var m domain.NoteMention
		if err := rows.Scan(&m.Id, &m.NoteId, &m.MentionedActorURI, &m.MentionedUsername, &m.MentionedDomain, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (d *DB) IncrementReplyCountByURI(ctx context.Context, parentURI string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE notes SET reply_count = reply_count + 1 WHERE object_uri = ?`, parentURI)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, `UPDATE activities SET reply_count = reply_count + 1 WHERE object_uri = ?`, parentURI)
	return err
}

func (d *DB) CreateLike(ctx context.Context, l *domain.Like) error {
	if l.Id == uuid.Nil {
		l.Id = uuid.New()
	}
	return d.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO likes (id, account_id, note_id, uri, created_at) VALUES (?, ?, ?, ?, ?)`,
			l.Id.String(), l.AccountId.String(), l.NoteId.String(), l.URI, l.CreatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE notes SET like_count = like_count + 1 WHERE id = ?`, l.NoteId.String())
		return err
	})
}

func (d *DB) DeleteLikeByURI(ctx context.Context, uri string) error {
	return d.wrapTransaction(func(tx *sql.Tx) error {
		var noteId string
		err := tx.QueryRow(`SELECT note_id FROM likes WHERE uri = ?`, uri).Scan(&noteId)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM likes WHERE uri = ?`, uri); err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE notes SET like_count = MAX(like_count - 1, 0) WHERE id = ?`, noteId)
		return err
	})
}

func (d *DB) CreateBoost(ctx context.Context, b *domain.Boost) error {
	if b.Id == uuid.Nil {
		b.Id = uuid.New()
	}
	return d.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO boosts (id, account_id, note_id, uri, created_at) VALUES (?, ?, ?, ?, ?)`,
			b.Id.String(), b.AccountId.String(), b.NoteId.String(), b.URI, b.CreatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE notes SET boost_count = boost_count + 1 WHERE id = ?`, b.NoteId.String())
		return err
	})
}

func (d *DB) DeleteBoostByURI(ctx context.Context, uri string) error {
	return d.wrapTransaction(func(tx *sql.Tx) error {
		var noteId string
		err := tx.QueryRow(`SELECT note_id FROM boosts WHERE uri = ?`, uri).Scan(&noteId)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM boosts WHERE uri = ?`, uri); err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE notes SET boost_count = MAX(boost_count - 1, 0) WHERE id = ?`, noteId)
		return err
	})
}

func (d *DB) ReadLikersByNoteId(ctx context.Context, noteId uuid.UUID, limit, offset int) ([]domain.RemoteAccount, error) {
	return d.readEngagers(ctx, "likes", noteId, limit, offset)
}

func (d *DB) ReadBoostersByNoteId(ctx context.Context, noteId uuid.UUID, limit, offset int) ([]domain.RemoteAccount, error) {
	return d.readEngagers(ctx, "boosts", noteId, limit, offset)
}

// readEngagers resolves the remote actors behind a note's likes or
// boosts. table is a compile-time constant, never user input.
func (d *DB) readEngagers(ctx context.Context, table string, noteId uuid.UUID, limit, offset int) ([]domain.RemoteAccount, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT r.id, r.username, r.domain, r.actor_uri, r.kind, r.display_name, r.summary,
		r.inbox_uri, r.outbox_uri, r.shared_inbox_uri, r.public_key_pem, r.avatar_url, r.last_fetched_at
		FROM `+table+` e INNER JOIN remote_accounts r ON r.id = e.account_id
		WHERE e.note_id = ? ORDER BY e.created_at DESC LIMIT ? OFFSET ?`, noteId.String(), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.RemoteAccount
	for rows.Next() {
		var r domain.RemoteAccount
		var displayName, summary, outboxURI, sharedInboxURI, avatarURL sql.NullString
		if err := rows.Scan(&r.Id, &r.Username, &r.Domain, &r.ActorURI, &r.Kind, &displayName, &summary,
			&r.InboxURI, &outboxURI, &sharedInboxURI, &r.PublicKeyPem, &avatarURL, &r.LastFetchedAt); err != nil {
			return nil, err
		}
		r.DisplayName = displayName.String
		r.Summary = summary.String
		r.OutboxURI = outboxURI.String
		r.SharedInboxURI = sharedInboxURI.String
		r.AvatarURL = avatarURL.String
		out = append(out, r)
	}
	return out, rows.Err()
}
