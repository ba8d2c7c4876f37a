package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fediforge/apfedcore/domain"
	"github.com/google/uuid"
)

const (
	sqlSelectAccountByUsername = `SELECT id, username, display_name, summary, avatar_url, web_public_key, web_private_key, manually_approves_followers, created_at FROM accounts WHERE username = ?`
	sqlSelectAccountById        = `SELECT id, username, display_name, summary, avatar_url, web_public_key, web_private_key, manually_approves_followers, created_at FROM accounts WHERE id = ?`
)

func scanAccount(row *sql.Row) (*domain.Account, error) {
	var a domain.Account
	var displayName, summary, avatarURL sql.NullString
	var approves sql.NullInt64
	err := row.Scan(&a.Id, &a.Username, &displayName, &summary, &avatarURL, &a.WebPublicKey, &a.WebPrivateKey, &approves, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.DisplayName = displayName.String
	a.Summary = summary.String
	a.AvatarURL = avatarURL.String
	a.ManuallyApprovesFollowers = approves.Int64 == 1
	return &a, nil
}

func (d *DB) ReadAccountByUsername(ctx context.Context, username string) (*domain.Account, error) {
	row := d.db.QueryRowContext(ctx, sqlSelectAccountByUsername, username)
	acc, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return acc, err
}

func (d *DB) ReadAccountById(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	row := d.db.QueryRowContext(ctx, sqlSelectAccountById, id.String())
	acc, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return acc, err
}

func (d *DB) CreateAccount(ctx context.Context, a *domain.Account) error {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	_, err := d.db.ExecContext(ctx, `INSERT INTO accounts
		(id, username, display_name, summary, avatar_url, web_public_key, web_private_key, manually_approves_followers, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Id.String(), a.Username, a.DisplayName, a.Summary, a.AvatarURL, a.WebPublicKey, a.WebPrivateKey,
		a.ManuallyApprovesFollowers, a.CreatedAt)
	return err
}

const sqlSelectRemoteActorByURI = `SELECT id, username, domain, actor_uri, kind, display_name, summary, inbox_uri, outbox_uri, shared_inbox_uri, public_key_pem, avatar_url, last_fetched_at FROM remote_accounts WHERE actor_uri = ?`

func (d *DB) ReadRemoteActorByURI(ctx context.Context, actorURI string) (*domain.RemoteAccount, error) {
	row := d.db.QueryRowContext(ctx, sqlSelectRemoteActorByURI, actorURI)
	var r domain.RemoteAccount
	var displayName, summary, outboxURI, sharedInboxURI, avatarURL sql.NullString
	err := row.Scan(&r.Id, &r.Username, &r.Domain, &r.ActorURI, &r.Kind, &displayName, &summary, &r.InboxURI, &outboxURI, &sharedInboxURI, &r.PublicKeyPem, &avatarURL, &r.LastFetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.DisplayName = displayName.String
	r.Summary = summary.String
	r.OutboxURI = outboxURI.String
	r.SharedInboxURI = sharedInboxURI.String
	r.AvatarURL = avatarURL.String
	return &r, nil
}

const sqlSelectRemoteActorById = `SELECT id, username, domain, actor_uri, kind, display_name, summary, inbox_uri, outbox_uri, shared_inbox_uri, public_key_pem, avatar_url, last_fetched_at FROM remote_accounts WHERE id = ?`

func (d *DB) ReadRemoteActorById(ctx context.Context, id uuid.UUID) (*domain.RemoteAccount, error) {
	row := d.db.QueryRowContext(ctx, sqlSelectRemoteActorById, id.String())
	var r domain.RemoteAccount
	var displayName, summary, outboxURI, sharedInboxURI, avatarURL sql.NullString
	err := row.Scan(&r.Id, &r.Username, &r.Domain, &r.ActorURI, &r.Kind, &displayName, &summary, &r.InboxURI, &outboxURI, &sharedInboxURI, &r.PublicKeyPem, &avatarURL, &r.LastFetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.DisplayName = displayName.String
	r.Summary = summary.String
	r.OutboxURI = outboxURI.String
	r.SharedInboxURI = sharedInboxURI.String
	r.AvatarURL = avatarURL.String
	return &r, nil
}

func (d *DB) CreateRemoteActor(ctx context.Context, acc *domain.RemoteAccount) error {
	if acc.Id == uuid.Nil {
		acc.Id = uuid.New()
	}
	_, err := d.db.ExecContext(ctx, `INSERT INTO remote_accounts
		(id, username, domain, actor_uri, kind, display_name, summary, inbox_uri, outbox_uri, shared_inbox_uri, public_key_pem, avatar_url, last_fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		acc.Id.String(), acc.Username, acc.Domain, acc.ActorURI, string(acc.Kind), acc.DisplayName, acc.Summary,
		acc.InboxURI, acc.OutboxURI, acc.SharedInboxURI, acc.PublicKeyPem, acc.AvatarURL, acc.LastFetchedAt)
	return err
}

func (d *DB) UpdateRemoteActor(ctx context.Context, acc *domain.RemoteAccount) error {
	_, err := d.db.ExecContext(ctx, `UPDATE remote_accounts SET
		display_name = ?, summary = ?, inbox_uri = ?, outbox_uri = ?, shared_inbox_uri = ?,
		public_key_pem = ?, avatar_url = ?, last_fetched_at = ? WHERE id = ?`,
		acc.DisplayName, acc.Summary, acc.InboxURI, acc.OutboxURI, acc.SharedInboxURI,
		acc.PublicKeyPem, acc.AvatarURL, acc.LastFetchedAt, acc.Id.String())
	return err
}

func (d *DB) DeleteRemoteActor(ctx context.Context, id uuid.UUID) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM remote_accounts WHERE id = ?`, id.String())
	return err
}

func (d *DB) CreateFollow(ctx context.Context, f *domain.Follow) error {
	if f.Id == uuid.Nil {
		f.Id = uuid.New()
	}
	_, err := d.db.ExecContext(ctx, `INSERT INTO follows (id, account_id, target_account_id, uri, accepted, is_local, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.Id.String(), f.AccountId.String(), f.TargetAccountId.String(), f.URI, f.Accepted, f.IsLocal, f.CreatedAt)
	return err
}

func scanFollow(scan func(dest ...any) error) (*domain.Follow, error) {
	var f domain.Follow
	var accountId, targetId string
	err := scan(&f.Id, &accountId, &targetId, &f.URI, &f.Accepted, &f.IsLocal, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	f.AccountId, err = uuid.Parse(accountId)
	if err != nil {
		return nil, fmt.Errorf("follow account id: %w", err)
	}
	f.TargetAccountId, err = uuid.Parse(targetId)
	if err != nil {
		return nil, fmt.Errorf("follow target id: %w", err)
	}
	return &f, nil
}

const followColumns = `id, account_id, target_account_id, uri, accepted, is_local, created_at`

func (d *DB) ReadFollowByURI(ctx context.Context, uri string) (*domain.Follow, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+followColumns+` FROM follows WHERE uri = ?`, uri)
	f, err := scanFollow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return f, err
}

func (d *DB) ReadFollowByAccountIds(ctx context.Context, accountId, targetAccountId uuid.UUID) (*domain.Follow, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+followColumns+` FROM follows WHERE account_id = ? AND target_account_id = ?`,
		accountId.String(), targetAccountId.String())
	f, err := scanFollow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return f, err
}

func (d *DB) AcceptFollowByURI(ctx context.Context, uri string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE follows SET accepted = 1 WHERE uri = ?`, uri)
	return err
}

func (d *DB) DeleteFollowByURI(ctx context.Context, uri string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM follows WHERE uri = ?`, uri)
	return err
}

func (d *DB) DeleteFollowsByRemoteActorId(ctx context.Context, remoteAccountId uuid.UUID) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM follows WHERE account_id = ? OR target_account_id = ?`,
		remoteAccountId.String(), remoteAccountId.String())
	return err
}

func readFollows(rows *sql.Rows) ([]domain.Follow, error) {
	defer rows.Close()
	var out []domain.Follow
	for rows.Next() {
		f, err := scanFollow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func (d *DB) ReadFollowersByAccountId(ctx context.Context, accountId uuid.UUID) ([]domain.Follow, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+followColumns+` FROM follows WHERE target_account_id = ? AND accepted = 1`, accountId.String())
	if err != nil {
		return nil, err
	}
	return readFollows(rows)
}

func (d *DB) ReadFollowingByAccountId(ctx context.Context, accountId uuid.UUID) ([]domain.Follow, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+followColumns+` FROM follows WHERE account_id = ? AND accepted = 1`, accountId.String())
	if err != nil {
		return nil, err
	}
	return readFollows(rows)
}

func (d *DB) CountFollowersByAccountId(ctx context.Context, accountId uuid.UUID) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM follows WHERE target_account_id = ? AND accepted = 1`, accountId.String()).Scan(&n)
	return n, err
}

func (d *DB) CountFollowingByAccountId(ctx context.Context, accountId uuid.UUID) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM follows WHERE account_id = ? AND accepted = 1`, accountId.String()).Scan(&n)
	return n, err
}
