package db

import (
	"database/sql"
	"log"
)

const (
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		display_name TEXT,
		summary TEXT,
		avatar_url TEXT,
		web_public_key TEXT NOT NULL,
		web_private_key TEXT NOT NULL,
		manually_approves_followers INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRemoteAccountsTable = `CREATE TABLE IF NOT EXISTS remote_accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		kind TEXT NOT NULL DEFAULT 'Person',
		display_name TEXT,
		summary TEXT,
		inbox_uri TEXT NOT NULL,
		outbox_uri TEXT,
		shared_inbox_uri TEXT,
		public_key_pem TEXT NOT NULL,
		avatar_url TEXT,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(username, domain)
	)`
	sqlCreateRemoteAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_actor_uri ON remote_accounts(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_domain ON remote_accounts(domain);
	`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		target_account_id TEXT NOT NULL,
		uri TEXT NOT NULL,
		accepted INTEGER DEFAULT 0,
		is_local INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, target_account_id)
	)`
	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_account_id ON follows(account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_target_account_id ON follows(target_account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri);
	`

	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT,
		target_uri TEXT,
		to_list TEXT,
		cc_list TEXT,
		bcc_list TEXT,
		in_reply_to TEXT,
		published TIMESTAMP,
		raw_json TEXT NOT NULL,
		processed INTEGER DEFAULT 0,
		local INTEGER DEFAULT 0,
		like_count INTEGER DEFAULT 0,
		boost_count INTEGER DEFAULT 0,
		reply_count INTEGER DEFAULT 0,
		owner_username TEXT,
		tombstoned INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`
	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_uri ON activities(activity_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_processed ON activities(processed);
		CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(activity_type);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_activities_object_uri ON activities(object_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_owner ON activities(owner_username);
	`

	sqlCreateNotesTable = `CREATE TABLE IF NOT EXISTS notes (
		id TEXT NOT NULL PRIMARY KEY,
		user_id TEXT NOT NULL,
		message TEXT,
		object_uri TEXT,
		in_reply_to_uri TEXT,
		visibility TEXT DEFAULT 'public',
		like_count INTEGER DEFAULT 0,
		boost_count INTEGER DEFAULT 0,
		reply_count INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		edited_at TIMESTAMP
	)`
	sqlCreateNotesIndices = `
		CREATE INDEX IF NOT EXISTS idx_notes_user_id ON notes(user_id);
		CREATE INDEX IF NOT EXISTS idx_notes_object_uri ON notes(object_uri);
		CREATE INDEX IF NOT EXISTS idx_notes_in_reply_to ON notes(in_reply_to_uri);
	`

	sqlCreateNoteMentionsTable = `CREATE TABLE IF NOT EXISTS note_mentions (
		id TEXT NOT NULL PRIMARY KEY,
		note_id TEXT NOT NULL,
		mentioned_actor_uri TEXT NOT NULL,
		mentioned_username TEXT NOT NULL,
		mentioned_domain TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (note_id) REFERENCES notes(id) ON DELETE CASCADE
	)`
	sqlCreateNoteMentionsIndices = `
		CREATE INDEX IF NOT EXISTS idx_note_mentions_note_id ON note_mentions(note_id);
		CREATE INDEX IF NOT EXISTS idx_note_mentions_actor_uri ON note_mentions(mentioned_actor_uri);
	`

	sqlCreateLikesTable = `CREATE TABLE IF NOT EXISTS likes (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		note_id TEXT NOT NULL,
		uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, note_id)
	)`
	sqlCreateLikesIndices = `
		CREATE INDEX IF NOT EXISTS idx_likes_note_id ON likes(note_id);
		CREATE INDEX IF NOT EXISTS idx_likes_uri ON likes(uri);
	`

	sqlCreateBoostsTable = `CREATE TABLE IF NOT EXISTS boosts (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		note_id TEXT NOT NULL,
		uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, note_id)
	)`
	sqlCreateBoostsIndices = `
		CREATE INDEX IF NOT EXISTS idx_boosts_note_id ON boosts(note_id);
		CREATE INDEX IF NOT EXISTS idx_boosts_uri ON boosts(uri);
	`

	// Delivery queue table. Status is the DeliveryStatus state machine
	// (Pending/Processing/Delivered/Failed/Dead); a Failed row is
	// re-picked up by LeasePending once NextAttemptAt elapses, same as
	// Pending, so the two states only differ for observability.
	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		target_host TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		sender_username TEXT NOT NULL,
		sender_actor_uri TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'Pending',
		attempt_count INTEGER DEFAULT 0,
		max_retries INTEGER DEFAULT 5,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		next_attempt_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		last_attempt_at TIMESTAMP,
		completed_at TIMESTAMP,
		last_error TEXT
	)`
	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_status_next ON delivery_queue(status, next_attempt_at);
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_target_host ON delivery_queue(target_host);
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_completed_at ON delivery_queue(completed_at);
	`
)

// RunMigrations creates every table this package needs if it does not
// already exist. Sqlite's IF NOT EXISTS makes this idempotent across
// restarts, so there is no separate migration-version bookkeeping.
func (d *DB) RunMigrations() error {
	log.Println("db: running migrations")
	return d.wrapTransaction(func(tx *sql.Tx) error {
		statements := []string{
			sqlCreateAccountsTable,
			sqlCreateRemoteAccountsTable,
			sqlCreateRemoteAccountsIndices,
			sqlCreateFollowsTable,
			sqlCreateFollowsIndices,
			sqlCreateActivitiesTable,
			sqlCreateActivitiesIndices,
			sqlCreateNotesTable,
			sqlCreateNotesIndices,
			sqlCreateNoteMentionsTable,
			sqlCreateNoteMentionsIndices,
			sqlCreateLikesTable,
			sqlCreateLikesIndices,
			sqlCreateBoostsTable,
			sqlCreateBoostsIndices,
			sqlCreateDeliveryQueueTable,
			sqlCreateDeliveryQueueIndices,
		}
		for _, stmt := range statements {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	})
}
