package activitypub

import (
	"context"
	"time"

	"github.com/fediforge/apfedcore/domain"
	"github.com/google/uuid"
)

// ActorRepo is the storage contract for local accounts, cached remote
// actors, and the follow graph between them.
type ActorRepo interface {
	ReadAccountByUsername(ctx context.Context, username string) (*domain.Account, error)
	ReadAccountById(ctx context.Context, id uuid.UUID) (*domain.Account, error)

	// CreateAccount persists a locally-owned actor. Ordinary local actors
	// are provisioned by an external identity provider and never go
	// through this path; it exists so the
	// server's own system actor can be lazily created on first use.
	CreateAccount(ctx context.Context, account *domain.Account) error

	ReadRemoteActorByURI(ctx context.Context, actorURI string) (*domain.RemoteAccount, error)
	ReadRemoteActorById(ctx context.Context, id uuid.UUID) (*domain.RemoteAccount, error)
	CreateRemoteActor(ctx context.Context, acc *domain.RemoteAccount) error
	UpdateRemoteActor(ctx context.Context, acc *domain.RemoteAccount) error
	DeleteRemoteActor(ctx context.Context, id uuid.UUID) error

	CreateFollow(ctx context.Context, follow *domain.Follow) error
	ReadFollowByURI(ctx context.Context, uri string) (*domain.Follow, error)
	ReadFollowByAccountIds(ctx context.Context, accountId, targetAccountId uuid.UUID) (*domain.Follow, error)
	AcceptFollowByURI(ctx context.Context, uri string) error
	DeleteFollowByURI(ctx context.Context, uri string) error
	DeleteFollowsByRemoteActorId(ctx context.Context, remoteAccountId uuid.UUID) error
	ReadFollowersByAccountId(ctx context.Context, accountId uuid.UUID) ([]domain.Follow, error)
	ReadFollowingByAccountId(ctx context.Context, accountId uuid.UUID) ([]domain.Follow, error)
	CountFollowersByAccountId(ctx context.Context, accountId uuid.UUID) (int, error)
	CountFollowingByAccountId(ctx context.Context, accountId uuid.UUID) (int, error)
}

// ActivityRepo is the storage contract for normalized activities, the
// local notes they wrap, and the engagement counters derived from them.
type ActivityRepo interface {
	CreateActivity(ctx context.Context, activity *domain.Activity) error
	UpdateActivity(ctx context.Context, activity *domain.Activity) error
	ReadActivityByURI(ctx context.Context, uri string) (*domain.Activity, error)
	ReadActivityByObjectURI(ctx context.Context, objectURI string) (*domain.Activity, error)
	DeleteActivity(ctx context.Context, id uuid.UUID) error
	ReadOutboxActivities(ctx context.Context, username string, limit, offset int) ([]domain.Activity, error)
	ReadInboxActivities(ctx context.Context, ownerUsername string, limit, offset int) ([]domain.Activity, error)
	CountOutboxActivities(ctx context.Context, username string) (int, error)
	CountInboxActivities(ctx context.Context, ownerUsername string) (int, error)

	ReadRepliesByObjectURI(ctx context.Context, objectURI string, limit, offset int) ([]domain.Activity, error)
	CountRepliesByObjectURI(ctx context.Context, objectURI string) (int, error)

	ReadNoteByURI(ctx context.Context, objectURI string) (*domain.Note, error)
	ReadNoteById(ctx context.Context, id uuid.UUID) (*domain.Note, error)
	CreateNote(ctx context.Context, note *domain.Note) error
	UpdateNote(ctx context.Context, note *domain.Note) error
	DeleteNote(ctx context.Context, id uuid.UUID) error

	CreateNoteMention(ctx context.Context, mention *domain.NoteMention) error
	ReadMentionsByNoteId(ctx context.Context, noteId uuid.UUID) ([]domain.NoteMention, error)

	IncrementReplyCountByURI(ctx context.Context, parentURI string) error
	CreateLike(ctx context.Context, like *domain.Like) error
	DeleteLikeByURI(ctx context.Context, uri string) error
	CreateBoost(ctx context.Context, boost *domain.Boost) error
	DeleteBoostByURI(ctx context.Context, uri string) error

	ReadLikersByNoteId(ctx context.Context, noteId uuid.UUID, limit, offset int) ([]domain.RemoteAccount, error)
	ReadBoostersByNoteId(ctx context.Context, noteId uuid.UUID, limit, offset int) ([]domain.RemoteAccount, error)
}

// DeliveryRepo is the storage contract for the durable outbound delivery
// queue: enqueue, atomic lease-and-transition pop, completion bookkeeping,
// and reaping of old terminal records.
type DeliveryRepo interface {
	Enqueue(ctx context.Context, item *domain.DeliveryQueueItem) error

	// LeasePending atomically transitions up to limit Pending or Failed rows
	// whose NextAttemptAt has elapsed to Processing and returns them. No two
	// concurrent callers may receive the same row.
	LeasePending(ctx context.Context, limit int) ([]domain.DeliveryQueueItem, error)

	MarkDelivered(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, attemptCount int, nextAttemptAt time.Time, lastErr string) error
	MarkDead(ctx context.Context, id uuid.UUID, lastErr string) error

	// Revert atomically returns a Processing row to Pending without
	// touching its attempt count, used when an in-flight delivery is
	// cut short by shutdown rather than failing on its own merits.
	Revert(ctx context.Context, id uuid.UUID) error

	// ReapDelivered deletes Delivered rows completed before olderThan.
	ReapDelivered(ctx context.Context, olderThan time.Time) (int, error)
	// ReapDead deletes Dead rows completed before olderThan.
	ReapDead(ctx context.Context, olderThan time.Time) (int, error)
}
