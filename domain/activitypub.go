package domain

import (
	"time"

	"github.com/google/uuid"
)

// ActorKind is the closed set of ActivityStreams actor types this server
// can represent.
type ActorKind string

const (
	ActorPerson      ActorKind = "Person"
	ActorService     ActorKind = "Service"
	ActorGroup       ActorKind = "Group"
	ActorOrganization ActorKind = "Organization"
	ActorApplication ActorKind = "Application"
)

// RemoteAccount is a cached federated actor fetched from another server.
// A remote account never has a private key.
type RemoteAccount struct {
	Id             uuid.UUID
	Username       string
	Domain         string
	ActorURI       string
	Kind           ActorKind
	DisplayName    string
	Summary        string
	InboxURI       string
	OutboxURI      string
	SharedInboxURI string
	PublicKeyPem   string
	AvatarURL      string
	LastFetchedAt  time.Time
}

// Follow represents a follow relationship between two actors (local or
// remote on either side).
type Follow struct {
	Id              uuid.UUID
	AccountId       uuid.UUID // the follower
	TargetAccountId uuid.UUID // the followed
	URI             string    // the ActivityPub Follow activity's id (empty for local-only follows)
	CreatedAt       time.Time
	Accepted        bool
	IsLocal         bool
}

// Like represents a Like activity indexed against an object.
type Like struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	NoteId    uuid.UUID
	URI       string
	CreatedAt time.Time
}

// Boost represents an Announce activity indexed against an object.
type Boost struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	NoteId    uuid.UUID
	URI       string
	CreatedAt time.Time
}

// Activity is the normalized, stored record of an ActivityStreams
// activity — the row backing ActivityRepo. RawJSON preserves the exact
// bytes received or produced so GetById is byte-equivalent to what was
// stored.
type Activity struct {
	Id            uuid.UUID
	ActivityURI   string
	ActivityType  string
	ActorURI      string
	ObjectURI     string
	TargetURI     string
	To            []string
	Cc            []string
	Bcc           []string
	InReplyTo     string
	Published     time.Time
	RawJSON       string
	Processed     bool
	CreatedAt     time.Time
	Local         bool
	LikeCount     int
	BoostCount    int
	ReplyCount    int
	// OwnerUsername is the local user whose inbox or outbox this row
	// belongs to. An activity addressed to several local recipients is
	// stored once per recipient.
	OwnerUsername string
	Tombstoned    bool
}

// NoteMention represents a @user@domain mention found in a note.
type NoteMention struct {
	Id                uuid.UUID
	NoteId            uuid.UUID
	MentionedActorURI string
	MentionedUsername string
	MentionedDomain   string
	CreatedAt         time.Time
}

// DeliveryStatus is the delivery record state machine. Dead is terminal.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "Pending"
	DeliveryProcessing DeliveryStatus = "Processing"
	DeliveryDelivered  DeliveryStatus = "Delivered"
	DeliveryFailed     DeliveryStatus = "Failed"
	DeliveryDead       DeliveryStatus = "Dead"
)

// DeliveryQueueItem is a durable delivery record. ActivityJSON and the
// sender fields are persisted so a retry after a process restart can
// re-sign and re-send without re-deriving anything from in-memory state.
type DeliveryQueueItem struct {
	Id             uuid.UUID
	ActivityURI    string
	InboxURI       string
	TargetHost     string
	ActivityJSON   string
	SenderUsername string
	SenderActorURI string
	Status         DeliveryStatus
	AttemptCount   int
	MaxRetries     int
	CreatedAt      time.Time
	NextAttemptAt  time.Time
	LastAttemptAt  time.Time
	CompletedAt    *time.Time
	LastError      string
}
