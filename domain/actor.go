package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account is a locally-owned actor: a Person this server speaks for. It
// always has a keypair, used to sign outgoing activities and fetches.
type Account struct {
	Id                        uuid.UUID
	Username                  string
	DisplayName               string
	Summary                   string
	AvatarURL                 string
	WebPublicKey              string
	WebPrivateKey             string
	ManuallyApprovesFollowers bool
	CreatedAt                 time.Time
}

// ActorURI returns the canonical ActivityStreams id for this account
// given the server's domain.
func (a Account) ActorURI(domain string) string {
	return "https://" + domain + "/users/" + a.Username
}

// InboxURI returns this account's personal inbox URI.
func (a Account) InboxURI(domain string) string {
	return a.ActorURI(domain) + "/inbox"
}

// OutboxURI returns this account's outbox URI.
func (a Account) OutboxURI(domain string) string {
	return a.ActorURI(domain) + "/outbox"
}
