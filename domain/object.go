package domain

import (
	"time"

	"github.com/google/uuid"
)

// Note is a locally-authored ActivityStreams object (Note/Article). It is
// the payload an outbox Create wraps and an inbox Create may reference via
// InReplyToURI.
type Note struct {
	Id           uuid.UUID
	CreatedBy    string // local author's username
	Message      string
	ObjectURI    string
	InReplyToURI string
	Visibility   string // public, unlisted, followers-only, direct
	LikeCount    int
	BoostCount   int
	ReplyCount   int
	CreatedAt    time.Time
	EditedAt     *time.Time
}

// ObjectURIFor returns the canonical id for a local note given the
// server's domain.
func (n Note) ObjectURIFor(domain string) string {
	if n.ObjectURI != "" {
		return n.ObjectURI
	}
	return "https://" + domain + "/notes/" + n.Id.String()
}
