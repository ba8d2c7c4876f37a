package web

import (
	"context"
	"time"

	"github.com/fediforge/apfedcore/activitypub"
	"github.com/fediforge/apfedcore/domain"
	"github.com/fediforge/apfedcore/util"
	"github.com/google/uuid"
)

// actorDocument mirrors the shape activitypub.ActorCache expects when it
// parses a remote actor; rendering our own actors in the same shape
// keeps us speaking the dialect other servers already parse us with.
type actorDocument struct {
	Context                   []string       `json:"@context"`
	ID                        string         `json:"id"`
	Type                      string         `json:"type"`
	PreferredUsername         string         `json:"preferredUsername"`
	Name                      string         `json:"name"`
	Summary                   string         `json:"summary"`
	Inbox                     string         `json:"inbox"`
	Outbox                    string         `json:"outbox"`
	Followers                 string         `json:"followers"`
	Following                 string         `json:"following"`
	URL                       string         `json:"url"`
	ManuallyApprovesFollowers bool           `json:"manuallyApprovesFollowers"`
	Discoverable              bool           `json:"discoverable"`
	Icon                      *actorIcon     `json:"icon,omitempty"`
	Endpoints                 actorEndpoints `json:"endpoints"`
	PublicKey                 actorPublicKey `json:"publicKey"`
}

type actorIcon struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType"`
	URL       string `json:"url"`
}

type actorEndpoints struct {
	SharedInbox string `json:"sharedInbox"`
}

type actorPublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// GetActorDocument renders username's actor document as it should be
// served at GET /users/{username}, or (nil, nil) if the account doesn't
// exist.
func GetActorDocument(ctx context.Context, actors activitypub.ActorRepo, domain, username string) (*actorDocument, error) {
	acc, err := actors.ReadAccountByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, nil
	}
	return renderActorDocument(acc, domain), nil
}

func renderActorDocument(acc *domain.Account, domain string) *actorDocument {
	displayName := acc.DisplayName
	if displayName == "" {
		displayName = acc.Username
	}

	actorURI := acc.ActorURI(domain)
	doc := &actorDocument{
		Context: []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		ID:                        actorURI,
		Type:                      "Person",
		PreferredUsername:         acc.Username,
		Name:                      displayName,
		Summary:                   acc.Summary,
		Inbox:                     acc.InboxURI(domain),
		Outbox:                    acc.OutboxURI(domain),
		Followers:                 actorURI + "/followers",
		Following:                 actorURI + "/following",
		URL:                       actorURI,
		ManuallyApprovesFollowers: acc.ManuallyApprovesFollowers,
		Discoverable:              true,
		Endpoints:                 actorEndpoints{SharedInbox: "https://" + domain + "/inbox"},
		PublicKey: actorPublicKey{
			ID:           actorURI + "#main-key",
			Owner:        actorURI,
			PublicKeyPem: acc.WebPublicKey,
		},
	}
	if acc.AvatarURL != "" {
		doc.Icon = &actorIcon{Type: "Image", MediaType: "image/png", URL: acc.AvatarURL}
	}
	return doc
}

// GetNoteDocument renders a local note as an ActivityPub Note object, or
// (nil, nil) if it doesn't exist.
func GetNoteDocument(ctx context.Context, activities activitypub.ActivityRepo, actors activitypub.ActorRepo, domain string, noteID uuid.UUID) (map[string]any, error) {
	note, err := activities.ReadNoteById(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if note == nil {
		return nil, nil
	}
	acc, err := actors.ReadAccountByUsername(ctx, note.CreatedBy)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, nil
	}

	actorURI := acc.ActorURI(domain)

	content := util.MarkdownLinksToHTML(note.Message)
	content = util.HashtagsToActivityPubHTML(content, "https://"+domain)
	mentions, err := activities.ReadMentionsByNoteId(ctx, note.Id)
	if err != nil {
		return nil, err
	}
	if len(mentions) > 0 {
		uris := make(map[string]string, len(mentions))
		for _, m := range mentions {
			uris["@"+m.MentionedUsername+"@"+m.MentionedDomain] = m.MentionedActorURI
		}
		content = util.MentionsToActivityPubHTML(content, uris)
	}

	obj := map[string]any{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           note.ObjectURIFor(domain),
		"type":         "Note",
		"attributedTo": actorURI,
		"content":      content,
		"mediaType":    "text/html",
		"published":    note.CreatedAt.Format(time.RFC3339),
	}
	if note.InReplyToURI != "" {
		obj["inReplyTo"] = note.InReplyToURI
	}
	switch note.Visibility {
	case "unlisted":
		obj["to"] = []string{actorURI + "/followers"}
		obj["cc"] = []string{activitypub.PublicAddressing}
	case "followers-only":
		obj["to"] = []string{actorURI + "/followers"}
	case "direct":
		// to is populated by the activity wrapper, not the bare object.
	default:
		obj["to"] = []string{activitypub.PublicAddressing}
		obj["cc"] = []string{actorURI + "/followers"}
	}
	if note.EditedAt != nil {
		obj["updated"] = note.EditedAt.Format(time.RFC3339)
	}
	return obj, nil
}
