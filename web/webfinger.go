package web

import (
	"context"
	"fmt"
	"strings"

	"github.com/fediforge/apfedcore/db"
	"github.com/fediforge/apfedcore/util"
)

// WebFingerResponse is a WebFinger JRD response for actor discovery.
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

// WebFingerLink is a single JRD link entry.
type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// ResolveWebFinger answers a WebFinger lookup for resource, which is
// expected in "acct:user@domain" form. It returns nil, nil (not an
// error) when the account doesn't exist or the domain doesn't match
// this server, so callers can render 404 without logging noise for
// the routine case of a stranger querying the wrong instance.
func ResolveWebFinger(ctx context.Context, database *db.DB, resource, selfDomain string) (*WebFingerResponse, error) {
	if !strings.HasPrefix(resource, "acct:") {
		return nil, nil
	}
	rest := strings.TrimPrefix(resource, "acct:")
	parts := strings.SplitN(rest, "@", 2)
	if len(parts) != 2 {
		return nil, nil
	}
	username, domain := parts[0], parts[1]
	if domain != selfDomain {
		return nil, nil
	}
	if ok, _ := util.IsValidWebFingerUsername(username); !ok {
		return nil, nil
	}

	acc, err := database.ReadAccountByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, nil
	}

	actorURI := acc.ActorURI(selfDomain)
	return &WebFingerResponse{
		Subject: fmt.Sprintf("acct:%s@%s", acc.Username, selfDomain),
		Aliases: []string{actorURI},
		Links: []WebFingerLink{
			{Rel: "self", Type: "application/activity+json", Href: actorURI},
		},
	}, nil
}
