package activitypub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fediforge/apfedcore/domain"
	"github.com/google/uuid"
)

// Collections renders the derived collections — followers, following,
// outbox, liked, shared, and the per-object replies/likes/shares — as
// ActivityStreams OrderedCollection / OrderedCollectionPage documents.
// None of these are materialized lists; every call recomputes the page
// from the indexed activity and follow-graph tables.
type Collections struct {
	Actors      ActorRepo
	Activities  ActivityRepo
	Domain      string
	DefaultSize int
	MaxSize     int
}

// NewCollections constructs a Collections renderer. defaultSize and
// maxSize fall back to 20 and 50 respectively when zero.
func NewCollections(actors ActorRepo, activities ActivityRepo, domain string, defaultSize, maxSize int) *Collections {
	if defaultSize <= 0 {
		defaultSize = 20
	}
	if maxSize <= 0 {
		maxSize = 50
	}
	return &Collections{Actors: actors, Activities: activities, Domain: domain, DefaultSize: defaultSize, MaxSize: maxSize}
}

func (c *Collections) pageSize(requested int) int {
	if requested <= 0 {
		return c.DefaultSize
	}
	if requested > c.MaxSize {
		return c.MaxSize
	}
	return requested
}

// summary builds the no-page OrderedCollection wrapper.
func summary(collectionID string, totalItems int) map[string]any {
	return map[string]any{
		"@context":   "https://www.w3.org/ns/activitystreams",
		"id":         collectionID,
		"type":       "OrderedCollection",
		"totalItems": totalItems,
		"first":      collectionID + "?page=1",
	}
}

// page builds an OrderedCollectionPage. next is present only when this
// page was full and more items remain; a partial or empty page never
// advertises a next link, matching the "unknown pages return empty
// orderedItems with absent next" requirement.
func page(collectionID string, pageNum, pageSize, totalItems int, items []any) map[string]any {
	if items == nil {
		items = []any{}
	}
	out := map[string]any{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           fmt.Sprintf("%s?page=%d", collectionID, pageNum),
		"type":         "OrderedCollectionPage",
		"partOf":       collectionID,
		"orderedItems": items,
		"totalItems":   totalItems,
	}
	if pageNum > 1 {
		out["prev"] = fmt.Sprintf("%s?page=%d", collectionID, pageNum-1)
	}
	if len(items) == pageSize && pageNum*pageSize < totalItems {
		out["next"] = fmt.Sprintf("%s?page=%d", collectionID, pageNum+1)
	}
	return out
}

// resolveActorURI returns the canonical actor id for an account id that
// may belong to either a local account or a cached remote actor.
func (c *Collections) resolveActorURI(ctx context.Context, id uuid.UUID) (string, error) {
	if local, err := c.Actors.ReadAccountById(ctx, id); err != nil {
		return "", TransientErrorf(err, "resolve local actor %s", id)
	} else if local != nil {
		return local.ActorURI(c.Domain), nil
	}
	remote, err := c.Actors.ReadRemoteActorById(ctx, id)
	if err != nil {
		return "", TransientErrorf(err, "resolve remote actor %s", id)
	}
	if remote == nil {
		return "", nil
	}
	return remote.ActorURI, nil
}

func sliceFollows(follows []domain.Follow, pageNum, pageSize int) []domain.Follow {
	start := (pageNum - 1) * pageSize
	if start >= len(follows) {
		return nil
	}
	end := start + pageSize
	if end > len(follows) {
		end = len(follows)
	}
	return follows[start:end]
}

// Followers renders the followers collection of the local account
// username. pageNum of 0 returns the summary document.
func (c *Collections) Followers(ctx context.Context, username string, pageNum int) (map[string]any, error) {
	acc, err := c.Actors.ReadAccountByUsername(ctx, username)
	if err != nil {
		return nil, TransientErrorf(err, "lookup account %q", username)
	}
	if acc == nil {
		return nil, NotFoundErrorf("account %q not found", username)
	}
	collectionID := acc.ActorURI(c.Domain) + "/followers"

	total, err := c.Actors.CountFollowersByAccountId(ctx, acc.Id)
	if err != nil {
		return nil, TransientErrorf(err, "count followers of %q", username)
	}
	if pageNum <= 0 {
		return summary(collectionID, total), nil
	}

	all, err := c.Actors.ReadFollowersByAccountId(ctx, acc.Id)
	if err != nil {
		return nil, TransientErrorf(err, "list followers of %q", username)
	}
	size := c.pageSize(0)
	items, err := c.followURIs(ctx, sliceFollows(all, pageNum, size), true)
	if err != nil {
		return nil, err
	}
	return page(collectionID, pageNum, size, total, items), nil
}

// Following renders the following collection of the local account
// username.
func (c *Collections) Following(ctx context.Context, username string, pageNum int) (map[string]any, error) {
	acc, err := c.Actors.ReadAccountByUsername(ctx, username)
	if err != nil {
		return nil, TransientErrorf(err, "lookup account %q", username)
	}
	if acc == nil {
		return nil, NotFoundErrorf("account %q not found", username)
	}
	collectionID := acc.ActorURI(c.Domain) + "/following"

	total, err := c.Actors.CountFollowingByAccountId(ctx, acc.Id)
	if err != nil {
		return nil, TransientErrorf(err, "count following of %q", username)
	}
	if pageNum <= 0 {
		return summary(collectionID, total), nil
	}

	all, err := c.Actors.ReadFollowingByAccountId(ctx, acc.Id)
	if err != nil {
		return nil, TransientErrorf(err, "list following of %q", username)
	}
	size := c.pageSize(0)
	items, err := c.followURIs(ctx, sliceFollows(all, pageNum, size), false)
	if err != nil {
		return nil, err
	}
	return page(collectionID, pageNum, size, total, items), nil
}

// followURIs resolves a slice of Follow rows to the actor URI on the
// far side of the relationship: the follower when byFollower is true
// (rendering a followers page), the followed account otherwise.
func (c *Collections) followURIs(ctx context.Context, follows []domain.Follow, byFollower bool) ([]any, error) {
	items := make([]any, 0, len(follows))
	for _, f := range follows {
		id := f.TargetAccountId
		if byFollower {
			id = f.AccountId
		}
		uri, err := c.resolveActorURI(ctx, id)
		if err != nil {
			return nil, err
		}
		if uri == "" {
			continue
		}
		items = append(items, uri)
	}
	return items, nil
}

// Outbox renders the outbox collection of the local account username:
// every activity that account has submitted, most recent first.
func (c *Collections) Outbox(ctx context.Context, username string, pageNum int) (map[string]any, error) {
	acc, err := c.Actors.ReadAccountByUsername(ctx, username)
	if err != nil {
		return nil, TransientErrorf(err, "lookup account %q", username)
	}
	if acc == nil {
		return nil, NotFoundErrorf("account %q not found", username)
	}
	collectionID := acc.ActorURI(c.Domain) + "/outbox"

	total, err := c.Activities.CountOutboxActivities(ctx, username)
	if err != nil {
		return nil, TransientErrorf(err, "count outbox of %q", username)
	}
	if pageNum <= 0 {
		return summary(collectionID, total), nil
	}

	size := c.pageSize(0)
	acts, err := c.Activities.ReadOutboxActivities(ctx, username, size, (pageNum-1)*size)
	if err != nil {
		return nil, TransientErrorf(err, "list outbox of %q", username)
	}
	return page(collectionID, pageNum, size, total, activityItems(acts)), nil
}

// Inbox renders the inbox collection of the local account username:
// every activity delivered to that account, most recent first.
func (c *Collections) Inbox(ctx context.Context, username string, pageNum int) (map[string]any, error) {
	acc, err := c.Actors.ReadAccountByUsername(ctx, username)
	if err != nil {
		return nil, TransientErrorf(err, "lookup account %q", username)
	}
	if acc == nil {
		return nil, NotFoundErrorf("account %q not found", username)
	}
	collectionID := acc.ActorURI(c.Domain) + "/inbox"

	total, err := c.Activities.CountInboxActivities(ctx, username)
	if err != nil {
		return nil, TransientErrorf(err, "count inbox of %q", username)
	}
	if pageNum <= 0 {
		return summary(collectionID, total), nil
	}

	size := c.pageSize(0)
	acts, err := c.Activities.ReadInboxActivities(ctx, username, size, (pageNum-1)*size)
	if err != nil {
		return nil, TransientErrorf(err, "list inbox of %q", username)
	}
	return page(collectionID, pageNum, size, total, activityItems(acts)), nil
}

// Liked and Shared are actor-level derived collections of a local
// account's own Like/Announce activities. The store keeps one flat
// outbox log rather than a materialized per-type index, so these filter
// a generously-sized outbox window in memory; an account with more than
// likedSharedScanWindow outbox activities since its most recent like or
// boost may see a stale tail page, a tradeoff noted in the design notes.
const likedSharedScanWindow = 500

func (c *Collections) actorLevelByType(ctx context.Context, username, kind string, pageNum int, suffix string) (map[string]any, error) {
	acc, err := c.Actors.ReadAccountByUsername(ctx, username)
	if err != nil {
		return nil, TransientErrorf(err, "lookup account %q", username)
	}
	if acc == nil {
		return nil, NotFoundErrorf("account %q not found", username)
	}
	collectionID := acc.ActorURI(c.Domain) + "/" + suffix

	all, err := c.Activities.ReadOutboxActivities(ctx, username, likedSharedScanWindow, 0)
	if err != nil {
		return nil, TransientErrorf(err, "list outbox of %q", username)
	}
	var filtered []domain.Activity
	for _, a := range all {
		if a.ActivityType == kind {
			filtered = append(filtered, a)
		}
	}
	total := len(filtered)
	if pageNum <= 0 {
		return summary(collectionID, total), nil
	}
	size := c.pageSize(0)
	start := (pageNum - 1) * size
	var windowed []domain.Activity
	if start < len(filtered) {
		end := start + size
		if end > len(filtered) {
			end = len(filtered)
		}
		windowed = filtered[start:end]
	}
	return page(collectionID, pageNum, size, total, activityItems(windowed)), nil
}

func (c *Collections) Liked(ctx context.Context, username string, pageNum int) (map[string]any, error) {
	return c.actorLevelByType(ctx, username, "Like", pageNum, "liked")
}

func (c *Collections) Shared(ctx context.Context, username string, pageNum int) (map[string]any, error) {
	return c.actorLevelByType(ctx, username, "Announce", pageNum, "shared")
}

// Replies renders the replies collection of a local object, resolved by
// its canonical object URI.
func (c *Collections) Replies(ctx context.Context, objectURI string, pageNum int) (map[string]any, error) {
	collectionID := objectURI + "/replies"

	total, err := c.Activities.CountRepliesByObjectURI(ctx, objectURI)
	if err != nil {
		return nil, TransientErrorf(err, "count replies to %s", objectURI)
	}
	if pageNum <= 0 {
		return summary(collectionID, total), nil
	}
	size := c.pageSize(0)
	acts, err := c.Activities.ReadRepliesByObjectURI(ctx, objectURI, size, (pageNum-1)*size)
	if err != nil {
		return nil, TransientErrorf(err, "list replies to %s", objectURI)
	}
	return page(collectionID, pageNum, size, total, activityItems(acts)), nil
}

// Likes renders the likes collection of a local note, resolved by its
// canonical object URI. The engagers returned are the liking actors'
// URIs, not activity ids, matching how Mastodon-family servers render a
// note's likes collection.
func (c *Collections) Likes(ctx context.Context, objectURI string, pageNum int) (map[string]any, error) {
	return c.engagerCollection(ctx, objectURI, pageNum, "likes", c.Activities.ReadLikersByNoteId)
}

// Shares renders the shares (Announce) collection of a local note.
func (c *Collections) Shares(ctx context.Context, objectURI string, pageNum int) (map[string]any, error) {
	return c.engagerCollection(ctx, objectURI, pageNum, "shares", c.Activities.ReadBoostersByNoteId)
}

func (c *Collections) engagerCollection(ctx context.Context, objectURI string, pageNum int, suffix string,
	fetch func(ctx context.Context, noteId uuid.UUID, limit, offset int) ([]domain.RemoteAccount, error)) (map[string]any, error) {
	note, err := c.Activities.ReadNoteByURI(ctx, objectURI)
	if err != nil {
		return nil, TransientErrorf(err, "lookup note %s", objectURI)
	}
	if note == nil {
		return nil, NotFoundErrorf("object %s not found", objectURI)
	}
	collectionID := objectURI + "/" + suffix

	total := note.LikeCount
	if suffix == "shares" {
		total = note.BoostCount
	}
	if pageNum <= 0 {
		return summary(collectionID, total), nil
	}
	size := c.pageSize(0)
	engagers, err := fetch(ctx, note.Id, size, (pageNum-1)*size)
	if err != nil {
		return nil, TransientErrorf(err, "list %s of %s", suffix, objectURI)
	}
	items := make([]any, 0, len(engagers))
	for _, e := range engagers {
		items = append(items, e.ActorURI)
	}
	return page(collectionID, pageNum, size, total, items), nil
}

// activityItems renders each stored activity's raw JSON back into an
// orderedItems entry. json.RawMessage keeps the exact bytes the
// activity was received or produced with, rather than re-marshaling a
// reconstructed struct that might drop unknown JSON-LD properties.
func activityItems(acts []domain.Activity) []any {
	items := make([]any, 0, len(acts))
	for _, a := range acts {
		items = append(items, json.RawMessage(a.RawJSON))
	}
	return items
}
