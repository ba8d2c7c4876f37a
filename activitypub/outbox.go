package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fediforge/apfedcore/domain"
	"github.com/fediforge/apfedcore/util"
	"github.com/google/uuid"
)

// Outbox implements the submit-side pipeline: a local account hands it
// either a bare object or a full activity, it normalizes, persists, and
// addresses the result, then hands every distinct remote inbox to the
// delivery queue. Self-addressed recipients (another local account, or
// the follow target when it happens to live on this server) are written
// straight into that account's inbox instead of round-tripping through
// HTTP.
//
// Callers are expected to have already authenticated the request and
// confirmed the caller is owner; Submit enforces ownership itself by
// discarding whatever actor the submission claims and substituting
// owner's, but it does not re-check who is calling.
type Outbox struct {
	Actors     ActorRepo
	Activities ActivityRepo
	Delivery   DeliveryRepo
	Domain     string
	MaxRetries int
}

// NewOutbox constructs an Outbox. maxRetries of 0 falls back to the
// delivery queue's default.
func NewOutbox(actors ActorRepo, activities ActivityRepo, delivery DeliveryRepo, domain string, maxRetries int) *Outbox {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Outbox{Actors: actors, Activities: activities, Delivery: delivery, Domain: domain, MaxRetries: maxRetries}
}

// Submit runs the full outbox pipeline against a client-submitted JSON
// document and returns the normalized, persisted activity.
func (ob *Outbox) Submit(ctx context.Context, owner *domain.Account, rawBody []byte) (*Activity, error) {
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(rawBody, &peek); err != nil {
		return nil, ValidationErrorf("malformed submission: %v", err)
	}
	if peek.Type == "" {
		return nil, ValidationErrorf("submission missing type")
	}

	var act *Activity
	var note *domain.Note
	var err error
	if IsSupportedActivityType(peek.Type) {
		act, err = ob.normalizeActivity(owner, rawBody)
	} else {
		act, note, err = ob.wrapAsCreate(ctx, owner, rawBody, peek.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := ob.enrichAddressing(ctx, act); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(act)
	if err != nil {
		return nil, TransientErrorf(err, "marshal activity")
	}
	act.Raw = string(raw)

	if note != nil {
		if err := ob.Activities.CreateNote(ctx, note); err != nil {
			return nil, TransientErrorf(err, "persist note")
		}
		if err := ob.createMentions(ctx, note, act); err != nil {
			log.Printf("outbox: record mentions for %s: %v", note.ObjectURI, err)
		}
	}

	row := &domain.Activity{
		Id:            uuid.New(),
		ActivityURI:   act.ID,
		ActivityType:  act.Type,
		ActorURI:      act.Actor,
		ObjectURI:     act.Object.ResolvedURI(),
		TargetURI:     act.Target,
		To:            []string(act.To),
		Cc:            []string(act.Cc),
		Bcc:           []string(act.Bcc),
		InReplyTo:     act.InReplyTo(),
		Published:     publishedOrNow(act.Published),
		RawJSON:       act.Raw,
		Processed:     true,
		CreatedAt:     time.Now(),
		Local:         true,
		OwnerUsername: owner.Username,
	}
	if err := ob.Activities.CreateActivity(ctx, row); err != nil {
		return nil, TransientErrorf(err, "persist activity")
	}

	if err := ob.sideEffects(ctx, owner, act); err != nil {
		return nil, err
	}

	if err := ob.deliver(ctx, owner, act); err != nil {
		return nil, err
	}

	return act, nil
}

// normalizeActivity parses a client-submitted activity document, forcing
// its actor, id, and @context rather than trusting the submission, per
// the ownership-validation step.
func (ob *Outbox) normalizeActivity(owner *domain.Account, rawBody []byte) (*Activity, error) {
	var act Activity
	if err := json.Unmarshal(rawBody, &act); err != nil {
		return nil, ValidationErrorf("malformed activity: %v", err)
	}
	act.Actor = owner.ActorURI(ob.Domain)
	act.ID = fmt.Sprintf("https://%s/users/%s/activities/%s", ob.Domain, owner.Username, uuid.New())
	if act.Context == nil {
		act.Context = "https://www.w3.org/ns/activitystreams"
	}
	if act.Published == nil {
		now := time.Now()
		act.Published = &now
	}
	return &act, nil
}

// wrapAsCreate normalizes a bare object submission (typically a Note)
// into a Create activity, assigning fresh ids to both the activity and
// the object as required by the outbox contract.
func (ob *Outbox) wrapAsCreate(ctx context.Context, owner *domain.Account, rawBody []byte, objType string) (*Activity, *domain.Note, error) {
	var obj InlineObject
	if err := json.Unmarshal(rawBody, &obj); err != nil {
		return nil, nil, ValidationErrorf("malformed object: %v", err)
	}
	obj.Type = objType

	if err := util.ValidateNoteLength(obj.Content); err != nil {
		return nil, nil, ValidationErrorf("%v", err)
	}
	if obj.InReplyTo != "" && !util.IsURL(obj.InReplyTo) {
		return nil, nil, ValidationErrorf("inReplyTo %q is not a URL", obj.InReplyTo)
	}

	actorURI := owner.ActorURI(ob.Domain)
	objectID := fmt.Sprintf("https://%s/users/%s/objects/%s", ob.Domain, owner.Username, uuid.New())
	obj.ID = objectID
	obj.AttributedTo = actorURI
	if obj.Published == nil {
		now := time.Now()
		obj.Published = &now
	}

	if len(obj.To) == 0 && len(obj.Cc) == 0 {
		to := stringOrSlice{PublicAddressing}
		for _, uri := range ob.mentionURIs(ctx, obj.Content) {
			to = append(to, uri)
		}
		obj.To = to
		obj.Cc = stringOrSlice{actorURI + "/followers"}
	}
	if len(obj.Tag) == 0 {
		obj.Tag = ob.buildTags(ctx, obj.Content)
	}

	activityID := fmt.Sprintf("https://%s/users/%s/activities/%s", ob.Domain, owner.Username, uuid.New())
	act := &Activity{
		Context:   "https://www.w3.org/ns/activitystreams",
		ID:        activityID,
		Type:      "Create",
		Actor:     actorURI,
		Object:    &ObjectRef{Inline: &obj},
		To:        obj.To,
		Cc:        obj.Cc,
		Published: obj.Published,
	}

	var note *domain.Note
	if objType == "Note" || objType == "Article" {
		note = &domain.Note{
			Id:           uuid.New(),
			CreatedBy:    owner.Username,
			Message:      obj.Content,
			ObjectURI:    objectID,
			InReplyToURI: obj.InReplyTo,
			Visibility:   visibilityFor(obj.To, obj.Cc, actorURI),
			CreatedAt:    *obj.Published,
		}
	}
	return act, note, nil
}

// visibilityFor classifies a post's audience the way Mastodon-family
// servers do: explicit Public addressing in "to" is public, Public only
// in "cc" is unlisted, an addressed followers collection with no Public
// anywhere is followers-only, and anything else is direct.
func visibilityFor(to, cc stringOrSlice, actorURI string) string {
	followers := actorURI + "/followers"
	switch {
	case containsAddr(to, PublicAddressing):
		return "public"
	case containsAddr(cc, PublicAddressing):
		return "unlisted"
	case containsAddr(to, followers) || containsAddr(cc, followers):
		return "followers-only"
	default:
		return "direct"
	}
}

func containsAddr(addrs stringOrSlice, target string) bool {
	for _, a := range addrs {
		if a == target {
			return true
		}
	}
	return false
}

// buildTags assembles the tag array of an outgoing object from the
// hashtags and mentions found in its content, so receiving servers can
// index the post under its tags and notify the mentioned actors.
func (ob *Outbox) buildTags(ctx context.Context, text string) []Tag {
	var tags []Tag
	for _, ht := range util.ParseHashtags(text) {
		tags = append(tags, Tag{
			Type: "Hashtag",
			Name: "#" + ht,
			Href: "https://" + ob.Domain + "/tags/" + ht,
		})
	}
	for _, m := range util.ParseMentions(text) {
		uri := ob.mentionActorURI(ctx, m)
		if uri == "" {
			continue
		}
		tags = append(tags, Tag{
			Type: "Mention",
			Name: "@" + m.Username + "@" + m.Domain,
			Href: uri,
		})
	}
	return tags
}

// mentionURIs resolves @username@domain references in text to actor
// URIs, so they can be added to a Create's direct addressing. Local
// mentions are resolved against ActorRepo; remote mentions always use
// this server's own actor-URI convention (/users/{username}), which the
// wider fediverse commonly shares — a heuristic, not a guarantee. The
// remote actor cache is not consulted.
func (ob *Outbox) mentionURIs(ctx context.Context, text string) []string {
	mentions := util.ParseMentions(text)
	uris := make([]string, 0, len(mentions))
	for _, m := range mentions {
		uri := ob.mentionActorURI(ctx, m)
		if uri != "" {
			uris = append(uris, uri)
		}
	}
	return uris
}

func (ob *Outbox) mentionActorURI(ctx context.Context, m util.Mention) string {
	if m.Domain == "" || m.Domain == ob.Domain {
		acc, err := ob.Actors.ReadAccountByUsername(ctx, m.Username)
		if err != nil || acc == nil {
			return ""
		}
		return acc.ActorURI(ob.Domain)
	}
	return "https://" + m.Domain + "/users/" + m.Username
}

// createMentions persists a NoteMention row for every mention target
// this server could resolve to an actor URI.
func (ob *Outbox) createMentions(ctx context.Context, note *domain.Note, act *Activity) error {
	mentions := util.ParseMentions(note.Message)
	for _, m := range mentions {
		uri := ob.mentionActorURI(ctx, m)
		if uri == "" {
			continue
		}
		mention := &domain.NoteMention{
			Id:                uuid.New(),
			NoteId:            note.Id,
			MentionedActorURI: uri,
			MentionedUsername: m.Username,
			MentionedDomain:   m.Domain,
			CreatedAt:         time.Now(),
		}
		if err := ob.Activities.CreateNoteMention(ctx, mention); err != nil {
			return TransientErrorf(err, "create mention %s", uri)
		}
	}
	return nil
}

// enrichAddressing fills in "to" for activity types whose delivery
// target is unambiguous from their object, when the caller didn't
// already address the submission explicitly.
func (ob *Outbox) enrichAddressing(ctx context.Context, act *Activity) error {
	if len(act.To)+len(act.Cc)+len(act.Bcc) > 0 {
		return nil
	}
	switch act.Type {
	case "Accept", "Reject":
		stored, err := ob.Activities.ReadActivityByURI(ctx, act.Object.ResolvedURI())
		if err != nil {
			return TransientErrorf(err, "resolve original activity for %s", act.Type)
		}
		if stored != nil && stored.ActorURI != "" {
			act.To = stringOrSlice{stored.ActorURI}
		}
	case "Follow":
		if target := act.Object.ResolvedURI(); target != "" {
			act.To = stringOrSlice{target}
		}
	}
	return nil
}

// sideEffects applies the author-side bookkeeping a submitted activity
// implies, symmetric with the inbox pipeline's receive-side dispatch but
// run exactly once regardless of how many recipients the activity
// eventually reaches.
func (ob *Outbox) sideEffects(ctx context.Context, owner *domain.Account, act *Activity) error {
	switch act.Type {
	case "Create":
		if act.InReplyTo() == "" {
			return nil
		}
		return wrapTransient(ob.Activities.IncrementReplyCountByURI(ctx, act.InReplyTo()))
	case "Follow":
		return ob.handleOutboundFollow(ctx, owner, act)
	case "Undo":
		return ob.handleOutboundUndo(ctx, act)
	case "Like":
		return ob.handleOutboundLike(ctx, owner, act)
	case "Announce":
		return ob.handleOutboundAnnounce(ctx, owner, act)
	case "Accept":
		return wrapTransient(ob.Actors.AcceptFollowByURI(ctx, act.Object.ResolvedURI()))
	case "Reject":
		return wrapTransient(ob.Actors.DeleteFollowByURI(ctx, act.Object.ResolvedURI()))
	default:
		return nil
	}
}

func (ob *Outbox) handleOutboundFollow(ctx context.Context, owner *domain.Account, act *Activity) error {
	targetURI := act.Object.ResolvedURI()
	local, remote, err := ob.resolveRecipient(ctx, targetURI)
	if err != nil {
		return err
	}
	if local != nil {
		follow := &domain.Follow{
			Id:              uuid.New(),
			AccountId:       owner.Id,
			TargetAccountId: local.Id,
			URI:             act.ID,
			CreatedAt:       time.Now(),
			Accepted:        !local.ManuallyApprovesFollowers,
			IsLocal:         true,
		}
		if err := ob.Actors.CreateFollow(ctx, follow); err != nil {
			return TransientErrorf(err, "create local follow")
		}
		if follow.Accepted {
			return ob.synthesizeLocalAccept(ctx, owner, local, act)
		}
		return nil
	}
	if remote == nil {
		return ValidationErrorf("follow target %s is not a known actor", targetURI)
	}
	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       owner.Id,
		TargetAccountId: remote.Id,
		URI:             act.ID,
		CreatedAt:       time.Now(),
		Accepted:        false,
		IsLocal:         false,
	}
	return wrapTransient(ob.Actors.CreateFollow(ctx, follow))
}

// synthesizeLocalAccept records an Accept in the follower's own inbox
// when the followed account is local and auto-accepts, mirroring what
// Inbox.enqueueAccept does for a remote follow target, but written
// straight into the recipient's inbox since no network hop is needed.
func (ob *Outbox) synthesizeLocalAccept(ctx context.Context, follower, target *domain.Account, followAct *Activity) error {
	now := time.Now()
	acceptID := fmt.Sprintf("https://%s/activities/%s", ob.Domain, uuid.New())
	accept := &Activity{
		Context:   "https://www.w3.org/ns/activitystreams",
		ID:        acceptID,
		Type:      "Accept",
		Actor:     target.ActorURI(ob.Domain),
		Object:    &ObjectRef{URI: followAct.ID},
		Published: &now,
	}
	raw, err := json.Marshal(accept)
	if err != nil {
		return TransientErrorf(err, "marshal local accept")
	}
	row := &domain.Activity{
		Id:            uuid.New(),
		ActivityURI:   accept.ID,
		ActivityType:  accept.Type,
		ActorURI:      accept.Actor,
		ObjectURI:     followAct.ID,
		Published:     now,
		RawJSON:       string(raw),
		Processed:     true,
		CreatedAt:     now,
		Local:         false,
		OwnerUsername: follower.Username,
	}
	return wrapTransient(ob.Activities.CreateActivity(ctx, row))
}

func (ob *Outbox) handleOutboundUndo(ctx context.Context, act *Activity) error {
	objURI := act.Object.ResolvedURI()
	stored, err := ob.Activities.ReadActivityByURI(ctx, objURI)
	if err != nil {
		return TransientErrorf(err, "lookup undone activity")
	}
	if stored == nil {
		return nil
	}
	switch stored.ActivityType {
	case "Follow":
		return wrapTransient(ob.Actors.DeleteFollowByURI(ctx, objURI))
	case "Like":
		return wrapTransient(ob.Activities.DeleteLikeByURI(ctx, objURI))
	case "Announce":
		return wrapTransient(ob.Activities.DeleteBoostByURI(ctx, objURI))
	default:
		return nil
	}
}

func (ob *Outbox) handleOutboundLike(ctx context.Context, owner *domain.Account, act *Activity) error {
	note, err := ob.Activities.ReadNoteByURI(ctx, act.Object.ResolvedURI())
	if err != nil {
		return TransientErrorf(err, "lookup liked note")
	}
	if note == nil {
		return nil
	}
	like := &domain.Like{Id: uuid.New(), AccountId: owner.Id, NoteId: note.Id, URI: act.ID, CreatedAt: time.Now()}
	return wrapTransient(ob.Activities.CreateLike(ctx, like))
}

func (ob *Outbox) handleOutboundAnnounce(ctx context.Context, owner *domain.Account, act *Activity) error {
	note, err := ob.Activities.ReadNoteByURI(ctx, act.Object.ResolvedURI())
	if err != nil {
		return TransientErrorf(err, "lookup announced note")
	}
	if note == nil {
		return nil
	}
	boost := &domain.Boost{Id: uuid.New(), AccountId: owner.Id, NoteId: note.Id, URI: act.ID, CreatedAt: time.Now()}
	return wrapTransient(ob.Activities.CreateBoost(ctx, boost))
}

// recipient is a resolved delivery target: exactly one of local or
// remote is set.
type recipient struct {
	local  *domain.Account
	remote *domain.RemoteAccount
}

// deliver computes the addressing envelope and fans out: local
// recipients get the activity written straight into their inbox, remote
// recipients get a delivery record enqueued against their (possibly
// shared) inbox URL.
func (ob *Outbox) deliver(ctx context.Context, owner *domain.Account, act *Activity) error {
	recipients, err := ob.resolveRecipients(ctx, owner, act)
	if err != nil {
		return err
	}

	seenInbox := map[string]bool{}
	for _, r := range recipients {
		if r.local != nil {
			if r.local.Username == owner.Username {
				continue
			}
			row := &domain.Activity{
				Id:            uuid.New(),
				ActivityURI:   act.ID,
				ActivityType:  act.Type,
				ActorURI:      act.Actor,
				ObjectURI:     act.Object.ResolvedURI(),
				TargetURI:     act.Target,
				To:            []string(act.To),
				Cc:            []string(act.Cc),
				InReplyTo:     act.InReplyTo(),
				Published:     publishedOrNow(act.Published),
				RawJSON:       act.Raw,
				Processed:     true,
				CreatedAt:     time.Now(),
				Local:         false,
				OwnerUsername: r.local.Username,
			}
			if err := ob.Activities.CreateActivity(ctx, row); err != nil {
				return TransientErrorf(err, "self-deliver to %s", r.local.Username)
			}
			continue
		}

		inboxURI := r.remote.SharedInboxURI
		if inboxURI == "" {
			inboxURI = r.remote.InboxURI
		}
		if inboxURI == "" || seenInbox[inboxURI] {
			continue
		}
		seenInbox[inboxURI] = true
		if err := EnqueueActivity(ctx, ob.Delivery, act.ID, inboxURI, r.remote.Domain, act.Raw, owner, act.Actor, ob.MaxRetries); err != nil {
			return err
		}
	}
	return nil
}

// resolveRecipients expands an activity's to/cc/bcc into concrete
// accounts, substituting owner's followers collection for the current
// follower list. Public addressing contributes no recipient beyond
// whatever direct entries and followers expansion already produced.
func (ob *Outbox) resolveRecipients(ctx context.Context, owner *domain.Account, act *Activity) ([]recipient, error) {
	seen := map[string]bool{}
	var out []recipient

	add := func(uri string, local *domain.Account, remote *domain.RemoteAccount) error {
		if uri == "" || uri == PublicAddressing || seen[uri] {
			return nil
		}
		if local == nil && remote == nil {
			var err error
			local, remote, err = ob.resolveRecipient(ctx, uri)
			if err != nil {
				return err
			}
		}
		if local == nil && remote == nil {
			log.Printf("outbox: skipping unresolved recipient %s", uri)
			return nil
		}
		seen[uri] = true
		out = append(out, recipient{local: local, remote: remote})
		return nil
	}

	followersURI := owner.ActorURI(ob.Domain) + "/followers"
	for _, addr := range act.Addresses() {
		if addr != followersURI {
			if err := add(addr, nil, nil); err != nil {
				return nil, err
			}
			continue
		}
		follows, err := ob.Actors.ReadFollowersByAccountId(ctx, owner.Id)
		if err != nil {
			return nil, TransientErrorf(err, "expand followers of %s", owner.Username)
		}
		for _, f := range follows {
			local, remote, err := ob.resolveRecipientById(ctx, f.AccountId)
			if err != nil {
				return nil, err
			}
			var uri string
			if local != nil {
				uri = local.ActorURI(ob.Domain)
			} else if remote != nil {
				uri = remote.ActorURI
			}
			if err := add(uri, local, remote); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// resolveRecipient resolves an actor URI to a local account or a cached
// remote actor, trying the local namespace first since it's a cheap
// string check against this server's own domain.
func (ob *Outbox) resolveRecipient(ctx context.Context, actorURI string) (*domain.Account, *domain.RemoteAccount, error) {
	prefix := "https://" + ob.Domain + "/users/"
	if strings.HasPrefix(actorURI, prefix) {
		username := strings.TrimPrefix(actorURI, prefix)
		if i := strings.IndexByte(username, '/'); i >= 0 {
			username = username[:i]
		}
		acc, err := ob.Actors.ReadAccountByUsername(ctx, username)
		if err != nil {
			return nil, nil, TransientErrorf(err, "resolve local recipient %s", actorURI)
		}
		return acc, nil, nil
	}
	remote, err := ob.Actors.ReadRemoteActorByURI(ctx, actorURI)
	if err != nil {
		return nil, nil, TransientErrorf(err, "resolve remote recipient %s", actorURI)
	}
	return nil, remote, nil
}

func (ob *Outbox) resolveRecipientById(ctx context.Context, id uuid.UUID) (*domain.Account, *domain.RemoteAccount, error) {
	if local, err := ob.Actors.ReadAccountById(ctx, id); err != nil {
		return nil, nil, TransientErrorf(err, "resolve recipient %s", id)
	} else if local != nil {
		return local, nil, nil
	}
	remote, err := ob.Actors.ReadRemoteActorById(ctx, id)
	if err != nil {
		return nil, nil, TransientErrorf(err, "resolve recipient %s", id)
	}
	return nil, remote, nil
}
