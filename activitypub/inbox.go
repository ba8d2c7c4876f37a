package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fediforge/apfedcore/domain"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Inbox implements the receive-side pipeline: authenticate a signed
// activity, dedupe it against previously-seen ids, persist a normalized
// record of it, and dispatch its type-specific side effects.
type Inbox struct {
	Actors     ActorRepo
	Activities ActivityRepo
	Delivery   DeliveryRepo
	Cache      *ActorCache
	Domain     string

	MaxBodyBytes int64

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	rateLimit rate.Limit
	rateBurst int
}

// NewInbox constructs an Inbox. ratePerMinute bounds how many POSTs a
// single remote host may deliver per minute before receiving 429s.
func NewInbox(actors ActorRepo, activities ActivityRepo, delivery DeliveryRepo, cache *ActorCache, domain string, maxBodyBytes int64, ratePerMinute int) *Inbox {
	if ratePerMinute <= 0 {
		ratePerMinute = 120
	}
	return &Inbox{
		Actors:       actors,
		Activities:   activities,
		Delivery:     delivery,
		Cache:        cache,
		Domain:       domain,
		MaxBodyBytes: maxBodyBytes,
		limiters:     make(map[string]*rate.Limiter),
		rateLimit:    rate.Limit(float64(ratePerMinute) / 60),
		rateBurst:    ratePerMinute,
	}
}

func (ib *Inbox) limiterFor(host string) *rate.Limiter {
	ib.limiterMu.Lock()
	defer ib.limiterMu.Unlock()
	l, ok := ib.limiters[host]
	if !ok {
		l = rate.NewLimiter(ib.rateLimit, ib.rateBurst)
		ib.limiters[host] = l
	}
	return l
}

// Handle runs the full inbox pipeline for a POST addressed to
// owner's personal inbox. owner is nil for the shared inbox, in which
// case persisted activity rows carry no single OwnerUsername and
// recipient fan-out is the caller's responsibility (see
// ResolveSharedInboxRecipients).
func (ib *Inbox) Handle(ctx context.Context, r *http.Request, owner *domain.Account) error {
	if host := remoteHost(r); host != "" {
		if !ib.limiterFor(host).Allow() {
			return RateLimitedErrorf("rate limit exceeded for %s", host)
		}
	}

	limit := ib.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return ValidationErrorf("read body: %v", err)
	}
	r.Body.Close()
	if int64(len(body)) > limit {
		return ValidationErrorf("request body exceeds %d bytes", limit)
	}

	act, err := ParseActivity(body)
	if err != nil {
		return ValidationErrorf("%v", err)
	}

	if !IsSupportedActivityType(act.Type) {
		log.Printf("inbox: ignoring unsupported activity type %q from %s", act.Type, act.Actor)
		return ConflictErrorf("unsupported activity type %q accepted and ignored", act.Type)
	}

	existing, err := ib.Activities.ReadActivityByURI(ctx, act.ID)
	if err != nil {
		return TransientErrorf(err, "lookup existing activity")
	}
	if existing != nil && existing.Processed {
		return ConflictErrorf("duplicate activity %s", act.ID)
	}

	if r.Header.Get("Signature") == "" {
		return AuthReasonErrorf(AuthMissingSignature, nil, "missing Signature header")
	}

	remoteActor, err := ib.Cache.GetOrFetch(ctx, act.Actor)
	if err != nil {
		return AuthReasonErrorf(AuthUnknownKey, err, "resolve signing actor %s", act.Actor)
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	verifiedActor, err := VerifyRequest(r, remoteActor.PublicKeyPem)
	if err != nil {
		// Already a KindAuth error carrying the specific AuthReason.
		return err
	}
	if verifiedActor != act.Actor {
		return AuthReasonErrorf(AuthSignatureInvalid, nil, "signature keyId actor %s does not match activity actor %s", verifiedActor, act.Actor)
	}

	existing, err = ib.Activities.ReadActivityByURI(ctx, act.ID)
	if err != nil {
		return TransientErrorf(err, "lookup existing activity")
	}
	if existing != nil && existing.Processed {
		return ConflictErrorf("duplicate activity %s", act.ID)
	}

	ownerUsername := ""
	if owner != nil {
		ownerUsername = owner.Username
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
		Processed:     false,
		CreatedAt:     time.Now(),
		Local:         false,
		OwnerUsername: ownerUsername,
	}
	if existing != nil {
		row.Id = existing.Id
		if err := ib.Activities.UpdateActivity(ctx, row); err != nil {
			return TransientErrorf(err, "persist activity")
		}
	} else if err := ib.Activities.CreateActivity(ctx, row); err != nil {
		return TransientErrorf(err, "persist activity")
	}

	if err := ib.dispatch(ctx, owner, act, remoteActor); err != nil {
		return err
	}

	row.Processed = true
	if err := ib.Activities.UpdateActivity(ctx, row); err != nil {
		return TransientErrorf(err, "mark activity processed")
	}
	return nil
}

// dispatch applies the type-specific side effects of act. The activity
// record itself has already been persisted by the time this runs.
func (ib *Inbox) dispatch(ctx context.Context, owner *domain.Account, act *Activity, remoteActor *domain.RemoteAccount) error {
	switch act.Type {
	case "Create":
		return ib.handleCreate(ctx, act)
	case "Update":
		return ib.handleUpdate(ctx, act)
	case "Delete":
		return ib.handleDelete(ctx, act)
	case "Follow":
		return ib.handleFollow(ctx, owner, act, remoteActor)
	case "Accept":
		return wrapTransient(ib.Actors.AcceptFollowByURI(ctx, act.Object.ResolvedURI()))
	case "Reject":
		return wrapTransient(ib.Actors.DeleteFollowByURI(ctx, act.Object.ResolvedURI()))
	case "Undo":
		return ib.handleUndo(ctx, act)
	case "Like":
		return ib.handleLike(ctx, act, remoteActor)
	case "Announce":
		return ib.handleAnnounce(ctx, act, remoteActor)
	case "Block":
		return wrapTransient(ib.Actors.DeleteFollowsByRemoteActorId(ctx, remoteActor.Id))
	case "Add", "Remove":
		// Pinned-post and featured-collection management is out of scope;
		// the activity is recorded but no collection is mutated.
		return nil
	case "Flag":
		log.Printf("inbox: received Flag against %s from %s (moderation policy is out of scope)", act.Object.ResolvedURI(), act.Actor)
		return nil
	default:
		return nil
	}
}

// handleCreate records the engagement side effect of a received Create:
// bumping the reply count of a local post being replied to. The received
// object itself isn't stored as a Note — that table holds only this
// server's own authored content; the activity row persisted by Handle
// before dispatch is the durable record of what was received.
func (ib *Inbox) handleCreate(ctx context.Context, act *Activity) error {
	if act.InReplyTo() == "" {
		return nil
	}
	return wrapTransient(ib.Activities.IncrementReplyCountByURI(ctx, act.InReplyTo()))
}

// handleUpdate refreshes the stored activity row for a previously-seen
// object (matched by its object URI), so a later Delete or read of that
// activity reflects the edit.
func (ib *Inbox) handleUpdate(ctx context.Context, act *Activity) error {
	if act.Object == nil || act.Object.Inline == nil {
		return nil
	}
	existing, err := ib.Activities.ReadActivityByObjectURI(ctx, act.Object.Inline.ID)
	if err != nil {
		return TransientErrorf(err, "lookup activity to update")
	}
	if existing == nil {
		return nil
	}
	raw, err := json.Marshal(act.Object.Inline)
	if err != nil {
		return TransientErrorf(err, "marshal updated object")
	}
	existing.RawJSON = string(raw)
	return wrapTransient(ib.Activities.UpdateActivity(ctx, existing))
}

// handleDelete tombstones the stored activity row for a deleted object,
// matched by its object URI. The row is kept (rather than removed
// outright) so a duplicate Delete or a reply referencing the original
// object still resolves to a record, just one marked gone.
func (ib *Inbox) handleDelete(ctx context.Context, act *Activity) error {
	objectURI := act.Object.ResolvedURI()
	if objectURI == "" {
		return nil
	}
	existing, err := ib.Activities.ReadActivityByObjectURI(ctx, objectURI)
	if err != nil {
		return TransientErrorf(err, "lookup activity to delete")
	}
	if existing == nil {
		return nil
	}
	existing.Tombstoned = true
	return wrapTransient(ib.Activities.UpdateActivity(ctx, existing))
}

func (ib *Inbox) handleFollow(ctx context.Context, owner *domain.Account, act *Activity, remoteActor *domain.RemoteAccount) error {
	if owner == nil {
		return ValidationErrorf("Follow delivered to shared inbox without a resolved recipient")
	}
	existing, err := ib.Actors.ReadFollowByURI(ctx, act.ID)
	if err != nil {
		return TransientErrorf(err, "lookup existing follow")
	}
	if existing != nil {
		return nil
	}

	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       remoteActor.Id,
		TargetAccountId: owner.Id,
		URI:             act.ID,
		CreatedAt:       time.Now(),
		Accepted:        !owner.ManuallyApprovesFollowers,
		IsLocal:         false,
	}
	if err := ib.Actors.CreateFollow(ctx, follow); err != nil {
		return TransientErrorf(err, "create follow")
	}
	if !follow.Accepted {
		return nil
	}
	return ib.enqueueAccept(ctx, owner, remoteActor, act)
}

func (ib *Inbox) enqueueAccept(ctx context.Context, owner *domain.Account, remoteActor *domain.RemoteAccount, followAct *Activity) error {
	acceptID := fmt.Sprintf("https://%s/activities/%s", ib.Domain, uuid.New())
	accept := map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       acceptID,
		"type":     "Accept",
		"actor":    owner.ActorURI(ib.Domain),
		"object":   followAct.ID,
	}
	raw, err := json.Marshal(accept)
	if err != nil {
		return TransientErrorf(err, "marshal accept activity")
	}

	item := &domain.DeliveryQueueItem{
		Id:             uuid.New(),
		ActivityURI:    acceptID,
		InboxURI:       remoteActor.InboxURI,
		TargetHost:     remoteActor.Domain,
		ActivityJSON:   string(raw),
		SenderUsername: owner.Username,
		SenderActorURI: owner.ActorURI(ib.Domain),
		Status:         domain.DeliveryPending,
		MaxRetries:     defaultMaxRetries,
		CreatedAt:      time.Now(),
		NextAttemptAt:  time.Now(),
	}
	return wrapTransient(ib.Delivery.Enqueue(ctx, item))
}

func (ib *Inbox) handleUndo(ctx context.Context, act *Activity) error {
	objectURI := act.Object.ResolvedURI()
	innerType := ""
	if act.Object != nil && act.Object.Inline != nil {
		innerType = act.Object.Inline.Type
	}
	if innerType == "" {
		if stored, err := ib.Activities.ReadActivityByURI(ctx, objectURI); err == nil && stored != nil {
			innerType = stored.ActivityType
		}
	}

	switch innerType {
	case "Follow":
		return wrapTransient(ib.Actors.DeleteFollowByURI(ctx, objectURI))
	case "Like":
		return wrapTransient(ib.Activities.DeleteLikeByURI(ctx, objectURI))
	case "Announce":
		return wrapTransient(ib.Activities.DeleteBoostByURI(ctx, objectURI))
	default:
		// Nothing tracked under this id; Undo is a no-op if its target
		// was never recorded or was already undone.
		return nil
	}
}

func (ib *Inbox) handleLike(ctx context.Context, act *Activity, remoteActor *domain.RemoteAccount) error {
	note, err := ib.Activities.ReadNoteByURI(ctx, act.Object.ResolvedURI())
	if err != nil {
		return TransientErrorf(err, "lookup liked note")
	}
	if note == nil {
		return nil
	}
	like := &domain.Like{
		Id:        uuid.New(),
		AccountId: remoteActor.Id,
		NoteId:    note.Id,
		URI:       act.ID,
		CreatedAt: time.Now(),
	}
	return wrapTransient(ib.Activities.CreateLike(ctx, like))
}

func (ib *Inbox) handleAnnounce(ctx context.Context, act *Activity, remoteActor *domain.RemoteAccount) error {
	note, err := ib.Activities.ReadNoteByURI(ctx, act.Object.ResolvedURI())
	if err != nil {
		return TransientErrorf(err, "lookup announced note")
	}
	if note == nil {
		return nil
	}
	boost := &domain.Boost{
		Id:        uuid.New(),
		AccountId: remoteActor.Id,
		NoteId:    note.Id,
		URI:       act.ID,
		CreatedAt: time.Now(),
	}
	return wrapTransient(ib.Activities.CreateBoost(ctx, boost))
}

// ResolveSharedInboxRecipients returns the usernames of local accounts the
// shared inbox must fan an activity out to: the actor(s) explicitly
// addressed in to/cc, plus every local account following the sender when
// the activity is publicly addressed.
func ResolveSharedInboxRecipients(ctx context.Context, actors ActorRepo, act *Activity, localUsernameFromURI func(string) (string, bool)) ([]string, error) {
	seen := map[string]bool{}
	var usernames []string
	add := func(uri string) {
		username, ok := localUsernameFromURI(uri)
		if !ok || seen[username] {
			return
		}
		seen[username] = true
		usernames = append(usernames, username)
	}

	for _, addr := range act.Addresses() {
		add(addr)
	}

	if act.IsPublic() {
		remoteActor, err := actors.ReadRemoteActorByURI(ctx, act.Actor)
		if err != nil {
			return nil, TransientErrorf(err, "resolve sender for shared-inbox fan-out")
		}
		if remoteActor != nil {
			followers, err := actors.ReadFollowersByAccountId(ctx, remoteActor.Id)
			if err != nil {
				return nil, TransientErrorf(err, "list followers for shared-inbox fan-out")
			}
			for _, f := range followers {
				account, err := actors.ReadAccountById(ctx, f.AccountId)
				if err == nil && account != nil {
					if !seen[account.Username] {
						seen[account.Username] = true
						usernames = append(usernames, account.Username)
					}
				}
			}
		}
	}

	return usernames, nil
}

func wrapTransient(err error) error {
	if err == nil {
		return nil
	}
	return TransientErrorf(err, "repository operation failed")
}

func publishedOrNow(t *time.Time) time.Time {
	if t == nil {
		return time.Now()
	}
	return *t
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
