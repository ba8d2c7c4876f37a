package activitypub

import (
	"context"
	"sync"
	"time"

	"github.com/fediforge/apfedcore/domain"
	"github.com/google/uuid"
)

// fakeActorRepo is an in-memory ActorRepo sufficient to exercise the
// outbox, collections, and delivery pipelines without a real database.
type fakeActorRepo struct {
	mu        sync.Mutex
	accounts  map[string]*domain.Account // by username
	remotes   map[string]*domain.RemoteAccount // by actor URI
	follows   map[string]*domain.Follow // by URI
}

func newFakeActorRepo() *fakeActorRepo {
	return &fakeActorRepo{
		accounts: map[string]*domain.Account{},
		remotes:  map[string]*domain.RemoteAccount{},
		follows:  map[string]*domain.Follow{},
	}
}

func (r *fakeActorRepo) putAccount(a *domain.Account) *fakeActorRepo {
	r.accounts[a.Username] = a
	return r
}

func (r *fakeActorRepo) putRemote(a *domain.RemoteAccount) *fakeActorRepo {
	r.remotes[a.ActorURI] = a
	return r
}

func (r *fakeActorRepo) ReadAccountByUsername(ctx context.Context, username string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accounts[username], nil
}

func (r *fakeActorRepo) ReadAccountById(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if a.Id == id {
			return a, nil
		}
	}
	return nil, nil
}

func (r *fakeActorRepo) CreateAccount(ctx context.Context, account *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[account.Username] = account
	return nil
}

func (r *fakeActorRepo) ReadRemoteActorByURI(ctx context.Context, actorURI string) (*domain.RemoteAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remotes[actorURI], nil
}

func (r *fakeActorRepo) ReadRemoteActorById(ctx context.Context, id uuid.UUID) (*domain.RemoteAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.remotes {
		if a.Id == id {
			return a, nil
		}
	}
	return nil, nil
}

func (r *fakeActorRepo) CreateRemoteActor(ctx context.Context, acc *domain.RemoteAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remotes[acc.ActorURI] = acc
	return nil
}

func (r *fakeActorRepo) UpdateRemoteActor(ctx context.Context, acc *domain.RemoteAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remotes[acc.ActorURI] = acc
	return nil
}

func (r *fakeActorRepo) DeleteRemoteActor(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for uri, a := range r.remotes {
		if a.Id == id {
			delete(r.remotes, uri)
		}
	}
	return nil
}

func (r *fakeActorRepo) CreateFollow(ctx context.Context, follow *domain.Follow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.follows[follow.URI] = follow
	return nil
}

func (r *fakeActorRepo) ReadFollowByURI(ctx context.Context, uri string) (*domain.Follow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.follows[uri], nil
}

func (r *fakeActorRepo) ReadFollowByAccountIds(ctx context.Context, accountId, targetAccountId uuid.UUID) (*domain.Follow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.follows {
		if f.AccountId == accountId && f.TargetAccountId == targetAccountId {
			return f, nil
		}
	}
	return nil, nil
}

func (r *fakeActorRepo) AcceptFollowByURI(ctx context.Context, uri string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.follows[uri]; ok {
		f.Accepted = true
	}
	return nil
}

func (r *fakeActorRepo) DeleteFollowByURI(ctx context.Context, uri string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.follows, uri)
	return nil
}

func (r *fakeActorRepo) DeleteFollowsByRemoteActorId(ctx context.Context, remoteAccountId uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for uri, f := range r.follows {
		if f.AccountId == remoteAccountId || f.TargetAccountId == remoteAccountId {
			delete(r.follows, uri)
		}
	}
	return nil
}

func (r *fakeActorRepo) ReadFollowersByAccountId(ctx context.Context, accountId uuid.UUID) ([]domain.Follow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Follow
	for _, f := range r.follows {
		if f.TargetAccountId == accountId {
			out = append(out, *f)
		}
	}
	return out, nil
}

func (r *fakeActorRepo) ReadFollowingByAccountId(ctx context.Context, accountId uuid.UUID) ([]domain.Follow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Follow
	for _, f := range r.follows {
		if f.AccountId == accountId {
			out = append(out, *f)
		}
	}
	return out, nil
}

func (r *fakeActorRepo) CountFollowersByAccountId(ctx context.Context, accountId uuid.UUID) (int, error) {
	all, _ := r.ReadFollowersByAccountId(ctx, accountId)
	return len(all), nil
}

func (r *fakeActorRepo) CountFollowingByAccountId(ctx context.Context, accountId uuid.UUID) (int, error) {
	all, _ := r.ReadFollowingByAccountId(ctx, accountId)
	return len(all), nil
}

// fakeActivityRepo is an in-memory ActivityRepo.
type fakeActivityRepo struct {
	mu         sync.Mutex
	activities map[string]*domain.Activity // by ActivityURI
	byOwner    map[string][]*domain.Activity
	notes      map[string]*domain.Note // by ObjectURI
	notesById  map[uuid.UUID]*domain.Note
	mentions   map[uuid.UUID][]domain.NoteMention
	likers     map[uuid.UUID][]domain.RemoteAccount
	boosters   map[uuid.UUID][]domain.RemoteAccount
}

func newFakeActivityRepo() *fakeActivityRepo {
	return &fakeActivityRepo{
		activities: map[string]*domain.Activity{},
		byOwner:    map[string][]*domain.Activity{},
		notes:      map[string]*domain.Note{},
		notesById:  map[uuid.UUID]*domain.Note{},
		mentions:   map[uuid.UUID][]domain.NoteMention{},
		likers:     map[uuid.UUID][]domain.RemoteAccount{},
		boosters:   map[uuid.UUID][]domain.RemoteAccount{},
	}
}

func (r *fakeActivityRepo) putNote(n *domain.Note) *fakeActivityRepo {
	r.notes[n.ObjectURI] = n
	r.notesById[n.Id] = n
	return r
}

func (r *fakeActivityRepo) CreateActivity(ctx context.Context, activity *domain.Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities[activity.ActivityURI] = activity
	r.byOwner[activity.OwnerUsername] = append(r.byOwner[activity.OwnerUsername], activity)
	return nil
}

func (r *fakeActivityRepo) UpdateActivity(ctx context.Context, activity *domain.Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities[activity.ActivityURI] = activity
	return nil
}

func (r *fakeActivityRepo) ReadActivityByURI(ctx context.Context, uri string) (*domain.Activity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activities[uri], nil
}

func (r *fakeActivityRepo) ReadActivityByObjectURI(ctx context.Context, objectURI string) (*domain.Activity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.activities {
		if a.ObjectURI == objectURI {
			return a, nil
		}
	}
	return nil, nil
}

func (r *fakeActivityRepo) DeleteActivity(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for uri, a := range r.activities {
		if a.Id == id {
			delete(r.activities, uri)
		}
	}
	return nil
}

func (r *fakeActivityRepo) ReadOutboxActivities(ctx context.Context, username string, limit, offset int) ([]domain.Activity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.byOwner[username]
	return sliceActivities(all, limit, offset), nil
}

func (r *fakeActivityRepo) ReadInboxActivities(ctx context.Context, ownerUsername string, limit, offset int) ([]domain.Activity, error) {
	return r.ReadOutboxActivities(ctx, ownerUsername, limit, offset)
}

func (r *fakeActivityRepo) CountOutboxActivities(ctx context.Context, username string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byOwner[username]), nil
}

func (r *fakeActivityRepo) CountInboxActivities(ctx context.Context, ownerUsername string) (int, error) {
	return r.CountOutboxActivities(ctx, ownerUsername)
}

func (r *fakeActivityRepo) ReadRepliesByObjectURI(ctx context.Context, objectURI string, limit, offset int) ([]domain.Activity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*domain.Activity
	for _, a := range r.activities {
		if a.InReplyTo == objectURI {
			all = append(all, a)
		}
	}
	return sliceActivities(all, limit, offset), nil
}

func (r *fakeActivityRepo) CountRepliesByObjectURI(ctx context.Context, objectURI string) (int, error) {
	acts, _ := r.ReadRepliesByObjectURI(ctx, objectURI, 1<<30, 0)
	return len(acts), nil
}

func (r *fakeActivityRepo) ReadNoteByURI(ctx context.Context, objectURI string) (*domain.Note, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notes[objectURI], nil
}

func (r *fakeActivityRepo) ReadNoteById(ctx context.Context, id uuid.UUID) (*domain.Note, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notesById[id], nil
}

func (r *fakeActivityRepo) CreateNote(ctx context.Context, note *domain.Note) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes[note.ObjectURI] = note
	r.notesById[note.Id] = note
	return nil
}

func (r *fakeActivityRepo) UpdateNote(ctx context.Context, note *domain.Note) error {
	return r.CreateNote(ctx, note)
}

func (r *fakeActivityRepo) DeleteNote(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.notesById[id]; ok {
		delete(r.notes, n.ObjectURI)
		delete(r.notesById, id)
	}
	return nil
}

func (r *fakeActivityRepo) CreateNoteMention(ctx context.Context, mention *domain.NoteMention) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mentions[mention.NoteId] = append(r.mentions[mention.NoteId], *mention)
	return nil
}

func (r *fakeActivityRepo) ReadMentionsByNoteId(ctx context.Context, noteId uuid.UUID) ([]domain.NoteMention, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mentions[noteId], nil
}

func (r *fakeActivityRepo) IncrementReplyCountByURI(ctx context.Context, parentURI string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.notes[parentURI]; ok {
		n.ReplyCount++
	}
	return nil
}

func (r *fakeActivityRepo) CreateLike(ctx context.Context, like *domain.Like) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.notesById[like.NoteId]; ok {
		n.LikeCount++
	}
	return nil
}

func (r *fakeActivityRepo) DeleteLikeByURI(ctx context.Context, uri string) error { return nil }

func (r *fakeActivityRepo) CreateBoost(ctx context.Context, boost *domain.Boost) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.notesById[boost.NoteId]; ok {
		n.BoostCount++
	}
	return nil
}

func (r *fakeActivityRepo) DeleteBoostByURI(ctx context.Context, uri string) error { return nil }

func (r *fakeActivityRepo) ReadLikersByNoteId(ctx context.Context, noteId uuid.UUID, limit, offset int) ([]domain.RemoteAccount, error) {
	return r.likers[noteId], nil
}

func (r *fakeActivityRepo) ReadBoostersByNoteId(ctx context.Context, noteId uuid.UUID, limit, offset int) ([]domain.RemoteAccount, error) {
	return r.boosters[noteId], nil
}

func sliceActivities(all []*domain.Activity, limit, offset int) []domain.Activity {
	if offset >= len(all) {
		return nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	out := make([]domain.Activity, 0, end-offset)
	for _, a := range all[offset:end] {
		out = append(out, *a)
	}
	return out
}

// fakeDeliveryRepo is an in-memory DeliveryRepo.
type fakeDeliveryRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*domain.DeliveryQueueItem
}

func newFakeDeliveryRepo() *fakeDeliveryRepo {
	return &fakeDeliveryRepo{items: map[uuid.UUID]*domain.DeliveryQueueItem{}}
}

func (r *fakeDeliveryRepo) Enqueue(ctx context.Context, item *domain.DeliveryQueueItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[item.Id] = item
	return nil
}

func (r *fakeDeliveryRepo) LeasePending(ctx context.Context, limit int) ([]domain.DeliveryQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DeliveryQueueItem
	now := time.Now()
	for _, it := range r.items {
		if len(out) >= limit {
			break
		}
		if (it.Status == domain.DeliveryPending || it.Status == domain.DeliveryFailed) && !it.NextAttemptAt.After(now) {
			it.Status = domain.DeliveryProcessing
			out = append(out, *it)
		}
	}
	return out, nil
}

func (r *fakeDeliveryRepo) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if it, ok := r.items[id]; ok {
		it.Status = domain.DeliveryDelivered
		now := time.Now()
		it.CompletedAt = &now
	}
	return nil
}

func (r *fakeDeliveryRepo) MarkFailed(ctx context.Context, id uuid.UUID, attemptCount int, nextAttemptAt time.Time, lastErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if it, ok := r.items[id]; ok {
		it.Status = domain.DeliveryFailed
		it.AttemptCount = attemptCount
		it.NextAttemptAt = nextAttemptAt
		it.LastError = lastErr
	}
	return nil
}

func (r *fakeDeliveryRepo) Revert(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if it, ok := r.items[id]; ok && it.Status == domain.DeliveryProcessing {
		it.Status = domain.DeliveryPending
	}
	return nil
}

func (r *fakeDeliveryRepo) MarkDead(ctx context.Context, id uuid.UUID, lastErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if it, ok := r.items[id]; ok {
		it.Status = domain.DeliveryDead
		it.LastError = lastErr
		now := time.Now()
		it.CompletedAt = &now
	}
	return nil
}

func (r *fakeDeliveryRepo) ReapDelivered(ctx context.Context, olderThan time.Time) (int, error) {
	return r.reap(domain.DeliveryDelivered, olderThan)
}

func (r *fakeDeliveryRepo) ReapDead(ctx context.Context, olderThan time.Time) (int, error) {
	return r.reap(domain.DeliveryDead, olderThan)
}

func (r *fakeDeliveryRepo) reap(status domain.DeliveryStatus, olderThan time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, it := range r.items {
		if it.Status == status && it.CompletedAt != nil && it.CompletedAt.Before(olderThan) {
			delete(r.items, id)
			n++
		}
	}
	return n, nil
}
