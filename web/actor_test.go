package web

import (
	"context"
	"testing"
	"time"

	"github.com/fediforge/apfedcore/domain"
	"github.com/google/uuid"
)

// fakeActorRepo is a minimal in-memory activitypub.ActorRepo sufficient
// to exercise the rendering helpers in this package; the follow-graph
// and remote-actor methods are unused here and simply return zero values,
// same spirit as a table-driven mock with only the rows a test needs.
type fakeActorRepo struct {
	accounts map[string]*domain.Account
}

func newFakeActorRepo(accounts ...*domain.Account) *fakeActorRepo {
	r := &fakeActorRepo{accounts: map[string]*domain.Account{}}
	for _, a := range accounts {
		r.accounts[a.Username] = a
	}
	return r
}

func (r *fakeActorRepo) ReadAccountByUsername(ctx context.Context, username string) (*domain.Account, error) {
	return r.accounts[username], nil
}
func (r *fakeActorRepo) ReadAccountById(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	for _, a := range r.accounts {
		if a.Id == id {
			return a, nil
		}
	}
	return nil, nil
}
func (r *fakeActorRepo) CreateAccount(ctx context.Context, account *domain.Account) error {
	r.accounts[account.Username] = account
	return nil
}
func (r *fakeActorRepo) ReadRemoteActorByURI(ctx context.Context, actorURI string) (*domain.RemoteAccount, error) {
	return nil, nil
}
func (r *fakeActorRepo) ReadRemoteActorById(ctx context.Context, id uuid.UUID) (*domain.RemoteAccount, error) {
	return nil, nil
}
func (r *fakeActorRepo) CreateRemoteActor(ctx context.Context, acc *domain.RemoteAccount) error {
	return nil
}
func (r *fakeActorRepo) UpdateRemoteActor(ctx context.Context, acc *domain.RemoteAccount) error {
	return nil
}
func (r *fakeActorRepo) DeleteRemoteActor(ctx context.Context, id uuid.UUID) error { return nil }
func (r *fakeActorRepo) CreateFollow(ctx context.Context, follow *domain.Follow) error {
	return nil
}
func (r *fakeActorRepo) ReadFollowByURI(ctx context.Context, uri string) (*domain.Follow, error) {
	return nil, nil
}
func (r *fakeActorRepo) ReadFollowByAccountIds(ctx context.Context, accountId, targetAccountId uuid.UUID) (*domain.Follow, error) {
	return nil, nil
}
func (r *fakeActorRepo) AcceptFollowByURI(ctx context.Context, uri string) error { return nil }
func (r *fakeActorRepo) DeleteFollowByURI(ctx context.Context, uri string) error { return nil }
func (r *fakeActorRepo) DeleteFollowsByRemoteActorId(ctx context.Context, remoteAccountId uuid.UUID) error {
	return nil
}
func (r *fakeActorRepo) ReadFollowersByAccountId(ctx context.Context, accountId uuid.UUID) ([]domain.Follow, error) {
	return nil, nil
}
func (r *fakeActorRepo) ReadFollowingByAccountId(ctx context.Context, accountId uuid.UUID) ([]domain.Follow, error) {
	return nil, nil
}
func (r *fakeActorRepo) CountFollowersByAccountId(ctx context.Context, accountId uuid.UUID) (int, error) {
	return 0, nil
}
func (r *fakeActorRepo) CountFollowingByAccountId(ctx context.Context, accountId uuid.UUID) (int, error) {
	return 0, nil
}

// fakeActivityRepo backs GetNoteDocument's note lookup; everything else
// is unused by the tests in this file.
type fakeActivityRepo struct {
	notes map[uuid.UUID]*domain.Note
}

func newFakeActivityRepo(notes ...*domain.Note) *fakeActivityRepo {
	r := &fakeActivityRepo{notes: map[uuid.UUID]*domain.Note{}}
	for _, n := range notes {
		r.notes[n.Id] = n
	}
	return r
}

func (r *fakeActivityRepo) CreateActivity(ctx context.Context, activity *domain.Activity) error {
	return nil
}
func (r *fakeActivityRepo) UpdateActivity(ctx context.Context, activity *domain.Activity) error {
	return nil
}
func (r *fakeActivityRepo) ReadActivityByURI(ctx context.Context, uri string) (*domain.Activity, error) {
	return nil, nil
}
func (r *fakeActivityRepo) ReadActivityByObjectURI(ctx context.Context, objectURI string) (*domain.Activity, error) {
	return nil, nil
}
func (r *fakeActivityRepo) DeleteActivity(ctx context.Context, id uuid.UUID) error { return nil }
func (r *fakeActivityRepo) ReadOutboxActivities(ctx context.Context, username string, limit, offset int) ([]domain.Activity, error) {
	return nil, nil
}
func (r *fakeActivityRepo) ReadInboxActivities(ctx context.Context, ownerUsername string, limit, offset int) ([]domain.Activity, error) {
	return nil, nil
}
func (r *fakeActivityRepo) CountOutboxActivities(ctx context.Context, username string) (int, error) {
	return 0, nil
}
func (r *fakeActivityRepo) CountInboxActivities(ctx context.Context, ownerUsername string) (int, error) {
	return 0, nil
}
func (r *fakeActivityRepo) ReadRepliesByObjectURI(ctx context.Context, objectURI string, limit, offset int) ([]domain.Activity, error) {
	return nil, nil
}
func (r *fakeActivityRepo) CountRepliesByObjectURI(ctx context.Context, objectURI string) (int, error) {
	return 0, nil
}
func (r *fakeActivityRepo) ReadNoteByURI(ctx context.Context, objectURI string) (*domain.Note, error) {
	return nil, nil
}
func (r *fakeActivityRepo) ReadNoteById(ctx context.Context, id uuid.UUID) (*domain.Note, error) {
	return r.notes[id], nil
}
func (r *fakeActivityRepo) CreateNote(ctx context.Context, note *domain.Note) error { return nil }
func (r *fakeActivityRepo) UpdateNote(ctx context.Context, note *domain.Note) error { return nil }
func (r *fakeActivityRepo) DeleteNote(ctx context.Context, id uuid.UUID) error      { return nil }
func (r *fakeActivityRepo) CreateNoteMention(ctx context.Context, mention *domain.NoteMention) error {
	return nil
}
func (r *fakeActivityRepo) ReadMentionsByNoteId(ctx context.Context, noteId uuid.UUID) ([]domain.NoteMention, error) {
	return nil, nil
}
func (r *fakeActivityRepo) IncrementReplyCountByURI(ctx context.Context, parentURI string) error {
	return nil
}
func (r *fakeActivityRepo) CreateLike(ctx context.Context, like *domain.Like) error { return nil }
func (r *fakeActivityRepo) DeleteLikeByURI(ctx context.Context, uri string) error   { return nil }
func (r *fakeActivityRepo) CreateBoost(ctx context.Context, boost *domain.Boost) error {
	return nil
}
func (r *fakeActivityRepo) DeleteBoostByURI(ctx context.Context, uri string) error { return nil }
func (r *fakeActivityRepo) ReadLikersByNoteId(ctx context.Context, noteId uuid.UUID, limit, offset int) ([]domain.RemoteAccount, error) {
	return nil, nil
}
func (r *fakeActivityRepo) ReadBoostersByNoteId(ctx context.Context, noteId uuid.UUID, limit, offset int) ([]domain.RemoteAccount, error) {
	return nil, nil
}

func TestGetActorDocument(t *testing.T) {
	acc := &domain.Account{
		Id:           uuid.New(),
		Username:     "alice",
		DisplayName:  "Alice",
		Summary:      "hello",
		WebPublicKey: "-----BEGIN PUBLIC KEY-----\n...\n-----END PUBLIC KEY-----",
		CreatedAt:    time.Now(),
	}
	repo := newFakeActorRepo(acc)

	doc, err := GetActorDocument(context.Background(), repo, "example.com", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc == nil {
		t.Fatal("expected a document, got nil")
	}
	if doc.ID != "https://example.com/users/alice" {
		t.Errorf("id = %q", doc.ID)
	}
	if doc.Inbox != "https://example.com/users/alice/inbox" {
		t.Errorf("inbox = %q", doc.Inbox)
	}
	if doc.Endpoints.SharedInbox != "https://example.com/inbox" {
		t.Errorf("sharedInbox = %q", doc.Endpoints.SharedInbox)
	}
	if doc.PublicKey.PublicKeyPem != acc.WebPublicKey {
		t.Errorf("publicKeyPem mismatch")
	}
	if doc.Type != "Person" {
		t.Errorf("type = %q, want Person", doc.Type)
	}
}

func TestGetActorDocumentNotFound(t *testing.T) {
	repo := newFakeActorRepo()
	doc, err := GetActorDocument(context.Background(), repo, "example.com", "ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc != nil {
		t.Fatalf("expected nil document for unknown actor, got %+v", doc)
	}
}

func TestGetNoteDocument(t *testing.T) {
	acc := &domain.Account{Id: uuid.New(), Username: "alice", CreatedAt: time.Now()}
	note := &domain.Note{
		Id:         uuid.New(),
		CreatedBy:  "alice",
		Message:    "hello world",
		Visibility: "public",
		CreatedAt:  time.Now(),
	}
	actors := newFakeActorRepo(acc)
	activities := newFakeActivityRepo(note)

	doc, err := GetNoteDocument(context.Background(), activities, actors, "example.com", note.Id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc == nil {
		t.Fatal("expected a document, got nil")
	}
	if doc["attributedTo"] != "https://example.com/users/alice" {
		t.Errorf("attributedTo = %v", doc["attributedTo"])
	}
	if doc["type"] != "Note" {
		t.Errorf("type = %v", doc["type"])
	}
	to, ok := doc["to"].([]string)
	if !ok || len(to) != 1 || to[0] != "https://www.w3.org/ns/activitystreams#Public" {
		t.Errorf("to = %v", doc["to"])
	}
}

func TestGetNoteDocumentFollowersOnly(t *testing.T) {
	acc := &domain.Account{Id: uuid.New(), Username: "bob", CreatedAt: time.Now()}
	note := &domain.Note{
		Id:         uuid.New(),
		CreatedBy:  "bob",
		Message:    "just for my followers",
		Visibility: "followers-only",
		CreatedAt:  time.Now(),
	}
	actors := newFakeActorRepo(acc)
	activities := newFakeActivityRepo(note)

	doc, err := GetNoteDocument(context.Background(), activities, actors, "example.com", note.Id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	to, ok := doc["to"].([]string)
	if !ok || len(to) != 1 || to[0] != "https://example.com/users/bob/followers" {
		t.Errorf("to = %v", doc["to"])
	}
	if _, present := doc["cc"]; present {
		t.Errorf("cc should not be set for a followers-only note, got %v", doc["cc"])
	}
}
