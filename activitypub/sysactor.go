package activitypub

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/fediforge/apfedcore/domain"
	"github.com/fediforge/apfedcore/util"
)

// SystemActorUsername is the reserved local username for the
// server-owned actor used to sign authorized fetches and other
// requests made on the instance's own behalf rather than a particular
// user's.
const SystemActorUsername = "sys"

// SystemActor lazily provisions and caches the server's own actor. The
// first call to Get generates a keypair and persists it; every
// subsequent call, in this process or a restarted one, finds the
// existing row instead of minting a new identity.
type SystemActor struct {
	Actors ActorRepo
	Domain string

	mu      sync.Mutex
	account *domain.Account
}

// NewSystemActor constructs a SystemActor bound to repo and domain.
func NewSystemActor(repo ActorRepo, domain string) *SystemActor {
	return &SystemActor{Actors: repo, Domain: domain}
}

// Get returns the system actor, creating it on first use. Concurrent
// callers during the first provisioning race on the database's unique
// username constraint, not on sa.mu alone, since a second process could
// be starting up at the same time; a duplicate-insert failure is
// resolved by re-reading the now-existing row.
func (sa *SystemActor) Get(ctx context.Context) (*domain.Account, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()

	if sa.account != nil {
		return sa.account, nil
	}

	existing, err := sa.Actors.ReadAccountByUsername(ctx, SystemActorUsername)
	if err != nil {
		return nil, TransientErrorf(err, "lookup system actor")
	}
	if existing != nil {
		sa.account = existing
		return existing, nil
	}

	account, err := sa.provision(ctx)
	if err != nil {
		return nil, err
	}
	sa.account = account
	return account, nil
}

func (sa *SystemActor) provision(ctx context.Context) (*domain.Account, error) {
	// GeneratePemKeypair already emits PKCS#8/PKIX PEM, which
	// ParsePrivateKey/ParsePublicKey accept alongside PKCS#1, so no
	// conversion pass is needed here.
	pair := util.GeneratePemKeypair()

	account := &domain.Account{
		Username:                  SystemActorUsername,
		DisplayName:               "System",
		Summary:                   "Server-owned actor used for authorized fetches and relay signaling.",
		WebPublicKey:              pair.Public,
		WebPrivateKey:             pair.Private,
		ManuallyApprovesFollowers: true,
		CreatedAt:                 time.Now(),
	}

	if err := sa.Actors.CreateAccount(ctx, account); err != nil {
		// Another process won the race to provision it first; fall back
		// to reading what it created rather than treating this as fatal.
		if existing, readErr := sa.Actors.ReadAccountByUsername(ctx, SystemActorUsername); readErr == nil && existing != nil {
			log.Printf("sysactor: lost provisioning race, using existing system actor")
			return existing, nil
		}
		return nil, TransientErrorf(err, "create system actor")
	}
	log.Printf("sysactor: provisioned system actor %s", account.ActorURI(sa.Domain))
	return account, nil
}

// ActorURI returns the system actor's canonical id, provisioning it
// first if necessary.
func (sa *SystemActor) ActorURI(ctx context.Context) (string, error) {
	account, err := sa.Get(ctx)
	if err != nil {
		return "", err
	}
	return account.ActorURI(sa.Domain), nil
}
