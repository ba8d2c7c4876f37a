package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fediforge/apfedcore/domain"
	"golang.org/x/sync/singleflight"
)

// actorDocument is the JSON-LD shape of a remote actor document, as
// served from a Person/Service/Group/Organization/Application endpoint.
type actorDocument struct {
	Context           any    `json:"@context"`
	ID                string `json:"id"`
	Type              string `json:"type"`
	PreferredUsername string `json:"preferredUsername"`
	Name              string `json:"name"`
	Summary           string `json:"summary"`
	Inbox             string `json:"inbox"`
	Outbox            string `json:"outbox"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	Icon struct {
		Type      string `json:"type"`
		MediaType string `json:"mediaType"`
		URL       string `json:"url"`
	} `json:"icon"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

type actorCacheEntry struct {
	actor   *domain.RemoteAccount
	expires time.Time
}

// ActorCache resolves remote actor documents, keeping a cache in front of
// ActorRepo so that repeated signature verifications against the same
// keyId don't each round-trip to storage, let alone the network.
// Concurrent misses for the same actor URI collapse into a single
// upstream fetch via singleflight, matching the "signature/actor cache
// uses single-flight semantics" requirement. Fetches are signed with
// the system actor's key when a signer is provided, so instances
// running in authorized-fetch mode still serve us their actor
// documents.
type ActorCache struct {
	repo       ActorRepo
	httpClient *http.Client
	signer     *SystemActor
	ttl        time.Duration
	userAgent  string

	group   singleflight.Group
	entries sync.Map // actorURI -> actorCacheEntry

	sweepInterval time.Duration
	stopSweep     chan struct{}
}

// NewActorCache constructs a cache fronting repo. signer provides the
// system actor whose key signs outbound fetches (nil leaves fetches
// unsigned); ttl bounds how long a fetched actor document is trusted
// before GetOrFetch re-fetches it; sweepInterval controls how often the
// in-memory cache evicts expired entries in the background.
func NewActorCache(repo ActorRepo, httpClient *http.Client, signer *SystemActor, ttl, sweepInterval time.Duration, userAgent string) *ActorCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Minute
	}
	return &ActorCache{
		repo:          repo,
		httpClient:    httpClient,
		signer:        signer,
		ttl:           ttl,
		userAgent:     userAgent,
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
	}
}

// Start launches the background sweeper that evicts expired in-memory
// entries. Call once; Stop ends it.
func (c *ActorCache) Start() {
	go func() {
		ticker := time.NewTicker(c.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				c.entries.Range(func(k, v any) bool {
					if now.After(v.(actorCacheEntry).expires) {
						c.entries.Delete(k)
					}
					return true
				})
			case <-c.stopSweep:
				return
			}
		}
	}()
}

// Stop ends the background sweeper goroutine.
func (c *ActorCache) Stop() {
	close(c.stopSweep)
}

// GetOrFetch returns the remote actor for actorURI, preferring (in order)
// the in-memory cache, the repository's persisted copy (if fresh), and
// finally a network fetch. A stale repository row is still returned if
// the subsequent re-fetch fails, so a transient upstream outage soft-fails
// rather than breaking inbound signature verification.
func (c *ActorCache) GetOrFetch(ctx context.Context, actorURI string) (*domain.RemoteAccount, error) {
	if cached, ok := c.entries.Load(actorURI); ok {
		entry := cached.(actorCacheEntry)
		if time.Now().Before(entry.expires) {
			return entry.actor, nil
		}
		c.entries.Delete(actorURI)
	}

	stored, err := c.repo.ReadRemoteActorByURI(ctx, actorURI)
	if err == nil && stored != nil && time.Since(stored.LastFetchedAt) < c.ttl {
		c.store(actorURI, stored)
		return stored, nil
	}

	result, err, _ := c.group.Do(actorURI, func() (any, error) {
		fetched, fetchErr := c.fetchAndStore(ctx, actorURI)
		if fetchErr != nil && stored != nil {
			log.Printf("actorcache: refresh failed for %s, serving stale copy: %v", actorURI, fetchErr)
			return stored, nil
		}
		return fetched, fetchErr
	})
	if err != nil {
		return nil, err
	}

	actor := result.(*domain.RemoteAccount)
	c.store(actorURI, actor)
	return actor, nil
}

func (c *ActorCache) store(actorURI string, actor *domain.RemoteAccount) {
	c.entries.Store(actorURI, actorCacheEntry{actor: actor, expires: time.Now().Add(c.ttl)})
}

// fetchAndStore performs the network fetch and upserts the repository row.
func (c *ActorCache) fetchAndStore(ctx context.Context, actorURI string) (*domain.RemoteAccount, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, actorURI, nil)
	if err != nil {
		return nil, fmt.Errorf("actorcache: build request: %w", err)
	}
	req.Header.Set("Accept", `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if err := c.signFetch(ctx, req); err != nil {
		// An unsigned fetch still works against most instances; only
		// authorized-fetch peers will reject it, so soft-fail here.
		log.Printf("actorcache: signing fetch for %s failed, sending unsigned: %v", actorURI, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("actorcache: fetch %s: %w", actorURI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("actorcache: fetch %s: unexpected status %d", actorURI, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("actorcache: read body for %s: %w", actorURI, err)
	}

	var doc actorDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("actorcache: parse actor document for %s: %w", actorURI, err)
	}
	if doc.ID == "" || doc.Inbox == "" || doc.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actorcache: actor document for %s missing required fields", actorURI)
	}

	host, err := hostOf(doc.ID)
	if err != nil {
		return nil, err
	}

	existing, err := c.repo.ReadRemoteActorByURI(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("actorcache: lookup existing actor: %w", err)
	}

	kind := domain.ActorKind(doc.Type)
	if kind == "" {
		kind = domain.ActorPerson
	}

	username := doc.PreferredUsername
	if username == "" {
		username = usernameFromURI(doc.ID)
	}

	remote := &domain.RemoteAccount{
		Username:       username,
		Domain:         host,
		ActorURI:       doc.ID,
		Kind:           kind,
		DisplayName:    doc.Name,
		Summary:        doc.Summary,
		InboxURI:       doc.Inbox,
		OutboxURI:      doc.Outbox,
		SharedInboxURI: doc.Endpoints.SharedInbox,
		PublicKeyPem:   doc.PublicKey.PublicKeyPem,
		AvatarURL:      doc.Icon.URL,
		LastFetchedAt:  time.Now(),
	}

	if existing != nil {
		remote.Id = existing.Id
		if err := c.repo.UpdateRemoteActor(ctx, remote); err != nil {
			return nil, fmt.Errorf("actorcache: update actor %s: %w", doc.ID, err)
		}
	} else {
		if err := c.repo.CreateRemoteActor(ctx, remote); err != nil {
			return nil, fmt.Errorf("actorcache: create actor %s: %w", doc.ID, err)
		}
	}

	return remote, nil
}

// signFetch signs req with the system actor's key for authorized-fetch
// peers. A nil signer leaves the request unsigned.
func (c *ActorCache) signFetch(ctx context.Context, req *http.Request) error {
	if c.signer == nil {
		return nil
	}
	account, err := c.signer.Get(ctx)
	if err != nil {
		return fmt.Errorf("resolve system actor: %w", err)
	}
	privKey, err := ParsePrivateKey(account.WebPrivateKey)
	if err != nil {
		return fmt.Errorf("parse system actor key: %w", err)
	}
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	keyID := account.ActorURI(c.signer.Domain) + "#main-key"
	return SignGetRequest(req, privKey, keyID)
}

func hostOf(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", fmt.Errorf("actorcache: invalid actor URI %q: %w", actorURI, err)
	}
	return parsed.Host, nil
}

// usernameFromURI extracts the trailing path segment of an actor-ish URI,
// stripping a leading "@" if present (covers both /users/alice and
// /@alice addressing schemes seen across implementations).
func usernameFromURI(uri string) string {
	parts := strings.Split(uri, "/")
	if len(parts) == 0 {
		return ""
	}
	return strings.TrimPrefix(parts[len(parts)-1], "@")
}
