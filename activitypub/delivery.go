package activitypub

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/fediforge/apfedcore/domain"
	"github.com/google/uuid"
)

// DefaultBackoffSchedule is the escalating delay applied after each
// failed delivery attempt, indexed by AttemptCount-1. A row still
// Failed after exhausting the schedule is retried at the final delay
// until MaxRetries is reached, at which point it is marked Dead.
var DefaultBackoffSchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	4 * time.Hour,
}

// DeliveryConfig bounds the worker pool's concurrency and pacing.
type DeliveryConfig struct {
	Workers         int
	BatchSize       int
	PerHostLimit    int
	PollInterval    time.Duration
	RequestTimeout  time.Duration
	BackoffSchedule []time.Duration
	MaxRetries      int
	UserAgent       string

	ReaperInterval time.Duration
	ReapDelivered  time.Duration
	ReapDead       time.Duration
}

func (c *DeliveryConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PerHostLimit <= 0 {
		c.PerHostLimit = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if len(c.BackoffSchedule) == 0 {
		c.BackoffSchedule = DefaultBackoffSchedule
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = time.Hour
	}
	if c.ReapDelivered <= 0 {
		c.ReapDelivered = 24 * time.Hour
	}
	if c.ReapDead <= 0 {
		c.ReapDead = 7 * 24 * time.Hour
	}
}

// DeliveryWorker drains the durable delivery queue: lease a batch,
// route each item to a per-inbox worker (so retries of the same inbox
// never race each other out of order), sign and POST it, and record the
// outcome. A separate ticker reaps old terminal rows.
type DeliveryWorker struct {
	Repo   DeliveryRepo
	Actors ActorRepo
	Client *http.Client
	Conf   DeliveryConfig

	stop chan struct{}
	wg   sync.WaitGroup

	hostMu    sync.Mutex
	hostSlots map[string]chan struct{}
}

// NewDeliveryWorker constructs a DeliveryWorker. client should already
// carry the process-wide timeout/transport configuration; Conf's
// RequestTimeout is applied per-request on top of it.
func NewDeliveryWorker(repo DeliveryRepo, actors ActorRepo, client *http.Client, conf DeliveryConfig) *DeliveryWorker {
	conf.applyDefaults()
	if client == nil {
		client = http.DefaultClient
	}
	return &DeliveryWorker{
		Repo:      repo,
		Actors:    actors,
		Client:    client,
		Conf:      conf,
		stop:      make(chan struct{}),
		hostSlots: make(map[string]chan struct{}),
	}
}

// Start launches the polling loop and the reaper, both as background
// goroutines. Stop drains them gracefully.
func (w *DeliveryWorker) Start(ctx context.Context) {
	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.pollLoop(ctx)
	}()
	go func() {
		defer w.wg.Done()
		w.reapLoop(ctx)
	}()
}

// Stop signals both loops to exit and waits for in-flight work to
// finish or for the grace period to elapse, whichever comes first. A
// delivery interrupted by context cancellation reverts its row to
// Pending without charging an attempt, so the next process picks it
// up; only a hard crash can strand a row in Processing.
func (w *DeliveryWorker) Stop(grace time.Duration) {
	close(w.stop)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Printf("delivery: shutdown grace period elapsed with workers still draining")
	}
}

func (w *DeliveryWorker) pollLoop(ctx context.Context) {
	t := time.NewTicker(w.Conf.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-t.C:
			if err := w.processBatch(ctx); err != nil {
				log.Printf("delivery: batch failed: %v", err)
			}
		}
	}
}

func (w *DeliveryWorker) reapLoop(ctx context.Context) {
	t := time.NewTicker(w.Conf.ReaperInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-t.C:
			now := time.Now()
			if n, err := w.Repo.ReapDelivered(ctx, now.Add(-w.Conf.ReapDelivered)); err != nil {
				log.Printf("delivery: reap delivered: %v", err)
			} else if n > 0 {
				log.Printf("delivery: reaped %d delivered rows", n)
			}
			if n, err := w.Repo.ReapDead(ctx, now.Add(-w.Conf.ReapDead)); err != nil {
				log.Printf("delivery: reap dead: %v", err)
			} else if n > 0 {
				log.Printf("delivery: reaped %d dead rows", n)
			}
		}
	}
}

// processBatch leases up to BatchSize due rows and fans them out across
// a fixed pool of per-worker channels, one goroutine per worker. An
// item is routed to crc32(inboxURI) % workers so every retry of the
// same inbox lands on the same worker and is delivered in submission
// order, the way a per-host queue would be without needing one.
func (w *DeliveryWorker) processBatch(ctx context.Context) error {
	items, err := w.Repo.LeasePending(ctx, w.Conf.BatchSize)
	if err != nil {
		return fmt.Errorf("lease pending: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	lanes := make([]chan domain.DeliveryQueueItem, w.Conf.Workers)
	var lwg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan domain.DeliveryQueueItem, len(items))
		lwg.Add(1)
		go func(ch chan domain.DeliveryQueueItem) {
			defer lwg.Done()
			for item := range ch {
				w.deliverOne(ctx, item)
			}
		}(lanes[i])
	}

	for _, item := range items {
		lane := crc32.ChecksumIEEE([]byte(item.InboxURI)) % uint32(len(lanes))
		lanes[lane] <- item
	}
	for _, ch := range lanes {
		close(ch)
	}
	lwg.Wait()
	return nil
}

// slotFor hands out the bounded-concurrency semaphore for one target
// host, creating it on first sight. Every delivery to that host, on any
// lane, acquires a slot first, so one slow instance can saturate at most
// PerHostLimit workers while everyone else keeps flowing.
func (w *DeliveryWorker) slotFor(host string) chan struct{} {
	w.hostMu.Lock()
	defer w.hostMu.Unlock()
	s, ok := w.hostSlots[host]
	if !ok {
		s = make(chan struct{}, w.Conf.PerHostLimit)
		w.hostSlots[host] = s
	}
	return s
}

func (w *DeliveryWorker) deliverOne(ctx context.Context, item domain.DeliveryQueueItem) {
	slot := w.slotFor(item.TargetHost)
	select {
	case slot <- struct{}{}:
		defer func() { <-slot }()
	case <-ctx.Done():
		w.revert(item)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, w.Conf.RequestTimeout)
	defer cancel()

	status, retryAfter, err := w.attempt(reqCtx, item)
	if err == nil {
		if markErr := w.Repo.MarkDelivered(ctx, item.Id); markErr != nil {
			log.Printf("delivery: mark delivered %s: %v", item.Id, markErr)
		}
		return
	}

	// A delivery cut short by shutdown hasn't failed on its own merits;
	// put the row back the way LeasePending found it.
	if ctx.Err() != nil {
		w.revert(item)
		return
	}

	if KindOf(err) == KindPermanent {
		log.Printf("delivery: %s to %s unrecoverable: %v", item.ActivityURI, item.InboxURI, err)
		if markErr := w.Repo.MarkDead(ctx, item.Id, err.Error()); markErr != nil {
			log.Printf("delivery: mark dead %s: %v", item.Id, markErr)
		}
		return
	}

	if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		log.Printf("delivery: %s to %s rejected permanently (status %d): %v", item.ActivityURI, item.InboxURI, status, err)
		if markErr := w.Repo.MarkDead(ctx, item.Id, err.Error()); markErr != nil {
			log.Printf("delivery: mark dead %s: %v", item.Id, markErr)
		}
		return
	}

	attempt := item.AttemptCount + 1
	maxRetries := item.MaxRetries
	if maxRetries <= 0 {
		maxRetries = w.Conf.MaxRetries
	}
	if attempt >= maxRetries {
		log.Printf("delivery: %s to %s exhausted retries: %v", item.ActivityURI, item.InboxURI, err)
		if markErr := w.Repo.MarkDead(ctx, item.Id, err.Error()); markErr != nil {
			log.Printf("delivery: mark dead %s: %v", item.Id, markErr)
		}
		return
	}

	delay := w.backoffFor(attempt)
	if retryAfter > 0 {
		delay = retryAfter
	}
	next := time.Now().Add(delay)
	log.Printf("delivery: %s to %s failed (attempt %d, retry in %s): %v", item.ActivityURI, item.InboxURI, attempt, delay, err)
	if markErr := w.Repo.MarkFailed(ctx, item.Id, attempt, next, err.Error()); markErr != nil {
		log.Printf("delivery: mark failed %s: %v", item.Id, markErr)
	}
}

// revert returns a leased row to Pending with its attempt count intact.
// It runs on a fresh context: the whole point is that the caller's
// context is already canceled.
func (w *DeliveryWorker) revert(item domain.DeliveryQueueItem) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Repo.Revert(ctx, item.Id); err != nil {
		log.Printf("delivery: revert %s: %v", item.Id, err)
	}
}

func (w *DeliveryWorker) backoffFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(w.Conf.BackoffSchedule) {
		idx = len(w.Conf.BackoffSchedule) - 1
	}
	return w.Conf.BackoffSchedule[idx]
}

// attempt signs and POSTs item's activity JSON to its target inbox. It
// returns the HTTP status observed (0 if the request never got a
// response) and the Retry-After delay the peer asked for, if any.
func (w *DeliveryWorker) attempt(ctx context.Context, item domain.DeliveryQueueItem) (int, time.Duration, error) {
	sender, err := w.Actors.ReadAccountByUsername(ctx, item.SenderUsername)
	if err != nil {
		return 0, 0, fmt.Errorf("resolve sender %s: %w", item.SenderUsername, err)
	}
	if sender == nil {
		return 0, 0, PermanentErrorf(nil, "sender %s no longer exists", item.SenderUsername)
	}

	body := []byte(item.ActivityJSON)
	hash := sha256.Sum256(body)
	digest := "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.InboxURI, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	if w.Conf.UserAgent != "" {
		req.Header.Set("User-Agent", w.Conf.UserAgent)
	}
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Digest", digest)

	privKey, err := ParsePrivateKey(sender.WebPrivateKey)
	if err != nil {
		return 0, 0, PermanentErrorf(err, "parse sender key")
	}
	keyID := item.SenderActorURI + "#main-key"
	if err := SignRequest(req, privKey, keyID); err != nil {
		return 0, 0, fmt.Errorf("sign request: %w", err)
	}
	// SignRequest consumes the body; rebuild it for the send.
	req.Body = io.NopCloser(bytes.NewReader(body))

	resp, err := w.Client.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, 0, nil
	}

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
	return resp.StatusCode, retryAfter, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, item.InboxURI)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil {
		return secs
	}
	if when, err := http.ParseTime(v); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

// EnqueueActivity is a convenience constructor used by the outbox
// pipeline to build a queue row with the bookkeeping fields the worker
// above expects, leaving callers to fill in only the addressing.
func EnqueueActivity(ctx context.Context, repo DeliveryRepo, activityURI, inboxURI, targetHost, activityJSON string, sender *domain.Account, senderActorURI string, maxRetries int) error {
	item := &domain.DeliveryQueueItem{
		Id:             uuid.New(),
		ActivityURI:    activityURI,
		InboxURI:       inboxURI,
		TargetHost:     targetHost,
		ActivityJSON:   activityJSON,
		SenderUsername: sender.Username,
		SenderActorURI: senderActorURI,
		Status:         domain.DeliveryPending,
		MaxRetries:     maxRetries,
		CreatedAt:      time.Now(),
		NextAttemptAt:  time.Now(),
	}
	return wrapTransient(repo.Enqueue(ctx, item))
}
