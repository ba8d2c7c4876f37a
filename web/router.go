package web

import (
	"bytes"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/fediforge/apfedcore/activitypub"
	"github.com/fediforge/apfedcore/db"
	"github.com/fediforge/apfedcore/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Deps bundles the pieces Router needs to wire up the ActivityPub and
// NodeInfo surface. It's assembled once by app.App.Initialize and
// handed to Router, rather than Router reaching for package-level
// globals.
type Deps struct {
	DB         *db.DB
	Actors     activitypub.ActorRepo
	Activities activitypub.ActivityRepo
	Inbox      *activitypub.Inbox
	Outbox     *activitypub.Outbox
	Collect    *activitypub.Collections
}

// Router builds the HTTP handler for the federation and discovery
// surface. It does not listen itself; the caller wraps the returned
// handler in an *http.Server so Start/Shutdown stay in app.App.
func Router(conf *util.AppConfig, deps *Deps) (http.Handler, error) {
	gin.DefaultWriter = util.GetLogWriter()
	gin.DefaultErrorWriter = util.GetLogWriter()

	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	apLimiter := NewRateLimiter(rate.Limit(conf.Conf.InboxRateLimitPerMinute)/60, conf.Conf.InboxRateLimitPerMinute)
	maxBody := MaxBytesMiddleware(conf.Conf.MaxInboxBodyBytes)

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		c.Header("Content-Type", "application/jrd+json; charset=utf-8")
		resource := c.Query("resource")
		if resource == "" {
			c.JSON(400, gin.H{"error": "missing resource parameter"})
			return
		}
		resp, err := ResolveWebFinger(c.Request.Context(), deps.DB, resource, conf.Conf.SslDomain)
		if err != nil {
			log.Printf("webfinger: %v", err)
			c.JSON(500, gin.H{"error": "internal error"})
			return
		}
		if resp == nil {
			c.JSON(404, gin.H{"error": "not found"})
			return
		}
		c.JSON(200, resp)
	})

	g.GET("/.well-known/nodeinfo", func(c *gin.Context) {
		c.Header("Content-Type", "application/json; charset=utf-8")
		c.Render(200, render.String{Format: GetWellKnownNodeInfo(conf)})
	})

	g.GET("/nodeinfo/2.0", func(c *gin.Context) {
		c.Header("Content-Type", "application/json; charset=utf-8")
		c.JSON(200, GetNodeInfo20(c.Request.Context(), deps.DB, conf))
	})

	g.GET("/users/:actor", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		doc, err := GetActorDocument(c.Request.Context(), deps.Actors, conf.Conf.SslDomain, c.Param("actor"))
		if err != nil {
			log.Printf("actor: %v", err)
			c.JSON(500, gin.H{"error": "internal error"})
			return
		}
		if doc == nil {
			c.JSON(404, gin.H{"error": "not found"})
			return
		}
		c.JSON(200, doc)
	})

	g.GET("/users/:actor/objects/:oid", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		oid, err := uuid.Parse(c.Param("oid"))
		if err != nil {
			c.JSON(404, gin.H{"error": "invalid object id"})
			return
		}
		doc, err := GetNoteDocument(c.Request.Context(), deps.Activities, deps.Actors, conf.Conf.SslDomain, oid)
		if err != nil {
			log.Printf("object: %v", err)
			c.JSON(500, gin.H{"error": "internal error"})
			return
		}
		if doc == nil {
			c.JSON(404, gin.H{"error": "not found"})
			return
		}
		c.JSON(200, doc)
	})

	collectionRoute := func(path string, render func(c *gin.Context) (map[string]any, error)) {
		g.GET(path, func(c *gin.Context) {
			c.Header("Content-Type", "application/activity+json; charset=utf-8")
			coll, err := render(c)
			if err != nil {
				c.JSON(activitypub.HTTPStatus(err), errorBody(err))
				return
			}
			c.JSON(200, coll)
		})
	}

	collectionRoute("/users/:actor/followers", func(c *gin.Context) (map[string]any, error) {
		return deps.Collect.Followers(c.Request.Context(), c.Param("actor"), ParsePageParam(c.Query("page")))
	})
	collectionRoute("/users/:actor/following", func(c *gin.Context) (map[string]any, error) {
		return deps.Collect.Following(c.Request.Context(), c.Param("actor"), ParsePageParam(c.Query("page")))
	})
	collectionRoute("/users/:actor/outbox", func(c *gin.Context) (map[string]any, error) {
		return deps.Collect.Outbox(c.Request.Context(), c.Param("actor"), ParsePageParam(c.Query("page")))
	})
	collectionRoute("/users/:actor/inbox", func(c *gin.Context) (map[string]any, error) {
		return deps.Collect.Inbox(c.Request.Context(), c.Param("actor"), ParsePageParam(c.Query("page")))
	})
	collectionRoute("/users/:actor/liked", func(c *gin.Context) (map[string]any, error) {
		return deps.Collect.Liked(c.Request.Context(), c.Param("actor"), ParsePageParam(c.Query("page")))
	})
	collectionRoute("/users/:actor/shared", func(c *gin.Context) (map[string]any, error) {
		return deps.Collect.Shared(c.Request.Context(), c.Param("actor"), ParsePageParam(c.Query("page")))
	})

	objectURIOf := func(c *gin.Context) string {
		return "https://" + conf.Conf.SslDomain + "/users/" + c.Param("actor") + "/objects/" + c.Param("oid")
	}
	collectionRoute("/users/:actor/objects/:oid/replies", func(c *gin.Context) (map[string]any, error) {
		return deps.Collect.Replies(c.Request.Context(), objectURIOf(c), ParsePageParam(c.Query("page")))
	})
	collectionRoute("/users/:actor/objects/:oid/likes", func(c *gin.Context) (map[string]any, error) {
		return deps.Collect.Likes(c.Request.Context(), objectURIOf(c), ParsePageParam(c.Query("page")))
	})
	collectionRoute("/users/:actor/objects/:oid/shares", func(c *gin.Context) (map[string]any, error) {
		return deps.Collect.Shares(c.Request.Context(), objectURIOf(c), ParsePageParam(c.Query("page")))
	})

	g.POST("/users/:actor/inbox", RateLimitMiddleware(apLimiter), maxBody, func(c *gin.Context) {
		owner, err := deps.Actors.ReadAccountByUsername(c.Request.Context(), c.Param("actor"))
		if err != nil {
			c.JSON(500, gin.H{"error": "internal error"})
			return
		}
		if owner == nil {
			c.JSON(404, gin.H{"error": "not found"})
			return
		}
		if err := deps.Inbox.Handle(c.Request.Context(), c.Request, owner); err != nil {
			c.JSON(activitypub.HTTPStatus(err), errorBody(err))
			return
		}
		c.Status(202)
	})

	g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBody, func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(400, gin.H{"error": "failed to read body"})
			return
		}
		act, err := activitypub.ParseActivity(body)
		if err != nil {
			c.JSON(400, gin.H{"error": "malformed activity"})
			return
		}

		usernames, err := activitypub.ResolveSharedInboxRecipients(c.Request.Context(), deps.Actors, act, func(uri string) (string, bool) {
			return localUsernameFromURI(uri, conf.Conf.SslDomain)
		})
		if err != nil {
			log.Printf("shared inbox: resolve recipients: %v", err)
		}
		if len(usernames) == 0 {
			// Nobody local to deliver to that we could identify; accept
			// anyway so the sender doesn't treat this as a hard failure.
			c.Status(202)
			return
		}

		var lastErr error
		delivered := false
		for _, username := range usernames {
			owner, err := deps.Actors.ReadAccountByUsername(c.Request.Context(), username)
			if err != nil || owner == nil {
				continue
			}
			req := c.Request.Clone(c.Request.Context())
			req.Body = io.NopCloser(bytes.NewReader(body))
			if err := deps.Inbox.Handle(c.Request.Context(), req, owner); err != nil {
				lastErr = err
				continue
			}
			delivered = true
		}
		if delivered || lastErr == nil {
			c.Status(202)
			return
		}
		c.JSON(activitypub.HTTPStatus(lastErr), errorBody(lastErr))
	})

	g.POST("/users/:actor/outbox", RateLimitMiddleware(apLimiter), maxBody, func(c *gin.Context) {
		owner, err := deps.Actors.ReadAccountByUsername(c.Request.Context(), c.Param("actor"))
		if err != nil {
			c.JSON(500, gin.H{"error": "internal error"})
			return
		}
		if owner == nil {
			c.JSON(404, gin.H{"error": "not found"})
			return
		}
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(400, gin.H{"error": "failed to read body"})
			return
		}
		act, err := deps.Outbox.Submit(c.Request.Context(), owner, body)
		if err != nil {
			c.JSON(activitypub.HTTPStatus(err), errorBody(err))
			return
		}
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		c.Header("Location", act.ID)
		c.Render(201, render.String{Format: act.Raw})
	})

	return g, nil
}

// errorBody renders an error as the JSON body the federation endpoints
// respond with. Auth failures additionally carry the specific
// verification failure (StaleDate, DigestMismatch, ...) so a peer
// operator can tell a clock problem from a tampered body without
// parsing the message text.
func errorBody(err error) gin.H {
	body := gin.H{"error": err.Error()}
	if reason := activitypub.AuthReasonOf(err); reason != "" {
		body["reason"] = string(reason)
	}
	return body
}

// localUsernameFromURI extracts a username from a local actor-family
// URI (the actor itself, or its /inbox, /followers, /outbox, ... under
// it), used to route a shared-inbox POST to the right personal inbox.
func localUsernameFromURI(uri, selfDomain string) (string, bool) {
	prefix := "https://" + selfDomain + "/users/"
	if !strings.HasPrefix(uri, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(uri, prefix)
	if i := strings.Index(rest, "/"); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}
