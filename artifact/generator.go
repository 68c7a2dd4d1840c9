package artifact

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/hashicorp/go-secure-stdlib/base62"
	"golang.org/x/time/rate"

	"github.com/stephnangue/vmgate/audit"
	"github.com/stephnangue/vmgate/logger"
	"github.com/stephnangue/vmgate/ratelimit"
	"github.com/stephnangue/vmgate/session"
	"github.com/stephnangue/vmgate/vault"
)

const (
	DefaultExpiry        = 5 * time.Minute
	DefaultDownloadBurst = 4

	tokenLength = 24
)

// Artifact is a one-time, protocol-specific connection descriptor. It is
// held only in the in-memory cache and evaporates at ExpiresAt.
type Artifact struct {
	SessionID   string         `json:"session_id"`
	Token       string         `json:"token"`
	Protocol    vault.ConnType `json:"protocol"`
	Payload     string         `json:"-"`
	Filename    string         `json:"filename"`
	ContentType string         `json:"content_type"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

// Expired reports whether the artifact is past its horizon
func (a *Artifact) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

type cacheEntry struct {
	artifact *Artifact
	// downloads throttles re-downloads of the same artifact
	downloads *rate.Limiter
}

// Config assembles a Generator
type Config struct {
	Vault   *vault.Vault
	Limiter *ratelimit.Controller
	Audit   audit.Manager
	Logger  *logger.GatedLogger

	// Expiry is the artifact lifetime, minutes not hours
	Expiry time.Duration

	// DownloadBurst is the per-session re-download ceiling
	DownloadBurst int
}

// Generator builds and serves transient connection artifacts. Plaintext
// credentials exist only inside Generate and inside the cached payload;
// nothing here touches durable storage.
type Generator struct {
	vault   *vault.Vault
	limiter *ratelimit.Controller
	auditor audit.Manager
	log     *logger.GatedLogger

	cache  *ristretto.Cache[string, *cacheEntry]
	expiry time.Duration
	burst  int
}

// NewGenerator builds a Generator with an in-memory artifact cache
func NewGenerator(conf Config) (*Generator, error) {
	if conf.Vault == nil {
		return nil, fmt.Errorf("vault is required")
	}
	if conf.Limiter == nil {
		return nil, fmt.Errorf("rate limit controller is required")
	}
	if conf.Expiry <= 0 {
		conf.Expiry = DefaultExpiry
	}
	if conf.DownloadBurst <= 0 {
		conf.DownloadBurst = DefaultDownloadBurst
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *cacheEntry]{
		NumCounters: 10_000,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact cache: %w", err)
	}

	return &Generator{
		vault:   conf.Vault,
		limiter: conf.Limiter,
		auditor: conf.Audit,
		log:     conf.Logger,
		cache:   cache,
		expiry:  conf.Expiry,
		burst:   conf.DownloadBurst,
	}, nil
}

// Generate decrypts the session's credential and builds its connection
// artifact. Only active sessions get artifacts. A fresh Generate replaces
// any previous artifact for the session.
func (g *Generator) Generate(ctx context.Context, sess *session.Session, rec *vault.Record) (*Artifact, error) {
	if sess.State != session.StateActive {
		return nil, session.ErrSessionNotActive
	}

	cred, err := g.vault.Reveal(ctx, rec.VMID)
	if err != nil {
		return nil, err
	}

	payload, filename, contentType, err := payloadFor(rec, cred)
	if err != nil {
		return nil, err
	}

	token, err := base62.Random(tokenLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate artifact token: %w", err)
	}

	art := &Artifact{
		SessionID:   sess.ID,
		Token:       token,
		Protocol:    rec.ConnType,
		Payload:     payload,
		Filename:    filename,
		ContentType: contentType,
		ExpiresAt:   time.Now().UTC().Add(g.expiry),
	}

	entry := &cacheEntry{
		artifact: art,
		// refill spread across the expiry horizon, full burst up front
		downloads: rate.NewLimiter(rate.Every(g.expiry/time.Duration(g.burst)), g.burst),
	}
	g.cache.SetWithTTL(sess.ID, entry, int64(len(payload)), g.expiry)
	g.cache.Wait()

	g.emitAudit(ctx, audit.ActionArtifactGenerate, sess.UserID, sess.ID, map[string]interface{}{
		"protocol": string(rec.ConnType),
		"vm_id":    rec.VMID,
	})

	if g.log != nil {
		g.log.Info("connection artifact generated",
			logger.String("session_id", sess.ID),
			logger.String("protocol", string(rec.ConnType)),
			logger.Time("expires_at", art.ExpiresAt),
		)
	}

	return art, nil
}

// Download serves the session's artifact. Admission runs under the
// download class plus the per-session burst ceiling. Expired or
// invalidated artifacts fail with ErrArtifactExpired.
func (g *Generator) Download(ctx context.Context, sessionID, scopeKey string) (*Artifact, error) {
	if _, err := g.limiter.Admit(ctx, scopeKey, ratelimit.ClassDownload); err != nil {
		return nil, err
	}

	entry, ok := g.cache.Get(sessionID)
	if !ok {
		return nil, ErrArtifactExpired
	}
	if entry.artifact.Expired(time.Now().UTC()) {
		g.cache.Del(sessionID)
		return nil, ErrArtifactExpired
	}

	res := entry.downloads.Reserve()
	if !res.OK() {
		return nil, &ratelimit.DeniedError{
			Class:      ratelimit.ClassDownload,
			ScopeKey:   scopeKey,
			RetryAfter: g.expiry,
		}
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return nil, &ratelimit.DeniedError{
			Class:      ratelimit.ClassDownload,
			ScopeKey:   scopeKey,
			RetryAfter: delay,
		}
	}

	return entry.artifact, nil
}

// Invalidate revokes any outstanding artifact for the session. Safe to
// call when none exists.
func (g *Generator) Invalidate(sessionID string) {
	entry, ok := g.cache.Get(sessionID)
	g.cache.Del(sessionID)
	if !ok {
		return
	}

	g.emitAudit(context.Background(), audit.ActionArtifactInvalidate, "", sessionID, map[string]interface{}{
		"protocol": string(entry.artifact.Protocol),
	})

	if g.log != nil {
		g.log.Info("connection artifact invalidated",
			logger.String("session_id", sessionID),
		)
	}
}

// Close releases the artifact cache
func (g *Generator) Close() {
	g.cache.Close()
}

func (g *Generator) emitAudit(ctx context.Context, action audit.Action, actorID, targetID string, metadata map[string]interface{}) {
	if g.auditor == nil {
		return
	}
	_, err := g.auditor.LogEvent(ctx, &audit.Event{
		Action:    action,
		ActorID:   actorID,
		TargetID:  targetID,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	})
	if err != nil && g.log != nil {
		g.log.Error("failed to audit artifact operation",
			logger.String("action", string(action)),
			logger.Err(err),
		)
	}
}
