package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// Outcome classifies an admit decision.
type Outcome string

const (
	OutcomeProceed        Outcome = "proceed"
	OutcomeCachedResponse Outcome = "cached_response"
	OutcomeReject         Outcome = "reject"
)

// RejectReason explains a rejection.
type RejectReason string

const (
	RejectDuplicateInFlight RejectReason = "duplicate_in_flight"
	RejectPayloadMismatch   RejectReason = "token_payload_mismatch"
	RejectExpired           RejectReason = "token_expired"
	RejectRateLimited       RejectReason = "rate_limited"
	RejectReplayedContent   RejectReason = "replayed_content"
	RejectPriorFailure      RejectReason = "prior_attempt_failed"
)

// FailurePolicy decides what happens to a token whose request failed.
type FailurePolicy string

const (
	// PolicyReleaseToken deletes the token so the client can retry with it.
	PolicyReleaseToken FailurePolicy = "release_token"
	// PolicyRetainFailed marks the token Failed and keeps it; a retry needs
	// a fresh token.
	PolicyRetainFailed FailurePolicy = "retain_failed"
)

// TokenStore persists idempotency tokens. CreateToken must behave as an
// atomic create-or-read per (tenant, token).
type TokenStore interface {
	CreateToken(ctx context.Context, t *models.IdempotencyToken) (created bool, existing *models.IdempotencyToken, err error)
	GetToken(ctx context.Context, tenantID, token string) (*models.IdempotencyToken, error)
	FinishToken(ctx context.Context, tenantID, token string, status models.TokenStatus, orderID, responseData string) error
	DeleteToken(ctx context.Context, tenantID, token string) error
	FindCompletedByHash(ctx context.Context, tenantID, userID, requestHash string) (*models.IdempotencyToken, error)
}

// RateLimiter bounds admissions per user over a rolling window.
type RateLimiter interface {
	Allow(ctx context.Context, tenantID, userID string) (bool, error)
}

// Config tunes the guard.
type Config struct {
	TokenTTL time.Duration
}

// Decision is the guard's answer for one request.
type Decision struct {
	Outcome  Outcome
	Reason   RejectReason
	Response string // serialized response for OutcomeCachedResponse
	OrderID  string // order behind a cached or replayed request
	Token    string
}

// Guard dedupes order-processing requests ahead of the saga.
type Guard struct {
	tokens  TokenStore
	limiter RateLimiter
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

// NewGuard creates an idempotency guard. limiter may be nil to disable
// rate limiting.
func NewGuard(tokens TokenStore, limiter RateLimiter, cfg Config) *Guard {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	return &Guard{
		tokens:  tokens,
		limiter: limiter,
		cfg:     cfg,
		logger:  util.GetLogger(),
		now:     time.Now,
	}
}

// Fingerprint digests request content so duplicates are detectable
// independent of token bookkeeping.
func Fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// Admit decides whether a request may execute. A request without a token
// always proceeds without dedup. A tokened request either proceeds with a
// fresh Processing record bound to its fingerprint, returns the cached
// response of its completed twin, or is rejected.
func (g *Guard) Admit(ctx context.Context, tenantID, token, userID, fingerprint string) (*Decision, error) {
	ctx, span := util.StartSpan(ctx, "IdempotencyGuard.Admit")
	defer span.End()

	if token == "" {
		util.AdmitDecisionsTotal.WithLabelValues("proceed_untokened").Inc()
		return &Decision{Outcome: OutcomeProceed}, nil
	}

	now := g.now()

	record := &models.IdempotencyToken{
		TenantID:    tenantID,
		Token:       token,
		UserID:      userID,
		RequestHash: fingerprint,
		Status:      models.TokenStatusProcessing,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.cfg.TokenTTL),
	}

	created, existing, err := g.tokens.CreateToken(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("failed to create idempotency token: %w", err)
	}

	if !created {
		return g.decideOnExisting(existing, fingerprint, now)
	}

	// Fresh token. Apply the admission rate limit; the Processing record is
	// dropped on rejection so a later admitted retry is not blocked by it.
	if g.limiter != nil {
		allowed, err := g.limiter.Allow(ctx, tenantID, userID)
		if err != nil {
			// The limiter is protective, not authoritative: fail open.
			g.logger.Warn("Rate limiter unavailable, admitting",
				zap.String("user_id", userID), zap.Error(err))
		} else if !allowed {
			if derr := g.tokens.DeleteToken(ctx, tenantID, token); derr != nil {
				g.logger.Error("Failed to drop rate-limited token", zap.Error(derr))
			}
			util.AdmitDecisionsTotal.WithLabelValues(string(RejectRateLimited)).Inc()
			return &Decision{Outcome: OutcomeReject, Reason: RejectRateLimited, Token: token}, nil
		}
	}

	// Content-hash lookup catches a retry arriving under a new token.
	prior, err := g.tokens.FindCompletedByHash(ctx, tenantID, userID, fingerprint)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up request hash: %w", err)
	}
	if prior != nil && !prior.Expired(now) {
		if derr := g.tokens.DeleteToken(ctx, tenantID, token); derr != nil {
			g.logger.Error("Failed to drop replayed token", zap.Error(derr))
		}
		g.logger.Info("Replayed request content under new token",
			zap.String("user_id", userID),
			zap.String("original_order_id", prior.OrderID))
		util.AdmitDecisionsTotal.WithLabelValues(string(RejectReplayedContent)).Inc()
		return &Decision{
			Outcome: OutcomeReject,
			Reason:  RejectReplayedContent,
			OrderID: prior.OrderID,
			Token:   token,
		}, nil
	}

	util.AdmitDecisionsTotal.WithLabelValues("proceed").Inc()
	return &Decision{Outcome: OutcomeProceed, Token: token}, nil
}

func (g *Guard) decideOnExisting(existing *models.IdempotencyToken, fingerprint string, now time.Time) (*Decision, error) {
	switch {
	case existing.Expired(now):
		util.AdmitDecisionsTotal.WithLabelValues(string(RejectExpired)).Inc()
		return &Decision{Outcome: OutcomeReject, Reason: RejectExpired, Token: existing.Token}, nil

	case existing.RequestHash != fingerprint:
		util.AdmitDecisionsTotal.WithLabelValues(string(RejectPayloadMismatch)).Inc()
		return &Decision{Outcome: OutcomeReject, Reason: RejectPayloadMismatch, Token: existing.Token}, nil

	case existing.Status == models.TokenStatusCompleted:
		util.AdmitDecisionsTotal.WithLabelValues(string(OutcomeCachedResponse)).Inc()
		return &Decision{
			Outcome:  OutcomeCachedResponse,
			Response: existing.ResponseData,
			OrderID:  existing.OrderID,
			Token:    existing.Token,
		}, nil

	case existing.Status == models.TokenStatusProcessing:
		util.AdmitDecisionsTotal.WithLabelValues(string(RejectDuplicateInFlight)).Inc()
		return &Decision{Outcome: OutcomeReject, Reason: RejectDuplicateInFlight, Token: existing.Token}, nil

	default: // Failed, retained: terminal records are immutable
		util.AdmitDecisionsTotal.WithLabelValues(string(RejectPriorFailure)).Inc()
		return &Decision{Outcome: OutcomeReject, Reason: RejectPriorFailure, Token: existing.Token}, nil
	}
}

// Complete marks a token Completed with its serialized response. Repeated
// admits with the same fingerprint then return that response unchanged.
func (g *Guard) Complete(ctx context.Context, tenantID, token, orderID, responseData string) error {
	if token == "" {
		return nil
	}
	return g.tokens.FinishToken(ctx, tenantID, token, models.TokenStatusCompleted, orderID, responseData)
}

// Fail reconciles a token whose request failed, per the call site's policy.
func (g *Guard) Fail(ctx context.Context, tenantID, token string, policy FailurePolicy) error {
	if token == "" {
		return nil
	}
	if policy == PolicyReleaseToken {
		return g.tokens.DeleteToken(ctx, tenantID, token)
	}
	return g.tokens.FinishToken(ctx, tenantID, token, models.TokenStatusFailed, "", "")
}
