package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/nullseed/flywheel-engine/internal/store"
)

// SchedulerHandle is the narrow control surface restart_scheduler needs over
// a running scheduler: stop it, reconfigure its cadence/budget, start it
// again. Each concrete scheduler package (flywheel, claim, platformloop)
// exposes its own Reconfigure signature; the admin package adapts them to
// this common shape rather than reaching into their internals.
type SchedulerHandle interface {
	Stop()
	Start(ctx context.Context)
	Reconfigure(newInterval time.Duration, newBudget float64)
}

// Server is the gofiber app exposing spec section 4.12's Admin Control
// surface: a nonce-issuance endpoint plus suspend/bulk_suspend/
// update_limits/restart_scheduler, all gated by Verify.
type Server struct {
	app         *fiber.App
	store       store.Store
	nonces      *NonceStore
	schedulers  map[string]SchedulerHandle
	runCtx      context.Context
	adminPubKey string
}

// Config addresses the admin HTTP listener.
type Config struct {
	Host string
	Port int
}

// NewServer builds an admin Server. runCtx is the process-lifetime context
// passed to a scheduler's Start call whenever restart_scheduler restarts it.
// adminPubKey is the base58 ed25519 public key (ADMIN_VERIFY_PUBKEY) every
// mutation must be signed by; Verify rejects any request signed by another
// keypair.
func NewServer(runCtx context.Context, st store.Store, schedulers map[string]SchedulerHandle, adminPubKey string) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          5 * time.Second,
	})

	s := &Server{
		app:         app,
		store:       st,
		nonces:      NewNonceStore(),
		schedulers:  schedulers,
		runCtx:      runCtx,
		adminPubKey: adminPubKey,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "time": time.Now().Unix()})
	})
	s.app.Post("/admin/nonce", s.handleNonce)
	s.app.Post("/admin/suspend", s.handleSuspend)
	s.app.Post("/admin/bulk_suspend", s.handleBulkSuspend)
	s.app.Post("/admin/update_limits", s.handleUpdateLimits)
	s.app.Post("/admin/restart_scheduler", s.handleRestartScheduler)
}

// mutationRequest is the {message, signature, publicKey, payload} bundle
// every admin mutation carries, per spec section 6.
type mutationRequest struct {
	Message   string          `json:"message"`
	Signature string          `json:"signature"`
	PublicKey string          `json:"publicKey"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *Server) verifyMutation(c *fiber.Ctx, action string) (*mutationRequest, error) {
	var req mutationRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, fmt.Errorf("invalid request body")
	}
	err := Verify(s.nonces, action, s.adminPubKey, VerifyRequest{
		Message:   req.Message,
		Signature: req.Signature,
		PublicKey: req.PublicKey,
		Payload:   req.Payload,
	}, true)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *Server) handleNonce(c *fiber.Ctx) error {
	var req struct {
		Action  string          `json:"action"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := c.BodyParser(&req); err != nil || req.Action == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "action is required"})
	}

	entry, err := s.nonces.Issue(req.Action, req.Payload)
	if err != nil {
		log.Warn().Err(err).Msg("admin: issue nonce")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "nonce generation failed"})
	}

	return c.JSON(fiber.Map{
		"message":    Message(req.Action, entry.Nonce, entry.IssuedAt.Unix(), entry.ConfigHash),
		"timestamp":  entry.IssuedAt.Unix(),
		"nonce":      entry.Nonce,
		"configHash": entry.ConfigHash,
	})
}

type suspendPayload struct {
	TokenID int64  `json:"token_id"`
	Reason  string `json:"reason"`
}

// handleSuspend implements suspend(token_id, reason): sets is_suspended=true
// and forces flywheel_active/market_making_enabled/auto_claim_enabled to
// false in the same logical update. Calling it on an already-suspended
// token succeeds and overwrites suspend_reason, matching spec section 8's
// idempotence scenario.
func (s *Server) handleSuspend(c *fiber.Ctx) error {
	req, err := s.verifyMutation(c, "suspend")
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}
	var payload suspendPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}

	token, err := s.store.GetToken(c.Context(), payload.TokenID)
	if err != nil || token == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "token not found"})
	}
	if err := s.suspendToken(c.Context(), token, payload.Reason); err != nil {
		log.Warn().Err(err).Int64("token_id", token.ID).Msg("admin: suspend failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "suspend failed"})
	}
	return c.JSON(fiber.Map{"status": "suspended", "token_id": token.ID})
}

type bulkSuspendPayload struct {
	Reason string `json:"reason"`
}

// handleBulkSuspend implements bulk_suspend(reason), applied to every
// non-platform token that isn't already suspended. The platform token is
// never touched — ListNonPlatformTokens excludes it at the query level.
func (s *Server) handleBulkSuspend(c *fiber.Ctx) error {
	req, err := s.verifyMutation(c, "bulk_suspend")
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}
	var payload bulkSuspendPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}

	tokens, err := s.store.ListNonPlatformTokens(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "list tokens failed"})
	}

	var suspended int
	for _, token := range tokens {
		if token.Suspended {
			continue
		}
		if err := s.suspendToken(c.Context(), token, payload.Reason); err != nil {
			log.Warn().Err(err).Int64("token_id", token.ID).Msg("admin: bulk suspend failed for token")
			continue
		}
		suspended++
	}
	return c.JSON(fiber.Map{"status": "ok", "suspended_count": suspended})
}

func (s *Server) suspendToken(ctx context.Context, token *store.Token, reason string) error {
	token.Suspended = true
	token.SuspendReason = reason
	if err := s.store.UpdateToken(ctx, token); err != nil {
		return err
	}

	cfg, err := s.store.GetTokenConfig(ctx, token.ID)
	if err != nil {
		return err
	}
	if cfg != nil {
		cfg.FlywheelActive = false
		cfg.MarketMakingEnabled = false
		cfg.AutoClaimEnabled = false
		if err := s.store.UpsertTokenConfig(ctx, cfg); err != nil {
			return err
		}
	}

	detail, _ := json.Marshal(map[string]string{"reason": reason})
	_, err = s.store.InsertAuditEvent(ctx, &store.AuditEvent{
		TokenID:    token.ID,
		Kind:       "token_suspended",
		DetailJSON: string(detail),
		Timestamp:  time.Now(),
	})
	return err
}

type updateLimitsPayload struct {
	TokenID            int64   `json:"token_id"`
	DailyTradeLimitSOL float64 `json:"daily_trade_limit_sol"`
	MaxPositionSizeSOL float64 `json:"max_position_size_sol"`
	RiskLevel          string  `json:"risk_level"`
}

// handleUpdateLimits implements update_limits(token_id, {...}).
func (s *Server) handleUpdateLimits(c *fiber.Ctx) error {
	req, err := s.verifyMutation(c, "update_limits")
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}
	var payload updateLimitsPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}

	token, err := s.store.GetToken(c.Context(), payload.TokenID)
	if err != nil || token == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "token not found"})
	}
	token.DailyTradeLimitSOL = payload.DailyTradeLimitSOL
	token.MaxPositionSizeSOL = payload.MaxPositionSizeSOL
	token.RiskLevel = payload.RiskLevel
	if err := s.store.UpdateToken(c.Context(), token); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "update failed"})
	}
	return c.JSON(fiber.Map{"status": "ok", "token_id": token.ID})
}

type restartSchedulerPayload struct {
	Kind           string  `json:"kind"`
	NewIntervalSec int     `json:"new_interval_sec"`
	NewBudget      float64 `json:"new_budget"`
}

// handleRestartScheduler implements restart_scheduler(kind, new_interval,
// new_budget): stop the named scheduler, apply the new cadence/budget, start
// it again against the server's process-lifetime context.
func (s *Server) handleRestartScheduler(c *fiber.Ctx) error {
	req, err := s.verifyMutation(c, "restart_scheduler")
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}
	var payload restartSchedulerPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}

	handle, ok := s.schedulers[payload.Kind]
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": fmt.Sprintf("unknown scheduler kind %q", payload.Kind)})
	}

	handle.Stop()
	if payload.NewIntervalSec > 0 || payload.NewBudget > 0 {
		handle.Reconfigure(time.Duration(payload.NewIntervalSec)*time.Second, payload.NewBudget)
	}
	handle.Start(s.runCtx)

	return c.JSON(fiber.Map{"status": "restarted", "kind": payload.Kind})
}

// Start runs the HTTP server, blocking until it stops or errors.
func (s *Server) Start(cfg Config) error {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	log.Info().Str("addr", addr).Msg("starting admin server")
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
