// Package webhook is the HTTP ingest endpoint for externally-observed swap
// events, handed off to the Reactive Engine for async processing.
package webhook

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// SwapEvent is one parsed webhook entry. Enhanced-transaction providers
// (e.g. Helius) send an array of these per POST.
type SwapEvent struct {
	Signature       string             `json:"signature"`
	Type            string             `json:"type"`
	FeePayer        string             `json:"feePayer"`
	Timestamp       int64              `json:"timestamp"`
	Events          EventsBlock        `json:"events"`
	TokenTransfers  []TokenTransfer    `json:"tokenTransfers"`
	NativeTransfers []NativeTransfer   `json:"nativeTransfers"`
	AccountData     []AccountDataEntry `json:"accountData"`
}

// EventsBlock carries the provider's best-effort structured swap summary.
type EventsBlock struct {
	Swap *SwapDetail `json:"swap"`
}

// SwapDetail is the provider's structured native-in/native-out view of a
// swap, preferred over the transfer-list fallback when present.
type SwapDetail struct {
	NativeInput  *NativeAmount `json:"nativeInput"`
	NativeOutput *NativeAmount `json:"nativeOutput"`
	TokenInputs  []TokenAmount `json:"tokenInputs"`
	TokenOutputs []TokenAmount `json:"tokenOutputs"`
}

// NativeAmount is a lamport-denominated leg of a structured swap.
type NativeAmount struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// TokenAmount is an SPL-token-denominated leg of a structured swap.
type TokenAmount struct {
	Mint        string  `json:"mint"`
	TokenAmount float64 `json:"tokenAmount"`
	UserAccount string  `json:"userAccount"`
}

// TokenTransfer is one SPL token movement, used as a mint-discovery fallback.
type TokenTransfer struct {
	FromUserAccount string  `json:"fromUserAccount"`
	ToUserAccount   string  `json:"toUserAccount"`
	Mint            string  `json:"mint"`
	TokenAmount     float64 `json:"tokenAmount"`
}

// NativeTransfer is one SOL movement, used as a SOL-delta fallback.
type NativeTransfer struct {
	FromUserAccount string `json:"fromUserAccount"`
	ToUserAccount   string `json:"toUserAccount"`
	Amount          uint64 `json:"amount"`
}

// AccountDataEntry is a per-account balance-change summary, the
// last-resort fallback for extracting a SOL amount.
type AccountDataEntry struct {
	Account             string `json:"account"`
	NativeBalanceChange int64  `json:"nativeBalanceChange"`
}

// Processor consumes one swap event. The Reactive Engine implements this;
// the webhook server's only job is auth, dispatch, and the immediate 200.
type Processor interface {
	Process(event SwapEvent)
}

// Config configures the webhook server's shared-secret verification. Both
// fields empty disables verification (local/dev use only).
type Config struct {
	Host           string
	Port           int
	SharedSecret   string // compared against the x-helius-secret header
	BearerToken    string // compared against a stripped "Authorization: Bearer " header
}

// Server is the POST /webhooks/swaps ingest endpoint.
type Server struct {
	app       *fiber.App
	processor Processor
	cfg       Config
}

// NewServer builds a webhook Server.
func NewServer(cfg Config, processor Processor) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          5 * time.Second,
	})

	s := &Server{app: app, processor: processor, cfg: cfg}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "time": time.Now().Unix()})
	})
	s.app.Post("/webhooks/swaps", s.handleSwaps)
}

func (s *Server) handleSwaps(c *fiber.Ctx) error {
	if !s.authorized(c) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	var events []SwapEvent
	if err := c.BodyParser(&events); err != nil {
		log.Warn().Err(err).Msg("webhook: invalid payload")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}

	// Respond immediately; processing happens off the request goroutine so a
	// slow or stuck downstream trade never holds the provider's connection.
	go func(batch []SwapEvent) {
		for _, e := range batch {
			s.processor.Process(e)
		}
	}(events)

	return c.JSON(fiber.Map{"status": "accepted", "count": len(events)})
}

func (s *Server) authorized(c *fiber.Ctx) bool {
	if s.cfg.SharedSecret == "" && s.cfg.BearerToken == "" {
		return true
	}
	if s.cfg.SharedSecret != "" && c.Get("x-helius-secret") == s.cfg.SharedSecret {
		return true
	}
	if s.cfg.BearerToken != "" {
		want := fmt.Sprintf("Bearer %s", s.cfg.BearerToken)
		if c.Get("Authorization") == want {
			return true
		}
	}
	return false
}

// Start runs the HTTP server, blocking until it stops or errors.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	log.Info().Str("addr", addr).Msg("starting webhook server")
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
