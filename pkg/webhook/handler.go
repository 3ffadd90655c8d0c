// Package webhook is the HTTP ingestion surface for provider payment
// notifications. It authenticates the raw body, validates the
// envelope, applies per-user admission control, and hands the result to
// the ledger engine.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/clubledger/clubledger/pkg/clubledger"
	"github.com/clubledger/clubledger/pkg/notify"
	"github.com/clubledger/clubledger/pkg/provider"
)

const (
	defaultSignatureHeader = "X-Provider-Signature"
	defaultMaxBodyBytes    = 256 * 1024
)

// Legacy authenticity headers are a hard reject: requests carrying them
// never fall back to IP-based or checksum trust.
var defaultLegacyHeaders = []string{"X-Api-Signature", "X-Signature-MD5"}

// Config holds webhook handler configuration.
type Config struct {
	// Engine processes validated notifications.
	Engine *clubledger.Engine

	// Verifier authenticates the raw body against the signature
	// header.
	Verifier provider.SignatureVerifier

	// Limiter sheds per-user overload before business logic. Optional.
	Limiter clubledger.AdmissionLimiter

	// SignatureHeader is the single canonical authenticity header
	// (default "X-Provider-Signature").
	SignatureHeader string

	// LegacyHeaders are rejected outright when present.
	LegacyHeaders []string

	// MaxBodyBytes limits the request body (default 256 KiB).
	MaxBodyBytes int64

	// Notifier answers button callbacks. Optional.
	Notifier notify.Notifier

	// Logger is used for structured logging (default: NoopLogger).
	Logger clubledger.Logger
}

// Handler serves the provider notification endpoint.
type Handler struct {
	config Config
	log    clubledger.Logger
}

// NewHandler creates a webhook handler.
func NewHandler(config Config) (*Handler, error) {
	if config.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if config.Verifier == nil {
		return nil, fmt.Errorf("signature verifier is required")
	}
	if config.SignatureHeader == "" {
		config.SignatureHeader = defaultSignatureHeader
	}
	if config.LegacyHeaders == nil {
		config.LegacyHeaders = defaultLegacyHeaders
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	if config.Notifier == nil {
		config.Notifier = notify.Noop{}
	}
	if config.Logger == nil {
		config.Logger = &clubledger.NoopLogger{}
	}
	return &Handler{config: config, log: config.Logger}, nil
}

// notification is the provider envelope. Metadata carries the user
// reference, the requested days, an optional expected amount and an
// optional referrer.
type notification struct {
	Type   string `json:"type"`
	Event  string `json:"event"`
	Object struct {
		ID       string            `json:"id"`
		Status   string            `json:"status"`
		Amount   int64             `json:"amount"`
		Metadata map[string]string `json:"metadata"`
	} `json:"object"`
}

// HandleNotification is the single inbound endpoint.
//
// Responses: 200 success or idempotent no-op, 400 malformed body,
// 403 invalid or missing signature, 429 admission denial, 5xx internal
// failure signalling the provider to retry.
func (h *Handler) HandleNotification(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if !h.authenticate(w, r, body) {
		return
	}

	var note notification
	if err := json.Unmarshal(body, &note); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if err := validate(&note); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	userID := note.Object.Metadata["user_id"]
	if !h.admit(w, r, userID, clubledger.ClassPayment) {
		return
	}

	h.dispatch(w, r, &note)
}

// authenticate runs the signature gate. Rejections log body length and
// header presence, never the payload.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request, body []byte) bool {
	for _, legacy := range h.config.LegacyHeaders {
		if r.Header.Get(legacy) != "" {
			h.log.Warn("legacy auth header rejected",
				clubledger.Field{Key: "header", Value: legacy},
				clubledger.Field{Key: "body_len", Value: len(body)},
				clubledger.Field{Key: "remote", Value: r.RemoteAddr})
			http.Error(w, "forbidden", http.StatusForbidden)
			return false
		}
	}

	sig := r.Header.Get(h.config.SignatureHeader)
	if sig == "" {
		h.log.Warn("missing signature header",
			clubledger.Field{Key: "body_len", Value: len(body)},
			clubledger.Field{Key: "remote", Value: r.RemoteAddr})
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}

	if err := h.config.Verifier.VerifySignature(body, sig); err != nil {
		h.log.Warn("signature verification failed",
			clubledger.Field{Key: "body_len", Value: len(body)},
			clubledger.Field{Key: "has_signature", Value: true},
			clubledger.Field{Key: "remote", Value: r.RemoteAddr})
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func (h *Handler) admit(w http.ResponseWriter, r *http.Request, userID string, class clubledger.RequestClass) bool {
	if h.config.Limiter == nil {
		return true
	}
	allowed, info, err := h.config.Limiter.Allow(r.Context(), userID, class)
	if err != nil {
		h.log.Error("admission check failed", clubledger.Field{Key: "error", Value: err.Error()})
		return true // fail open: admission control is load shedding, not auth
	}
	if !allowed {
		if info != nil && !info.RetryAt.IsZero() {
			retry := int(time.Until(info.RetryAt).Seconds())
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
		}
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, note *notification) {
	ctx := r.Context()
	md := note.Object.Metadata

	switch note.Event {
	case "payment.succeeded":
		days, err := strconv.Atoi(md["days"])
		if err != nil || days <= 0 {
			http.Error(w, "invalid days", http.StatusBadRequest)
			return
		}
		res, err := h.config.Engine.Ingest(ctx, clubledger.IngestRequest{
			ExternalID: note.Object.ID,
			UserID:     md["user_id"],
			Amount:     note.Object.Amount,
			Days:       days,
			Recurring:  md["recurring"] == "true",
			ReferrerID: md["referrer_id"],
		})
		if err != nil {
			h.log.Error("payment processing failed",
				clubledger.Field{Key: "tx_id", Value: note.Object.ID},
				clubledger.Field{Key: "user", Value: clubledger.MaskUserID(md["user_id"])},
				clubledger.Field{Key: "error", Value: err.Error()})
			http.Error(w, "processing failed", http.StatusInternalServerError)
			return
		}
		if res.Duplicate {
			writeOK(w, "already processed")
			return
		}
		writeOK(w, "ok")

	case "payment.canceled", "payment.expired":
		if err := h.config.Engine.MarkFailed(ctx, note.Object.ID); err != nil {
			http.Error(w, "processing failed", http.StatusInternalServerError)
			return
		}
		writeOK(w, "ok")

	default:
		// Unknown events are acknowledged so the provider stops
		// retrying them.
		writeOK(w, "ignored")
	}
}

// callback is one button press relayed by the chat platform.
type callback struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Data   string `json:"data"`
}

// HandleCallback is the inbound endpoint for button callbacks, most
// importantly the benefit choice. It runs the same signature gate as
// the notification endpoint with the callback admission class.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if !h.authenticate(w, r, body) {
		return
	}

	var cb callback
	if err := json.Unmarshal(body, &cb); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if cb.ID == "" || cb.UserID == "" || cb.Data == "" {
		http.Error(w, "missing callback fields", http.StatusBadRequest)
		return
	}

	if !h.admit(w, r, cb.UserID, clubledger.ClassCallback) {
		return
	}

	h.dispatchCallback(w, r, &cb)
}

func (h *Handler) dispatchCallback(w http.ResponseWriter, r *http.Request, cb *callback) {
	ctx := r.Context()

	parts := strings.SplitN(cb.Data, ":", 3)
	if parts[0] != "benefit" || len(parts) != 3 {
		// Unknown callback kinds are acknowledged so the platform stops
		// retrying them.
		writeOK(w, "ignored")
		return
	}

	tier := clubledger.Tier(parts[1])
	err := h.config.Engine.Redeem(ctx, cb.UserID, tier, parts[2])
	switch {
	case errors.Is(err, clubledger.ErrAlreadyRedeemed):
		h.answer(ctx, cb.ID, "Reward already claimed")
		writeOK(w, "already redeemed")
	case errors.Is(err, clubledger.ErrBenefitLocked):
		h.answer(ctx, cb.ID, "Reward not unlocked yet")
		http.Error(w, "benefit locked", http.StatusForbidden)
	case errors.Is(err, clubledger.ErrUnknownBenefit), errors.Is(err, clubledger.ErrUserNotFound):
		http.Error(w, "invalid benefit callback", http.StatusBadRequest)
	case err != nil:
		h.log.Error("benefit redemption failed",
			clubledger.Field{Key: "user", Value: clubledger.MaskUserID(cb.UserID)},
			clubledger.Field{Key: "error", Value: err.Error()})
		http.Error(w, "processing failed", http.StatusInternalServerError)
	default:
		h.answer(ctx, cb.ID, "Reward applied")
		writeOK(w, "ok")
	}
}

// answer acknowledges the button press. A failed acknowledgement is a
// courtesy loss, the redemption already committed.
func (h *Handler) answer(ctx context.Context, callbackID, text string) {
	if err := h.config.Notifier.AnswerCallback(ctx, callbackID, text); err != nil {
		h.log.Warn("callback answer failed",
			clubledger.Field{Key: "error", Value: err.Error()})
	}
}

func validate(note *notification) error {
	switch {
	case note.Type == "":
		return fmt.Errorf("missing type")
	case note.Event == "":
		return fmt.Errorf("missing event")
	case note.Object.ID == "":
		return fmt.Errorf("missing object.id")
	case note.Object.Status == "":
		return fmt.Errorf("missing object.status")
	case note.Object.Amount <= 0:
		return fmt.Errorf("missing object.amount")
	case note.Object.Metadata == nil || note.Object.Metadata["user_id"] == "":
		return fmt.Errorf("missing object.metadata.user_id")
	}
	if want := note.Object.Metadata["expected_amount"]; want != "" {
		expected, err := strconv.ParseInt(want, 10, 64)
		if err != nil || expected != note.Object.Amount {
			return fmt.Errorf("amount mismatch")
		}
	}
	return nil
}

func writeOK(w http.ResponseWriter, msg string) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(msg))
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
