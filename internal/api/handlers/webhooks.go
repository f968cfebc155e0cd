package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/masked-call/internal/domain"
	"github.com/acme/masked-call/internal/service/common"
	apperrors "github.com/acme/masked-call/pkg/errors"
)

const maxAuditPage = 500

type webhookEventResponse struct {
	ID            uuid.UUID         `json:"id"`
	SessionID     *uuid.UUID        `json:"session_id,omitempty"`
	AttemptNumber int               `json:"attempt_number,omitempty"`
	Status        domain.CallStatus `json:"status,omitempty"`
	RawStatus     string            `json:"raw_status,omitempty"`
	Outcome       string            `json:"outcome"`
	Reason        string            `json:"reason,omitempty"`
	PayloadDigest string            `json:"payload_digest"`
	ReceivedAt    time.Time         `json:"received_at"`
}

type listWebhookEventsResponse struct {
	Events   []webhookEventResponse `json:"events"`
	NextPage string                 `json:"next_page_token,omitempty"`
}

// receiveWebhook always acknowledges so that providers do not retry
// callbacks that will never succeed; failures are logged and audited by the
// processor.
func (h *HandlerSet) receiveWebhook(ctx *fiber.Ctx) error {
	provider := ctx.Params("provider")
	raw := append([]byte(nil), ctx.Body()...)

	var signature string
	if header := h.webhooks.SignatureHeader(provider); header != "" {
		signature = ctx.Get(header)
	}
	callbackURL := strings.TrimRight(h.webhookBase, "/") + ctx.OriginalURL()

	ack, err := h.webhooks.HandleWebhook(ctx.UserContext(), provider, raw, signature, callbackURL)
	switch {
	case err == nil:
		h.logger.Debug("webhook received",
			zap.String("provider", provider),
			zap.String("session_id", ack.SessionID.String()),
			zap.Bool("duplicate", ack.Duplicate),
		)
	case errors.Is(err, apperrors.ErrInvalidSignature), errors.Is(err, apperrors.ErrUnknownProvider):
		h.logger.Warn("webhook rejected", zap.String("provider", provider), zap.Error(err))
	default:
		h.logger.Warn("webhook not applied", zap.String("provider", provider), zap.Error(err))
	}

	return ctx.Status(http.StatusOK).JSON(fiber.Map{"status": "received"})
}

func (h *HandlerSet) webhookEvents(ctx *fiber.Ctx) error {
	limit, err := strconv.Atoi(ctx.Query("limit", "100"))
	if err != nil || limit <= 0 {
		return fiber.NewError(http.StatusBadRequest, "invalid limit")
	}
	if limit > maxAuditPage {
		limit = maxAuditPage
	}

	paging, err := common.DecodePageToken(ctx.Query("page_token", ""))
	if err != nil {
		return translateError(err)
	}

	records, next, err := h.webhooks.AuditTrail(ctx.UserContext(), ctx.Params("provider"), ctx.Params("ref"), limit, paging)
	if err != nil {
		return translateError(err)
	}

	resp := listWebhookEventsResponse{Events: make([]webhookEventResponse, 0, len(records))}
	for _, r := range records {
		resp.Events = append(resp.Events, webhookEventResponse{
			ID:            r.ID,
			SessionID:     r.SessionID,
			AttemptNumber: r.AttemptNumber,
			Status:        r.Status,
			RawStatus:     r.RawStatus,
			Outcome:       string(r.Outcome),
			Reason:        r.Reason,
			PayloadDigest: r.PayloadDigest,
			ReceivedAt:    r.ReceivedAt,
		})
	}
	resp.NextPage = common.EncodePageToken(next)

	return ctx.Status(http.StatusOK).JSON(resp)
}
