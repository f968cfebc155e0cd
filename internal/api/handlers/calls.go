package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/masked-call/internal/domain"
)

type initiateCallRequest struct {
	CallerNumber string `json:"caller_number"`
	OwnerNumber  string `json:"owner_number"`
}

type initiateCallResponse struct {
	SessionID     uuid.UUID         `json:"session_id"`
	VirtualNumber string            `json:"virtual_number"`
	Status        domain.CallStatus `json:"status"`
}

// sessionResponse is the masked view of a session; raw numbers never leave
// the service.
type sessionResponse struct {
	ID            uuid.UUID         `json:"session_id"`
	VirtualNumber string            `json:"virtual_number,omitempty"`
	Status        domain.CallStatus `json:"status"`
	Obsolete      bool              `json:"obsolete"`
	Attempts      []attemptResponse `json:"attempts"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

type attemptResponse struct {
	Number          int               `json:"attempt_number"`
	Provider        domain.Provider   `json:"provider"`
	Status          domain.CallStatus `json:"status"`
	ProviderCallRef string            `json:"provider_call_ref,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	EndedAt         *time.Time        `json:"ended_at,omitempty"`
	DurationSeconds *int              `json:"duration_seconds,omitempty"`
	FailureReason   *string           `json:"failure_reason,omitempty"`
}

func (h *HandlerSet) initiateCall(ctx *fiber.Ctx) error {
	var req initiateCallRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	session, err := h.calls.InitiateMaskedCall(ctx.UserContext(), req.CallerNumber, req.OwnerNumber, h.webhookBase)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusAccepted).JSON(initiateCallResponse{
		SessionID:     session.ID,
		VirtualNumber: session.VirtualNumber,
		Status:        session.FinalStatus,
	})
}

func (h *HandlerSet) getCall(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid session id")
	}

	session, err := h.calls.GetSession(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toSessionResponse(session))
}

func (h *HandlerSet) cancelCall(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid session id")
	}

	if _, err := h.calls.CancelSession(ctx.UserContext(), id); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) serviceInfo(ctx *fiber.Ctx) error {
	return ctx.Status(http.StatusOK).JSON(h.calls.ServiceInfo())
}

// serviceHealth probes providers live. With cached=true it serves the last
// scheduled probe instead, without contacting any provider.
func (h *HandlerSet) serviceHealth(ctx *fiber.Ctx) error {
	if ctx.QueryBool("cached") {
		if h.snapshots == nil {
			return fiber.NewError(http.StatusNotFound, "scheduled health probe is not enabled")
		}
		snap, ok := h.snapshots.Last()
		if !ok {
			return fiber.NewError(http.StatusServiceUnavailable, "no health probe has completed yet")
		}
		return ctx.Status(http.StatusOK).JSON(snap)
	}
	return ctx.Status(http.StatusOK).JSON(h.calls.CheckServiceHealth(ctx.UserContext()))
}

func toSessionResponse(s *domain.CallSession) sessionResponse {
	resp := sessionResponse{
		ID:            s.ID,
		VirtualNumber: s.VirtualNumber,
		Status:        s.FinalStatus,
		Obsolete:      s.Obsolete,
		Attempts:      make([]attemptResponse, 0, len(s.Attempts)),
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
		CompletedAt:   s.CompletedAt,
	}
	for _, a := range s.Attempts {
		resp.Attempts = append(resp.Attempts, attemptResponse{
			Number:          a.AttemptNumber,
			Provider:        a.Provider,
			Status:          a.Status,
			ProviderCallRef: a.ProviderCallRef,
			StartedAt:       a.StartedAt,
			EndedAt:         a.EndedAt,
			DurationSeconds: a.DurationSeconds,
			FailureReason:   a.FailureReason,
		})
	}
	return resp
}
