package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"reconciler/internal/identity/models"
	"reconciler/internal/platform/metrics"
	"reconciler/internal/platform/middleware"
	dErrors "reconciler/pkg/domain-errors"
	"reconciler/pkg/platform/httputil"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service

// Service defines the identity operations exposed over HTTP.
type Service interface {
	Resolve(ctx context.Context, email, phone *string) (*models.ConsolidatedIdentity, error)
	View(ctx context.Context, contactID int64) (*models.ConsolidatedIdentity, error)
	Delete(ctx context.Context, contactID int64) error
}

// Handler handles identity reconciliation endpoints.
type Handler struct {
	logger         *slog.Logger
	identity       Service
	metrics        *metrics.Metrics
	requestTimeout time.Duration
}

// New creates a new identity Handler.
func New(identity Service, logger *slog.Logger, metrics *metrics.Metrics, requestTimeout time.Duration) *Handler {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &Handler{
		logger:         logger,
		identity:       identity,
		metrics:        metrics,
		requestTimeout: requestTimeout,
	}
}

// Register registers the identity routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	identityRouter := chi.NewRouter()
	identityRouter.Use(middleware.Recovery(h.logger, h.metrics))
	identityRouter.Use(middleware.RequestID)
	identityRouter.Use(middleware.RequestTime)
	identityRouter.Use(middleware.Logger(h.logger))
	identityRouter.Use(middleware.Timeout(h.requestTimeout))
	identityRouter.Use(middleware.ContentTypeJSON)
	identityRouter.Use(middleware.LatencyMiddleware(h.metrics))
	identityRouter.Post("/identify", h.handleIdentify)
	identityRouter.Get("/contacts/{id}", h.handleGetContact)
	identityRouter.Delete("/contacts/{id}", h.handleDeleteContact)

	r.Mount("/", identityRouter)
}

// handleIdentify resolves the posted email/phone fragment into its identity.
func (h *Handler) handleIdentify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[models.IdentifyRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	identity, err := h.identity.Resolve(ctx, req.Email, req.Phone())
	if err != nil {
		h.writeServiceError(ctx, w, err, "failed to identify contact")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, models.IdentifyResponse{Contact: identity})
}

func (h *Handler) handleGetContact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.contactID(w, r)
	if !ok {
		return
	}

	identity, err := h.identity.View(ctx, id)
	if err != nil {
		h.writeServiceError(ctx, w, err, "failed to load contact")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, models.IdentifyResponse{Contact: identity})
}

func (h *Handler) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.contactID(w, r)
	if !ok {
		return
	}

	if err := h.identity.Delete(ctx, id); err != nil {
		h.writeServiceError(ctx, w, err, "failed to delete contact")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// contactID parses the {id} path parameter.
func (h *Handler) contactID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		h.logger.WarnContext(r.Context(), "invalid contact id",
			"request_id", middleware.GetRequestID(r.Context()),
			"contact_id", raw,
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "contact id must be a positive integer"))
		return 0, false
	}
	return id, true
}

// writeServiceError logs err and writes it. Client errors keep their message;
// anything else becomes an opaque internal error.
func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, err error, msg string) {
	requestID := middleware.GetRequestID(ctx)
	switch dErrors.CodeOf(err) {
	case dErrors.CodeBadRequest, dErrors.CodeInvalidInput, dErrors.CodeValidation, dErrors.CodeNotFound:
		h.logger.WarnContext(ctx, msg,
			"request_id", requestID,
			"error", err.Error(),
		)
		httputil.WriteError(w, err)
	case dErrors.CodeTimeout:
		h.logger.ErrorContext(ctx, msg,
			"request_id", requestID,
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeTimeout, "identity store is busy, retry later"))
	default:
		h.logger.ErrorContext(ctx, msg,
			"request_id", requestID,
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, msg))
	}
}
