// Package handler provides the coordinator's HTTP surface: query views,
// signal ingress for the trusted relay, and the open per-user emergency
// trigger.
package handler

import (
	"encoding/json"
	"io"
	"math/big"
	"net/http"

	"shieldlend/internal/coordinator"
	"shieldlend/internal/domain"
	"shieldlend/internal/middleware"
	"shieldlend/pkg/errors"
	"shieldlend/pkg/logger"
	"shieldlend/pkg/validator"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

// CoordinatorHandler exposes the coordinator over HTTP.
type CoordinatorHandler struct {
	service   *coordinator.Service
	validator *validator.Validator
	logger    logger.Logger
}

// NewCoordinatorHandler creates a CoordinatorHandler.
func NewCoordinatorHandler(service *coordinator.Service, val *validator.Validator, log logger.Logger) *CoordinatorHandler {
	return &CoordinatorHandler{
		service:   service,
		validator: val,
		logger:    log,
	}
}

// RegisterRoutes mounts all coordinator endpoints on the router. Signal
// ingress is pinned to the trusted relay identity and operator actions to
// the operator identity; views and the per-user emergency trigger are open.
func (h *CoordinatorHandler) RegisterRoutes(r *mux.Router, auth *middleware.IdentityMiddleware, relay, operator domain.Address) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/price", h.GetPrice).Methods(http.MethodGet)
	api.HandleFunc("/positions/{user}", h.GetPosition).Methods(http.MethodGet)
	api.HandleFunc("/positions/{user}/health", h.GetHealth).Methods(http.MethodGet)
	api.HandleFunc("/signals/{id}", h.GetSignalStatus).Methods(http.MethodGet)
	api.Handle("/emergency/clear",
		auth.RequireIdentity(operator, http.HandlerFunc(h.ClearEmergency))).Methods(http.MethodPost)
	api.HandleFunc("/emergency/{user}", h.TriggerUserEmergency).Methods(http.MethodPost)

	api.Handle("/signals",
		auth.RequireIdentity(relay, http.HandlerFunc(h.IngestSignal))).Methods(http.MethodPost)
	api.Handle("/price",
		auth.RequireIdentity(operator, http.HandlerFunc(h.SetPrice))).Methods(http.MethodPost)
}

// IngestSignalRequest is the relay-facing signal envelope.
type IngestSignalRequest struct {
	OriginDomain  uint32 `json:"origin_domain" validate:"required"`
	SourceAddress string `json:"source_address" validate:"required,ledger_address"`
	Topic0        string `json:"topic0" validate:"required"`
	Topic1        string `json:"topic1"`
	Topic2        string `json:"topic2"`
	Payload       []byte `json:"payload" validate:"required"`
}

// IngestSignal accepts one signal from the trusted relay. A replayed
// signal is acknowledged as already processed, not surfaced as an error,
// so retrying relays converge without alarms.
func (h *CoordinatorHandler) IngestSignal(w http.ResponseWriter, r *http.Request) {
	var req IngestSignalRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validator.Validate(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	identity, _ := middleware.IdentityFromContext(r.Context())
	sig := domain.Signal{
		OriginDomain:  req.OriginDomain,
		SourceAddress: domain.Address(req.SourceAddress),
		Topic0:        req.Topic0,
		Topic1:        req.Topic1,
		Topic2:        req.Topic2,
		Payload:       req.Payload,
	}

	err := h.service.HandleSignal(r.Context(), identity, sig)
	switch {
	case err == nil:
		h.respondJSON(w, http.StatusAccepted, map[string]interface{}{
			"status":    "processed",
			"signal_id": sig.ID(),
		})
	case errors.Is(err, errors.ErrDuplicateSignal):
		h.respondJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "already_processed",
			"signal_id": sig.ID(),
		})
	case errors.Is(err, errors.ErrUnauthorized):
		h.respondError(w, http.StatusForbidden, err.Error())
	default:
		h.logger.Error("signal ingestion failed", map[string]interface{}{
			"signal_id": sig.ID(),
			"error":     err.Error(),
		})
		h.respondError(w, http.StatusUnprocessableEntity, err.Error())
	}
}

// SetPriceRequest is the operator price override body.
type SetPriceRequest struct {
	NewPrice uint64 `json:"new_price" validate:"required"`
}

// SetPrice applies an operator price override.
func (h *CoordinatorHandler) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req SetPriceRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validator.Validate(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	identity, _ := middleware.IdentityFromContext(r.Context())
	if err := h.service.SetPrice(r.Context(), identity, req.NewPrice); err != nil {
		if errors.Is(err, errors.ErrUnauthorized) {
			h.respondError(w, http.StatusForbidden, err.Error())
			return
		}
		h.respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "price_set",
		"new_price": req.NewPrice,
	})
}

// TriggerUserEmergency is the open recovery path for a single position.
func (h *CoordinatorHandler) TriggerUserEmergency(w http.ResponseWriter, r *http.Request) {
	user := domain.Address(mux.Vars(r)["user"])

	err := h.service.TriggerEmergencyForUser(r.Context(), user)
	switch {
	case err == nil:
		h.respondJSON(w, http.StatusAccepted, map[string]interface{}{
			"status": "unwind_emitted",
			"user":   string(user),
		})
	case errors.Is(err, errors.ErrNoDepositRecorded), errors.Is(err, errors.ErrZeroAddress):
		h.respondError(w, http.StatusNotFound, err.Error())
	default:
		h.respondError(w, http.StatusUnprocessableEntity, err.Error())
	}
}

// ClearEmergency clears the coordinator's emergency flag.
func (h *CoordinatorHandler) ClearEmergency(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFromContext(r.Context())

	err := h.service.DeactivateEmergency(r.Context(), identity)
	switch {
	case err == nil:
		h.respondJSON(w, http.StatusOK, map[string]interface{}{"status": "cleared"})
	case errors.Is(err, errors.ErrUnauthorized):
		h.respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, errors.ErrEmergencyModeNotActive):
		h.respondError(w, http.StatusConflict, err.Error())
	default:
		h.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// GetPrice returns the current price state.
func (h *CoordinatorHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	price, updated := h.service.CurrentPrice()
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"price":       price,
		"last_update": updated,
		"mode":        string(h.service.Mode()),
	})
}

// GetPosition returns the coordinator's per-user snapshot.
func (h *CoordinatorHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	user := domain.Address(mux.Vars(r)["user"])
	h.respondJSON(w, http.StatusOK, h.service.PositionOf(user))
}

// GetHealth returns the saturating health ratio for a user. The ratio is
// rendered as a decimal percentage for monitors; the sentinel maps to
// "unleveraged".
func (h *CoordinatorHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	user := domain.Address(mux.Vars(r)["user"])
	ratio := h.service.HealthRatio(user)

	resp := map[string]interface{}{
		"user":  string(user),
		"ratio": ratio,
	}
	if ratio == coordinator.HealthRatioMax {
		resp["display"] = "unleveraged"
	} else {
		resp["display"] = decimal.NewFromBigInt(new(big.Int).SetUint64(ratio), 0).
			Div(decimal.NewFromInt(100)).StringFixed(2)
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// GetSignalStatus reports whether a signal id has been consumed.
func (h *CoordinatorHandler) GetSignalStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	consumed, err := h.service.IsSignalConsumed(r.Context(), id)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Failed to query idempotency ledger")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"signal_id": id,
		"consumed":  consumed,
	})
}

func (h *CoordinatorHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "Request body is required")
			return false
		}
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func (h *CoordinatorHandler) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *CoordinatorHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
