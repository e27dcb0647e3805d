// Package handler exposes the coupon engine over HTTP: a storefront surface
// for applying and redeeming coupons and an admin surface for managing them.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/freshmart/coupon-service/internal/domain/coupon"
)

// Handler serves the coupon HTTP API.
type Handler struct {
	engine *coupon.Engine
}

// New creates a Handler over the given engine.
func New(engine *coupon.Engine) *Handler {
	return &Handler{engine: engine}
}

// Routes mounts the API under /api/v1.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/coupons", func(r chi.Router) {
			r.Post("/apply", h.applyCoupon)
			r.Post("/redeem", h.redeemCoupon)
		})

		r.Route("/admin/coupons", func(r chi.Router) {
			r.Post("/", h.createCoupon)
			r.Get("/", h.listCoupons)
			r.Get("/{code}", h.getCoupon)
			r.Post("/{code}/activate", h.activateCoupon)
			r.Post("/{code}/deactivate", h.deactivateCoupon)
			r.Put("/{code}/validity", h.extendValidity)
		})
	})

	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

// rejectionResponse is the body of a declined apply or redeem. Reason is a
// stable machine-readable code; Message is for display.
type rejectionResponse struct {
	Valid        bool   `json:"valid"`
	Reason       string `json:"reason"`
	Message      string `json:"message"`
	MinimumOrder string `json:"minimum_order_amount,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

// rejectionReason maps a business rejection to its stable reason code.
func rejectionReason(err error) string {
	var moe *coupon.MinimumOrderError
	switch {
	case errors.Is(err, coupon.ErrInactive):
		return "coupon_inactive"
	case errors.Is(err, coupon.ErrOutsideWindow):
		return "outside_validity_window"
	case errors.Is(err, coupon.ErrUsageLimitReached):
		return "usage_limit_reached"
	case errors.Is(err, coupon.ErrPerUserLimitReached):
		return "per_user_limit_reached"
	case errors.As(err, &moe):
		return "minimum_order_not_met"
	default:
		return "rejected"
	}
}

// writeError maps engine errors onto HTTP statuses. Business rejections are
// expected outcomes and render as 422 with a reason code, never as 5xx.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, coupon.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "coupon not found"})
	case errors.Is(err, coupon.ErrDuplicateCode):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, coupon.ErrRedemptionConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, coupon.ErrInvalidDateRange):
		badRequest(w, err.Error())
	case coupon.IsRejection(err):
		resp := rejectionResponse{
			Reason:  rejectionReason(err),
			Message: err.Error(),
		}
		var moe *coupon.MinimumOrderError
		if errors.As(err, &moe) {
			resp.MinimumOrder = moe.Minimum.StringFixed(2)
		}
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	default:
		zctx.From(r.Context()).Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
