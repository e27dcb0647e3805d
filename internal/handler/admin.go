package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/freshmart/coupon-service/internal/domain/coupon"
)

type createCouponRequest struct {
	Code  string          `json:"code"`
	Type  string          `json:"type"`
	Value decimal.Decimal `json:"value"`

	MinimumOrderAmount decimal.Decimal `json:"minimum_order_amount"`
	MaximumDiscount    decimal.Decimal `json:"maximum_discount"`

	UsageLimit   int `json:"usage_limit"`
	PerUserLimit int `json:"per_user_limit"`

	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until"`
	Active     bool      `json:"active"`

	ApplicableCategories []string `json:"applicable_categories,omitempty"`
	ApplicableProducts   []string `json:"applicable_products,omitempty"`
	ExcludedCategories   []string `json:"excluded_categories,omitempty"`
	ExcludedProducts     []string `json:"excluded_products,omitempty"`

	NewUsersOnly      bool     `json:"new_users_only"`
	ExistingUsersOnly bool     `json:"existing_users_only"`
	SpecificUsers     []string `json:"specific_users,omitempty"`

	CreatedBy string `json:"created_by"`
}

type couponResponse struct {
	Code  string `json:"code"`
	Type  string `json:"type"`
	Value string `json:"value"`

	MinimumOrderAmount string `json:"minimum_order_amount"`
	MaximumDiscount    string `json:"maximum_discount"`

	UsageLimit     int `json:"usage_limit"`
	UsedCount      int `json:"used_count"`
	PerUserLimit   int `json:"per_user_limit"`
	RemainingUsage int `json:"remaining_usage"`

	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until"`
	Active     bool      `json:"active"`

	ApplicableCategories []string `json:"applicable_categories,omitempty"`
	ApplicableProducts   []string `json:"applicable_products,omitempty"`
	ExcludedCategories   []string `json:"excluded_categories,omitempty"`
	ExcludedProducts     []string `json:"excluded_products,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toCouponResponse(c *coupon.Coupon) couponResponse {
	return couponResponse{
		Code:               c.Code,
		Type:               string(c.Type),
		Value:              c.Value.StringFixed(2),
		MinimumOrderAmount: c.MinimumOrderAmount.StringFixed(2),
		MaximumDiscount:    c.MaximumDiscount.StringFixed(2),
		UsageLimit:         c.UsageLimit,
		UsedCount:          c.UsedCount,
		PerUserLimit:       c.PerUserLimit,
		RemainingUsage:     c.RemainingUsage(),
		ValidFrom:          c.ValidFrom,
		ValidUntil:         c.ValidUntil,
		Active:             c.Active,

		ApplicableCategories: c.ApplicableCategories,
		ApplicableProducts:   c.ApplicableProducts,
		ExcludedCategories:   c.ExcludedCategories,
		ExcludedProducts:     c.ExcludedProducts,

		CreatedBy: c.CreatedBy,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func (h *Handler) createCoupon(w http.ResponseWriter, r *http.Request) {
	var req createCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	c := &coupon.Coupon{
		Code:               req.Code,
		Type:               coupon.DiscountType(req.Type),
		Value:              req.Value,
		MinimumOrderAmount: req.MinimumOrderAmount,
		MaximumDiscount:    req.MaximumDiscount,
		UsageLimit:         req.UsageLimit,
		PerUserLimit:       req.PerUserLimit,
		ValidFrom:          req.ValidFrom,
		ValidUntil:         req.ValidUntil,
		Active:             req.Active,

		ApplicableCategories: req.ApplicableCategories,
		ApplicableProducts:   req.ApplicableProducts,
		ExcludedCategories:   req.ExcludedCategories,
		ExcludedProducts:     req.ExcludedProducts,

		Restrictions: coupon.UserRestrictions{
			NewUsersOnly:      req.NewUsersOnly,
			ExistingUsersOnly: req.ExistingUsersOnly,
			SpecificUsers:     req.SpecificUsers,
		},

		CreatedBy: req.CreatedBy,
	}

	if err := h.engine.Create(r.Context(), c); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCouponResponse(c))
}

func (h *Handler) getCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.GetByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCouponResponse(c))
}

func (h *Handler) listCoupons(w http.ResponseWriter, r *http.Request) {
	filter := coupon.FilterAll
	if v := r.URL.Query().Get("filter"); v != "" {
		switch f := coupon.Filter(v); f {
		case coupon.FilterAll, coupon.FilterActive, coupon.FilterValid, coupon.FilterExpired:
			filter = f
		default:
			badRequest(w, "unknown filter, expected one of: all, active, valid, expired")
			return
		}
	}

	coupons, err := h.engine.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]couponResponse, 0, len(coupons))
	for i := range coupons {
		out = append(out, toCouponResponse(&coupons[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"coupons": out})
}

func (h *Handler) activateCoupon(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *Handler) deactivateCoupon(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	code := chi.URLParam(r, "code")

	var err error
	if active {
		err = h.engine.Activate(r.Context(), code)
	} else {
		err = h.engine.Deactivate(r.Context(), code)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"code": coupon.NormalizeCode(code), "active": active})
}

type extendValidityRequest struct {
	ValidUntil time.Time `json:"valid_until"`
}

func (h *Handler) extendValidity(w http.ResponseWriter, r *http.Request) {
	var req extendValidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.ValidUntil.IsZero() {
		badRequest(w, "valid_until is required")
		return
	}

	code := chi.URLParam(r, "code")
	if err := h.engine.ExtendValidity(r.Context(), code, req.ValidUntil); err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.engine.GetByCode(r.Context(), code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCouponResponse(c))
}
