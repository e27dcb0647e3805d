package handler

import (
	"encoding/json"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/freshmart/coupon-service/internal/domain/coupon"
)

type cartItem struct {
	ProductID string          `json:"product_id"`
	Category  string          `json:"category"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
}

type applyRequest struct {
	Code   string     `json:"code"`
	UserID string     `json:"user_id"`
	Items  []cartItem `json:"items"`
}

type redeemRequest struct {
	applyRequest
	OrderID string `json:"order_id"`
}

type quoteResponse struct {
	Valid          bool   `json:"valid"`
	Code           string `json:"code"`
	EligibleAmount string `json:"eligible_amount"`
	Discount       string `json:"discount"`
	FreeShipping   bool   `json:"free_shipping"`
}

func toQuoteResponse(q *coupon.Quote) quoteResponse {
	return quoteResponse{
		Valid:          true,
		Code:           q.Code,
		EligibleAmount: q.EligibleAmount.StringFixed(2),
		Discount:       q.Discount.StringFixed(2),
		FreeShipping:   q.FreeShipping,
	}
}

func toItems(in []cartItem) []coupon.Item {
	items := make([]coupon.Item, 0, len(in))
	for _, it := range in {
		items = append(items, coupon.Item{
			ProductID: it.ProductID,
			Category:  it.Category,
			Price:     it.Price,
			Quantity:  it.Quantity,
		})
	}
	return items
}

// applyCoupon quotes the discount for a cart without consuming a usage slot.
func (h *Handler) applyCoupon(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Code == "" || req.UserID == "" {
		badRequest(w, "code and user_id are required")
		return
	}

	q, err := h.engine.Apply(r.Context(), req.Code, req.UserID, toItems(req.Items))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteResponse(q))
}

// redeemCoupon records the redemption for a confirmed order.
func (h *Handler) redeemCoupon(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Code == "" || req.UserID == "" || req.OrderID == "" {
		badRequest(w, "code, user_id and order_id are required")
		return
	}

	q, err := h.engine.Redeem(r.Context(), req.Code, req.UserID, req.OrderID, toItems(req.Items))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteResponse(q))
}
