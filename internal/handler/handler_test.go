package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/freshmart/coupon-service/internal/domain/coupon"
	"github.com/freshmart/coupon-service/internal/storage/memory"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var (
	windowStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	windowEnd   = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	midWindow   = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
)

// newTestServer seeds a memory repository with FRESH10 (10% off, min order
// $20.00, capped at $5.00) and returns a server whose clock is mid-window.
func newTestServer(t *testing.T) (*httptest.Server, *memory.CouponRepository) {
	t.Helper()

	repo := memory.NewCouponRepository()
	engine := coupon.NewEngine(repo).WithClock(func() time.Time { return midWindow })

	require.NoError(t, engine.Create(context.Background(), &coupon.Coupon{
		Code:               "FRESH10",
		Type:               coupon.DiscountPercentage,
		Value:              d("10"),
		MinimumOrderAmount: d("20.00"),
		MaximumDiscount:    d("5.00"),
		UsageLimit:         100,
		PerUserLimit:       1,
		ValidFrom:          windowStart,
		ValidUntil:         windowEnd,
		Active:             true,
	}))

	srv := httptest.NewServer(New(engine).Routes())
	t.Cleanup(srv.Close)
	return srv, repo
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func cart() []map[string]any {
	return []map[string]any{
		{"product_id": "milk-1l", "category": "dairy", "price": "3.50", "quantity": 4},
		{"product_id": "bread", "category": "bakery", "price": "2.50", "quantity": 4},
	}
}

func TestApplyCoupon(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, srv, http.MethodPost, "/api/v1/coupons/apply", map[string]any{
		"code": "fresh10", "user_id": "u1", "items": cart(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["valid"])
	require.Equal(t, "FRESH10", body["code"])
	require.Equal(t, "24.00", body["eligible_amount"])
	require.Equal(t, "2.40", body["discount"])
	require.Equal(t, false, body["free_shipping"])
}

func TestApplyCoupon_DoesNotConsumeUsage(t *testing.T) {
	srv, repo := newTestServer(t)

	for range 3 {
		resp, _ := doJSON(t, srv, http.MethodPost, "/api/v1/coupons/apply", map[string]any{
			"code": "FRESH10", "user_id": "u1", "items": cart(),
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	c, err := repo.Get(context.Background(), "FRESH10")
	require.NoError(t, err)
	require.Zero(t, c.UsedCount)
}

func TestApplyCoupon_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/v1/coupons/apply", map[string]any{
		"code": "NOPE", "user_id": "u1", "items": cart(),
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestApplyCoupon_MinimumOrderRejection(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, srv, http.MethodPost, "/api/v1/coupons/apply", map[string]any{
		"code": "FRESH10", "user_id": "u1",
		"items": []map[string]any{
			{"product_id": "bread", "category": "bakery", "price": "2.50", "quantity": 1},
		},
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, false, body["valid"])
	require.Equal(t, "minimum_order_not_met", body["reason"])
	require.Equal(t, "20.00", body["minimum_order_amount"])
}

func TestApplyCoupon_BadBody(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/v1/coupons/apply", map[string]any{
		"user_id": "u1",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRedeemCoupon(t *testing.T) {
	srv, repo := newTestServer(t)

	resp, body := doJSON(t, srv, http.MethodPost, "/api/v1/coupons/redeem", map[string]any{
		"code": "FRESH10", "user_id": "u1", "order_id": "order-42", "items": cart(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "2.40", body["discount"])

	c, err := repo.Get(context.Background(), "FRESH10")
	require.NoError(t, err)
	require.Equal(t, 1, c.UsedCount)
	require.Equal(t, "order-42", c.UsageHistory[0].OrderID)
}

func TestRedeemCoupon_PerUserLimit(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/v1/coupons/redeem", map[string]any{
		"code": "FRESH10", "user_id": "u1", "order_id": "order-1", "items": cart(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, srv, http.MethodPost, "/api/v1/coupons/redeem", map[string]any{
		"code": "FRESH10", "user_id": "u1", "order_id": "order-2", "items": cart(),
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "per_user_limit_reached", body["reason"])
}

func TestCreateCoupon(t *testing.T) {
	srv, repo := newTestServer(t)

	resp, body := doJSON(t, srv, http.MethodPost, "/api/v1/admin/coupons/", map[string]any{
		"code":        " veg5 ",
		"type":        "fixed",
		"value":       "5.00",
		"valid_from":  windowStart.Format(time.RFC3339),
		"valid_until": windowEnd.Format(time.RFC3339),
		"active":      true,
		"created_by":  "ops@freshmart.example",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "VEG5", body["code"])
	require.EqualValues(t, 1, body["per_user_limit"])

	_, err := repo.FindByCode(context.Background(), "VEG5")
	require.NoError(t, err)
}

func TestCreateCoupon_Duplicate(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/v1/admin/coupons/", map[string]any{
		"code":        "fresh10",
		"type":        "percentage",
		"value":       "10",
		"valid_from":  windowStart.Format(time.RFC3339),
		"valid_until": windowEnd.Format(time.RFC3339),
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCreateCoupon_InvalidWindow(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/v1/admin/coupons/", map[string]any{
		"code":        "BACKWARDS",
		"type":        "percentage",
		"value":       "10",
		"valid_from":  windowEnd.Format(time.RFC3339),
		"valid_until": windowStart.Format(time.RFC3339),
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetCoupon(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, srv, http.MethodGet, "/api/v1/admin/coupons/fresh10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "FRESH10", body["code"])
	require.EqualValues(t, 100, body["remaining_usage"])
}

func TestListCoupons_Filter(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, srv, http.MethodGet, "/api/v1/admin/coupons/?filter=valid", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["coupons"], 1)

	resp, _ = doJSON(t, srv, http.MethodGet, "/api/v1/admin/coupons/?filter=bogus", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestActivateDeactivate(t *testing.T) {
	srv, repo := newTestServer(t)

	resp, body := doJSON(t, srv, http.MethodPost, "/api/v1/admin/coupons/FRESH10/deactivate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, body["active"])

	_, err := repo.FindByCode(context.Background(), "FRESH10")
	require.ErrorIs(t, err, coupon.ErrNotFound)

	resp, _ = doJSON(t, srv, http.MethodPost, "/api/v1/admin/coupons/FRESH10/activate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = repo.FindByCode(context.Background(), "FRESH10")
	require.NoError(t, err)
}

func TestExtendValidity(t *testing.T) {
	srv, _ := newTestServer(t)

	until := windowEnd.AddDate(0, 1, 0)
	resp, body := doJSON(t, srv, http.MethodPut, "/api/v1/admin/coupons/FRESH10/validity", map[string]any{
		"valid_until": until.Format(time.RFC3339),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := time.Parse(time.RFC3339, body["valid_until"].(string))
	require.NoError(t, err)
	require.True(t, got.Equal(until))
}

func TestExtendValidity_BeforeStart(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, srv, http.MethodPut, "/api/v1/admin/coupons/FRESH10/validity", map[string]any{
		"valid_until": windowStart.AddDate(0, 0, -1).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
