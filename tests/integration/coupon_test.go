//go:build integration

package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
)

func groceryCart() []cartItem {
	return []cartItem{
		{ProductID: "milk-1l", Category: "dairy", Price: "3.50", Quantity: 4},
		{ProductID: "bread", Category: "bakery", Price: "2.50", Quantity: 4},
	}
}

func TestApplyCoupon(t *testing.T) {
	resp := doPost(t, "/api/v1/coupons/apply", applyRequest{
		Code: "fresh10", UserID: "apply-user", Items: groceryCart(),
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	q := decodeJSON[quoteResponse](t, resp)
	if !q.Valid || q.Code != "FRESH10" {
		t.Errorf("quote = %+v, want valid FRESH10", q)
	}
	if q.Discount != "2.40" {
		t.Errorf("discount = %s, want 2.40", q.Discount)
	}
}

func TestApplyCoupon_UnknownCode(t *testing.T) {
	resp := doPost(t, "/api/v1/coupons/apply", applyRequest{
		Code: "DOESNOTEXIST", UserID: "apply-user", Items: groceryCart(),
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestApplyCoupon_ExpiredWindow(t *testing.T) {
	resp := doPost(t, "/api/v1/coupons/apply", applyRequest{
		Code: "PANTRY15", UserID: "apply-user",
		Items: []cartItem{
			{ProductID: "flour", Category: "pantry", Price: "40.00", Quantity: 1},
		},
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}

	rej := decodeJSON[rejectionResponse](t, resp)
	if rej.Reason != "outside_validity_window" {
		t.Errorf("reason = %s, want outside_validity_window", rej.Reason)
	}
}

func TestApplyCoupon_MinimumOrder(t *testing.T) {
	resp := doPost(t, "/api/v1/coupons/apply", applyRequest{
		Code: "FRESH10", UserID: "apply-user",
		Items: []cartItem{
			{ProductID: "bread", Category: "bakery", Price: "2.50", Quantity: 1},
		},
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}

	rej := decodeJSON[rejectionResponse](t, resp)
	if rej.Reason != "minimum_order_not_met" {
		t.Errorf("reason = %s, want minimum_order_not_met", rej.Reason)
	}
	if rej.MinimumOrder != "20.00" {
		t.Errorf("minimum = %s, want 20.00", rej.MinimumOrder)
	}
}

func TestFreeShipping_ExcludedCategory(t *testing.T) {
	// Alcohol is excluded from SHIPFREE, so the wine does not count towards
	// the $35 minimum.
	resp := doPost(t, "/api/v1/coupons/apply", applyRequest{
		Code: "SHIPFREE", UserID: "shipping-user",
		Items: []cartItem{
			{ProductID: "wine", Category: "alcohol", Price: "30.00", Quantity: 1},
			{ProductID: "milk-1l", Category: "dairy", Price: "3.50", Quantity: 2},
		},
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func TestFreeShipping_Quote(t *testing.T) {
	resp := doPost(t, "/api/v1/coupons/apply", applyRequest{
		Code: "SHIPFREE", UserID: "shipping-user",
		Items: []cartItem{
			{ProductID: "milk-1l", Category: "dairy", Price: "3.50", Quantity: 12},
		},
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	q := decodeJSON[quoteResponse](t, resp)
	if !q.FreeShipping {
		t.Error("free_shipping = false, want true")
	}
	if q.Discount != "0.00" {
		t.Errorf("discount = %s, want 0.00", q.Discount)
	}
}

func TestRedeemCoupon_PerUserLimit(t *testing.T) {
	redeem := func(order string) *http.Response {
		return doPost(t, "/api/v1/coupons/redeem", applyRequest{
			Code: "FRESH10", UserID: "redeem-limit-user", OrderID: order, Items: groceryCart(),
		})
	}

	resp := redeem("order-limit-1")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first redeem status = %d, want 200", resp.StatusCode)
	}

	resp2 := redeem("order-limit-2")
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("second redeem status = %d, want 422", resp2.StatusCode)
	}

	rej := decodeJSON[rejectionResponse](t, resp2)
	if rej.Reason != "per_user_limit_reached" {
		t.Errorf("reason = %s, want per_user_limit_reached", rej.Reason)
	}
}

// Concurrent redemptions for the same user must win exactly one slot: the
// per-user count has to see a racer's committed history row, not the
// statement snapshot taken before the coupon row lock was acquired.
func TestRedeemCoupon_ConcurrentSameUser(t *testing.T) {
	created := doPost(t, "/api/v1/admin/coupons/", map[string]any{
		"code":           "RACE10",
		"type":           "percentage",
		"value":          "10",
		"per_user_limit": 1,
		"valid_from":     "2026-01-01T00:00:00Z",
		"valid_until":    "2030-01-01T00:00:00Z",
		"active":         true,
	})
	defer created.Body.Close()
	if created.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", created.StatusCode)
	}

	const workers = 8
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(order string) {
			defer wg.Done()
			body, err := json.Marshal(applyRequest{
				Code: "RACE10", UserID: "race-user", OrderID: order, Items: groceryCart(),
			})
			if err != nil {
				t.Errorf("marshal redeem body: %v", err)
				return
			}
			resp, err := httpClient.Post(baseURL+"/api/v1/coupons/redeem", "application/json", bytes.NewReader(body))
			if err != nil {
				t.Errorf("redeem %s: %v", order, err)
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				succeeded.Add(1)
			}
		}(fmt.Sprintf("race-order-%d", i))
	}
	wg.Wait()

	if got := succeeded.Load(); got != 1 {
		t.Fatalf("concurrent redemptions succeeded = %d, want exactly 1", got)
	}

	resp := doGet(t, "/api/v1/admin/coupons/RACE10")
	defer resp.Body.Close()
	c := decodeJSON[couponResponse](t, resp)
	if c.UsedCount != 1 {
		t.Errorf("used_count = %d, want 1", c.UsedCount)
	}
}

func TestAdminLifecycle(t *testing.T) {
	code := "LIFECYCLE10"

	resp := doPost(t, "/api/v1/admin/coupons/", map[string]any{
		"code":        code,
		"type":        "percentage",
		"value":       "10",
		"valid_from":  "2026-01-01T00:00:00Z",
		"valid_until": "2030-01-01T00:00:00Z",
		"active":      true,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}

	resp = doPost(t, fmt.Sprintf("/api/v1/admin/coupons/%s/deactivate", code), nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deactivate status = %d, want 200", resp.StatusCode)
	}

	// Deactivated coupons are invisible to the storefront.
	resp = doPost(t, "/api/v1/coupons/apply", applyRequest{
		Code: code, UserID: "lifecycle-user", Items: groceryCart(),
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("apply status = %d, want 404 after deactivation", resp.StatusCode)
	}

	resp = doPost(t, fmt.Sprintf("/api/v1/admin/coupons/%s/activate", code), nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate status = %d, want 200", resp.StatusCode)
	}

	resp = doPost(t, "/api/v1/coupons/apply", applyRequest{
		Code: code, UserID: "lifecycle-user", Items: groceryCart(),
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("apply status = %d, want 200 after reactivation", resp.StatusCode)
	}
}

func TestListCoupons_ExpiredFilter(t *testing.T) {
	resp := doGet(t, "/api/v1/admin/coupons/?filter=expired")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	list := decodeJSON[couponListResponse](t, resp)
	for _, c := range list.Coupons {
		if c.Code == "PANTRY15" {
			return
		}
	}
	t.Errorf("expired list %+v does not include PANTRY15", list.Coupons)
}
