package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dreamstageindia/welcome-dreamstage-tech/internal/httpserver"
	"github.com/dreamstageindia/welcome-dreamstage-tech/internal/store/memstore"
	"github.com/dreamstageindia/welcome-dreamstage-tech/pkg/funnel"
)

type stubSender struct {
	mu       sync.Mutex
	lastText string
}

func (sender *stubSender) Send(_ context.Context, _ funnel.PhoneNumber, text string) error {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	sender.lastText = text
	return nil
}

type stubGateway struct {
	mu      sync.Mutex
	created int
}

func (gateway *stubGateway) CreateOrder(_ context.Context, request funnel.GatewayOrderRequest) (funnel.GatewayOrder, error) {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	gateway.created++
	return funnel.GatewayOrder{
		OrderRef:    fmt.Sprintf("order_http_%03d", gateway.created),
		AmountPaise: request.AmountPaise,
		Currency:    request.Currency,
	}, nil
}

func newTestRouter(test *testing.T) (http.Handler, *stubSender) {
	test.Helper()
	sender := &stubSender{}
	service, err := funnel.NewService(
		memstore.New(),
		func() time.Time { return time.Now().UTC() },
		funnel.WithCodeSender(sender),
		funnel.WithPaymentGateway(&stubGateway{}, "http-test-secret"),
	)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	router := httpserver.NewRouter(httpserver.Config{GatewayKeyID: "rzp_test_key"}, service, zap.NewNop())
	return router, sender
}

func postJSON(test *testing.T, router http.Handler, path string, payload any) *httptest.ResponseRecorder {
	test.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		test.Fatalf("marshal payload: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(test *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	test.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		test.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

func TestHealthz(test *testing.T) {
	test.Parallel()
	router, _ := newTestRouter(test)

	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestOTPSendCreatesAccountForSession(test *testing.T) {
	test.Parallel()
	router, _ := newTestRouter(test)

	recorder := postJSON(test, router, "/api/otp/send", map[string]string{
		"sessionId": "visitor-1",
		"phone":     "+91 90000 01234",
	})
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(test, recorder)
	if accountID, _ := body["accountId"].(string); accountID == "" {
		test.Fatalf("expected accountId in response, got %v", body)
	}
	if _, leaked := body["code"]; leaked {
		test.Fatal("challenge code must never appear in the response")
	}
}

func TestOTPSendRejectsShortPhone(test *testing.T) {
	test.Parallel()
	router, _ := newTestRouter(test)

	recorder := postJSON(test, router, "/api/otp/send", map[string]string{
		"sessionId": "visitor-2",
		"phone":     "12345",
	})
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestOTPVerifyRoundTrip(test *testing.T) {
	test.Parallel()
	router, sender := newTestRouter(test)

	send := postJSON(test, router, "/api/otp/send", map[string]string{
		"sessionId": "visitor-3",
		"phone":     "+919000012345",
	})
	if send.Code != http.StatusOK {
		test.Fatalf("send: expected 200, got %d", send.Code)
	}

	verify := postJSON(test, router, "/api/otp/verify", map[string]string{
		"sessionId": "visitor-3",
		"code":      extractCode(test, sender),
	})
	if verify.Code != http.StatusOK {
		test.Fatalf("verify: expected 200, got %d: %s", verify.Code, verify.Body.String())
	}
	body := decodeBody(test, verify)
	if rank, _ := body["joinOrder"].(float64); rank != 1 {
		test.Fatalf("expected joinOrder 1, got %v", body["joinOrder"])
	}
}

func TestInviteCheckUnknownCode(test *testing.T) {
	test.Parallel()
	router, _ := newTestRouter(test)

	recorder := postJSON(test, router, "/api/invites/check", map[string]string{"code": "ZZZ9"})
	if recorder.Code != http.StatusNotFound {
		test.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestInviteCheckMalformedCode(test *testing.T) {
	test.Parallel()
	router, _ := newTestRouter(test)

	recorder := postJSON(test, router, "/api/invites/check", map[string]string{"code": "TOOLONG"})
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestPayVerifyUnknownOrder(test *testing.T) {
	test.Parallel()
	router, _ := newTestRouter(test)

	recorder := postJSON(test, router, "/api/pay/verify", map[string]string{
		"razorpay_order_id":   "order_missing",
		"razorpay_payment_id": "pay_x",
		"razorpay_signature":  "sig_x",
	})
	if recorder.Code != http.StatusNotFound {
		test.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestPayPreviewReportsLaunchTier(test *testing.T) {
	test.Parallel()
	router, _ := newTestRouter(test)

	request := httptest.NewRequest(http.MethodGet, "/api/pay/preview", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := decodeBody(test, recorder)
	if amount, _ := body["amountPaise"].(float64); amount != 4900 {
		test.Fatalf("expected 4900, got %v", body["amountPaise"])
	}
}

func extractCode(test *testing.T, sender *stubSender) string {
	test.Helper()
	sender.mu.Lock()
	defer sender.mu.Unlock()
	start := -1
	for i, r := range sender.lastText {
		if r >= '0' && r <= '9' {
			if start == -1 {
				start = i
			}
			if i-start == 5 {
				return sender.lastText[start : i+1]
			}
			continue
		}
		start = -1
	}
	test.Fatalf("no six-digit code in %q", sender.lastText)
	return ""
}
