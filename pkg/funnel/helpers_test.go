package funnel_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dreamstageindia/welcome-dreamstage-tech/internal/store/memstore"
	"github.com/dreamstageindia/welcome-dreamstage-tech/pkg/funnel"
)

const testGatewaySecret = "test-gateway-secret"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (clock *testClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *testClock) Advance(delta time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(delta)
}

// recordingSender captures the last dispatched challenge text.
type recordingSender struct {
	mu       sync.Mutex
	failWith error
	lastTo   string
	lastText string
}

func (sender *recordingSender) Send(_ context.Context, phone funnel.PhoneNumber, text string) error {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.failWith != nil {
		return sender.failWith
	}
	sender.lastTo = phone.String()
	sender.lastText = text
	return nil
}

// lastCode extracts the six-digit code from the last dispatched text.
func (sender *recordingSender) lastCode(test *testing.T) string {
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

// stubGateway mints deterministic order references.
type stubGateway struct {
	mu          sync.Mutex
	failWith    error
	created     int
	lastRequest funnel.GatewayOrderRequest
}

func (gateway *stubGateway) CreateOrder(_ context.Context, request funnel.GatewayOrderRequest) (funnel.GatewayOrder, error) {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	if gateway.failWith != nil {
		return funnel.GatewayOrder{}, gateway.failWith
	}
	gateway.created++
	gateway.lastRequest = request
	ref := fmt.Sprintf("order_stub_%03d", gateway.created)
	return funnel.GatewayOrder{
		OrderRef:    ref,
		AmountPaise: request.AmountPaise,
		Currency:    request.Currency,
		RawPayload:  fmt.Sprintf(`{"id":%q,"status":"created"}`, ref),
	}, nil
}

type testHarness struct {
	store   *memstore.Store
	clock   *testClock
	sender  *recordingSender
	gateway *stubGateway
	service *funnel.Service
}

func newTestHarness(test *testing.T, options ...funnel.ServiceOption) *testHarness {
	test.Helper()
	harness := &testHarness{
		store:   memstore.New(),
		clock:   newTestClock(),
		sender:  &recordingSender{},
		gateway: &stubGateway{},
	}
	combined := append([]funnel.ServiceOption{
		funnel.WithCodeSender(harness.sender),
		funnel.WithPaymentGateway(harness.gateway, testGatewaySecret),
	}, options...)
	service, err := funnel.NewService(harness.store, harness.clock.Now, combined...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	harness.service = service
	return harness
}

func mustAccountID(test *testing.T, raw string) funnel.AccountID {
	test.Helper()
	id, err := funnel.NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id %q: %v", raw, err)
	}
	return id
}

func mustSessionID(test *testing.T, raw string) funnel.SessionID {
	test.Helper()
	id, err := funnel.NewSessionID(raw)
	if err != nil {
		test.Fatalf("session id %q: %v", raw, err)
	}
	return id
}

func mustPhone(test *testing.T, raw string) funnel.PhoneNumber {
	test.Helper()
	phone, err := funnel.NewPhoneNumber(raw)
	if err != nil {
		test.Fatalf("phone %q: %v", raw, err)
	}
	return phone
}

func mustInviteToken(test *testing.T, raw string) funnel.InviteToken {
	test.Helper()
	token, err := funnel.NewInviteToken(raw)
	if err != nil {
		test.Fatalf("invite token %q: %v", raw, err)
	}
	return token
}

func mustOrderRef(test *testing.T, raw string) funnel.OrderRef {
	test.Helper()
	ref, err := funnel.NewOrderRef(raw)
	if err != nil {
		test.Fatalf("order ref %q: %v", raw, err)
	}
	return ref
}

func mustSequenceKey(test *testing.T, raw string) funnel.SequenceKey {
	test.Helper()
	key, err := funnel.NewSequenceKey(raw)
	if err != nil {
		test.Fatalf("sequence key %q: %v", raw, err)
	}
	return key
}

// registerVerifiedAccount walks a fresh session through the challenge flow and
// returns the verified account.
func (harness *testHarness) registerVerifiedAccount(test *testing.T, session string, phone string) funnel.AccountRecord {
	test.Helper()
	ctx := context.Background()
	account, err := harness.service.RegisterAccount(ctx, mustSessionID(test, session))
	if err != nil {
		test.Fatalf("register account: %v", err)
	}
	accountID := mustAccountID(test, account.AccountID)
	if _, err := harness.service.IssueChallenge(ctx, accountID, mustPhone(test, phone)); err != nil {
		test.Fatalf("issue challenge: %v", err)
	}
	if _, err := harness.service.VerifyChallenge(ctx, accountID, harness.sender.lastCode(test)); err != nil {
		test.Fatalf("verify challenge: %v", err)
	}
	refreshed, err := harness.service.Account(ctx, accountID)
	if err != nil {
		test.Fatalf("refresh account: %v", err)
	}
	return refreshed
}

// stageFreshInvite mints a single-use invite and stages it on the account.
func (harness *testHarness) stageFreshInvite(test *testing.T, accountID funnel.AccountID) funnel.InviteToken {
	test.Helper()
	ctx := context.Background()
	token, err := harness.service.IssueInvite(ctx, 1, harness.clock.Now().Add(30*24*time.Hour), "seed")
	if err != nil {
		test.Fatalf("issue invite: %v", err)
	}
	if _, err := harness.service.StageInvite(ctx, accountID, token); err != nil {
		test.Fatalf("stage invite: %v", err)
	}
	return token
}
