// Package gateway holds the payment provider client. Only order creation goes
// through it; payment proofs are verified locally against the shared secret.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dreamstageindia/welcome-dreamstage-tech/pkg/funnel"
)

const (
	defaultBaseURL = "https://api.razorpay.com"
	ordersPath     = "/v1/orders"
	requestTimeout = 15 * time.Second
)

// Client calls the Razorpay orders API with basic auth.
type Client struct {
	baseURL    string
	keyID      string
	keySecret  string
	httpClient *http.Client
}

// New returns a Client. An empty baseURL targets the production API; tests
// point it at a local httptest server.
func New(keyID string, keySecret string, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		keyID:      keyID,
		keySecret:  keySecret,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// KeyID returns the public key id handed to the browser checkout.
func (client *Client) KeyID() string {
	return client.keyID
}

type orderRequestBody struct {
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Receipt        string `json:"receipt"`
	PaymentCapture int    `json:"payment_capture"`
}

type orderResponseBody struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// CreateOrder opens an order on the gateway and returns its confirmation.
func (client *Client) CreateOrder(ctx context.Context, request funnel.GatewayOrderRequest) (funnel.GatewayOrder, error) {
	payload, err := json.Marshal(orderRequestBody{
		Amount:         request.AmountPaise,
		Currency:       request.Currency,
		Receipt:        request.Receipt,
		PaymentCapture: 1,
	})
	if err != nil {
		return funnel.GatewayOrder{}, fmt.Errorf("marshal order request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+ordersPath, bytes.NewReader(payload))
	if err != nil {
		return funnel.GatewayOrder{}, fmt.Errorf("build order request: %w", err)
	}
	httpRequest.SetBasicAuth(client.keyID, client.keySecret)
	httpRequest.Header.Set("Content-Type", "application/json")

	response, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return funnel.GatewayOrder{}, fmt.Errorf("gateway order request: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return funnel.GatewayOrder{}, fmt.Errorf("read gateway response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return funnel.GatewayOrder{}, fmt.Errorf("gateway order failed: status %d: %s", response.StatusCode, body)
	}

	var order orderResponseBody
	if err := json.Unmarshal(body, &order); err != nil {
		return funnel.GatewayOrder{}, fmt.Errorf("decode gateway response: %w", err)
	}
	if order.ID == "" {
		return funnel.GatewayOrder{}, fmt.Errorf("gateway response missing order id")
	}
	return funnel.GatewayOrder{
		OrderRef:    order.ID,
		AmountPaise: order.Amount,
		Currency:    order.Currency,
		RawPayload:  string(body),
	}, nil
}
