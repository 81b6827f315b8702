// Package sms delivers challenge codes over the Twilio Messages API. The
// funnel treats it as a send-only collaborator that may fail.
package sms

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dreamstageindia/welcome-dreamstage-tech/pkg/funnel"
)

const (
	defaultBaseURL = "https://api.twilio.com"
	requestTimeout = 10 * time.Second
)

// Client posts messages with basic auth against the account SID.
type Client struct {
	baseURL    string
	accountSID string
	authToken  string
	fromNumber string
	httpClient *http.Client
}

// New returns a Client. An empty baseURL targets the production API.
func New(accountSID string, authToken string, fromNumber string, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		accountSID: accountSID,
		authToken:  authToken,
		fromNumber: fromNumber,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// Send dispatches one text message to the phone number.
func (client *Client) Send(ctx context.Context, phone funnel.PhoneNumber, text string) error {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", client.baseURL, client.accountSID)
	form := url.Values{}
	form.Set("From", client.fromNumber)
	form.Set("To", phone.String())
	form.Set("Body", text)

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build sms request: %w", err)
	}
	request.SetBasicAuth(client.accountSID, client.authToken)
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("sms request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return fmt.Errorf("sms send failed: status %d: %s", response.StatusCode, body)
	}
	return nil
}
