// Package provider is the crypto payment processor client: HMAC webhook
// verification, static deposit addresses, and the accepted currency list.
// Failures are mapped to CONFLICT at the call site, never here.
package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Currency is one accepted deposit/withdraw asset.
type Currency struct {
	Code     string `json:"code"`
	Networks []string `json:"networks"`
}

// StaticAddressRequest is the create-address request shape.
type StaticAddressRequest struct {
	Currency    string `json:"currency"`
	Network     string `json:"network"`
	CallbackURL string `json:"callbackUrl,omitempty"`
	OrderID     string `json:"orderId,omitempty"`
	Description string `json:"description,omitempty"`
}

// StaticAddress is the created deposit address.
type StaticAddress struct {
	TrackID string `json:"trackId"`
	Address string `json:"address"`
	Network string `json:"network"`
}

// Client talks to the external crypto payment processor.
type Client struct {
	baseURL  string
	apiKey   string
	merchant string
	timeout  time.Duration
	http     *http.Client
}

// NewClient builds a Client from config; an empty baseURL or apiKey means
// IsConfigured reports false: CreateStaticAddress then fails fast with a
// plain error and GetAcceptedCurrencies returns a fixed demo list.
func NewClient(baseURL, apiKey, merchant string, timeout time.Duration) *Client {
	return &Client{baseURL: baseURL, apiKey: apiKey, merchant: merchant, timeout: timeout, http: &http.Client{Timeout: timeout}}
}

// IsConfigured reports whether the provider has real credentials.
func (c *Client) IsConfigured() bool { return c.baseURL != "" && c.apiKey != "" }

// VerifyHMAC checks an inbound webhook's signature header against
// HMAC-SHA-512 of the exact raw body, using the merchant key, in
// constant time.
func (c *Client) VerifyHMAC(rawBody []byte, header string) bool {
	mac := hmac.New(sha512.New, []byte(c.merchant))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}

// CreateStaticAddress requests a deposit address from the provider.
func (c *Client) CreateStaticAddress(ctx context.Context, req StaticAddressRequest) (*StaticAddress, error) {
	if !c.IsConfigured() {
		return nil, fmt.Errorf("provider: not configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/addresses", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("provider: createStaticAddress failed: %s: %s", resp.Status, string(data))
	}
	var out StaticAddress
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAcceptedCurrencies lists the assets the provider currently supports.
func (c *Client) GetAcceptedCurrencies(ctx context.Context) ([]Currency, error) {
	if !c.IsConfigured() {
		return devCurrencies, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/currencies", nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("provider: getAcceptedCurrencies failed: %s", resp.Status)
	}
	var out []Currency
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

var devCurrencies = []Currency{
	{Code: "USDT", Networks: []string{"TRC20", "ERC20"}},
	{Code: "BTC", Networks: []string{"BTC"}},
	{Code: "ETH", Networks: []string{"ERC20"}},
}
