/**
 * @description
 * This file provides a client for interacting with the Stripe API. It wraps the
 * small slice of the API the payment-service needs: creating and confirming
 * payment intents, reading payment methods, and issuing refunds. Requests are
 * form-encoded, authenticated with a bearer secret key, and carry an
 * Idempotency-Key header so gateway-side retries are safe.
 *
 * @dependencies
 * - net/http: Standard Go library for making HTTP requests.
 * - net/url: For form encoding request bodies.
 */

package stripeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a client for the Stripe API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new Stripe API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PaymentIntent is the subset of Stripe's PaymentIntent object the service reads.
type PaymentIntent struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Customer      string `json:"customer"`
	PaymentMethod string `json:"payment_method"`
	LatestCharge  string `json:"latest_charge"`
}

// PaymentMethod is the subset of Stripe's PaymentMethod object the service reads.
type PaymentMethod struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Type     string `json:"type"`
	Card     *Card  `json:"card"`
}

// Card holds the card details attached to a payment method.
type Card struct {
	Brand    string `json:"brand"`
	Last4    string `json:"last4"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
}

// PaymentMethodList is the Stripe list envelope for payment methods.
type PaymentMethodList struct {
	Data    []PaymentMethod `json:"data"`
	HasMore bool            `json:"has_more"`
}

// Refund is the subset of Stripe's Refund object the service reads.
type Refund struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	PaymentIntent string `json:"payment_intent"`
}

// APIError represents an error response from the Stripe API.
type APIError struct {
	StatusCode  int    `json:"-"`
	Type        string `json:"type"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	DeclineCode string `json:"decline_code"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stripe API error: status=%d type=%s code=%s message=%s", e.StatusCode, e.Type, e.Code, e.Message)
}

// IsCardDeclined reports whether the error is a card decline rather than an
// infrastructure failure.
func (e *APIError) IsCardDeclined() bool {
	return e.Type == "card_error"
}

// IsNotFound reports whether the referenced resource does not exist.
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound || e.Code == "resource_missing"
}

// IsAlreadyRefunded reports whether a refund was rejected because the charge
// has already been fully refunded.
func (e *APIError) IsAlreadyRefunded() bool {
	return e.Code == "charge_already_refunded"
}

type errorEnvelope struct {
	Error APIError `json:"error"`
}

// CreatePaymentIntentParams holds the parameters for a confirmed, off-session
// payment intent.
type CreatePaymentIntentParams struct {
	AmountCents    int64
	Currency       string
	CustomerID     string
	PaymentMethod  string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// CreatePaymentIntent creates and immediately confirms an off-session payment
// intent, charging the saved payment method.
func (c *Client) CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(params.AmountCents, 10))
	form.Set("currency", params.Currency)
	form.Set("customer", params.CustomerID)
	form.Set("payment_method", params.PaymentMethod)
	form.Set("confirm", "true")
	form.Set("off_session", "true")
	if params.Description != "" {
		form.Set("description", params.Description)
	}
	for k, v := range params.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", k), v)
	}

	var intent PaymentIntent
	err := c.doRequest(ctx, http.MethodPost, "/v1/payment_intents", form, params.IdempotencyKey, &intent)
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// GetPaymentMethod retrieves a payment method by its id.
func (c *Client) GetPaymentMethod(ctx context.Context, paymentMethodID string) (*PaymentMethod, error) {
	var pm PaymentMethod
	err := c.doRequest(ctx, http.MethodGet, "/v1/payment_methods/"+paymentMethodID, nil, "", &pm)
	if err != nil {
		return nil, err
	}
	return &pm, nil
}

// ListCardPaymentMethods retrieves the card payment methods saved for a customer.
func (c *Client) ListCardPaymentMethods(ctx context.Context, customerID string) (*PaymentMethodList, error) {
	path := "/v1/payment_methods?customer=" + url.QueryEscape(customerID) + "&type=card"
	var list PaymentMethodList
	err := c.doRequest(ctx, http.MethodGet, path, nil, "", &list)
	if err != nil {
		return nil, err
	}
	return &list, nil
}

// CreateRefund refunds a payment intent in full.
func (c *Client) CreateRefund(ctx context.Context, paymentIntentID, idempotencyKey string) (*Refund, error) {
	form := url.Values{}
	form.Set("payment_intent", paymentIntentID)

	var refund Refund
	err := c.doRequest(ctx, http.MethodPost, "/v1/refunds", form, idempotencyKey, &refund)
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

// doRequest performs an authenticated request against the Stripe API and
// decodes the JSON response into `out`. Non-2xx responses are decoded into an
// *APIError.
func (c *Client) doRequest(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create stripe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("stripe request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read stripe response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope errorEnvelope
		if jsonErr := json.Unmarshal(respBody, &envelope); jsonErr != nil || envelope.Error.Message == "" {
			return &APIError{
				StatusCode: resp.StatusCode,
				Type:       "api_error",
				Message:    strings.TrimSpace(string(respBody)),
			}
		}
		apiErr := envelope.Error
		apiErr.StatusCode = resp.StatusCode
		return &apiErr
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode stripe response: %w", err)
		}
	}
	return nil
}
