/**
 * @description
 * This file defines the PaymentGateway port and its Stripe-backed adapter. The
 * orchestrator only sees the port: capture, payment-method lookup, refund, all
 * returning the service's own types and sentinel errors. The adapter bounds
 * every call with a timeout and classifies provider errors so a gateway outage
 * and a card decline never look alike upstream.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/swanstudios/payment-service/internal/domain"
	"github.com/swanstudios/payment-service/pkg/stripeclient"
)

// PaymentGateway is the port for the external payment provider.
type PaymentGateway interface {
	// Capture charges the payer and settles the funds in one step. A fresh
	// gateway idempotency key is generated per attempt; it is never the
	// caller's business token.
	Capture(ctx context.Context, params CaptureParams) (*domain.CaptureResult, error)
	// RetrievePaymentMethod fetches a payment method for ownership checks and
	// card display data.
	RetrievePaymentMethod(ctx context.Context, paymentMethodID string) (*domain.PaymentMethodInfo, error)
	// ListPaymentMethods fetches the saved card payment methods for a gateway customer.
	ListPaymentMethods(ctx context.Context, customerID string) ([]domain.PaymentMethodInfo, error)
	// Refund reverses a captured transaction in full.
	Refund(ctx context.Context, transactionID string) (*domain.RefundResult, error)
}

// CaptureParams holds the inputs for a payment capture.
type CaptureParams struct {
	AmountCents     int64
	Currency        string
	CustomerID      string
	PaymentMethodID string
	Description     string
	Metadata        map[string]string
}

// StripeGateway adapts the Stripe client to the PaymentGateway port.
type StripeGateway struct {
	client  *stripeclient.Client
	timeout time.Duration
}

// NewStripeGateway creates a StripeGateway with a per-call timeout.
func NewStripeGateway(client *stripeclient.Client, timeout time.Duration) *StripeGateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StripeGateway{client: client, timeout: timeout}
}

// Capture creates and confirms an off-session payment intent.
func (g *StripeGateway) Capture(ctx context.Context, params CaptureParams) (*domain.CaptureResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	intent, err := g.client.CreatePaymentIntent(callCtx, stripeclient.CreatePaymentIntentParams{
		AmountCents:    params.AmountCents,
		Currency:       params.Currency,
		CustomerID:     params.CustomerID,
		PaymentMethod:  params.PaymentMethodID,
		Description:    params.Description,
		IdempotencyKey: uuid.New().String(),
		Metadata:       params.Metadata,
	})
	if err != nil {
		return nil, classifyGatewayError(err)
	}

	result := &domain.CaptureResult{
		TransactionID: intent.ID,
		AmountCents:   intent.Amount,
	}
	switch intent.Status {
	case "succeeded":
		result.Status = domain.CaptureStatusSucceeded
	case "requires_action", "requires_confirmation":
		// Off-session charges cannot complete an authentication challenge, so
		// anything short of settled funds is a decline.
		result.Status = domain.CaptureStatusRequiresAction
		return result, fmt.Errorf("capture %s ended in status %s: %w", intent.ID, intent.Status, ErrCaptureDeclined)
	default:
		result.Status = domain.CaptureStatusFailed
		return result, fmt.Errorf("capture %s ended in status %s: %w", intent.ID, intent.Status, ErrCaptureDeclined)
	}

	if pm, pmErr := g.client.GetPaymentMethod(callCtx, intent.PaymentMethod); pmErr == nil && pm.Card != nil {
		result.CardBrand = pm.Card.Brand
		result.CardLast4 = pm.Card.Last4
	}
	return result, nil
}

// RetrievePaymentMethod fetches a payment method by id.
func (g *StripeGateway) RetrievePaymentMethod(ctx context.Context, paymentMethodID string) (*domain.PaymentMethodInfo, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	pm, err := g.client.GetPaymentMethod(callCtx, paymentMethodID)
	if err != nil {
		return nil, classifyGatewayError(err)
	}
	return toPaymentMethodInfo(pm), nil
}

// ListPaymentMethods fetches the saved card payment methods for a customer.
func (g *StripeGateway) ListPaymentMethods(ctx context.Context, customerID string) ([]domain.PaymentMethodInfo, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	list, err := g.client.ListCardPaymentMethods(callCtx, customerID)
	if err != nil {
		return nil, classifyGatewayError(err)
	}
	infos := make([]domain.PaymentMethodInfo, 0, len(list.Data))
	for i := range list.Data {
		infos = append(infos, *toPaymentMethodInfo(&list.Data[i]))
	}
	return infos, nil
}

// Refund reverses a captured transaction in full.
func (g *StripeGateway) Refund(ctx context.Context, transactionID string) (*domain.RefundResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	refund, err := g.client.CreateRefund(callCtx, transactionID, uuid.New().String())
	if err != nil {
		return nil, classifyGatewayError(err)
	}
	return &domain.RefundResult{
		ID:            refund.ID,
		TransactionID: refund.PaymentIntent,
		Status:        refund.Status,
	}, nil
}

func toPaymentMethodInfo(pm *stripeclient.PaymentMethod) *domain.PaymentMethodInfo {
	info := &domain.PaymentMethodInfo{
		ID:         pm.ID,
		CustomerID: pm.Customer,
	}
	if pm.Card != nil {
		info.Brand = pm.Card.Brand
		info.Last4 = pm.Card.Last4
		info.ExpMonth = pm.Card.ExpMonth
		info.ExpYear = pm.Card.ExpYear
	}
	return info
}

// classifyGatewayError maps provider and transport errors onto the gateway
// sentinel taxonomy.
func classifyGatewayError(err error) error {
	var apiErr *stripeclient.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.IsAlreadyRefunded():
			return fmt.Errorf("%v: %w", apiErr, ErrAlreadyRefunded)
		case apiErr.IsCardDeclined():
			return fmt.Errorf("%v: %w", apiErr, ErrCaptureDeclined)
		case apiErr.IsNotFound():
			return fmt.Errorf("%v: %w", apiErr, ErrPaymentMethodNotFound)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%v: %w", apiErr, ErrGatewayUnavailable)
		default:
			return fmt.Errorf("%v: %w", apiErr, ErrCaptureDeclined)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("gateway call timed out: %w", ErrGatewayUnavailable)
	}
	return fmt.Errorf("%v: %w", err, ErrGatewayUnavailable)
}
