package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/customer"
	"github.com/stripe/stripe-go/v81/price"
	stripesub "github.com/stripe/stripe-go/v81/subscription"

	"github.com/glowdesk/glowdesk/internal/circuitbreaker"
	"github.com/glowdesk/glowdesk/internal/logging"
	"github.com/glowdesk/glowdesk/internal/retry"
)

// breakerKey groups all Stripe calls under one circuit.
const breakerKey = "stripe"

// StripeProvider implements Provider against the Stripe API.
//
// Calls are retried with backoff and guarded by a shared circuit breaker so
// a Stripe outage degrades checkout instead of piling up blocked handlers.
type StripeProvider struct {
	breaker *circuitbreaker.Breaker
}

// NewStripeProvider configures the global Stripe client key and returns a
// provider.
func NewStripeProvider(secretKey string, breaker *circuitbreaker.Breaker) *StripeProvider {
	stripe.Key = secretKey
	return &StripeProvider{breaker: breaker}
}

// call runs fn with breaker + retry around it. Stripe 4xx errors are
// permanent; everything else is retried twice.
func (p *StripeProvider) call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if !p.breaker.Allow(breakerKey) {
		return ErrProviderUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 && se.HTTPStatusCode != 429 {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		p.breaker.RecordFailure(breakerKey)
		logging.L(ctx).Error("stripe call failed", "call", name, "error", err)
		return err
	}
	p.breaker.RecordSuccess(breakerKey)
	return nil
}

func (p *StripeProvider) CreateCustomer(ctx context.Context, tenantID, email string) (string, error) {
	params := &stripe.CustomerParams{}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata("tenant_id", tenantID)

	var cust *stripe.Customer
	err := p.call(ctx, "customer.create", func(ctx context.Context) error {
		params.Context = ctx
		var err error
		cust, err = customer.New(params)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}
	return cust.ID, nil
}

func (p *StripeProvider) GetPrice(ctx context.Context, priceID string) (*Price, error) {
	params := &stripe.PriceParams{}

	var pr *stripe.Price
	err := p.call(ctx, "price.get", func(ctx context.Context) error {
		params.Context = ctx
		var err error
		pr, err = price.Get(priceID, params)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get price: %w", err)
	}
	return &Price{
		ID:         pr.ID,
		Active:     pr.Active,
		UnitAmount: pr.UnitAmount,
		Currency:   string(pr.Currency),
	}, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, cp CheckoutParams) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:   stripe.String(cp.CustomerID),
		SuccessURL: stripe.String(cp.SuccessURL),
		CancelURL:  stripe.String(cp.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(cp.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"tenant_id": cp.TenantID,
				"plan":      cp.Plan,
			},
		},
	}
	// Session metadata carries the tenant through checkout.session.completed.
	params.AddMetadata("tenant_id", cp.TenantID)
	params.AddMetadata("plan", cp.Plan)

	var sess *stripe.CheckoutSession
	err := p.call(ctx, "checkout.session.create", func(ctx context.Context) error {
		params.Context = ctx
		var err error
		sess, err = checkoutsession.New(params)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

func (p *StripeProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}

	var sess *stripe.BillingPortalSession
	err := p.call(ctx, "billingportal.session.create", func(ctx context.Context) error {
		params.Context = ctx
		var err error
		sess, err = session.New(params)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return sess.URL, nil
}

func (p *StripeProvider) CancelSubscription(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionCancelParams{}

	err := p.call(ctx, "subscription.cancel", func(ctx context.Context) error {
		params.Context = ctx
		_, err := stripesub.Cancel(subscriptionID, params)
		return err
	})
	if err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	return nil
}
