package provider

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/application"
)

// RetryConfig controls the short-fuse in-call retries the decorator applies
// before the failure escapes to the recovery machinery.
type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      2,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Retrying wraps a ProviderPort and transparently retries connection-class
// failures. Declines and other definitive answers pass through untouched.
// Calls stay idempotent on the provider side because the same idempotency
// key travels with every attempt.
type Retrying struct {
	inner  application.ProviderPort
	cfg    RetryConfig
	logger *slog.Logger
}

func NewRetrying(inner application.ProviderPort, cfg RetryConfig, logger *slog.Logger) *Retrying {
	if cfg.MaxRetries == 0 {
		cfg = DefaultRetryConfig()
	}
	return &Retrying{inner: inner, cfg: cfg, logger: logger}
}

func (r *Retrying) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	return backoff.WithContext(backoff.WithMaxRetries(b, r.cfg.MaxRetries), ctx)
}

func retryCall[T any](ctx context.Context, r *Retrying, op string, fn func() (T, error)) (T, error) {
	attempt := 0
	return backoff.RetryWithData(func() (T, error) {
		attempt++
		out, err := fn()
		if err == nil {
			return out, nil
		}
		if !IsConnectionError(err) {
			return out, backoff.Permanent(err)
		}
		r.logger.Warn("provider call failed, retrying",
			"operation", op,
			"attempt", attempt,
			"error", err,
		)
		return out, err
	}, r.backoff(ctx))
}

func (r *Retrying) CreatePayment(ctx context.Context, input application.CreatePaymentInput) (*application.ProviderResult, error) {
	return retryCall(ctx, r, "create_payment", func() (*application.ProviderResult, error) {
		return r.inner.CreatePayment(ctx, input)
	})
}

func (r *Retrying) ConfirmPayment(ctx context.Context, externalRef string) (*application.ProviderResult, error) {
	return retryCall(ctx, r, "confirm_payment", func() (*application.ProviderResult, error) {
		return r.inner.ConfirmPayment(ctx, externalRef)
	})
}

func (r *Retrying) VoidPayment(ctx context.Context, externalRef string) (*application.ProviderResult, error) {
	return retryCall(ctx, r, "void_payment", func() (*application.ProviderResult, error) {
		return r.inner.VoidPayment(ctx, externalRef)
	})
}

func (r *Retrying) RefundPayment(ctx context.Context, externalRef string, amountCents int64) (*application.ProviderResult, error) {
	return retryCall(ctx, r, "refund_payment", func() (*application.ProviderResult, error) {
		return r.inner.RefundPayment(ctx, externalRef, amountCents)
	})
}

func (r *Retrying) GetTransactionStatus(ctx context.Context, externalRef string) (*application.ExternalStatus, error) {
	return retryCall(ctx, r, "get_transaction_status", func() (*application.ExternalStatus, error) {
		return r.inner.GetTransactionStatus(ctx, externalRef)
	})
}

func (r *Retrying) AddPaymentMethod(ctx context.Context, customerID string, method application.PaymentMethod) (*application.PaymentMethod, error) {
	return retryCall(ctx, r, "add_payment_method", func() (*application.PaymentMethod, error) {
		return r.inner.AddPaymentMethod(ctx, customerID, method)
	})
}

func (r *Retrying) GetPaymentMethods(ctx context.Context, customerID string) ([]application.PaymentMethod, error) {
	return retryCall(ctx, r, "get_payment_methods", func() ([]application.PaymentMethod, error) {
		return r.inner.GetPaymentMethods(ctx, customerID)
	})
}

func (r *Retrying) RemovePaymentMethod(ctx context.Context, ref string) error {
	_, err := retryCall(ctx, r, "remove_payment_method", func() (struct{}, error) {
		return struct{}{}, r.inner.RemovePaymentMethod(ctx, ref)
	})
	return err
}

func (r *Retrying) VerifyWebhookSignature(payload, signature []byte) bool {
	return r.inner.VerifyWebhookSignature(payload, signature)
}
