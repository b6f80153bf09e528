package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/platinummonkey/tally/pkg/config"
	"github.com/platinummonkey/tally/pkg/observability"
)

// Gateway creates charges against the external payment processor.
type Gateway interface {
	CreateCharge(ctx context.Context, idempotencyKey string, req *ChargeRequest) (*Charge, error)
}

// HTTPGateway talks to the processor's REST API with retries and a circuit
// breaker.
type HTTPGateway struct {
	baseURL    string
	apiKey     string
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker
	maxRetries uint64
	metrics    *observability.Metrics
	log        *logrus.Entry
}

// chargeOutcome separates declines from transport errors so a decline never
// counts against the breaker.
type chargeOutcome struct {
	charge  *Charge
	decline *DeclineError
}

// NewHTTPGateway creates a gateway client from config. metrics may be nil.
func NewHTTPGateway(cfg config.GatewayConfig, metrics *observability.Metrics) *HTTPGateway {
	g := &HTTPGateway{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		client:     &http.Client{Timeout: cfg.RequestTimeout},
		maxRetries: uint64(cfg.MaxRetries),
		metrics:    metrics,
		log:        logrus.WithField("component", "payment_gateway"),
	}

	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).
				Warn("circuit breaker state change")
			if g.metrics != nil {
				g.metrics.GatewayBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			}
		},
	})
	return g
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// CreateCharge posts a charge. Transient failures retry with exponential
// backoff inside a single breaker execution; 402 returns a DeclineError.
func (g *HTTPGateway) CreateCharge(ctx context.Context, idempotencyKey string, req *ChargeRequest) (*Charge, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal charge request: %w", err)
	}

	result, err := g.breaker.Execute(func() (interface{}, error) {
		var outcome *chargeOutcome
		operation := func() error {
			var opErr error
			outcome, opErr = g.postCharge(ctx, idempotencyKey, body)
			return opErr
		}

		bo := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(), g.maxRetries), ctx)
		notify := func(err error, wait time.Duration) {
			g.log.WithError(err).WithField("wait", wait.String()).Warn("retrying charge")
		}
		if err := backoff.RetryNotify(operation, bo, notify); err != nil {
			return nil, err
		}
		return outcome, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrGatewayUnavailable)
		}
		var permanent *permanentGatewayError
		if errors.As(err, &permanent) {
			return nil, permanent.err
		}
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	outcome := result.(*chargeOutcome)
	if outcome.decline != nil {
		return nil, outcome.decline
	}
	return outcome.charge, nil
}

// permanentGatewayError stops the retry loop for non-retryable statuses.
type permanentGatewayError struct {
	err error
}

func (e *permanentGatewayError) Error() string { return e.err.Error() }

func (g *HTTPGateway) postCharge(ctx context.Context, idempotencyKey string, body []byte) (*chargeOutcome, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/v1/charges", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(&permanentGatewayError{err: err})
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		g.countRequest("transport_error")
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		g.countRequest("read_error")
		return nil, err
	}

	g.countRequest(fmt.Sprintf("%d", resp.StatusCode))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		charge := &Charge{}
		if err := json.Unmarshal(respBody, charge); err != nil {
			return nil, backoff.Permanent(&permanentGatewayError{
				err: fmt.Errorf("failed to decode charge response: %w", err)})
		}
		return &chargeOutcome{charge: charge}, nil

	case resp.StatusCode == http.StatusPaymentRequired:
		var ge gatewayError
		code := "card_declined"
		if err := json.Unmarshal(respBody, &ge); err == nil && ge.Error.Code != "" {
			code = ge.Error.Code
		}
		return &chargeOutcome{decline: &DeclineError{Code: code}}, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("gateway returned %d", resp.StatusCode)

	default:
		return nil, backoff.Permanent(&permanentGatewayError{
			err: fmt.Errorf("gateway rejected charge with %d: %s", resp.StatusCode, respBody)})
	}
}

func (g *HTTPGateway) countRequest(status string) {
	if g.metrics != nil {
		g.metrics.GatewayRequestsTotal.WithLabelValues("create_charge", status).Inc()
	}
}
