// Package participants implements the C6 adapters: one HTTP call per saga
// step/compensation kind, translating transport outcomes into the
// saga.StepOutcome vocabulary the engine understands.
package participants

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/campaignforge/sagaflow/infrastructure/ratelimit"
	"github.com/campaignforge/sagaflow/infrastructure/resilience"
	"github.com/campaignforge/sagaflow/internal/config"
	"github.com/campaignforge/sagaflow/internal/reporting"
	"github.com/campaignforge/sagaflow/internal/saga"
)

// reportConfigSource supplies the currently active data-service URL.
// *reporting.Store satisfies this; tests substitute a stub.
type reportConfigSource interface {
	Active(ctx context.Context) (reporting.Config, error)
}

// Registry implements saga.Invoker by routing each step/compensation kind
// to its participant service over HTTP. Campaign and report calls target
// the C7 proxy's listen address; payment calls go directly to the payment
// service, which the proxy does not front.
type Registry struct {
	campaignClient *http.Client
	paymentClient  *http.Client
	reportClient   *http.Client

	campaignBaseURL string
	paymentBaseURL  string

	// reportBaseURL is the fallback used only when reportConfig has no
	// active row yet (e.g. before the first hot-swap write).
	reportBaseURL string
	reportConfig  reportConfigSource

	// limiter throttles outbound adapter calls client-side so a saga
	// retry storm doesn't hammer a struggling participant service; breaker
	// short-circuits further calls once one has failed repeatedly, rather
	// than queueing retries against a downstream that is already down.
	limiter *ratelimit.RateLimiter
	breaker *resilience.CircuitBreaker

	log *logrus.Entry
}

// NewRegistry builds a Registry from ParticipantsConfig. reportConfig
// supplies the live, hot-swappable data-service URL consulted at the start
// of every GENERATE_REPORT call; pass nil to always use cfg.ReportServiceURL.
func NewRegistry(cfg config.ParticipantsConfig, reportConfig reportConfigSource, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	return &Registry{
		campaignClient:  client,
		paymentClient:   client,
		reportClient:    client,
		campaignBaseURL: cfg.CampaignServiceURL,
		paymentBaseURL:  cfg.PaymentServiceURL,
		reportBaseURL:   cfg.ReportServiceURL,
		reportConfig:    reportConfig,
		limiter:         ratelimit.New(ratelimit.DefaultConfig()),
		breaker:         resilience.New(resilience.DefaultServiceCBConfig(nil)),
		log:             log.WithField("component", "participants.registry"),
	}
}

// Invoke dispatches kind to its adapter. Unknown kinds are a non-retriable
// configuration error: no amount of redelivery will resolve them.
func (r *Registry) Invoke(ctx context.Context, kind string, input json.RawMessage) (saga.StepOutcome, error) {
	switch kind {
	case "CREATE_CAMPAIGN":
		return r.createCampaign(ctx, input)
	case "CANCEL_CAMPAIGN":
		return r.cancelCampaign(ctx, input)
	case "PROCESS_PAYMENT":
		return r.processPayment(ctx, input)
	case "REFUND_PAYMENT":
		return r.refundPayment(ctx, input)
	case "GENERATE_REPORT":
		return r.generateReport(ctx, input)
	case "CANCEL_REPORT":
		return r.cancelReport(ctx, input)
	default:
		return saga.StepOutcome{Status: saga.StatusErrNonRetriable, Error: fmt.Sprintf("no adapter registered for kind %q", kind)}, nil
	}
}

// resourceRef is the minimal shape the adapters need out of a participant
// response body: some identifier to address the resource in a later
// compensation call.
type resourceRef struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
}

func (r resourceRef) resourceID() string {
	if r.ID != "" {
		return r.ID
	}
	return r.PaymentID
}

func (r *Registry) createCampaign(ctx context.Context, input json.RawMessage) (saga.StepOutcome, error) {
	return r.call(ctx, r.campaignClient, http.MethodPost, r.campaignBaseURL+"/api/campaigns", input)
}

func (r *Registry) cancelCampaign(ctx context.Context, input json.RawMessage) (saga.StepOutcome, error) {
	ref, err := parseResourceRef(input)
	if err != nil {
		return saga.StepOutcome{}, err
	}
	url := fmt.Sprintf("%s/api/campaigns/%s/cancel", r.campaignBaseURL, ref.resourceID())
	return r.call(ctx, r.campaignClient, http.MethodPatch, url, input)
}

// processPayment is the one asynchronous step in the topology: the payment
// service acknowledges immediately with a pending payment ID and resolves
// the step later via a PaymentCompleted/PaymentFailed event on the bus.
func (r *Registry) processPayment(ctx context.Context, input json.RawMessage) (saga.StepOutcome, error) {
	outcome, err := r.call(ctx, r.paymentClient, http.MethodPost, r.paymentBaseURL+"/api/payments", input)
	if err != nil || outcome.Status != saga.StatusOK {
		return outcome, err
	}

	ref, parseErr := parseResourceRef(outcome.Result)
	if parseErr != nil || ref.resourceID() == "" {
		return saga.StepOutcome{Status: saga.StatusErrRetriable, Error: "payment service accepted request but returned no payment id"}, nil
	}
	return saga.StepOutcome{Status: saga.StatusOKPending, PendingRef: ref.resourceID()}, nil
}

func (r *Registry) refundPayment(ctx context.Context, input json.RawMessage) (saga.StepOutcome, error) {
	ref, err := parseResourceRef(input)
	if err != nil {
		return saga.StepOutcome{}, err
	}
	url := fmt.Sprintf("%s/api/payments/%s/reverse", r.paymentBaseURL, ref.resourceID())
	return r.call(ctx, r.paymentClient, http.MethodPatch, url, input)
}

// generateReport reads the active data-service URL at call-start so that an
// admin hot-swap takes effect on the next invocation without restarting the
// orchestrator; an in-flight call keeps running against the URL it started
// with.
func (r *Registry) generateReport(ctx context.Context, input json.RawMessage) (saga.StepOutcome, error) {
	base := r.reportBaseURL
	if r.reportConfig != nil {
		cfg, err := r.reportConfig.Active(ctx)
		switch {
		case err == nil:
			base = cfg.URL
		case errors.Is(err, reporting.ErrNoActiveConfig):
			// fall through to the static default
		default:
			return saga.StepOutcome{Status: saga.StatusErrRetriable, Error: err.Error()}, nil
		}
	}
	return r.call(ctx, r.reportClient, http.MethodPost, base+"/api/reports", input)
}

// cancelReport is a no-op: reports carry no external state to undo.
func (r *Registry) cancelReport(ctx context.Context, input json.RawMessage) (saga.StepOutcome, error) {
	return saga.StepOutcome{Status: saga.StatusOK, Result: json.RawMessage(`{}`)}, nil
}

func parseResourceRef(input json.RawMessage) (resourceRef, error) {
	var ref resourceRef
	if len(input) == 0 {
		return ref, nil
	}
	if err := json.Unmarshal(input, &ref); err != nil {
		return ref, fmt.Errorf("participants: parse resource reference: %w", err)
	}
	return ref, nil
}

// call rate-limits and circuit-breaks an outbound adapter request before
// handing it to doRequest. A retriable outcome counts as a breaker failure
// (the participant service is struggling); a non-retriable business
// rejection or a clean success both count as breaker success, since neither
// indicates the downstream itself is unhealthy. An open breaker fails the
// step retriable without taking the limiter slot or touching the network.
func (r *Registry) call(ctx context.Context, client *http.Client, method, url string, body json.RawMessage) (saga.StepOutcome, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return saga.StepOutcome{Status: saga.StatusErrRetriable, Error: err.Error()}, nil
	}

	// Two local attempts absorb a single transient blip (a reset connection,
	// a slow TLS handshake) without tripping the breaker or handing the step
	// back to the saga engine for a full redelivery cycle.
	localRetry := resilience.DefaultRetryConfig()
	localRetry.MaxAttempts = 2

	var outcome saga.StepOutcome
	var callErr error
	err := r.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, localRetry, func() error {
			outcome, callErr = doRequest(ctx, client, method, url, body)
			if callErr == nil && outcome.Status == saga.StatusErrRetriable {
				return errors.New(outcome.Error)
			}
			return callErr
		})
	})
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
		r.log.WithField("url", url).Warn("participants: circuit open, short-circuiting call")
		return saga.StepOutcome{Status: saga.StatusErrRetriable, Error: err.Error()}, nil
	}
	return outcome, callErr
}

// doRequest performs one HTTP call and classifies the outcome per spec:
// 2xx -> ok with the response body as Result, 4xx -> non-retriable business
// failure, 5xx or a transport-level error (timeout, connection refused,
// context cancellation) -> retriable.
func doRequest(ctx context.Context, client *http.Client, method, url string, body json.RawMessage) (saga.StepOutcome, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return saga.StepOutcome{}, fmt.Errorf("participants: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return saga.StepOutcome{Status: saga.StatusErrRetriable, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return saga.StepOutcome{Status: saga.StatusErrRetriable, Error: err.Error()}, nil
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return saga.StepOutcome{Status: saga.StatusOK, Result: respBody}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return saga.StepOutcome{Status: saga.StatusErrNonRetriable, Error: fmt.Sprintf("%s %s: %d %s", method, url, resp.StatusCode, string(respBody))}, nil
	default:
		return saga.StepOutcome{Status: saga.StatusErrRetriable, Error: fmt.Sprintf("%s %s: %d %s", method, url, resp.StatusCode, string(respBody))}, nil
	}
}
