package poll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationParam is the query parameter carrying the correlation id.
const CorrelationParam = "processId"

const maxResponseBodySize = 1 << 20 // 1MB

// connection pooling limits; a client only ever talks to one job server
const (
	defaultMaxIdleConnsPerHost = 4
	defaultIdleConnTimeout     = 60 * time.Second
)

var tracer = otel.Tracer("github.com/kxc663/translation-client/internal/poll")

// Querier performs one status query and returns the raw "result" label.
type Querier interface {
	Query(ctx context.Context, correlationID string) (string, error)
}

// HTTPQuerier queries the job server over HTTP GET.
type HTTPQuerier struct {
	endpoint       *url.URL
	httpClient     *http.Client
	requestTimeout time.Duration
}

// NewHTTPQuerier validates endpoint and builds a querier. A nil httpClient
// gets a pooled client without a global timeout; requestTimeout is applied
// per request via the context instead.
func NewHTTPQuerier(endpoint string, httpClient *http.Client, requestTimeout time.Duration) (*HTTPQuerier, error) {
	if endpoint == "" {
		return nil, ErrNoEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint %q: scheme must be http or https", endpoint)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("endpoint %q: missing host", endpoint)
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
				IdleConnTimeout:     defaultIdleConnTimeout,
			},
		}
	}
	return &HTTPQuerier{endpoint: u, httpClient: httpClient, requestTimeout: requestTimeout}, nil
}

type statusResponse struct {
	Result string `json:"result"`
}

// Query issues GET endpoint?processId=<correlationID>. Failures are returned
// as *TransportError. Cancelling ctx aborts the request. Each query is traced
// and the trace context is propagated to the job server.
func (q *HTTPQuerier) Query(ctx context.Context, correlationID string) (string, error) {
	ctx, span := tracer.Start(ctx, "poll.query",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("correlation_id", correlationID)),
	)
	defer span.End()

	result, err := q.query(ctx, correlationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "status query failed")
		var te *TransportError
		if errors.As(err, &te) && te.StatusCode != 0 {
			span.SetAttributes(attribute.Int("http.status_code", te.StatusCode))
		}
		return "", err
	}
	span.SetAttributes(attribute.String("result", result))
	return result, nil
}

func (q *HTTPQuerier) query(ctx context.Context, correlationID string) (string, error) {
	if q.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.requestTimeout)
		defer cancel()
	}

	target := *q.endpoint
	values := target.Query()
	values.Set(CorrelationParam, correlationID)
	target.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return "", &TransportError{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return "", &TransportError{Err: fmt.Errorf("request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return "", &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &TransportError{StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	var payload statusResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode body: %w", err)}
	}
	return payload.Result, nil
}

// Close releases idle connections held by the querier's transport.
func (q *HTTPQuerier) Close() {
	if q == nil || q.httpClient == nil {
		return
	}
	q.httpClient.CloseIdleConnections()
}
