// Package siegapi is the HTTP client for the SIEG XML distribution API.
// All calls share a single rate limiter because the upstream throttles
// per API key, not per endpoint.
package siegapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/mvbarbosa/siegsync/pkg/fiscal"
	"github.com/mvbarbosa/siegsync/pkg/metrics"
)

const (
	DefaultBaseURL = "https://api.sieg.com"

	// DefaultRateInterval is the minimum spacing between requests. The
	// upstream rejects anything faster with 429s that count against the
	// key.
	DefaultRateInterval = 2 * time.Second

	DefaultMaxRetries     = 2
	DefaultRetryInterval  = 500 * time.Millisecond
	DefaultConnectTimeout = 10 * time.Second

	DefaultReadTimeoutNFe     = 120 * time.Second
	DefaultReadTimeoutCTe     = 180 * time.Second
	DefaultAbsoluteTimeoutNFe = 90 * time.Second
	DefaultAbsoluteTimeoutCTe = 180 * time.Second

	// minReportBase64Len guards against the API returning short error
	// strings with a 200 status on the report endpoint.
	minReportBase64Len = 200

	noEventsBody = "Eventos não encontrados!"
	emptyReport  = "nenhum arquivo xml encontrado"
)

// Config holds the tunables for a Client. Zero values fall back to the
// defaults above.
type Config struct {
	BaseURL string

	// APIKey may arrive URL-encoded from the environment; New decodes it
	// before use.
	APIKey string

	RateInterval   time.Duration
	MaxRetries     uint64
	RetryInterval  time.Duration
	ConnectTimeout time.Duration

	ReadTimeoutNFe     time.Duration
	ReadTimeoutCTe     time.Duration
	AbsoluteTimeoutNFe time.Duration
	AbsoluteTimeoutCTe time.Duration
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.RateInterval <= 0 {
		c.RateInterval = DefaultRateInterval
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadTimeoutNFe <= 0 {
		c.ReadTimeoutNFe = DefaultReadTimeoutNFe
	}
	if c.ReadTimeoutCTe <= 0 {
		c.ReadTimeoutCTe = DefaultReadTimeoutCTe
	}
	if c.AbsoluteTimeoutNFe <= 0 {
		c.AbsoluteTimeoutNFe = DefaultAbsoluteTimeoutNFe
	}
	if c.AbsoluteTimeoutCTe <= 0 {
		c.AbsoluteTimeoutCTe = DefaultAbsoluteTimeoutCTe
	}
}

// Client talks to the SIEG API. Safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	cfg        Config
}

// New builds a Client from cfg. The API key is required.
func New(cfg Config) (*Client, error) {
	cfg.applyDefaults()
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("siegapi: API key is required")
	}
	key, err := url.QueryUnescape(cfg.APIKey)
	if err != nil {
		key = cfg.APIKey
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  key,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          10,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: cfg.ConnectTimeout,
			},
		},
		limiter: rate.NewLimiter(rate.Every(cfg.RateInterval), 1),
		cfg:     cfg,
	}, nil
}

// ReadTimeout returns the per-response read budget for a document type.
func (c *Client) ReadTimeout(d fiscal.DocType) time.Duration {
	if d == fiscal.DocTypeCTe {
		return c.cfg.ReadTimeoutCTe
	}
	return c.cfg.ReadTimeoutNFe
}

// AbsoluteTimeout returns the whole-call budget for a document type,
// covering the rate limiter wait, retries and body read.
func (c *Client) AbsoluteTimeout(d fiscal.DocType) time.Duration {
	if d == fiscal.DocTypeCTe {
		return c.cfg.AbsoluteTimeoutCTe
	}
	return c.cfg.AbsoluteTimeoutNFe
}

// retryableStatus mirrors the upstream's transient failure modes.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// do performs one rate-limited, retried request and returns the response
// body and status. Non-retryable statuses are returned without error so
// callers can apply endpoint-specific handling.
func (c *Client) do(ctx context.Context, endpoint string, query url.Values, body []byte, contentType string, readTimeout time.Duration) ([]byte, int, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api_key", c.apiKey)
	reqURL := c.baseURL + endpoint + "?" + query.Encode()

	var respBody []byte
	var status int

	attempt := 0
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		if attempt > 0 {
			metrics.APIRetries.WithLabelValues(endpoint).Inc()
		}
		attempt++

		reqCtx, cancel := context.WithTimeout(ctx, readTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, reqURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if retryableStatus(resp.StatusCode) {
			return &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: string(data)}
		}
		respBody = data
		status = resp.StatusCode
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, c.cfg.MaxRetries), ctx))
	if err != nil {
		metrics.APIRequests.WithLabelValues(endpoint, "error").Inc()
		return nil, 0, err
	}
	metrics.APIRequests.WithLabelValues(endpoint, "ok").Inc()
	return respBody, status, nil
}

// checkStatusList rejects responses that carry error messages in a
// "Status" list despite the 200 status code.
func checkStatusList(endpoint string, body []byte) error {
	var wrapper struct {
		Status []string `json:"Status"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && len(wrapper.Status) > 0 {
		return &StatusError{Endpoint: endpoint, Messages: wrapper.Status}
	}
	return nil
}

// decodeBase64List tolerates the three shapes the API uses for XML
// batches: a JSON list of strings, a JSON string wrapping that list, and
// an object with an "Xmls" field.
func decodeBase64List(body []byte) []string {
	var list []string
	if err := json.Unmarshal(body, &list); err == nil {
		return list
	}
	var inner string
	if err := json.Unmarshal(body, &inner); err == nil {
		if err := json.Unmarshal([]byte(inner), &list); err == nil {
			return list
		}
		return nil
	}
	var wrapper struct {
		Xmls []string `json:"Xmls"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil {
		return wrapper.Xmls
	}
	return nil
}

// BatchRequest filters one page of the /BaixarXmls listing.
type BatchRequest struct {
	DocType fiscal.DocType
	Role    fiscal.Role
	CNPJ    string
	Skip    int
	Take    int
	Start   time.Time
	End     time.Time
}

// FetchBatch downloads one page of base64-encoded XMLs. An empty page
// means the cursor reached the end of the listing.
func (c *Client) FetchBatch(ctx context.Context, req BatchRequest) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.AbsoluteTimeout(req.DocType))
	defer cancel()

	payload := map[string]any{
		"XmlType":           req.DocType.XMLTypeCode(),
		"Take":              req.Take,
		"Skip":              req.Skip,
		"DataEmissaoInicio": req.Start.Format("2006-01-02"),
		"DataEmissaoFim":    req.End.Format("2006-01-02"),
		"DownloadEvent":     false,
		req.Role.APIField(): req.CNPJ,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	resp, status, err := c.do(ctx, "/BaixarXmls", nil, body, "application/json", c.ReadTimeout(req.DocType))
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &APIError{Endpoint: "/BaixarXmls", StatusCode: status, Body: string(resp)}
	}
	if err := checkStatusList("/BaixarXmls", resp); err != nil {
		return nil, err
	}
	return decodeBase64List(resp), nil
}

// FetchDocument downloads a single XML by access key. When withEvents is
// set and the API refuses the request, the call falls back to the plain
// document once.
func (c *Client) FetchDocument(ctx context.Context, key fiscal.Key, withEvents bool) ([]byte, error) {
	docType := key.DocType()
	data, err := c.fetchDocumentOnce(ctx, key, docType, withEvents)
	if err == nil || !withEvents {
		return data, err
	}
	// Some documents have no event envelope and the API answers with an
	// error instead of the bare XML.
	return c.fetchDocumentOnce(ctx, key, docType, false)
}

func (c *Client) fetchDocumentOnce(ctx context.Context, key fiscal.Key, docType fiscal.DocType, withEvents bool) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.AbsoluteTimeout(docType))
	defer cancel()

	query := url.Values{}
	query.Set("xmlType", fmt.Sprintf("%d", docType.XMLTypeCode()))
	query.Set("downloadEvent", fmt.Sprintf("%t", withEvents))

	// The key travels as the raw request body, not JSON.
	resp, status, err := c.do(ctx, "/BaixarXml", query, []byte(key.String()), "text/plain", c.ReadTimeout(docType))
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrDocumentNotFound
	}
	if status != http.StatusOK {
		return nil, &APIError{Endpoint: "/BaixarXml", StatusCode: status, Body: string(resp)}
	}

	// A 200 body is usually a JSON string holding the XML; older
	// responses ship the XML bytes directly.
	var content string
	if jsonErr := json.Unmarshal(resp, &content); jsonErr == nil {
		return []byte(content), nil
	}
	if len(bytes.TrimSpace(resp)) == 0 {
		return nil, ErrDocumentNotFound
	}
	return resp, nil
}

// EventRequest filters one page of the /BaixarEventos listing.
type EventRequest struct {
	DocType   fiscal.DocType
	Role      fiscal.Role
	CNPJ      string
	EventType string
	Skip      int
	Take      int
	Start     time.Time
	End       time.Time
}

// FetchEvents downloads one page of base64-encoded fiscal events. A
// missing-events answer from the API maps to an empty page.
func (c *Client) FetchEvents(ctx context.Context, req EventRequest) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.AbsoluteTimeout(req.DocType))
	defer cancel()

	payload := map[string]any{
		"TipoXml":           req.DocType.XMLTypeCode(),
		"TipoEvento":        req.EventType,
		"Take":              req.Take,
		"Skip":              req.Skip,
		"DataInicioEvento":  req.Start.Format("2006-01-02"),
		"DataFimEvento":     req.End.Format("2006-01-02"),
		req.Role.APIField(): req.CNPJ,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	resp, status, err := c.do(ctx, "/BaixarEventos", nil, body, "application/json", c.ReadTimeout(req.DocType))
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if noEvents(resp) {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, &APIError{Endpoint: "/BaixarEventos", StatusCode: status, Body: string(resp)}
	}
	if err := checkStatusList("/BaixarEventos", resp); err != nil {
		return nil, err
	}
	return decodeBase64List(resp), nil
}

func noEvents(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == noEventsBody {
		return true
	}
	var s string
	return json.Unmarshal(body, &s) == nil && s == noEventsBody
}

// ReportRequest asks for the monthly key manifest of one company.
type ReportRequest struct {
	CNPJ    string
	DocType fiscal.DocType
	Year    int
	Month   time.Month
}

// Report is a decoded monthly manifest. Empty is set when the upstream
// has no documents for the month, which is a valid outcome.
type Report struct {
	Data  []byte
	Empty bool
}

// FetchReport downloads the xlsx manifest for a company month. The
// report endpoint is not throttled or retried; failures surface to the
// caller, which records a pendency.
func (c *Client) FetchReport(ctx context.Context, req ReportRequest) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, c.ReadTimeout(req.DocType))
	defer cancel()

	payload := map[string]any{
		"Cnpj":                  req.CNPJ,
		"TypeXmlDownloadReport": req.DocType.ReportTypeCode(),
		"XmlType":               req.DocType.XMLTypeCode(),
		"Month":                 int(req.Month),
		"Year":                  req.Year,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("api_key", c.apiKey)
	reqURL := c.baseURL + "/api/relatorio/xml?" + query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.APIRequests.WithLabelValues("/api/relatorio/xml", "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.APIRequests.WithLabelValues("/api/relatorio/xml", "error").Inc()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		metrics.APIRequests.WithLabelValues("/api/relatorio/xml", "error").Inc()
		return nil, &APIError{Endpoint: "/api/relatorio/xml", StatusCode: resp.StatusCode, Body: string(data)}
	}
	metrics.APIRequests.WithLabelValues("/api/relatorio/xml", "ok").Inc()
	return decodeReport(data)
}

func decodeReport(body []byte) (*Report, error) {
	var s string
	if err := json.Unmarshal(body, &s); err == nil {
		if strings.EqualFold(strings.TrimSpace(s), emptyReport) {
			return &Report{Empty: true}, nil
		}
		if len(s) < minReportBase64Len {
			return nil, fmt.Errorf("sieg: report response too short to be a spreadsheet: %q", s)
		}
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("sieg: report payload is not base64: %w", err)
		}
		return &Report{Data: data}, nil
	}

	var wrapper struct {
		RelatorioBase64 string `json:"RelatorioBase64"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil {
		if wrapper.RelatorioBase64 == "" {
			return &Report{Empty: true}, nil
		}
		data, err := base64.StdEncoding.DecodeString(wrapper.RelatorioBase64)
		if err != nil {
			return nil, fmt.Errorf("sieg: report payload is not base64: %w", err)
		}
		return &Report{Data: data}, nil
	}
	return nil, fmt.Errorf("sieg: unrecognized report response")
}
