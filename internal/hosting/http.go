package hosting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/canopyhq/canopy/internal/domain/model"
)

// Config holds hosting API client configuration.
type Config struct {
	// APIURL is the hosting platform base URL, e.g. "https://api.edgehost.io".
	APIURL string
	// TokenURL, ClientID, ClientSecret configure the OAuth2 client-credentials
	// grant used to authenticate. Token refresh is handled internally; an
	// expired credential never surfaces as a domain-level failure.
	TokenURL     string
	ClientID     string
	ClientSecret string
	// RequestTimeout bounds each API call. Default 10s.
	RequestTimeout time.Duration
	// MaxRPS caps outbound call volume toward the platform. Default 10.
	MaxRPS int
}

// Client is the HTTP implementation of Connector.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

var _ Connector = (*Client)(nil)

// NewClient creates a hosting API client authenticated via the OAuth2
// client-credentials flow. The oauth2 transport caches the access token and
// refreshes it transparently when it expires.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.MaxRPS
	if rps == 0 {
		rps = 10
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}
	httpClient := cc.Client(context.Background())
	httpClient.Timeout = timeout

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.APIURL, "/"),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), rps*2),
		logger:     logger,
	}
}

// bindingResponse mirrors the platform's JSON binding representation.
type bindingResponse struct {
	ID                string `json:"id"`
	Hostname          string `json:"hostname"`
	Active            bool   `json:"active"`
	CertificateStatus string `json:"certificate_status"`
	Error             string `json:"error,omitempty"`
	Code              string `json:"code,omitempty"`
}

// CreateBinding asks the platform to bind host and begin certificate
// issuance. The hostname doubles as an idempotency key: repeating the call
// for an already-bound hostname returns the existing binding.
func (c *Client) CreateBinding(ctx context.Context, host string) (string, error) {
	payload, _ := json.Marshal(map[string]string{"hostname": host})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/bindings", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build create binding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", host)

	var binding bindingResponse
	if err := c.do(req, &binding); err != nil {
		return "", err
	}
	if binding.ID == "" {
		return "", fmt.Errorf("%w: empty binding id in response", ErrTransient)
	}

	c.logger.Info("hosting binding created",
		zap.String("hostname", host),
		zap.String("binding_id", binding.ID),
	)
	return binding.ID, nil
}

// GetBindingStatus returns whether the binding is serving and the
// certificate issuance state.
func (c *Client) GetBindingStatus(ctx context.Context, bindingID string) (BindingStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/bindings/"+bindingID, nil)
	if err != nil {
		return BindingStatus{}, fmt.Errorf("build binding status request: %w", err)
	}

	var binding bindingResponse
	if err := c.do(req, &binding); err != nil {
		return BindingStatus{}, err
	}
	return BindingStatus{
		Active:            binding.Active,
		CertificateStatus: certStatus(binding.CertificateStatus),
	}, nil
}

// DeleteBinding removes a binding. Unknown ids succeed so removal can be
// retried safely.
func (c *Client) DeleteBinding(ctx context.Context, bindingID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/bindings/"+bindingID, nil)
	if err != nil {
		return fmt.Errorf("build delete binding request: %w", err)
	}

	err = c.do(req, nil)
	if errors.Is(err, ErrBindingNotFound) {
		return nil
	}
	return err
}

// do executes one API call, waiting for the outbound rate limiter and
// mapping the response onto the connector error taxonomy.
func (c *Client) do(req *http.Request, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Covers network failures and oauth2 token fetch errors alike; the
		// token source retries internally on the next call.
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrBindingNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// The oauth2 transport already refreshed once; a second refusal means
		// the platform is misbehaving or the credential was rotated. Treated
		// as transient so the loop retries rather than failing the domain.
		return fmt.Errorf("%w: credential refused (status %d)", ErrTransient, resp.StatusCode)
	default:
		var apiErr bindingResponse
		_ = json.Unmarshal(body, &apiErr)
		if apiErr.Code == "quota_exceeded" {
			return ErrQuotaExceeded
		}
		reason := apiErr.Error
		if reason == "" {
			reason = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return &RejectedError{Reason: reason}
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrTransient, err)
		}
	}
	return nil
}

func certStatus(s string) model.CertificateStatus {
	switch s {
	case "issued":
		return model.CertIssued
	case "failed":
		return model.CertFailed
	default:
		return model.CertPending
	}
}
