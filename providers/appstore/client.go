package appstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/goliatone/go-entitlements/core"
	"github.com/goliatone/go-entitlements/transport"
	goerrors "github.com/goliatone/go-errors"
)

type transactionInfoResponse struct {
	SignedTransactionInfo string `json:"signedTransactionInfo"`
}

type apiErrorResponse struct {
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type Client struct {
	rest          *transport.RESTClient
	tokens        TokenSource
	productionURL string
	sandboxURL    string
	cfg           Config
}

type ClientOption func(*Client)

func WithHTTPClient(doer transport.HTTPDoer) ClientOption {
	return func(c *Client) {
		if doer != nil {
			c.rest = transport.NewRESTClient(doer)
		}
	}
}

func WithTokenSource(tokens TokenSource) ClientOption {
	return func(c *Client) {
		if tokens != nil {
			c.tokens = tokens
		}
	}
}

// New builds a Client. A TokenSource derived from cfg is created unless one
// is supplied with WithTokenSource.
func New(cfg Config, opts ...ClientOption) (*Client, error) {
	cfg = cfg.withDefaults()
	client := &Client{
		rest:          transport.NewRESTClient(&http.Client{Timeout: cfg.Timeout}),
		productionURL: cfg.ProductionURL,
		sandboxURL:    cfg.SandboxURL,
		cfg:           cfg,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	if client.tokens == nil {
		tokens, err := NewKeyTokenSource(cfg)
		if err != nil {
			return nil, err
		}
		client.tokens = tokens
	}
	return client, nil
}

// FetchTransaction returns the signed transaction payload for transactionID.
// A 404 from the storefront wraps core.ErrTransactionNotFound.
func (c *Client) FetchTransaction(ctx context.Context, transactionID string, env core.Environment) (string, error) {
	if c == nil || c.rest == nil || c.tokens == nil {
		return "", fmt.Errorf("appstore: client is not configured")
	}
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return "", fmt.Errorf("appstore: transaction id is required")
	}

	res, err := c.get(ctx, c.baseURL(env)+transactionPath+url.PathEscape(transactionID))
	if err != nil {
		return "", err
	}
	if res.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate()
		res, err = c.get(ctx, c.baseURL(env)+transactionPath+url.PathEscape(transactionID))
		if err != nil {
			return "", err
		}
	}

	switch {
	case res.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("appstore: transaction %s in %s: %w", transactionID, environmentName(env), core.ErrTransactionNotFound)
	case !res.Success():
		return "", upstreamStatusError(res, transactionID, env)
	}

	var payload transactionInfoResponse
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryExternal, "appstore: decode transaction response").
			WithCode(http.StatusBadGateway).
			WithTextCode(core.ErrorUpstreamUnavailable)
	}
	if strings.TrimSpace(payload.SignedTransactionInfo) == "" {
		return "", goerrors.New("appstore: transaction response has no signedTransactionInfo", goerrors.CategoryExternal).
			WithCode(http.StatusBadGateway).
			WithTextCode(core.ErrorUpstreamUnavailable)
	}
	return payload.SignedTransactionInfo, nil
}

func (c *Client) get(ctx context.Context, endpoint string) (transport.Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return transport.Response{}, err
	}
	return c.rest.Do(ctx, transport.Request{
		Method:  http.MethodGet,
		URL:     endpoint,
		Headers: map[string]string{"Authorization": "Bearer " + token},
	})
}

func (c *Client) baseURL(env core.Environment) string {
	if env == core.EnvironmentSandbox {
		return c.sandboxURL
	}
	return c.productionURL
}

func upstreamStatusError(res transport.Response, transactionID string, env core.Environment) error {
	metadata := map[string]any{
		"provider":       ProviderID,
		"status_code":    res.StatusCode,
		"transaction_id": transactionID,
		"environment":    environmentName(env),
	}
	var apiErr apiErrorResponse
	if json.Unmarshal(res.Body, &apiErr) == nil && apiErr.ErrorCode != 0 {
		metadata["api_error_code"] = apiErr.ErrorCode
		metadata["api_error_message"] = apiErr.ErrorMessage
	}
	category := goerrors.CategoryExternal
	if res.StatusCode == http.StatusTooManyRequests {
		category = goerrors.CategoryRateLimit
	}
	err := goerrors.New(fmt.Sprintf("appstore: upstream returned status %d", res.StatusCode), category).
		WithCode(http.StatusServiceUnavailable).
		WithTextCode(core.ErrorUpstreamUnavailable)
	err.WithMetadata(metadata)
	return err
}

func environmentName(env core.Environment) string {
	if env == "" {
		return string(core.EnvironmentProduction)
	}
	return string(env)
}

var _ core.TransactionFetcher = (*Client)(nil)
