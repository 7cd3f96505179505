package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/alanyoungcy/tradewatch/internal/crypto"
	"github.com/alanyoungcy/tradewatch/internal/domain"
)

// Command API paths.
const (
	pathClosePosition = "/v1/positions/close"
	pathCancelOrder   = "/v1/orders/cancel"
)

// Error codes the gateway uses for targets that no longer exist.
var alreadyClosedCodes = map[string]bool{
	"already_closed":     true,
	"order_not_found":    true,
	"position_not_found": true,
}

// RESTClient is the command side of the gateway. It implements
// domain.CommandAPI.
type RESTClient struct {
	baseURL    string
	httpClient *http.Client
	creds      domain.CredentialSource
}

// NewRESTClient creates a command client. baseURL is the gateway root, e.g.
// "https://gateway:8443". creds may be nil for an unauthenticated gateway.
func NewRESTClient(baseURL string, timeout time.Duration, creds domain.CredentialSource) *RESTClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RESTClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		creds:      creds,
	}
}

// ClosePosition submits a reduce-only market close.
func (c *RESTClient) ClosePosition(ctx context.Context, req domain.CloseRequest) error {
	body := map[string]any{
		"user":            req.Position.User,
		"exchange":        req.Position.Exchange,
		"symbol":          req.Position.Symbol,
		"side":            string(req.Position.Side),
		"idempotency_key": req.IdempotencyKey,
	}
	if req.Quantity.IsPositive() {
		body["quantity"] = req.Quantity.String()
	}
	if err := c.doAuthenticatedRequest(ctx, req.Position.Book(), http.MethodPost, pathClosePosition, body); err != nil {
		return fmt.Errorf("gateway/rest: close position %s: %w", req.Position, err)
	}
	return nil
}

// CancelOrder cancels one order.
func (c *RESTClient) CancelOrder(ctx context.Context, req domain.CancelRequest) error {
	body := map[string]any{
		"user":            req.Order.User,
		"exchange":        req.Order.Exchange,
		"order_id":        req.Order.OrderID,
		"idempotency_key": req.IdempotencyKey,
	}
	if req.Symbol != "" {
		body["symbol"] = req.Symbol
	}
	if err := c.doAuthenticatedRequest(ctx, req.Order.Book(), http.MethodPost, pathCancelOrder, body); err != nil {
		return fmt.Errorf("gateway/rest: cancel order %s: %w", req.Order, err)
	}
	return nil
}

// doAuthenticatedRequest signs and sends a JSON request for book.
func (c *RESTClient) doAuthenticatedRequest(ctx context.Context, book domain.BookKey, method, path string, body any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.creds != nil {
		creds, err := c.creds.Credentials(ctx, book)
		if err != nil {
			return fmt.Errorf("credentials %s: %w", book, err)
		}
		auth := crypto.HMACAuth{Key: creds.APIKey, Secret: creds.Secret, Passphrase: creds.Passphrase}
		for k, v := range auth.Headers(method, path, string(jsonBody)) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: http request: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrTransient, err)
	}
	return checkHTTPStatus(resp.StatusCode, respBody)
}

// checkHTTPStatus maps a gateway response to the command error categories.
// Error bodies look like {"code":"...","message":"...","retryable":false}.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var code, message string
	var retryable gjson.Result
	if gjson.ValidBytes(body) {
		res := gjson.ParseBytes(body)
		code = strings.ToLower(res.Get("code").String())
		message = res.Get("message").String()
		retryable = res.Get("retryable")
	}
	if message == "" {
		message = strings.TrimSpace(string(body))
	}

	if alreadyClosedCodes[code] || statusCode == http.StatusGone {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyClosed, message)
	}

	cerr := &domain.CommandError{Code: code, Message: message}
	switch {
	case statusCode == http.StatusTooManyRequests:
		cerr.Retryable = true
		if cerr.Code == "" {
			cerr.Code = "rate_limited"
		}
	case statusCode == http.StatusRequestTimeout || statusCode >= 500:
		cerr.Retryable = true
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		if cerr.Code == "" {
			cerr.Code = "unauthorized"
		}
	}
	if retryable.Exists() {
		cerr.Retryable = retryable.Bool()
	}
	if cerr.Code == "" {
		cerr.Code = fmt.Sprintf("http_%d", statusCode)
	}
	return cerr
}

var _ domain.CommandAPI = (*RESTClient)(nil)
