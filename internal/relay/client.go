// File: internal/relay/client.go
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/dakbox/dakbox-cli/api/schemas"
	"github.com/dakbox/dakbox-cli/internal/config"
	"github.com/dakbox/dakbox-cli/internal/mailclient"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrTransport means the request never got an answer from a relay: it was unreachable, the
// exchange failed, or the reply was not a relay response.
var ErrTransport = errors.New("relay transport error")

// Client sends requests to a relay server.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient creates a client for cfg.ClientAddr.
func NewClient(cfg config.RelayConfig) (*Client, error) {
	addr := strings.TrimSpace(cfg.ClientAddr)
	if addr == "" {
		return nil, errors.New("relay client address is not configured")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	timeout := cfg.ClientTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint:   strings.TrimSuffix(addr, "/") + RelayPath,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Do sends req and returns the relay's response. A response with Success false is a normal
// result; only transport failures and context cancellation are returned as errors.
func (c *Client) Do(ctx context.Context, req schemas.RelayRequest) (schemas.RelayResponse, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return schemas.RelayResponse{}, fmt.Errorf("failed to encode relay request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return schemas.RelayResponse{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return schemas.RelayResponse{}, ctx.Err()
		}
		return schemas.RelayResponse{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, resp.Body)
		return schemas.RelayResponse{}, fmt.Errorf("%w: unexpected status %d", ErrTransport, resp.StatusCode)
	}
	var out schemas.RelayResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return schemas.RelayResponse{}, fmt.Errorf("%w: undecodable response: %v", ErrTransport, err)
	}
	if out.ID != "" && out.ID != req.ID {
		return schemas.RelayResponse{}, fmt.Errorf("%w: response for %s does not match request %s", ErrTransport, out.ID, req.ID)
	}
	return out, nil
}

// FetchCode asks the relay for a code, so a relay can stand in for the mail client.
func (c *Client) FetchCode(ctx context.Context, username string, purpose schemas.Purpose, opts mailclient.FetchOptions) (schemas.OtpFetchResult, error) {
	req := schemas.RelayRequest{Action: schemas.ActionFetchOtp, Username: username, Expiry: opts.ExpirySeconds}
	if purpose == schemas.PurposeRegistration {
		req.Action = schemas.ActionFetchRegistrationOtp
		req.Expiry = nil
	}
	if opts.MaxRetries > 0 {
		n := opts.MaxRetries
		req.MaxRetries = &n
	}
	resp, err := c.Do(ctx, req)
	if err != nil {
		return schemas.OtpFetchResult{Outcome: schemas.OutcomeTransportError, Message: err.Error()}, err
	}
	if resp.Result == nil {
		return schemas.OtpFetchResult{Outcome: schemas.OutcomeTransportError, Message: resp.Error}, nil
	}
	return *resp.Result, nil
}
