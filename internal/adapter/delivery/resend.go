// Package delivery implements notification dispatch through the Resend
// email API.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"meadow-notify/internal/adapter/httpclient"
	"meadow-notify/internal/domain"
	"meadow-notify/internal/infra/config"
)

// maxResponseBody is the maximum response body size read from the delivery API.
const maxResponseBody = 1 * 1024 * 1024 // 1 MB

// ResendClient implements domain.DeliveryProvider against the Resend HTTP API.
type ResendClient struct {
	baseURL string
	apiKey  string
	from    string
	client  *http.Client
	logger  *slog.Logger
}

// NewResendClient creates a Resend delivery client.
func NewResendClient(cfg config.DeliveryConfig, logger *slog.Logger) *ResendClient {
	return &ResendClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		from:    cfg.From,
		client:  httpclient.New(cfg.ConnTimeout, cfg.Timeout, cfg.Pool),
		logger:  logger,
	}
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type sendResponse struct {
	ID string `json:"id"`
}

type sendError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// SendSummary implements domain.DeliveryProvider. A missing credential is a
// configuration fault, distinguishable from data-dependent rejections.
func (c *ResendClient) SendSummary(ctx context.Context, movie domain.MovieRecord, email string) (*domain.DeliveryReceipt, error) {
	const op = "resend.SendSummary"

	if c.apiKey == "" {
		return nil, domain.NewDomainError(op, domain.ErrProviderConfigMissing,
			"delivery API key not configured")
	}

	body, err := json.Marshal(sendRequest{
		From:    c.from,
		To:      []string{email},
		Subject: SummarySubject(movie),
		HTML:    RenderSummary(movie),
	})
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrDispatchFailed, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrDispatchFailed, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.NewDomainError(op, domain.ErrDispatchFailed,
				"delivery request timed out")
		}
		return nil, domain.NewDomainError(op, domain.ErrDispatchFailed, err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrDispatchFailed, err.Error())
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// ok
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var apiErr sendError
		detail := fmt.Sprintf("delivery rejected: %d", resp.StatusCode)
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			detail = apiErr.Message
		}
		return nil, domain.NewDomainError(op, domain.ErrDeliveryRejected, detail)
	default:
		return nil, domain.NewDomainError(op, domain.ErrDispatchFailed,
			fmt.Sprintf("delivery request failed: %d %s", resp.StatusCode, resp.Status))
	}

	var payload sendResponse
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return nil, domain.NewDomainError(op, domain.ErrDispatchFailed,
			"malformed delivery response: "+err.Error())
	}

	c.logger.Debug("summary email accepted", "message_id", payload.ID, "to", email)

	return &domain.DeliveryReceipt{
		Accepted:          true,
		ProviderMessageID: payload.ID,
	}, nil
}

var _ domain.DeliveryProvider = (*ResendClient)(nil)
