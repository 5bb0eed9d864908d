// Package catalog implements the movie catalog lookup against the OMDb API.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"meadow-notify/internal/adapter/httpclient"
	"meadow-notify/internal/domain"
	"meadow-notify/internal/infra/config"
)

// maxResponseBody is the maximum response body size read from the catalog API.
const maxResponseBody = 1 * 1024 * 1024 // 1 MB

// OMDbClient implements domain.CatalogProvider against the OMDb HTTP API.
// It performs exactly one request per call; retries belong to the dispatcher.
type OMDbClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewOMDbClient creates an OMDb catalog client.
func NewOMDbClient(cfg config.CatalogConfig, logger *slog.Logger) *OMDbClient {
	return &OMDbClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  httpclient.New(cfg.ConnTimeout, cfg.Timeout, cfg.Pool),
		logger:  logger,
	}
}

// omdbResponse is the subset of the OMDb payload we consume. Response is the
// provider's own success discriminator ("True"/"False").
type omdbResponse struct {
	Response string `json:"Response"`
	Error    string `json:"Error"`
	Title    string `json:"Title"`
	Year     string `json:"Year"`
	Director string `json:"Director"`
	Plot     string `json:"Plot"`
	Rating   string `json:"imdbRating"`
	Genre    string `json:"Genre"`
}

// FetchMovie implements domain.CatalogProvider. The caller bounds the call
// with a context deadline; expiry cancels the in-flight request and surfaces
// as ErrLookupTimeout.
func (c *OMDbClient) FetchMovie(ctx context.Context, title string) (*domain.MovieRecord, error) {
	const op = "omdb.FetchMovie"

	if c.apiKey == "" {
		return nil, domain.NewDomainError(op, domain.ErrProviderConfigMissing,
			"catalog API key not configured")
	}

	query := url.Values{}
	query.Set("t", title)
	query.Set("apikey", c.apiKey)
	reqURL := c.baseURL + "/?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrLookupFailed, err.Error())
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.NewDomainError(op, domain.ErrLookupTimeout,
				"catalog request timed out")
		}
		return nil, domain.NewDomainError(op, domain.ErrLookupFailed, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewDomainError(op, domain.ErrProviderUnavailable,
			fmt.Sprintf("catalog request failed: %d %s", resp.StatusCode, resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.NewDomainError(op, domain.ErrLookupTimeout,
				"catalog request timed out")
		}
		return nil, domain.NewDomainError(op, domain.ErrLookupFailed, err.Error())
	}

	var payload omdbResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, domain.NewDomainError(op, domain.ErrLookupFailed,
			"malformed catalog response: "+err.Error())
	}

	if payload.Response == "False" {
		detail := payload.Error
		if detail == "" {
			detail = "Unknown error"
		}
		return nil, domain.NewDomainError(op, domain.ErrMovieNotFound, detail)
	}
	if payload.Title == "" || payload.Plot == "" {
		return nil, domain.NewDomainError(op, domain.ErrIncompleteData,
			"catalog record missing title or plot")
	}

	c.logger.Debug("catalog lookup completed", "title", payload.Title, "year", payload.Year)

	return &domain.MovieRecord{
		Title:    payload.Title,
		Year:     payload.Year,
		Director: payload.Director,
		Plot:     payload.Plot,
		Rating:   payload.Rating,
		Genre:    payload.Genre,
	}, nil
}

var _ domain.CatalogProvider = (*OMDbClient)(nil)
