package remote

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

	"github.com/orangetask/sync/internal/pages"
	"go.uber.org/zap"
)

const (
	endpointFetchPages        = "/api/db/fetchPages"
	endpointFetchUpdatesSince = "/api/db/fetchUpdatesSince"
	endpointInsertPage        = "/api/db/insertPage"
	endpointUpdatePage        = "/api/db/updatePage"

	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 32 << 20
)

// Error codes the authority attaches to rejection responses.
const (
	CodeDuplicateKey  = "duplicate_key"
	CodeStaleRevision = "stale_revision"
	CodeNotFound      = "not_found"
)

var errMissingBaseURL = errors.New("remote: base url is required")

// ClientConfig wires the HTTP client dependencies.
type ClientConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is the HTTP implementation of Authority.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    base,
		token:      cfg.Token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// pagePayload is the wire shape of a page record.
type pagePayload struct {
	ID                 string `json:"id"`
	UserID             string `json:"userId"`
	Title              string `json:"title"`
	Value              string `json:"value"`
	IsJournal          bool   `json:"isJournal"`
	Deleted            bool   `json:"deleted"`
	LastModifiedMillis int64  `json:"lastModifiedMs"`
	RevisionNumber     int64  `json:"revisionNumber"`
}

func (p pagePayload) toPage() pages.Page {
	return pages.Page{
		ID:                 p.ID,
		UserID:             p.UserID,
		Title:              p.Title,
		Value:              p.Value,
		IsJournal:          p.IsJournal,
		Deleted:            p.Deleted,
		LastModifiedMillis: p.LastModifiedMillis,
		RevisionNumber:     p.RevisionNumber,
	}
}

type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// FetchAll returns every page belonging to the user.
func (c *Client) FetchAll(ctx context.Context, userID string) ([]pages.Page, error) {
	request := struct {
		UserID string `json:"userId"`
	}{UserID: userID}
	var response struct {
		Pages []pagePayload `json:"pages"`
	}
	if err := c.post(ctx, endpointFetchPages, request, &response); err != nil {
		return nil, err
	}
	return c.validatePages(response.Pages)
}

// FetchSince returns the user's pages modified strictly after the watermark.
func (c *Client) FetchSince(ctx context.Context, userID string, sinceMillis int64) ([]pages.Page, error) {
	request := struct {
		UserID      string `json:"userId"`
		SinceMillis int64  `json:"sinceMs"`
	}{UserID: userID, SinceMillis: sinceMillis}
	var response struct {
		Pages []pagePayload `json:"pages"`
	}
	if err := c.post(ctx, endpointFetchUpdatesSince, request, &response); err != nil {
		return nil, err
	}
	return c.validatePages(response.Pages)
}

// Insert proposes a page creation and returns the committed page.
func (c *Client) Insert(ctx context.Context, request InsertRequest) (pages.Page, error) {
	payload := struct {
		ID        string `json:"id,omitempty"`
		Title     string `json:"title"`
		Value     string `json:"value"`
		UserID    string `json:"userId"`
		IsJournal bool   `json:"isJournal"`
	}{
		ID:        request.ID,
		Title:     request.Title,
		Value:     request.Value,
		UserID:    request.UserID,
		IsJournal: request.IsJournal,
	}
	var response struct {
		Page pagePayload `json:"page"`
	}
	if err := c.post(ctx, endpointInsertPage, payload, &response); err != nil {
		return pages.Page{}, err
	}
	page := response.Page.toPage()
	if err := page.Validate(); err != nil {
		return pages.Page{}, err
	}
	return page, nil
}

// UpdateWithHistory proposes a whole-page replacement; the authority applies
// it only when the stored revision still equals the expected revision.
func (c *Client) UpdateWithHistory(ctx context.Context, request UpdateRequest) (UpdateReceipt, error) {
	payload := struct {
		ID                     string `json:"id"`
		Value                  string `json:"value"`
		Title                  string `json:"title"`
		Deleted                bool   `json:"deleted"`
		ExpectedRevisionNumber int64  `json:"expectedRevisionNumber"`
	}{
		ID:                     request.ID,
		Value:                  request.Value,
		Title:                  request.Title,
		Deleted:                request.Deleted,
		ExpectedRevisionNumber: request.ExpectedRevisionNumber,
	}
	var response struct {
		RevisionNumber     int64 `json:"revisionNumber"`
		LastModifiedMillis int64 `json:"lastModifiedMs"`
	}
	if err := c.post(ctx, endpointUpdatePage, payload, &response); err != nil {
		return UpdateReceipt{}, err
	}
	if response.RevisionNumber < 1 || response.LastModifiedMillis <= 0 {
		return UpdateReceipt{}, fmt.Errorf("%w: update receipt revision %d, last modified %d",
			pages.ErrMalformedPage, response.RevisionNumber, response.LastModifiedMillis)
	}
	return UpdateReceipt{
		RevisionNumber:     response.RevisionNumber,
		LastModifiedMillis: response.LastModifiedMillis,
	}, nil
}

func (c *Client) validatePages(payloads []pagePayload) ([]pages.Page, error) {
	result := make([]pages.Page, 0, len(payloads))
	for _, payload := range payloads {
		page := payload.toPage()
		if err := page.Validate(); err != nil {
			return nil, err
		}
		result = append(result, page)
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, endpoint string, requestBody, responseBody any) error {
	encoded, err := json.Marshal(requestBody)
	if err != nil {
		return fmt.Errorf("remote: encode request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("remote: %s: %w", endpoint, err)
	}
	defer response.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(response.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("remote: %s: read response: %w", endpoint, err)
	}

	if response.StatusCode != http.StatusOK {
		return c.classifyRejection(endpoint, response.StatusCode, body)
	}

	if err := json.Unmarshal(body, responseBody); err != nil {
		return fmt.Errorf("%w: %s: %v", pages.ErrMalformedPage, endpoint, err)
	}
	return nil
}

func (c *Client) classifyRejection(endpoint string, statusCode int, body []byte) error {
	var payload errorPayload
	_ = json.Unmarshal(body, &payload)

	switch {
	case payload.Code == CodeDuplicateKey:
		return fmt.Errorf("%w: %s", pages.ErrDuplicateKey, payload.Error)
	case payload.Code == CodeStaleRevision:
		return fmt.Errorf("%w: %s", pages.ErrStaleRevision, payload.Error)
	case payload.Code == CodeNotFound, statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", pages.ErrPageNotFound, payload.Error)
	default:
		c.logger.Warn("authority rejected request",
			zap.String("endpoint", endpoint),
			zap.Int("status", statusCode),
			zap.String("error", payload.Error))
		return fmt.Errorf("remote: %s: status %d: %s", endpoint, statusCode, payload.Error)
	}
}
