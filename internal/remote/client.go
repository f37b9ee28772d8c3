package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/erazemk/blagajna/internal/model"
)

// maxBody caps how much of a response is read.
const maxBody = 8 << 20

// TokenSource supplies the bearer token for outbound calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config holds the remote client settings.
type Config struct {
	BaseURL    string
	HealthPath string
	Timeout    time.Duration
}

// Client talks to the back office API. Every call has a bounded timeout.
type Client struct {
	baseURL    string
	healthPath string
	http       *http.Client
	tokens     TokenSource
}

// New creates a client. tokens may be nil for servers that need no credential.
func New(cfg Config, tokens TokenSource) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	health := cfg.HealthPath
	if health == "" {
		health = "/health"
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		healthPath: health,
		http:       &http.Client{Timeout: timeout},
		tokens:     tokens,
	}
}

// Catalogue fetches the full list of articles.
func (c *Client) Catalogue(ctx context.Context) ([]model.CatalogueItem, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/api/articles", nil, true)
	if err != nil {
		return nil, fmt.Errorf("fetching catalogue: %w", err)
	}

	records, err := unwrapList(body, status)
	if err != nil {
		return nil, fmt.Errorf("fetching catalogue: %w", err)
	}
	items := make([]model.CatalogueItem, 0, len(records))
	for _, r := range records {
		items = append(items, catalogueItemFrom(r))
	}
	return items, nil
}

// ValidateBadge looks up a badge holder. A server-confirmed miss wraps ErrNotFound.
func (c *Client) ValidateBadge(ctx context.Context, code string) (*model.BadgeProfile, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/api/badges/"+url.PathEscape(code), nil, true)
	if err != nil {
		return nil, fmt.Errorf("validating badge %s: %w", code, err)
	}

	record, err := unwrapObject(body, status)
	if err != nil {
		if IsAuthoritative(err) {
			return nil, fmt.Errorf("validating badge %s: %w: %w", code, ErrNotFound, err)
		}
		return nil, fmt.Errorf("validating badge %s: %w", code, err)
	}

	p := badgeProfileFrom(record)
	if p.BadgeCode == "" {
		p.BadgeCode = code
	}
	return &p, nil
}

type submitLine struct {
	ArticleID int64 `json:"articleId"`
	Quantity  int   `json:"quantity"`
}

type submitBody struct {
	CustomerEmail string       `json:"customerEmail"`
	Lines         []submitLine `json:"lines"`
}

// SubmitTransaction posts a sale. Only the customer email, article ids and
// quantities are sent; pricing and subsidies are computed by the server.
func (c *Client) SubmitTransaction(ctx context.Context, req model.TransactionRequest) (*model.TransactionResult, error) {
	payload := submitBody{CustomerEmail: req.Customer.Email, Lines: make([]submitLine, len(req.Lines))}
	for i, l := range req.Lines {
		payload.Lines[i] = submitLine{ArticleID: l.ArticleID, Quantity: l.Quantity}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding transaction: %w", err)
	}

	body, status, err := c.do(ctx, http.MethodPost, "/api/transactions", data, true)
	if err != nil {
		return nil, fmt.Errorf("submitting transaction: %w", err)
	}

	record, err := unwrapObject(body, status)
	if err != nil {
		return nil, fmt.Errorf("submitting transaction: %w", err)
	}
	return transactionResultFrom(record), nil
}

// Health probes the liveness endpoint. The body is ignored.
func (c *Client) Health(ctx context.Context) error {
	_, _, err := c.do(ctx, http.MethodGet, c.healthPath, nil, false)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	return nil
}

// FetchImage downloads a catalogue image. Relative URLs are resolved against
// the server base URL.
func (c *Client) FetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	path := imageURL
	if !strings.HasPrefix(imageURL, "http://") && !strings.HasPrefix(imageURL, "https://") {
		path = "/" + strings.TrimLeft(imageURL, "/")
	}
	body, _, err := c.do(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, fmt.Errorf("fetching image %s: %w", imageURL, err)
	}
	return body, nil
}

// do performs a request and returns the body of a 2xx response. Non-2xx
// statuses come back as *APIError.
func (c *Client) do(ctx context.Context, method, path string, payload []byte, auth bool) ([]byte, int, error) {
	target := path
	if strings.HasPrefix(path, "/") {
		target = c.baseURL + path
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if auth && c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %w", ErrNoCredential, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusUnauthorized {
			if inv, ok := c.tokens.(interface{ Invalidate() }); ok {
				inv.Invalidate()
			}
		}
		return nil, resp.StatusCode, &APIError{Status: resp.StatusCode, Message: errorMessage(body)}
	}
	return body, resp.StatusCode, nil
}

// errorMessage pulls a human-readable message out of an error body.
func errorMessage(body []byte) string {
	var env fields
	if err := json.Unmarshal(body, &env); err == nil {
		if msg := env.str("message", "error", "detail"); msg != "" {
			return msg
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
