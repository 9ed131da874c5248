// Package said is a Go client for the SAID registry REST API. Mutating calls
// are signed with the caller's secp256k1 key.
package said

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"SAID-Chain/internal/address"
	"SAID-Chain/internal/auth"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the SAID REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	key        *ecdsa.PrivateKey
	now        func() time.Time
}

// Treasury mirrors the treasury resource.
type Treasury struct {
	Address        common.Hash `json:"address"`
	Authority      common.Hash `json:"authority"`
	TotalCollected uint64      `json:"total_collected"`
	Bump           uint8       `json:"bump"`
	Balance        uint64      `json:"balance"`
	Reserve        uint64      `json:"reserve"`
}

// Identity mirrors an agent identity.
type Identity struct {
	Address     common.Hash `json:"address"`
	Owner       common.Hash `json:"owner"`
	MetadataURI string      `json:"metadata_uri"`
	CreatedAt   int64       `json:"created_at"`
	Bump        uint8       `json:"bump"`
}

// Reputation mirrors an agent's feedback aggregate. Score is in basis points.
type Reputation struct {
	Address           common.Hash `json:"address"`
	Identity          common.Hash `json:"identity"`
	TotalInteractions uint64      `json:"total_interactions"`
	PositiveFeedback  uint64      `json:"positive_feedback"`
	NegativeFeedback  uint64      `json:"negative_feedback"`
	Score             uint16      `json:"reputation_score"`
	LastUpdated       int64       `json:"last_updated"`
	Bump              uint8       `json:"bump"`
}

// Validation mirrors a validator verdict.
type Validation struct {
	Address     common.Hash `json:"address"`
	Identity    common.Hash `json:"identity"`
	Validator   common.Hash `json:"validator"`
	TaskHash    common.Hash `json:"task_hash"`
	Passed      bool        `json:"passed"`
	EvidenceURI string      `json:"evidence_uri"`
	Timestamp   int64       `json:"timestamp"`
	Bump        uint8       `json:"bump"`
}

// Event is a committed registry notification.
type Event struct {
	ID        string          `json:"id"`
	Seq       uint64          `json:"seq"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// EventPage is one page of the event log. Pass Next as the after cursor.
type EventPage struct {
	Events []Event `json:"events"`
	Next   uint64  `json:"next"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("said api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("said api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. key may be nil for read-only use. When
// httpClient is nil a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, key *ecdsa.PrivateKey, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, key: key, now: time.Now}, nil
}

// Principal returns the registry principal of the signing key.
func (c *Client) Principal() (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, errors.New("said: signing key is not set")
	}
	return address.PrincipalFromPublicKey(&c.key.PublicKey), nil
}

// InitializeTreasury creates the treasury with the caller as authority.
func (c *Client) InitializeTreasury(ctx context.Context) (Treasury, error) {
	var out Treasury
	err := c.send(ctx, http.MethodPost, "/api/v1/treasury", nil, &out)
	return out, err
}

// WithdrawFees moves amount from the treasury to the authority.
func (c *Client) WithdrawFees(ctx context.Context, amount uint64) (Treasury, error) {
	var out Treasury
	err := c.send(ctx, http.MethodPost, "/api/v1/treasury/withdrawals", map[string]uint64{"amount": amount}, &out)
	return out, err
}

// GetTreasury fetches the treasury.
func (c *Client) GetTreasury(ctx context.Context) (Treasury, error) {
	var out Treasury
	err := c.get(ctx, "/api/v1/treasury", &out)
	return out, err
}

// RegisterAgent registers the caller's identity.
func (c *Client) RegisterAgent(ctx context.Context, metadataURI string) (Identity, error) {
	var out Identity
	err := c.send(ctx, http.MethodPost, "/api/v1/agents", map[string]string{"metadata_uri": metadataURI}, &out)
	return out, err
}

// UpdateAgent replaces the metadata reference of an identity owned by the caller.
func (c *Client) UpdateAgent(ctx context.Context, identity common.Hash, metadataURI string) (Identity, error) {
	var out Identity
	err := c.send(ctx, http.MethodPut, "/api/v1/agents/"+identity.Hex(), map[string]string{"metadata_uri": metadataURI}, &out)
	return out, err
}

// GetAgent fetches an identity by address.
func (c *Client) GetAgent(ctx context.Context, identity common.Hash) (Identity, error) {
	var out Identity
	err := c.get(ctx, "/api/v1/agents/"+identity.Hex(), &out)
	return out, err
}

// AgentOf fetches the identity registered by owner.
func (c *Client) AgentOf(ctx context.Context, owner common.Hash) (Identity, error) {
	var out Identity
	err := c.get(ctx, "/api/v1/owners/"+owner.Hex()+"/agent", &out)
	return out, err
}

// SubmitFeedback records positive or negative feedback for identity.
func (c *Client) SubmitFeedback(ctx context.Context, identity common.Hash, positive bool, feedbackContext string) (Reputation, error) {
	var out Reputation
	body := map[string]any{"positive": positive, "context": feedbackContext}
	err := c.send(ctx, http.MethodPost, "/api/v1/agents/"+identity.Hex()+"/feedback", body, &out)
	return out, err
}

// GetReputation fetches the reputation of identity.
func (c *Client) GetReputation(ctx context.Context, identity common.Hash) (Reputation, error) {
	var out Reputation
	err := c.get(ctx, "/api/v1/agents/"+identity.Hex()+"/reputation", &out)
	return out, err
}

// ValidateWork records the caller's verdict on a task.
func (c *Client) ValidateWork(ctx context.Context, identity, taskHash common.Hash, passed bool, evidenceURI string) (Validation, error) {
	var out Validation
	body := map[string]any{"task_hash": taskHash.Hex(), "passed": passed, "evidence_uri": evidenceURI}
	err := c.send(ctx, http.MethodPost, "/api/v1/agents/"+identity.Hex()+"/validations", body, &out)
	return out, err
}

// GetValidation fetches the verdict for (identity, taskHash).
func (c *Client) GetValidation(ctx context.Context, identity, taskHash common.Hash) (Validation, error) {
	var out Validation
	err := c.get(ctx, "/api/v1/agents/"+identity.Hex()+"/validations/"+taskHash.Hex(), &out)
	return out, err
}

// Balance returns the native balance of addr.
func (c *Client) Balance(ctx context.Context, addr common.Hash) (uint64, error) {
	var out struct {
		Balance uint64 `json:"balance"`
	}
	err := c.get(ctx, "/api/v1/accounts/"+addr.Hex()+"/balance", &out)
	return out.Balance, err
}

// Events lists committed events with a sequence above after.
func (c *Client) Events(ctx context.Context, after uint64, limit int) (EventPage, error) {
	var out EventPage
	q := url.Values{}
	q.Set("after", strconv.FormatUint(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	err := c.get(ctx, "/api/v1/events?"+q.Encode(), &out)
	return out, err
}

// Fund credits addr through the development faucet.
func (c *Client) Fund(ctx context.Context, addr common.Hash, amount uint64) (uint64, error) {
	var out struct {
		Balance uint64 `json:"balance"`
	}
	body := map[string]any{"address": addr.Hex(), "amount": amount}
	err := c.do(ctx, http.MethodPost, "/api/v1/faucet", body, false, &out)
	return out.Balance, err
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	return c.do(ctx, http.MethodGet, endpoint, nil, false, out)
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload any, out any) error {
	return c.do(ctx, method, endpoint, payload, true, out)
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload any, sign bool, out any) error {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = encoded
	}

	rel, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	rel.Path = path.Join(c.baseURL.Path, rel.Path)
	u := c.baseURL.ResolveReference(rel)

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sign {
		if c.key == nil {
			return errors.New("said: signing key is not set")
		}
		if err := auth.SignRequest(req, body, c.key, c.now()); err != nil {
			return err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		_ = json.Unmarshal(data, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
