// Package settlement is the HTTP client for the external settlement network
// node. It performs the session open/close primitives and the authentication
// handshake; it holds no business logic and never retries on its own.
package settlement

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taskpay/escrowd/internal/domain"
)

const (
	defaultAuthTimeout = 30 * time.Second
)

// Signer is the external signing capability for one party. Key custody is not
// implemented here.
type Signer interface {
	Sign(ctx context.Context, message []byte) ([]byte, error)
}

// SignerProvider hands out signing capabilities per party.
type SignerProvider interface {
	SignerFor(partyID string) (Signer, error)
}

// Conn is an authenticated connection to the settlement node for one party.
type Conn struct {
	PartyID   string
	Token     string
	ExpiresAt time.Time
}

// Participant is one member of an escrow session with its signing weight.
type Participant struct {
	PartyID string `json:"party_id"`
	Weight  int    `json:"weight"`
}

// Allocation assigns part of the escrowed amount to one participant.
type Allocation struct {
	PartyID string          `json:"party_id"`
	Amount  decimal.Decimal `json:"amount"`
}

// Approval is a participant's consent to a session open, proven by its
// authenticated token.
type Approval struct {
	PartyID string `json:"party_id"`
	Token   string `json:"token"`
}

// Client talks to a settlement network node over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// NewClient creates a settlement node client. Every call is bounded by the
// client timeout; a timed-out call is a hard failure for the caller.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultAuthTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type authRequest struct {
	PartyID   string `json:"party_id"`
	Signature string `json:"signature"`
}

type authResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Authenticate performs the signing handshake for one party and returns an
// authenticated connection. The caller owns the connection's lifetime.
func (c *Client) Authenticate(ctx context.Context, partyID string, signer Signer) (*Conn, error) {
	sig, err := signer.Sign(ctx, []byte("settlement-auth:"+partyID))
	if err != nil {
		return nil, domain.NewEscrowNetworkError("authenticate", fmt.Errorf("sign challenge for %s: %w", partyID, err))
	}

	req := authRequest{
		PartyID:   partyID,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}

	var resp authResponse
	if err := c.post(ctx, "/v1/auth", req, &resp); err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, domain.NewEscrowNetworkError("authenticate", fmt.Errorf("node returned empty token for %s", partyID))
	}

	return &Conn{PartyID: partyID, Token: resp.Token, ExpiresAt: resp.ExpiresAt}, nil
}

type openSessionRequest struct {
	Participants []Participant `json:"participants"`
	Quorum       int           `json:"quorum"`
	Allocations  []Allocation  `json:"allocations"`
	Approvals    []Approval    `json:"approvals"`
}

type openSessionResponse struct {
	SessionID string `json:"session_id"`
}

// OpenSession opens a new escrow session. Every participant must approve with
// its own authenticated token; weight alone does not authorize an open.
func (c *Client) OpenSession(ctx context.Context, participants []Participant, quorum int, allocations []Allocation, approvals []Approval) (string, error) {
	if len(participants) != len(allocations) {
		return "", domain.NewEscrowNetworkError("open_session",
			fmt.Errorf("participants/allocations mismatch: %d vs %d", len(participants), len(allocations)))
	}
	if len(approvals) != len(participants) {
		return "", domain.NewEscrowNetworkError("open_session",
			fmt.Errorf("open requires every participant's approval: have %d of %d", len(approvals), len(participants)))
	}

	req := openSessionRequest{
		Participants: participants,
		Quorum:       quorum,
		Allocations:  allocations,
		Approvals:    approvals,
	}

	var resp openSessionResponse
	if err := c.post(ctx, "/v1/sessions", req, &resp); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", domain.NewEscrowNetworkError("open_session", fmt.Errorf("node returned empty session id"))
	}
	return resp.SessionID, nil
}

type closeSessionRequest struct {
	Allocations []Allocation `json:"allocations"`
	Token       string       `json:"token"`
}

// CloseSession closes a session with a final allocation, signed by the single
// connection whose weight meets the quorum.
func (c *Client) CloseSession(ctx context.Context, conn *Conn, sessionID string, allocations []Allocation) error {
	req := closeSessionRequest{
		Allocations: allocations,
		Token:       conn.Token,
	}
	return c.post(ctx, "/v1/sessions/"+sessionID+"/close", req, nil)
}

type balanceResponse struct {
	PartyID string          `json:"party_id"`
	Amount  decimal.Decimal `json:"amount"`
}

// Balance reads a party's free (non-session) ledger balance on the node. Used
// to detect funds parked mid-transition after a crash.
func (c *Client) Balance(ctx context.Context, conn *Conn, partyID string) (decimal.Decimal, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/parties/"+partyID+"/balance", nil)
	if err != nil {
		return decimal.Zero, domain.NewEscrowNetworkError("balance", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+conn.Token)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return decimal.Zero, domain.NewEscrowNetworkError("balance", err)
	}
	defer resp.Body.Close()

	if err := checkStatus("balance", resp); err != nil {
		return decimal.Zero, err
	}

	var out balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, domain.NewEscrowNetworkError("balance", fmt.Errorf("decode response: %w", err))
	}
	return out.Amount, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	op := "POST " + path

	body, err := json.Marshal(in)
	if err != nil {
		return domain.NewEscrowNetworkError(op, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return domain.NewEscrowNetworkError(op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return domain.NewEscrowNetworkError(op, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(op, resp); err != nil {
		return err
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.NewEscrowNetworkError(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	nerr := domain.NewEscrowNetworkError(op, fmt.Errorf("node error (%d): %s", resp.StatusCode, string(msg)))
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		// An expired or revoked token shows up as 401 against an operation the
		// party is otherwise entitled to perform.
		nerr.Stale = true
	case http.StatusNotFound:
		nerr.NotFound = true
	}
	return nerr
}
