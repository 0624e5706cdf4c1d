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
)

// SignerFunc adapts a function to the Signer interface.
type SignerFunc func(ctx context.Context, message []byte) ([]byte, error)

func (f SignerFunc) Sign(ctx context.Context, message []byte) ([]byte, error) {
	return f(ctx, message)
}

// AgentSignerProvider obtains signatures from an external signing agent that
// holds the parties' keys. Key custody never enters this process.
type AgentSignerProvider struct {
	baseURL string
	client  *http.Client
}

// NewAgentSignerProvider creates a provider backed by the signing agent at
// baseURL.
func NewAgentSignerProvider(baseURL string) *AgentSignerProvider {
	return &AgentSignerProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type signRequest struct {
	PartyID string `json:"party_id"`
	Message string `json:"message"`
}

type signResponse struct {
	Signature string `json:"signature"`
}

// SignerFor returns a signing capability for one party. The agent decides
// whether it holds a key for that party; a missing key surfaces on Sign.
func (p *AgentSignerProvider) SignerFor(partyID string) (Signer, error) {
	return SignerFunc(func(ctx context.Context, message []byte) ([]byte, error) {
		body, err := json.Marshal(signRequest{
			PartyID: partyID,
			Message: base64.StdEncoding.EncodeToString(message),
		})
		if err != nil {
			return nil, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/sign", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, fmt.Errorf("signing agent error (%d) for party %s: %s", resp.StatusCode, partyID, string(msg))
		}

		var out signResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode signing agent response: %w", err)
		}
		return base64.StdEncoding.DecodeString(out.Signature)
	}), nil
}
