// Package prover is the REST client for the eligibility-proof service.
package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/veilbook/internal/crypto"
	"github.com/alanyoungcy/veilbook/internal/domain"
)

const proofPath = "/v1/proofs"

// Client requests eligibility proofs. Each request is signed twice: the
// HMAC headers authenticate the API key, the wallet signature proves the
// caller owns the address the proof is for.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	hmacAuth   *crypto.HMACAuth
	now        func() time.Time
}

// NewClient creates a prover client. Proof generation can take several
// seconds, so timeout should be generous.
func NewClient(baseURL string, timeout time.Duration, signer *crypto.Signer, hmac *crypto.HMACAuth) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		signer:     signer,
		hmacAuth:   hmac,
		now:        time.Now,
	}
}

type proofRequest struct {
	Owner     string `json:"owner"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

type proofResponse struct {
	Proof         []byte `json:"proof"`
	AuxiliaryRoot []byte `json:"auxiliary_root"`
	Error         string `json:"error,omitempty"`
}

// GenerateProof implements domain.EligibilityProver.
func (c *Client) GenerateProof(ctx context.Context, owner string) (domain.Proof, error) {
	if !strings.EqualFold(owner, c.signer.Address().Hex()) {
		return domain.Proof{}, fmt.Errorf("prover: %w: cannot prove for %s", domain.ErrUnauthorized, owner)
	}
	ts := c.now().Unix()
	sig, err := c.signer.SignEligibilityRequest(ts)
	if err != nil {
		return domain.Proof{}, fmt.Errorf("prover: sign request: %w", err)
	}

	body, err := json.Marshal(proofRequest{Owner: c.signer.Address().Hex(), Timestamp: ts, Signature: sig})
	if err != nil {
		return domain.Proof{}, fmt.Errorf("prover: marshal request: %w", err)
	}
	raw, err := c.do(ctx, http.MethodPost, proofPath, body)
	if err != nil {
		return domain.Proof{}, fmt.Errorf("prover: generate proof: %w", err)
	}

	var resp proofResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.Proof{}, fmt.Errorf("prover: decode proof: %w", err)
	}
	if resp.Error != "" {
		return domain.Proof{}, fmt.Errorf("prover: %w: %s", domain.ErrProofFailed, resp.Error)
	}
	if len(resp.Proof) == 0 {
		return domain.Proof{}, fmt.Errorf("prover: %w: empty proof", domain.ErrProofFailed)
	}
	return domain.Proof{Proof: resp.Proof, AuxiliaryRoot: resp.AuxiliaryRoot}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.hmacAuth != nil {
		for k, v := range c.hmacAuth.HeadersAt(method, path, body, c.now().Unix()) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	msg := strings.TrimSpace(string(body))
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", domain.ErrProofFailed, msg)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, msg)
	}
}
