package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPKMSClient implements KMSSigner against a remote key-management
// service reached over HTTP, the transport the reference backend's KMS
// client uses for its dual-layer decrypt-and-sign calls, trimmed here to
// the single sign-by-address-and-hash operation this pool actually needs.
type HTTPKMSClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

func NewHTTPKMSClient(baseURL, authToken string, timeout time.Duration) *HTTPKMSClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPKMSClient{
		baseURL:    baseURL,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type kmsSignRequest struct {
	Address string `json:"address"`
	Hash    string `json:"hash"` // hex-encoded
}

type kmsSignResponse struct {
	Success   bool   `json:"success"`
	Signature string `json:"signature,omitempty"` // hex-encoded
	Error     string `json:"error,omitempty"`
}

// SignWithKMS asks the remote KMS to sign hash on behalf of address and
// returns the raw signature bytes.
func (c *HTTPKMSClient) SignWithKMS(ctx context.Context, address string, hash []byte) ([]byte, error) {
	reqBody, err := json.Marshal(kmsSignRequest{Address: address, Hash: hex.EncodeToString(hash)})
	if err != nil {
		return nil, fmt.Errorf("marshal kms sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/sign", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build kms sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kms sign request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read kms response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kms sign request returned status %d: %s", resp.StatusCode, string(raw))
	}

	var signResp kmsSignResponse
	if err := json.Unmarshal(raw, &signResp); err != nil {
		return nil, fmt.Errorf("parse kms response: %w", err)
	}
	if !signResp.Success {
		return nil, fmt.Errorf("kms sign failed: %s", signResp.Error)
	}

	sig, err := hex.DecodeString(signResp.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode kms signature: %w", err)
	}
	return sig, nil
}
