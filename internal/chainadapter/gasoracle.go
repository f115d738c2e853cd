package chainadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// GasOracle queries a chain explorer's gas tracker API as a sanity check
// on the node's own SuggestGasPrice, the same multi-chain gastracker
// endpoints (Etherscan/BSCScan/Polygonscan) the reference backend's gas
// price client polled. It never blocks a submission on its own account:
// any failure or malformed response falls back to the caller's node-RPC
// estimate.
type GasOracle struct {
	httpClient *http.Client
	endpoints  map[int64]string
}

// NewGasOracle builds an oracle with the standard gastracker endpoints for
// Ethereum, BSC and Polygon. Chains without a known explorer endpoint are
// left for the caller's own estimate.
func NewGasOracle() *GasOracle {
	return &GasOracle{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		endpoints: map[int64]string{
			1:   "https://api.etherscan.io/api?module=gastracker&action=gasoracle",
			56:  "https://api.bscscan.com/api?module=gastracker&action=gasoracle",
			137: "https://api.polygonscan.com/api?module=gastracker&action=gasoracle",
		},
	}
}

type gasOracleResponse struct {
	Status string `json:"status"`
	Result struct {
		ProposeGasPrice string `json:"ProposeGasPrice"`
	} `json:"result"`
}

// SuggestGasPriceWei returns the explorer's proposed gas price for chainID
// in wei, or (nil, false) when no endpoint is configured for the chain or
// the request didn't produce a usable number.
func (o *GasOracle) SuggestGasPriceWei(ctx context.Context, chainID int64) (*big.Int, bool) {
	url, ok := o.endpoints[chainID]
	if !ok {
		return nil, false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false
	}

	var parsed gasOracleResponse
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Status != "1" {
		return nil, false
	}

	gwei, err := strconv.ParseFloat(strings.TrimSpace(parsed.Result.ProposeGasPrice), 64)
	if err != nil {
		return nil, false
	}
	wei := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(1e9))
	out, _ := wei.Int(nil)
	return out, true
}

func (o *GasOracle) String(chainID int64) string {
	return fmt.Sprintf("gas-oracle(chain=%d)", chainID)
}
