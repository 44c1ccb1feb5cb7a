package poi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"shieldrelay/core/chain"
	"shieldrelay/observability/logging"
)

const methodSubmitSingleCommitmentProofs = "ppoi_submit_single_commitment_proofs"

// NodeConfig configures the POI node client.
type NodeConfig struct {
	URL      string
	RetryMax int
	Timeout  time.Duration
	Logger   *slog.Logger
}

// NodeClient talks JSON-RPC over HTTP to a POI node.
type NodeClient struct {
	url    string
	http   *retryablehttp.Client
	nextID atomic.Uint64
}

// NewNodeClient validates cfg and returns a client.
func NewNodeClient(cfg NodeConfig) (*NodeClient, error) {
	endpoint := strings.TrimSpace(cfg.URL)
	if endpoint == "" {
		return nil, fmt.Errorf("poi: node url required")
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	if cfg.RetryMax > 0 {
		client.RetryMax = cfg.RetryMax
	}
	client.Logger = nil
	if cfg.Logger != nil {
		client.Logger = logging.Component(cfg.Logger, "poi-node")
	}
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}
	return &NodeClient{url: endpoint, http: client}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      uint64 `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type submitParams struct {
	ChainType                  string                `json:"chainType"`
	ChainID                    string                `json:"chainID"`
	TxidVersion                string                `json:"txidVersion"`
	SingleCommitmentProofsData SingleCommitmentProof `json:"singleCommitmentProofsData"`
}

// SubmitSingleCommitmentProof sends one commitment proof to the node.
func (c *NodeClient) SubmitSingleCommitmentProof(ctx context.Context, txidVersion string, ch chain.ID, proof SingleCommitmentProof) error {
	params := submitParams{
		ChainType:                  fmt.Sprintf("%d", ch.Type),
		ChainID:                    fmt.Sprintf("%d", ch.ID),
		TxidVersion:                txidVersion,
		SingleCommitmentProofsData: proof,
	}
	return c.call(ctx, methodSubmitSingleCommitmentProofs, params, nil)
}

func (c *NodeClient) call(ctx context.Context, method string, params, result any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: c.nextID.Add(1)})
	if err != nil {
		return fmt.Errorf("poi: encode %s: %w", method, err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("poi: build %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("poi: %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("poi: %s: status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("poi: decode %s: %w", method, err)
	}
	if decoded.Error != nil {
		return fmt.Errorf("poi: %s: rpc error %d: %s", method, decoded.Error.Code, decoded.Error.Message)
	}
	if result != nil && len(decoded.Result) > 0 {
		if err := json.Unmarshal(decoded.Result, result); err != nil {
			return fmt.Errorf("poi: decode %s result: %w", method, err)
		}
	}
	return nil
}
