package bridged

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"aegisbridge/bridge"
	"aegisbridge/core/types"
)

// UpstreamClient talks to the rollup node and the treasury executor. It
// implements the ledger's finality oracle, the fraud pipeline's block source
// and state replayer, and the transfer executor.
type UpstreamClient struct {
	nodeURL     string
	executorURL string
	client      *http.Client
}

var (
	_ bridge.FinalityOracle   = (*UpstreamClient)(nil)
	_ bridge.TransferExecutor = (*UpstreamClient)(nil)
	_ bridge.BlockSource      = (*UpstreamClient)(nil)
)

// NewUpstreamClient builds a client for the given endpoints. Requests carry
// OpenTelemetry propagation headers.
func NewUpstreamClient(nodeURL, executorURL string, timeout time.Duration) (*UpstreamClient, error) {
	node := strings.TrimRight(strings.TrimSpace(nodeURL), "/")
	executor := strings.TrimRight(strings.TrimSpace(executorURL), "/")
	if node == "" {
		return nil, fmt.Errorf("bridged: upstream node url required")
	}
	if executor == "" {
		return nil, fmt.Errorf("bridged: executor url required")
	}
	if _, err := url.Parse(node); err != nil {
		return nil, fmt.Errorf("bridged: parse node url: %w", err)
	}
	if _, err := url.Parse(executor); err != nil {
		return nil, fmt.Errorf("bridged: parse executor url: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &UpstreamClient{
		nodeURL:     node,
		executorURL: executor,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

type outputPayload struct {
	OutputRoot  string `json:"outputRoot"`
	StateRoot   string `json:"stateRoot"`
	BlockHash   string `json:"blockHash"`
	BlockNumber uint64 `json:"blockNumber"`
	Timestamp   int64  `json:"timestamp"`
	Finalized   bool   `json:"finalized"`
}

// GetOutput fetches the committed output for the source block.
func (c *UpstreamClient) GetOutput(ctx context.Context, blockNumber uint64) (bridge.OracleOutput, error) {
	var payload outputPayload
	if err := c.getJSON(ctx, fmt.Sprintf("%s/v1/outputs/%d", c.nodeURL, blockNumber), &payload); err != nil {
		return bridge.OracleOutput{}, err
	}
	output := bridge.OracleOutput{
		BlockNumber: payload.BlockNumber,
		Timestamp:   payload.Timestamp,
		Finalized:   payload.Finalized,
	}
	if err := decodeHash32(payload.OutputRoot, &output.OutputRoot); err != nil {
		return bridge.OracleOutput{}, fmt.Errorf("bridged: malformed output root: %w", err)
	}
	if err := decodeHash32(payload.StateRoot, &output.StateRoot); err != nil {
		return bridge.OracleOutput{}, fmt.Errorf("bridged: malformed state root: %w", err)
	}
	if err := decodeHash32(payload.BlockHash, &output.BlockHash); err != nil {
		return bridge.OracleOutput{}, fmt.Errorf("bridged: malformed block hash: %w", err)
	}
	return output, nil
}

// LatestFinalizedBlockNumber reports the node's finalized head.
func (c *UpstreamClient) LatestFinalizedBlockNumber(ctx context.Context) (uint64, error) {
	var payload struct {
		BlockNumber uint64 `json:"blockNumber"`
	}
	if err := c.getJSON(ctx, c.nodeURL+"/v1/finalized", &payload); err != nil {
		return 0, err
	}
	return payload.BlockNumber, nil
}

// BlockByNumber fetches a full block for fraud screening.
func (c *UpstreamClient) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	block := &types.Block{}
	if err := c.getJSON(ctx, fmt.Sprintf("%s/v1/blocks/%d", c.nodeURL, number), block); err != nil {
		return nil, err
	}
	return block, nil
}

// Replay asks the node to deterministically re-execute the transaction and
// return the resulting post-state root.
func (c *UpstreamClient) Replay(tx *types.Transaction) ([32]byte, error) {
	var root [32]byte
	body, err := json.Marshal(tx)
	if err != nil {
		return root, fmt.Errorf("bridged: encode transaction: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.client.Timeout)
	defer cancel()

	var payload struct {
		PostStateRoot string `json:"postStateRoot"`
	}
	if err := c.postJSON(ctx, c.nodeURL+"/v1/replay", body, &payload); err != nil {
		return root, err
	}
	if err := decodeHash32(payload.PostStateRoot, &root); err != nil {
		return root, fmt.Errorf("bridged: malformed post-state root: %w", err)
	}
	return root, nil
}

// Transfer instructs the treasury executor to pay out the withdrawal.
func (c *UpstreamClient) Transfer(ctx context.Context, recipient [20]byte, token string, amount *big.Int) error {
	body, err := json.Marshal(map[string]string{
		"recipient": hex.EncodeToString(recipient[:]),
		"token":     token,
		"amount":    amount.String(),
	})
	if err != nil {
		return fmt.Errorf("bridged: encode transfer: %w", err)
	}
	return c.postJSON(ctx, c.executorURL+"/v1/transfers", body, nil)
}

func (c *UpstreamClient) getJSON(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("bridged: build request: %w", err)
	}
	return c.do(req, out)
}

func (c *UpstreamClient) postJSON(ctx context.Context, target string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("bridged: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *UpstreamClient) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("bridged: upstream request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("bridged: upstream %s returned %d", req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("bridged: decode upstream response: %w", err)
	}
	return nil
}
