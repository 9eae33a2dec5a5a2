package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	vaultwatch "github.com/keeperhq/vaultwatch"
)

// RPCClient talks JSON-RPC 2.0 over HTTP to a ledger node. Transient
// transport failures and 5xx responses are retried with exponential
// backoff; RPC-level errors are not, since the node answered and retrying
// would return the same thing.
type RPCClient struct {
	url      string
	client   *http.Client
	signer   Signer
	logger   *slog.Logger
	maxTries uint
}

// RPCOption configures an RPCClient.
type RPCOption func(*RPCClient)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(client *http.Client) RPCOption {
	return func(c *RPCClient) {
		c.client = client
	}
}

// WithSigner sets the transaction signer. Required for SubmitInstruction;
// read-only consumers can omit it.
func WithSigner(signer Signer) RPCOption {
	return func(c *RPCClient) {
		c.signer = signer
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RPCOption {
	return func(c *RPCClient) {
		c.logger = logger
	}
}

// WithMaxTries caps retry attempts per call (default 4).
func WithMaxTries(n uint) RPCOption {
	return func(c *RPCClient) {
		c.maxTries = n
	}
}

// NewRPCClient creates a client for the given RPC endpoint URL.
func NewRPCClient(url string, opts ...RPCOption) *RPCClient {
	c := &RPCClient{
		url:      url,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   slog.Default(),
		maxTries: 4,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *RPCClient) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	operation := func() (json.RawMessage, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			c.logger.Debug("rpc transport error, will retry", "method", method, "error", err)
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			c.logger.Debug("rpc server error, will retry", "method", method, "status", resp.StatusCode)
			return nil, fmt.Errorf("server returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, backoff.Permanent(fmt.Errorf("server returned %d", resp.StatusCode))
		}

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(raw, &rpcResp); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("parsing response: %w", err))
		}
		if rpcResp.Error != nil {
			// The node answered; retrying returns the same error.
			return nil, backoff.Permanent(rpcResp.Error)
		}
		return rpcResp.Result, nil
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return result, nil
}

type accountData struct {
	Data     []string `json:"data"` // [payload, encoding]
	Lamports uint64   `json:"lamports"`
}

func (a *accountData) decode() ([]byte, error) {
	if len(a.Data) < 1 {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(a.Data[0])
}

func encodeFilters(filters []Filter) []map[string]any {
	var out []map[string]any
	for _, f := range filters {
		if f.DataSize > 0 {
			out = append(out, map[string]any{"dataSize": f.DataSize})
		}
		if len(f.MemcmpBytes) > 0 {
			out = append(out, map[string]any{
				"memcmp": map[string]any{
					"offset": f.MemcmpOffset,
					"bytes":  base58.Encode(f.MemcmpBytes),
				},
			})
		}
	}
	return out
}

// ProgramAccounts implements Client.
func (c *RPCClient) ProgramAccounts(ctx context.Context, program vaultwatch.Address, filters ...Filter) ([]Account, error) {
	opts := map[string]any{"encoding": "base64"}
	if encoded := encodeFilters(filters); len(encoded) > 0 {
		opts["filters"] = encoded
	}

	result, err := c.call(ctx, "getProgramAccounts", program.String(), opts)
	if err != nil {
		return nil, err
	}

	var entries []struct {
		Pubkey  string      `json:"pubkey"`
		Account accountData `json:"account"`
	}
	if err := json.Unmarshal(result, &entries); err != nil {
		return nil, fmt.Errorf("parsing program accounts: %w", err)
	}

	accounts := make([]Account, 0, len(entries))
	for _, e := range entries {
		addr, err := vaultwatch.ParseAddress(e.Pubkey)
		if err != nil {
			return nil, fmt.Errorf("parsing account address %q: %w", e.Pubkey, err)
		}
		data, err := e.Account.decode()
		if err != nil {
			return nil, fmt.Errorf("decoding account %s: %w", addr.Short(), err)
		}
		accounts = append(accounts, Account{Address: addr, Data: data, Lamports: e.Account.Lamports})
	}
	return accounts, nil
}

// AccountInfo implements Client.
func (c *RPCClient) AccountInfo(ctx context.Context, address vaultwatch.Address) (*Account, error) {
	result, err := c.call(ctx, "getAccountInfo", address.String(), map[string]any{"encoding": "base64"})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Value *accountData `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parsing account info: %w", err)
	}
	if resp.Value == nil {
		return nil, ErrAccountNotFound
	}

	data, err := resp.Value.decode()
	if err != nil {
		return nil, fmt.Errorf("decoding account %s: %w", address.Short(), err)
	}
	return &Account{Address: address, Data: data, Lamports: resp.Value.Lamports}, nil
}

// SubmitInstruction implements Client. The instruction is signed via the
// configured Signer against a fresh blockhash and submitted.
func (c *RPCClient) SubmitInstruction(ctx context.Context, ins Instruction) (string, error) {
	if c.signer == nil {
		return "", fmt.Errorf("submitting instruction: no signer configured")
	}

	result, err := c.call(ctx, "getLatestBlockhash", map[string]any{"commitment": "confirmed"})
	if err != nil {
		return "", err
	}
	var blockhashResp struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &blockhashResp); err != nil {
		return "", fmt.Errorf("parsing blockhash: %w", err)
	}

	wire, err := c.signer.Sign(ins, blockhashResp.Value.Blockhash)
	if err != nil {
		return "", fmt.Errorf("signing transaction: %w", err)
	}

	result, err = c.call(ctx, "sendTransaction",
		base64.StdEncoding.EncodeToString(wire),
		map[string]any{"encoding": "base64"},
	)
	if err != nil {
		return "", classifySubmitError(err)
	}

	var signature string
	if err := json.Unmarshal(result, &signature); err != nil {
		return "", fmt.Errorf("parsing signature: %w", err)
	}
	return signature, nil
}

// classifySubmitError maps program rejections onto typed errors. The
// program reports failures as numbered custom errors inside the RPC error
// message; the numbers are part of the deployed program's ABI.
func classifySubmitError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "already been processed"), strings.Contains(msg, "6002"), strings.Contains(msg, "AlreadyReleased"):
		return fmt.Errorf("%w: %s", ErrAlreadyProcessed, msg)
	case strings.Contains(msg, "6001"), strings.Contains(msg, "NotExpired"):
		return fmt.Errorf("%w: %s", ErrNotExpired, msg)
	case strings.Contains(msg, "6000"), strings.Contains(msg, "Unauthorized"):
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	default:
		return err
	}
}
