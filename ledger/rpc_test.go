package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	vaultwatch "github.com/keeperhq/vaultwatch"
)

type fakeSigner struct {
	addr vaultwatch.Address
}

func (s *fakeSigner) Address() vaultwatch.Address {
	return s.addr
}

func (s *fakeSigner) Sign(ins Instruction, recentBlockhash string) ([]byte, error) {
	return append([]byte(recentBlockhash+":"), ins.Data...), nil
}

func rpcResult(t *testing.T, w http.ResponseWriter, result any) {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": "1", "result": json.RawMessage(raw)})
}

func TestProgramAccounts(t *testing.T) {
	program := testAddr(1)
	account := testAddr(5)
	payload := []byte{211, 8, 232, 43, 2, 152, 117, 119, 0, 0}

	var gotFilters string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "getProgramAccounts", req.Method)
		require.Equal(t, program.String(), req.Params[0])
		opts, _ := json.Marshal(req.Params[1])
		gotFilters = string(opts)

		rpcResult(t, w, []map[string]any{
			{
				"pubkey": account.String(),
				"account": map[string]any{
					"data":     []string{base64.StdEncoding.EncodeToString(payload), "base64"},
					"lamports": 12345,
				},
			},
		})
	}))
	defer srv.Close()

	client := NewRPCClient(srv.URL)
	accounts, err := client.ProgramAccounts(context.Background(), program,
		DataSizeFilter(424),
		MemcmpFilter(8, testAddr(2).Bytes()),
	)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	require.Equal(t, account, accounts[0].Address)
	require.Equal(t, payload, accounts[0].Data)
	require.Equal(t, uint64(12345), accounts[0].Lamports)

	require.Contains(t, gotFilters, `"dataSize":424`)
	require.Contains(t, gotFilters, `"offset":8`)
	require.Contains(t, gotFilters, fmt.Sprintf("%q", testAddr(2).String()))
}

func TestAccountInfoNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rpcResult(t, w, map[string]any{"value": nil})
	}))
	defer srv.Close()

	client := NewRPCClient(srv.URL)
	_, err := client.AccountInfo(context.Background(), testAddr(1))
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestCallRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		rpcResult(t, w, map[string]any{"value": map[string]any{
			"data":     []string{"", "base64"},
			"lamports": 1,
		}})
	}))
	defer srv.Close()

	client := NewRPCClient(srv.URL, WithMaxTries(5))
	account, err := client.AccountInfo(context.Background(), testAddr(1))
	require.NoError(t, err)
	require.Equal(t, uint64(1), account.Lamports)
	require.Equal(t, int32(3), calls.Load())
}

func TestCallDoesNotRetryRPCErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": "1",
			"error": map[string]any{"code": -32602, "message": "invalid params"},
		})
	}))
	defer srv.Close()

	client := NewRPCClient(srv.URL, WithMaxTries(5))
	_, err := client.AccountInfo(context.Background(), testAddr(1))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid params")
	require.Equal(t, int32(1), calls.Load())
}

func TestSubmitInstruction(t *testing.T) {
	var sentTx string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.Method {
		case "getLatestBlockhash":
			rpcResult(t, w, map[string]any{"value": map[string]any{"blockhash": "HASH1"}})
		case "sendTransaction":
			sentTx = req.Params[0].(string)
			rpcResult(t, w, "sig123")
		default:
			t.Errorf("unexpected method %s", req.Method)
		}
	}))
	defer srv.Close()

	client := NewRPCClient(srv.URL, WithSigner(&fakeSigner{addr: testAddr(9)}))
	ins := NewTriggerRelease(testAddr(1), testAddr(2), testAddr(9))

	sig, err := client.SubmitInstruction(context.Background(), ins)
	require.NoError(t, err)
	require.Equal(t, "sig123", sig)

	wire, err := base64.StdEncoding.DecodeString(sentTx)
	require.NoError(t, err)
	require.Equal(t, append([]byte("HASH1:"), ins.Data...), wire)
}

func TestSubmitInstructionRequiresSigner(t *testing.T) {
	client := NewRPCClient("http://localhost:0")
	_, err := client.SubmitInstruction(context.Background(), Instruction{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no signer")
}

func TestSubmitClassifiesProgramErrors(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    error
	}{
		{"already released", "custom program error: 6002", ErrAlreadyProcessed},
		{"duplicate transaction", "This transaction has already been processed", ErrAlreadyProcessed},
		{"not expired", "custom program error: 6001", ErrNotExpired},
		{"unauthorized", "custom program error: 6000", ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var req rpcRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				if req.Method == "getLatestBlockhash" {
					rpcResult(t, w, map[string]any{"value": map[string]any{"blockhash": "H"}})
					return
				}
				_ = json.NewEncoder(w).Encode(map[string]any{
					"jsonrpc": "2.0", "id": "1",
					"error": map[string]any{"code": -32002, "message": tt.message},
				})
			}))
			defer srv.Close()

			client := NewRPCClient(srv.URL, WithSigner(&fakeSigner{}))
			_, err := client.SubmitInstruction(context.Background(), Instruction{})
			require.ErrorIs(t, err, tt.want)
		})
	}
}
