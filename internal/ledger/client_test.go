package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltapp/tradeloop/internal/confirm"
)

func rpcServer(t *testing.T, handler func(method string, params []any) (any, any)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			Params []any  `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result, rpcErr := handler(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": 1}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestSignatureStatus_Confirmed(t *testing.T) {
	server := rpcServer(t, func(method string, params []any) (any, any) {
		assert.Equal(t, "getSignatureStatuses", method)
		return map[string]any{
			"value": []any{map[string]any{
				"slot":               361439283,
				"confirmations":      12,
				"confirmationStatus": "confirmed",
				"err":                nil,
			}},
		}, nil
	})
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	status, err := client.SignatureStatus(context.Background(), "sig-abc")
	require.NoError(t, err)
	assert.True(t, status.Found)
	assert.Equal(t, confirm.CommitmentConfirmed, status.Commitment)
	assert.Equal(t, uint64(361439283), status.Slot)
	assert.Empty(t, status.Err)
}

func TestSignatureStatus_NotFound(t *testing.T) {
	server := rpcServer(t, func(method string, params []any) (any, any) {
		return map[string]any{"value": []any{nil}}, nil
	})
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	status, err := client.SignatureStatus(context.Background(), "sig-missing")
	require.NoError(t, err)
	assert.False(t, status.Found)
}

func TestSignatureStatus_OnChainError(t *testing.T) {
	server := rpcServer(t, func(method string, params []any) (any, any) {
		return map[string]any{
			"value": []any{map[string]any{
				"slot":               100,
				"confirmationStatus": "finalized",
				"err":                map[string]any{"InstructionError": []any{0, "Custom"}},
			}},
		}, nil
	})
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	status, err := client.SignatureStatus(context.Background(), "sig-failed")
	require.NoError(t, err)
	assert.True(t, status.Found)
	assert.Equal(t, confirm.CommitmentFinalized, status.Commitment)
	assert.Contains(t, status.Err, "InstructionError")
}

func TestSignatureStatus_RPCError(t *testing.T) {
	server := rpcServer(t, func(method string, params []any) (any, any) {
		return nil, map[string]any{"code": -32005, "message": "node is behind"}
	})
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	_, err := client.SignatureStatus(context.Background(), "sig")
	assert.ErrorContains(t, err, "node is behind")
}

func TestTransaction_Details(t *testing.T) {
	server := rpcServer(t, func(method string, params []any) (any, any) {
		assert.Equal(t, "getTransaction", method)
		return map[string]any{
			"slot":      200,
			"blockTime": 1735689600,
			"meta": map[string]any{
				"fee":          5000,
				"preBalances":  []uint64{1000000, 2000000},
				"postBalances": []uint64{994000, 2000000},
				"logMessages":  []string{"Program log: ok"},
				"err":          nil,
			},
		}, nil
	})
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	details, err := client.Transaction(context.Background(), "sig")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), details.Slot)
	assert.Equal(t, uint64(5000), details.Fee)
	assert.Len(t, details.PreBalances, 2)
	assert.Equal(t, []string{"Program log: ok"}, details.LogMessages)
	assert.Empty(t, details.Err)
	assert.False(t, details.BlockTime.IsZero())
}

func TestTransaction_NullResult(t *testing.T) {
	server := rpcServer(t, func(method string, params []any) (any, any) {
		return nil, nil
	})
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	_, err := client.Transaction(context.Background(), "sig-gone")
	assert.ErrorContains(t, err, "not available")
}
