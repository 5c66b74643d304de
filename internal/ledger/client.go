// Package ledger implements the Solana JSON-RPC lookups consumed by the
// confirmation engine.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/moltapp/tradeloop/internal/confirm"
)

// Client talks to a Solana RPC endpoint.
type Client struct {
	http     *resty.Client
	endpoint string
}

// NewClient creates a ledger client for the given RPC endpoint.
func NewClient(endpoint string, timeout time.Duration) *Client {
	httpClient := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(timeout).
		SetRetryCount(0). // the confirmation engine owns the retry loop
		SetHeader("Content-Type", "application/json")

	return &Client{http: httpClient, endpoint: endpoint}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	var out rpcResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}).
		SetResult(&out).
		Post("")
	if err != nil {
		return nil, fmt.Errorf("rpc %s: %w", method, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("rpc %s: status %d", method, resp.StatusCode())
	}
	if out.Error != nil {
		return nil, fmt.Errorf("rpc %s: %s (code %d)", method, out.Error.Message, out.Error.Code)
	}
	return out.Result, nil
}

type signatureStatusValue struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	ConfirmationStatus string          `json:"confirmationStatus"`
	Err                json.RawMessage `json:"err"`
}

type signatureStatusResult struct {
	Value []*signatureStatusValue `json:"value"`
}

// SignatureStatus implements confirm.StatusLookup via getSignatureStatuses.
func (c *Client) SignatureStatus(ctx context.Context, signature string) (*confirm.TxStatus, error) {
	raw, err := c.call(ctx, "getSignatureStatuses", []any{
		[]string{signature},
		map[string]bool{"searchTransactionHistory": true},
	})
	if err != nil {
		return nil, err
	}

	var result signatureStatusResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode signature status: %w", err)
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return &confirm.TxStatus{Found: false}, nil
	}

	value := result.Value[0]
	status := &confirm.TxStatus{Found: true, Slot: value.Slot}
	if level, ok := confirm.ParseCommitment(value.ConfirmationStatus); ok {
		status.Commitment = level
	}
	if len(value.Err) > 0 && string(value.Err) != "null" {
		status.Err = string(value.Err)
	}
	return status, nil
}

type transactionResult struct {
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Meta      *struct {
		Fee          uint64          `json:"fee"`
		PreBalances  []uint64        `json:"preBalances"`
		PostBalances []uint64        `json:"postBalances"`
		LogMessages  []string        `json:"logMessages"`
		Err          json.RawMessage `json:"err"`
	} `json:"meta"`
}

// Transaction implements confirm.DetailLookup via getTransaction.
func (c *Client) Transaction(ctx context.Context, signature string) (*confirm.TxDetails, error) {
	raw, err := c.call(ctx, "getTransaction", []any{
		signature,
		map[string]any{"encoding": "json", "maxSupportedTransactionVersion": 0},
	})
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, fmt.Errorf("transaction %s not available", signature)
	}

	var result transactionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}

	details := &confirm.TxDetails{Slot: result.Slot}
	if result.BlockTime != nil {
		details.BlockTime = time.Unix(*result.BlockTime, 0).UTC()
	}
	if result.Meta != nil {
		details.Fee = result.Meta.Fee
		details.PreBalances = result.Meta.PreBalances
		details.PostBalances = result.Meta.PostBalances
		details.LogMessages = result.Meta.LogMessages
		if len(result.Meta.Err) > 0 && string(result.Meta.Err) != "null" {
			details.Err = string(result.Meta.Err)
		}
	}

	log.Debug().Str("signature", signature).Uint64("slot", details.Slot).
		Uint64("fee", details.Fee).Msg("Transaction details fetched")
	return details, nil
}
