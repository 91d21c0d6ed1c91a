package escrow

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"saltdig/internal/saltdigerr"
)

// HTTPChainClient talks to the BASE_RPC_URL endpoint over plain JSON-RPC.
// No chain SDK exists anywhere in the retrieved example pack; this is the
// one component built directly on net/http rather than an ecosystem
// library, because none is available to ground it on.
type HTTPChainClient struct {
	URL    string
	Client *http.Client
}

func NewHTTPChainClient(url string, timeout time.Duration) *HTTPChainClient {
	return &HTTPChainClient{URL: url, Client: &http.Client{Timeout: timeout}}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *HTTPChainClient) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, saltdigerr.EscrowRpcFailure(method, err)
	}
	defer resp.Body.Close()
	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, saltdigerr.EscrowRpcFailure(method, err)
	}
	if out.Error != nil {
		return nil, saltdigerr.EscrowRpcFailure(method, fmt.Errorf("%s", out.Error.Message))
	}
	return out.Result, nil
}

func (c *HTTPChainClient) Call(ctx context.Context, to string, data []byte) ([]byte, error) {
	raw, err := c.call(ctx, "eth_call", map[string]string{"to": to, "data": "0x" + hex.EncodeToString(data)}, "latest")
	if err != nil {
		return nil, err
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return nil, saltdigerr.EscrowRpcFailure("eth_call", err)
	}
	return decodeHex(hexStr)
}

func (c *HTTPChainClient) PendingNonce(ctx context.Context, address string) (uint64, error) {
	raw, err := c.call(ctx, "eth_getTransactionCount", address, "pending")
	if err != nil {
		return 0, err
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return 0, saltdigerr.EscrowRpcFailure("eth_getTransactionCount", err)
	}
	n := new(big.Int)
	if _, ok := n.SetString(trimHexPrefix(hexStr), 16); !ok {
		return 0, saltdigerr.EscrowRpcFailure("eth_getTransactionCount", fmt.Errorf("malformed nonce %s", hexStr))
	}
	return n.Uint64(), nil
}

func (c *HTTPChainClient) SendRawTransaction(ctx context.Context, rawTx []byte) (string, error) {
	raw, err := c.call(ctx, "eth_sendRawTransaction", "0x"+hex.EncodeToString(rawTx))
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(raw, &hash); err != nil {
		return "", saltdigerr.EscrowRpcFailure("eth_sendRawTransaction", err)
	}
	return hash, nil
}

func (c *HTTPChainClient) WaitForReceipt(ctx context.Context, txHash string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return saltdigerr.EscrowRpcFailure("eth_getTransactionReceipt", ctx.Err())
		case <-ticker.C:
			raw, err := c.call(ctx, "eth_getTransactionReceipt", txHash)
			if err != nil {
				return err
			}
			if string(raw) != "null" && len(raw) > 0 {
				return nil
			}
		}
	}
}

func (c *HTTPChainClient) ERC20Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	data := selector("allowance(address,address)")
	data = append(data, leftPadAddress(owner)...)
	data = append(data, leftPadAddress(spender)...)
	out, err := c.Call(ctx, token, data)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(out), nil
}

func (c *HTTPChainClient) ERC20Approve(ctx context.Context, signer Signer, token, spender string, amount *big.Int) (string, error) {
	data := selector("approve(address,uint256)")
	data = append(data, leftPadAddress(spender)...)
	amt := encodeUint256(amount)
	data = append(data, amt[:]...)
	nonce, err := c.PendingNonce(ctx, signer.Address())
	if err != nil {
		return "", err
	}
	rawTx, err := signer.SignTransaction(ctx, token, data, nonce, 80000)
	if err != nil {
		return "", saltdigerr.EscrowRpcFailure("approve", err)
	}
	return c.SendRawTransaction(ctx, rawTx)
}

func leftPadAddress(addr string) []byte {
	b, _ := decodeHex(addr)
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(trimHexPrefix(s))
}
