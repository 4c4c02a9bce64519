package electrum

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Balance is the result of blockchain.scripthash.get_balance.
type Balance struct {
	Confirmed   int64 `json:"confirmed"`
	Unconfirmed int64 `json:"unconfirmed"`
}

// UTXO is one entry of blockchain.scripthash.listunspent.
type UTXO struct {
	TxHash string `json:"tx_hash"`
	TxPos  int    `json:"tx_pos"`
	Height int64  `json:"height"`
	Value  int64  `json:"value"`
}

// HistoryEntry is one entry of blockchain.scripthash.get_history.
type HistoryEntry struct {
	TxHash string `json:"tx_hash"`
	Height int64  `json:"height"`
	Fee    int64  `json:"fee,omitempty"`
}

// Client is the typed method surface layered over a Transport, mirroring
// the subset of the Electrum protocol this gateway depends on.
type Client struct {
	t *Transport
}

// NewClient wraps an already-constructed Transport with typed methods.
// Callers are expected to Negotiate once per (re)connect, typically from
// the transport's reconnect callback.
func NewClient(t *Transport) *Client {
	return &Client{t: t}
}

// Negotiate performs server.version, required once per connection.
func (c *Client) Negotiate(ctx context.Context, clientName, protocolVersion string) error {
	result, err := c.t.Call(ctx, "server.version", clientName, protocolVersion)
	if err != nil {
		return fmt.Errorf("electrum: version negotiation: %w", err)
	}
	var version []string
	if err := json.Unmarshal(result, &version); err != nil {
		return fmt.Errorf("%w: parse version response: %v", ErrProtocol, err)
	}
	return nil
}

// GetBalance returns the confirmed/unconfirmed balance for a scripthash.
func (c *Client) GetBalance(ctx context.Context, scripthash string) (*Balance, error) {
	result, err := c.t.Call(ctx, "blockchain.scripthash.get_balance", scripthash)
	if err != nil {
		return nil, err
	}
	var balance Balance
	if err := json.Unmarshal(result, &balance); err != nil {
		return nil, fmt.Errorf("%w: parse balance: %v", ErrProtocol, err)
	}
	return &balance, nil
}

// ListUnspent returns the unspent outputs for a scripthash.
func (c *Client) ListUnspent(ctx context.Context, scripthash string) ([]UTXO, error) {
	result, err := c.t.Call(ctx, "blockchain.scripthash.listunspent", scripthash)
	if err != nil {
		return nil, err
	}
	var utxos []UTXO
	if err := json.Unmarshal(result, &utxos); err != nil {
		return nil, fmt.Errorf("%w: parse utxos: %v", ErrProtocol, err)
	}
	return utxos, nil
}

// GetHistory returns the transaction history for a scripthash.
func (c *Client) GetHistory(ctx context.Context, scripthash string) ([]HistoryEntry, error) {
	result, err := c.t.Call(ctx, "blockchain.scripthash.get_history", scripthash)
	if err != nil {
		return nil, err
	}
	var txs []HistoryEntry
	if err := json.Unmarshal(result, &txs); err != nil {
		return nil, fmt.Errorf("%w: parse history: %v", ErrProtocol, err)
	}
	return txs, nil
}

// GetTransaction returns the raw transaction hex for a txid.
func (c *Client) GetTransaction(ctx context.Context, txid string) (string, error) {
	result, err := c.t.Call(ctx, "blockchain.transaction.get", txid, false)
	if err != nil {
		return "", err
	}
	var rawtx string
	if err := json.Unmarshal(result, &rawtx); err != nil {
		return "", fmt.Errorf("%w: parse transaction: %v", ErrProtocol, err)
	}
	return rawtx, nil
}

// BroadcastTransaction submits a raw transaction and returns its txid.
func (c *Client) BroadcastTransaction(ctx context.Context, rawtx string) (string, error) {
	result, err := c.t.Call(ctx, "blockchain.transaction.broadcast", rawtx)
	if err != nil {
		return "", err
	}
	var txid string
	if err := json.Unmarshal(result, &txid); err != nil {
		return "", fmt.Errorf("%w: parse broadcast result: %v", ErrProtocol, err)
	}
	return txid, nil
}

// EstimateFee returns the estimated fee rate in BTC/kB for confirmation
// within the given number of blocks, or -1 if the server can't estimate.
func (c *Client) EstimateFee(ctx context.Context, blocks int) (float64, error) {
	result, err := c.t.Call(ctx, "blockchain.estimatefee", blocks)
	if err != nil {
		return 0, err
	}
	var fee float64
	if err := json.Unmarshal(result, &fee); err != nil {
		return 0, fmt.Errorf("%w: parse fee estimate: %v", ErrProtocol, err)
	}
	return fee, nil
}

// GetBlockHeader returns the raw 80-byte header (hex) at the given height.
func (c *Client) GetBlockHeader(ctx context.Context, height int64) (string, error) {
	result, err := c.t.Call(ctx, "blockchain.block.header", height)
	if err != nil {
		return "", err
	}
	var header string
	if err := json.Unmarshal(result, &header); err != nil {
		return "", fmt.Errorf("%w: parse block header: %v", ErrProtocol, err)
	}
	return header, nil
}

// Ping issues server.ping, used directly by callers that want a liveness
// probe outside of the transport's own pinger.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.t.Call(ctx, "server.ping")
	return err
}

// Subscribe subscribes to a scripthash's status and returns its current
// status hash, or nil if the address has no history yet.
func (c *Client) Subscribe(ctx context.Context, scripthash string) (*string, error) {
	result, err := c.t.Call(ctx, "blockchain.scripthash.subscribe", scripthash)
	if err != nil {
		return nil, err
	}
	if string(result) == "null" {
		return nil, nil
	}
	var status string
	if err := json.Unmarshal(result, &status); err != nil {
		return nil, fmt.Errorf("%w: parse subscribe result: %v", ErrProtocol, err)
	}
	return &status, nil
}

// SubscribeHeaders subscribes to new-block notifications and returns the
// current tip height and raw header.
func (c *Client) SubscribeHeaders(ctx context.Context) (height int64, headerHex string, err error) {
	result, err := c.t.Call(ctx, "blockchain.headers.subscribe")
	if err != nil {
		return 0, "", err
	}
	var info struct {
		Height int64  `json:"height"`
		Hex    string `json:"hex"`
	}
	if err := json.Unmarshal(result, &info); err != nil {
		return 0, "", fmt.Errorf("%w: parse header info: %v", ErrProtocol, err)
	}
	return info.Height, info.Hex, nil
}

// ScriptHash computes the Electrum scripthash for a script pubkey: the
// SHA-256 digest, byte-reversed to match the protocol's little-endian
// display convention.
func ScriptHash(scriptPubKey []byte) string {
	hash := sha256.Sum256(scriptPubKey)
	for i, j := 0, len(hash)-1; i < j; i, j = i+1, j-1 {
		hash[i], hash[j] = hash[j], hash[i]
	}
	return hex.EncodeToString(hash[:])
}
