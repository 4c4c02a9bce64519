// Package rpc implements the Bitcoin-Core-compatible JSON-RPC method
// registry and dispatch: a static registry of chain-level and
// wallet-level methods, positional/named param binding, and the
// method/wallet resolution steps.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/cryptoadvance/spectrum-go/store"
)

// Request is one JSON-RPC 2.0 call.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     json.RawMessage `json:"id"`
}

// Response is one JSON-RPC 2.0 reply. Error is nil on success.
type Response struct {
	Result interface{}     `json:"result"`
	Error  *Error          `json:"error"`
	ID     json.RawMessage `json:"id"`
}

// MethodFunc implements one RPC method's semantics. params is the raw
// params value from the request (array or object); walletName is empty
// for chain-level methods.
type MethodFunc func(ctx context.Context, d *Deps, walletName string, params json.RawMessage) (interface{}, error)

type registration struct {
	fn           MethodFunc
	walletScoped bool
}

// Dispatcher holds the static method registry and the dependencies every
// handler is given.
type Dispatcher struct {
	deps    *Deps
	methods map[string]registration
	log     hclog.Logger
}

// New builds an empty Dispatcher bound to deps. Call Register for every
// method, or RegisterAll (in methods_chain.go/methods_wallet.go) to
// install the full inventory.
func New(deps *Deps, log hclog.Logger) *Dispatcher {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Dispatcher{deps: deps, methods: make(map[string]registration), log: log}
}

// Register adds one method to the registry. walletScoped methods require
// a resolved wallet name before fn is invoked.
func (d *Dispatcher) Register(name string, walletScoped bool, fn MethodFunc) {
	d.methods[name] = registration{fn: fn, walletScoped: walletScoped}
}

// Dispatch resolves and executes a single request, never panicking: any
// handler error (or panic-worthy domain failure reported as an error) is
// mapped to a JSON-RPC error object instead of propagating.
func (d *Dispatcher) Dispatch(ctx context.Context, walletName string, req Request) Response {
	resp := Response{ID: req.ID}

	reg, ok := d.methods[req.Method]
	if !ok {
		resp.Error = NewError(CodeMethodNotFound, "Method not found")
		return resp
	}

	if reg.walletScoped {
		if walletName == "" {
			resp.Error = NewError(CodeWalletNotSpecified, "Wallet file not specified")
			return resp
		}
		if _, err := getWallet(d.deps.Store, walletName); err != nil {
			resp.Error = NewError(CodeWalletNotLoaded, fmt.Sprintf("Requested wallet %q does not exist or is not loaded", walletName))
			return resp
		}
	}

	result, err := reg.fn(ctx, d.deps, walletName, req.Params)
	if err != nil {
		d.log.Debug("rpc: method returned error", "method", req.Method, "error", err)
		resp.Error = mapError(err)
		return resp
	}
	resp.Result = result
	return resp
}

// DispatchBatch dispatches every request independently, returning the
// responses in request order.
func (d *Dispatcher) DispatchBatch(ctx context.Context, walletName string, reqs []Request) []Response {
	out := make([]Response, len(reqs))
	for i, req := range reqs {
		out[i] = d.Dispatch(ctx, walletName, req)
	}
	return out
}

func getWallet(st *store.Store, name string) (*store.Wallet, error) {
	rtxn := st.Begin(false)
	w, err := rtxn.GetWallet(name)
	rtxn.Rollback()
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("wallet %q not loaded", name)
	}
	return w, nil
}

// bindParams decodes a JSON-RPC params value, which may be a positional
// array or a named object, into dest (a pointer to a per-method params
// struct). For array form, values are mapped onto dest's fields by
// position using keys as the corresponding json tag names.
func bindParams(raw json.RawMessage, keys []string, dest interface{}) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil
	}
	if trimmed[0] != '[' {
		return json.Unmarshal(trimmed, dest)
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(trimmed, &arr); err != nil {
		return NewError(CodeInvalidParams, fmt.Sprintf("params must be an array: %v", err))
	}
	obj := make(map[string]json.RawMessage, len(arr))
	for i, v := range arr {
		if i >= len(keys) {
			break
		}
		obj[keys[i]] = v
	}
	merged, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return json.Unmarshal(merged, dest)
}
