package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/hashicorp/go-hclog"

	"github.com/cryptoadvance/spectrum-go/chain"
	"github.com/cryptoadvance/spectrum-go/indexer"
	"github.com/cryptoadvance/spectrum-go/store"
	"github.com/cryptoadvance/spectrum-go/txcache"
	"github.com/cryptoadvance/spectrum-go/wallet"
)

// fakeElectrum is the hand-wired ElectrumClient the method tests drive,
// mirroring the indexer tests' fakeClient.
type fakeElectrum struct {
	fee         float64
	feeErr      error
	txs         map[string]string
	headers     map[int64]string
	broadcasted []string
}

func (f *fakeElectrum) EstimateFee(ctx context.Context, blocks int) (float64, error) {
	return f.fee, f.feeErr
}

func (f *fakeElectrum) GetTransaction(ctx context.Context, txid string) (string, error) {
	if raw, ok := f.txs[txid]; ok {
		return raw, nil
	}
	return "", errors.New("missing transaction")
}

func (f *fakeElectrum) BroadcastTransaction(ctx context.Context, rawtx string) (string, error) {
	f.broadcasted = append(f.broadcasted, rawtx)
	return "feedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedface", nil
}

func (f *fakeElectrum) GetBlockHeader(ctx context.Context, height int64) (string, error) {
	if hdr, ok := f.headers[height]; ok {
		return hdr, nil
	}
	return "", errors.New("missing header")
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *Deps, *fakeElectrum) {
	t.Helper()
	st, err := store.New()
	if err != nil {
		t.Fatalf("store.New() error: %v", err)
	}
	cache, err := txcache.New(t.TempDir())
	if err != nil {
		t.Fatalf("txcache.New() error: %v", err)
	}
	client := &fakeElectrum{txs: map[string]string{}, headers: map[int64]string{}}
	deps := &Deps{
		Store:     st,
		Electrum:  client,
		Router:    indexer.NewRouter(nil, st, nil),
		Wallet:    wallet.New(st, nil, &chaincfg.MainNetParams, nil),
		Cache:     cache,
		Hashes:    chain.NewHashCache(0),
		Params:    &chaincfg.MainNetParams,
		StartedAt: time.Now(),
		Log:       hclog.NewNullLogger(),
	}
	d := New(deps, nil)
	RegisterChainMethods(d)
	RegisterWalletMethods(d)
	return d, deps, client
}

func dispatch(t *testing.T, d *Dispatcher, walletName, method, params string) Response {
	t.Helper()
	req := Request{Method: method, ID: json.RawMessage(`1`)}
	if params != "" {
		req.Params = json.RawMessage(params)
	}
	return d.Dispatch(context.Background(), walletName, req)
}

func TestDispatchUnknownMethod(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	resp := dispatch(t, d, "", "nope", "")
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("error = %+v, want code %d", resp.Error, CodeMethodNotFound)
	}
	if resp.Error.Message != "Method not found" {
		t.Fatalf("message = %q, want %q", resp.Error.Message, "Method not found")
	}
}

func TestDispatchWalletMethodWithoutWallet(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	resp := dispatch(t, d, "", "getbalances", "")
	if resp.Error == nil || resp.Error.Code != CodeWalletNotSpecified {
		t.Fatalf("error = %+v, want code %d", resp.Error, CodeWalletNotSpecified)
	}
}

func TestDispatchUnknownWalletName(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	resp := dispatch(t, d, "ghost", "getbalances", "")
	if resp.Error == nil || resp.Error.Code != CodeWalletNotLoaded {
		t.Fatalf("error = %+v, want code %d", resp.Error, CodeWalletNotLoaded)
	}
}

func TestDispatchEchoesRequestID(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	req := Request{Method: "getblockcount", ID: json.RawMessage(`"abc-7"`)}
	resp := d.Dispatch(context.Background(), "", req)
	if string(resp.ID) != `"abc-7"` {
		t.Fatalf("ID = %s, want \"abc-7\"", resp.ID)
	}
}

func TestDispatchBatchIndependentAndOrdered(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	reqs := []Request{
		{Method: "getblockcount", ID: json.RawMessage(`1`)},
		{Method: "nope", ID: json.RawMessage(`2`)},
		{Method: "uptime", ID: json.RawMessage(`3`)},
	}
	out := d.DispatchBatch(context.Background(), "", reqs)
	if len(out) != 3 {
		t.Fatalf("len(out) = %d, want 3", len(out))
	}
	if out[0].Error != nil {
		t.Fatalf("out[0].Error = %+v, want nil", out[0].Error)
	}
	if out[1].Error == nil || out[1].Error.Code != CodeMethodNotFound {
		t.Fatalf("out[1].Error = %+v, want code %d", out[1].Error, CodeMethodNotFound)
	}
	if out[2].Error != nil {
		t.Fatalf("out[2].Error = %+v, want nil", out[2].Error)
	}
	for i, want := range []string{"1", "2", "3"} {
		if string(out[i].ID) != want {
			t.Fatalf("out[%d].ID = %s, want %s", i, out[i].ID, want)
		}
	}
}

func TestBindParamsPositionalAndNamed(t *testing.T) {
	type args struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	keys := []string{"name", "count"}

	var positional args
	if err := bindParams(json.RawMessage(`["alpha", 4]`), keys, &positional); err != nil {
		t.Fatalf("bindParams(positional) error: %v", err)
	}
	if positional.Name != "alpha" || positional.Count != 4 {
		t.Fatalf("positional = %+v, want {alpha 4}", positional)
	}

	var named args
	if err := bindParams(json.RawMessage(`{"count": 9, "name": "beta"}`), keys, &named); err != nil {
		t.Fatalf("bindParams(named) error: %v", err)
	}
	if named.Name != "beta" || named.Count != 9 {
		t.Fatalf("named = %+v, want {beta 9}", named)
	}

	var empty args
	if err := bindParams(nil, keys, &empty); err != nil {
		t.Fatalf("bindParams(nil) error: %v", err)
	}
	var extra args
	if err := bindParams(json.RawMessage(`["gamma", 2, "ignored"]`), keys, &extra); err != nil {
		t.Fatalf("bindParams(extra positional) error: %v", err)
	}
	if extra.Name != "gamma" || extra.Count != 2 {
		t.Fatalf("extra = %+v, want {gamma 2}", extra)
	}
}

func TestMapErrorClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"explicit rpc error", NewError(CodeInvalidParams, "bad"), CodeInvalidParams},
		{"wallet exists", wallet.ErrWalletExists, CodeWalletExistsOrInsufficientFunds},
		{"wallet not found", wallet.ErrWalletNotFound, CodeWalletNotLoaded},
		{"insufficient funds", errors.New("psbtbuilder: insufficient funds"), CodeWalletExistsOrInsufficientFunds},
		{"generic", errors.New("boom"), CodeGeneric},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := mapError(tc.err); got.Code != tc.code {
				t.Fatalf("mapError(%v).Code = %d, want %d", tc.err, got.Code, tc.code)
			}
		})
	}
}

func TestSatBTCConversion(t *testing.T) {
	if got := btcToSat(0.0005); got != 50000 {
		t.Fatalf("btcToSat(0.0005) = %d, want 50000", got)
	}
	if got := satToBTC(50000); got != 0.0005 {
		t.Fatalf("satToBTC(50000) = %v, want 0.0005", got)
	}
	if got := btcToSat(satToBTC(123456789)); got != 123456789 {
		t.Fatalf("round trip = %d, want 123456789", got)
	}
}
