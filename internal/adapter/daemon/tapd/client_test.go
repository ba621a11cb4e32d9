package tapd

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"asset-ledger/config"
	"asset-ledger/internal/core/domain"
	"asset-ledger/pkg/retry"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAssetHex = strings.Repeat("ab", 32)

func testAssetB64() string {
	b, _ := hex.DecodeString(testAssetHex)
	return base64.StdEncoding.EncodeToString(b)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	policy := retry.Policy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxAttempts: 3}
	return NewWithHTTPClient(srv.URL+"/", "0201abcd", srv.Client(), nil, policy, zerolog.Nop())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_ListAssets(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/taproot-assets/assets", r.URL.Path)
		assert.Equal(t, "0201abcd", r.Header.Get("Grpc-Metadata-macaroon"))

		writeJSON(w, http.StatusOK, map[string]any{
			"assets": []map[string]any{
				{"asset_genesis": map[string]any{"asset_id": testAssetB64(), "name": "USDT"}, "asset_type": "NORMAL", "amount": "400"},
				{"asset_genesis": map[string]any{"asset_id": testAssetB64(), "name": "USDT"}, "asset_type": "NORMAL", "amount": "100"},
				{"asset_genesis": map[string]any{"asset_id": "plain-id", "name": "Other"}, "asset_type": "COLLECTIBLE", "amount": 1},
			},
		})
	})

	assets, err := c.ListAssets(context.Background())
	require.NoError(t, err)
	require.Len(t, assets, 2)
	assert.Equal(t, domain.AssetInfo{AssetID: testAssetHex, Name: "USDT", AssetType: "NORMAL", Amount: 500}, assets[0])
	assert.Equal(t, "plain-id", assets[1].AssetID)
	assert.Equal(t, int64(1), assets[1].Amount)
}

func TestClient_GetAssetBalance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/taproot-assets/assets/balance", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("asset_id"))

		writeJSON(w, http.StatusOK, map[string]any{
			"asset_balances": map[string]any{
				testAssetHex: map[string]any{
					"asset_genesis": map[string]any{"asset_id": testAssetB64()},
					"balance":       "650",
				},
			},
		})
	})

	raw, _ := hex.DecodeString(testAssetHex)
	for _, id := range []string{
		testAssetHex,
		strings.ToUpper(testAssetHex),
		base64.URLEncoding.EncodeToString(raw),
	} {
		bal, err := c.GetAssetBalance(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, int64(650), bal, "asset id %s", id)
	}

	bal, err := c.GetAssetBalance(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)
}

func TestClient_SendAsset(t *testing.T) {
	txID := uuid.New()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/taproot-assets/send", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []any{"taprt1dest"}, body["tap_addrs"])
		assert.Equal(t, txID.String(), body["label"])

		writeJSON(w, http.StatusOK, map[string]any{"transfer": map[string]any{"anchor_tx_hash": "anchor-1"}})
	})

	ref, err := c.SendAsset(context.Background(), domain.SendAssetRequest{
		AssetID: testAssetHex, Amount: 50, Destination: "taprt1dest", Label: txID.String(),
	})
	require.NoError(t, err)
	assert.Equal(t, "anchor-1", ref)
}

func TestClient_SendAsset_NotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.SendAsset(context.Background(), domain.SendAssetRequest{Destination: "taprt1dest"})
	assert.ErrorIs(t, err, domain.ErrDaemonUnavailable)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_CreateInvoice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/taproot-assets/addrs", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, testAssetB64(), body["asset_id"])
		assert.Equal(t, "150", body["amt"])

		writeJSON(w, http.StatusOK, map[string]any{"encoded": "taprt1invoice"})
	})

	inv, err := c.CreateInvoice(context.Background(), testAssetHex, 150, "coffee")
	require.NoError(t, err)
	assert.Equal(t, "taprt1invoice", inv)
}

func TestClient_MintAsset(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/taproot-assets/assets", r.URL.Path)

		var body struct {
			Asset struct {
				Name   string `json:"name"`
				Amount string `json:"amount"`
			} `json:"asset"`
			ShortResponse bool `json:"short_response"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gold", body.Asset.Name)
		assert.Equal(t, "1000", body.Asset.Amount)
		assert.True(t, body.ShortResponse)

		writeJSON(w, http.StatusOK, map[string]any{"pending_batch": map[string]any{"batch_key": "batch-1"}})
	})

	key, err := c.MintAsset(context.Background(), "gold", 1000)
	require.NoError(t, err)
	assert.Equal(t, "batch-1", key)
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		unavailable bool
		code        string
		message     string
	}{
		{"bad request", http.StatusBadRequest, `{"code":3,"message":"invalid address"}`, false, "400", "invalid address"},
		{"not found plain", http.StatusNotFound, "no such asset", false, "404", "no such asset"},
		{"internal", http.StatusInternalServerError, `{"code":2,"message":"boom"}`, true, "", ""},
		{"bad gateway", http.StatusBadGateway, "", true, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := c.MintAsset(context.Background(), "gold", 1)
			require.Error(t, err)

			if tt.unavailable {
				assert.ErrorIs(t, err, domain.ErrDaemonUnavailable)
				return
			}
			var de *domain.DaemonError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tt.code, de.Code)
			assert.Equal(t, tt.message, de.Message)
		})
	}
}

func TestClient_ReadsRetryTransientFailures(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"assets": []any{}})
	})

	assets, err := c.ListAssets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, assets)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_ReadsDoNotRetryDaemonError(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := c.GetAssetBalance(context.Background(), testAssetHex)
	var de *domain.DaemonError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	policy := retry.Policy{InitialInterval: time.Millisecond, MaxAttempts: 2}
	c := NewWithHTTPClient(url, "", http.DefaultClient, nil, policy, zerolog.Nop())

	_, err := c.ListAssets(context.Background())
	assert.ErrorIs(t, err, domain.ErrDaemonUnavailable)
	assert.Error(t, c.Ping(context.Background()))
}

func TestClient_CancelledContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{})
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.SendAsset(ctx, domain.SendAssetRequest{Destination: "x"})
	assert.ErrorIs(t, err, domain.ErrDaemonUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_LookupOperation(t *testing.T) {
	txID := uuid.New()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/taproot-assets/assets/transfers":
			writeJSON(w, http.StatusOK, map[string]any{"transfers": []map[string]any{
				{"anchor_tx_hash": "other", "label": "someone-else"},
				{"anchor_tx_hash": "anchor-9", "label": txID.String()},
			}})
		case "/v1/taproot-assets/addrs/receives":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			if body["filter_addr"] == "taprt1paid" {
				writeJSON(w, http.StatusOK, map[string]any{"events": []map[string]any{
					{"status": "ADDR_EVENT_STATUS_TRANSACTION_DETECTED"},
					{"status": "ADDR_EVENT_STATUS_COMPLETED"},
				}})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"events": []any{}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	out, err := c.LookupOperation(ctx, domain.OperationRef{TransactionID: txID, Type: domain.TransactionTypeSend})
	require.NoError(t, err)
	assert.Equal(t, domain.OperationOutcome{Status: domain.TransactionStatusConfirmed, Found: true}, out)

	out, err = c.LookupOperation(ctx, domain.OperationRef{TransactionID: uuid.New(), Type: domain.TransactionTypeSend})
	require.NoError(t, err)
	assert.False(t, out.Found)

	out, err = c.LookupOperation(ctx, domain.OperationRef{Type: domain.TransactionTypeReceive, ExternalRef: "taprt1paid"})
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusConfirmed, out.Status)

	out, err = c.LookupOperation(ctx, domain.OperationRef{Type: domain.TransactionTypeReceive, ExternalRef: "taprt1open"})
	require.NoError(t, err)
	assert.Equal(t, domain.OperationOutcome{Status: domain.TransactionStatusPending, Found: true}, out)

	out, err = c.LookupOperation(ctx, domain.OperationRef{Type: domain.TransactionTypeReceive})
	require.NoError(t, err)
	assert.False(t, out.Found)
}

func TestClient_LookupOperation_Mint(t *testing.T) {
	batchKey := func(b byte) string {
		return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{b}, 33))
	}
	batches := map[string]map[string]any{
		batchKey(1): {"batch_txid": "feed", "state": "BATCH_STATE_FINALIZED"},
		batchKey(2): {"batch_txid": "", "state": "BATCH_STATE_BROADCAST"},
		batchKey(3): {"batch_txid": "", "state": "BATCH_STATE_SEEDLING_CANCELLED"},
	}
	otherB64 := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0xcd}, 32))

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		const prefix = "/v1/taproot-assets/assets/mint/batches/"
		switch {
		case strings.HasPrefix(r.URL.Path, prefix):
			key, err := base64.URLEncoding.DecodeString(strings.TrimPrefix(r.URL.Path, prefix))
			require.NoError(t, err)
			batch, ok := batches[base64.StdEncoding.EncodeToString(key)]
			if !ok {
				writeJSON(w, http.StatusOK, map[string]any{"batches": []any{}})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"batches": []any{map[string]any{"batch": batch}}})
		case r.URL.Path == "/v1/taproot-assets/assets":
			writeJSON(w, http.StatusOK, map[string]any{"assets": []map[string]any{
				{"asset_genesis": map[string]any{"asset_id": otherB64, "name": "gold"}, "amount": "5", "chain_anchor": map[string]any{"anchor_outpoint": "beef:0"}},
				{"asset_genesis": map[string]any{"asset_id": testAssetB64(), "name": "gold"}, "amount": "1000", "chain_anchor": map[string]any{"anchor_outpoint": "feed:1"}},
			}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()
	mint := func(key string) domain.OperationRef {
		return domain.OperationRef{Type: domain.TransactionTypeMint, AssetID: "gold", ExternalRef: key}
	}

	out, err := c.LookupOperation(ctx, mint(batchKey(1)))
	require.NoError(t, err)
	assert.Equal(t, domain.OperationOutcome{Status: domain.TransactionStatusConfirmed, Found: true, AssetID: testAssetHex}, out)

	out, err = c.LookupOperation(ctx, mint(batchKey(2)))
	require.NoError(t, err)
	assert.Equal(t, domain.OperationOutcome{Status: domain.TransactionStatusPending, Found: true}, out)

	out, err = c.LookupOperation(ctx, mint(batchKey(3)))
	require.NoError(t, err)
	assert.Equal(t, domain.OperationOutcome{Status: domain.TransactionStatusFailed, Found: true}, out)

	out, err = c.LookupOperation(ctx, mint(batchKey(4)))
	require.NoError(t, err)
	assert.False(t, out.Found)

	out, err = c.LookupOperation(ctx, mint(""))
	require.NoError(t, err)
	assert.False(t, out.Found)
}

func TestClient_LookupOperation_MintAmbiguousName(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v1/taproot-assets/assets/mint/batches/") {
			writeJSON(w, http.StatusOK, map[string]any{"batches": []any{
				map[string]any{"batch": map[string]any{"batch_txid": "feed", "state": "BATCH_STATE_FINALIZED"}},
			}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"assets": []map[string]any{
			{"asset_genesis": map[string]any{"asset_id": testAssetB64(), "name": "gold"}, "chain_anchor": map[string]any{"anchor_outpoint": "aaaa:0"}},
			{"asset_genesis": map[string]any{"asset_id": "plain-id", "name": "gold"}, "chain_anchor": map[string]any{"anchor_outpoint": "bbbb:0"}},
		}})
	})

	out, err := c.LookupOperation(context.Background(), domain.OperationRef{
		Type: domain.TransactionTypeMint, AssetID: "gold", ExternalRef: "batch",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OperationOutcome{Status: domain.TransactionStatusPending, Found: true}, out, "left pending until the asset can be identified")
}

func TestNew_FromConfig(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"version": "0.5.0"})
	}))
	defer srv.Close()

	c := New(config.DaemonConfig{
		GatewayURL:     srv.URL,
		TLSVerify:      false,
		RequestTimeout: time.Second,
		RateLimit:      100,
		RateBurst:      1,
	}, retry.Policy{MaxAttempts: 1}, zerolog.Nop())

	assert.Equal(t, "tapd", c.Name())
	assert.NoError(t, c.Ping(context.Background()), "self-signed certificate accepted when verification is off")
}

func TestAssetIDEncoding(t *testing.T) {
	assert.Equal(t, testAssetB64(), encodeAssetID(testAssetHex))
	assert.Equal(t, "name", encodeAssetID("name"))

	key := bytes.Repeat([]byte{0xfb}, 33)
	assert.Equal(t, base64.URLEncoding.EncodeToString(key), batchKeyParam(base64.StdEncoding.EncodeToString(key)))
	assert.Equal(t, base64.URLEncoding.EncodeToString(key), batchKeyParam(hex.EncodeToString(key)))
}
