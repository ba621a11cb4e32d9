// Package tapd adapts the taproot-assets daemon REST gateway to
// ports.DaemonClient.
package tapd

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"asset-ledger/config"
	"asset-ledger/internal/core/domain"
	"asset-ledger/pkg/retry"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	macaroonHeader = "Grpc-Metadata-macaroon"
	maxErrorBody   = 4 << 10
)

// HTTPClient interface for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client implements ports.DaemonClient and ports.HealthChecker.
// Reads are retried on transient failures under the shared policy. Sends,
// mints and address creation are single-shot: a blind retry could move
// funds twice, so the ledger sweep resolves their outcome instead.
type Client struct {
	baseURL  string
	macaroon string
	http     HTTPClient
	limiter  *rate.Limiter
	policy   retry.Policy
	log      zerolog.Logger
}

// New builds a Client from configuration.
func New(cfg config.DaemonConfig, policy retry.Policy, log zerolog.Logger) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.TLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // tapd ships self-signed certs
	}

	hc := &http.Client{Timeout: cfg.RequestTimeout, Transport: transport}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return NewWithHTTPClient(cfg.GatewayURL, cfg.MacaroonHex, hc, limiter, policy, log)
}

// NewWithHTTPClient builds a Client around an existing HTTP client.
func NewWithHTTPClient(baseURL, macaroonHex string, hc HTTPClient, limiter *rate.Limiter, policy retry.Policy, log zerolog.Logger) *Client {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		macaroon: macaroonHex,
		http:     hc,
		limiter:  limiter,
		policy:   policy,
		log:      log,
	}
}

// --- wire shapes ---

// amount decodes the daemon's uint64 fields, which arrive as JSON strings.
type amount int64

func (a *amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*a = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parse amount %s: %w", b, err)
	}
	*a = amount(n)
	return nil
}

type genesis struct {
	AssetID string `json:"asset_id"`
	Name    string `json:"name"`
}

type assetsResponse struct {
	Assets []struct {
		AssetGenesis genesis `json:"asset_genesis"`
		AssetType    string  `json:"asset_type"`
		Amount       amount  `json:"amount"`
		ChainAnchor  struct {
			AnchorOutpoint string `json:"anchor_outpoint"`
		} `json:"chain_anchor"`
	} `json:"assets"`
}

type balanceResponse struct {
	AssetBalances map[string]struct {
		AssetGenesis genesis `json:"asset_genesis"`
		Balance      amount  `json:"balance"`
	} `json:"asset_balances"`
}

type sendResponse struct {
	Transfer struct {
		AnchorTxHash string `json:"anchor_tx_hash"`
	} `json:"transfer"`
}

type addrResponse struct {
	Encoded string `json:"encoded"`
}

type mintResponse struct {
	PendingBatch struct {
		BatchKey string `json:"batch_key"`
	} `json:"pending_batch"`
}

type batchesResponse struct {
	Batches []struct {
		Batch struct {
			BatchKey  string `json:"batch_key"`
			BatchTxid string `json:"batch_txid"`
			State     string `json:"state"`
		} `json:"batch"`
	} `json:"batches"`
}

type transfersResponse struct {
	Transfers []struct {
		AnchorTxHash string `json:"anchor_tx_hash"`
		Label        string `json:"label"`
	} `json:"transfers"`
}

type receivesResponse struct {
	Events []struct {
		Status string `json:"status"`
	} `json:"events"`
}

type gatewayError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// --- ports.DaemonClient ---

// ListAssets returns every asset the daemon holds, summing its UTXOs.
func (c *Client) ListAssets(ctx context.Context) ([]domain.AssetInfo, error) {
	var resp assetsResponse
	if err := c.read(ctx, http.MethodGet, "/v1/taproot-assets/assets", nil, &resp); err != nil {
		return nil, err
	}

	index := make(map[string]int)
	var assets []domain.AssetInfo
	for _, a := range resp.Assets {
		id := domain.CanonicalAssetID(a.AssetGenesis.AssetID)
		if id == "" {
			continue
		}
		if i, ok := index[id]; ok {
			assets[i].Amount += int64(a.Amount)
			continue
		}
		index[id] = len(assets)
		assets = append(assets, domain.AssetInfo{
			AssetID:   id,
			Name:      a.AssetGenesis.Name,
			AssetType: a.AssetType,
			Amount:    int64(a.Amount),
		})
	}
	return assets, nil
}

// GetAssetBalance returns the daemon's balance for one asset, 0 if unknown.
// assetID may be given as hex or base64.
func (c *Client) GetAssetBalance(ctx context.Context, assetID string) (int64, error) {
	var resp balanceResponse
	if err := c.read(ctx, http.MethodGet, "/v1/taproot-assets/assets/balance?asset_id=true", nil, &resp); err != nil {
		return 0, err
	}

	want := domain.CanonicalAssetID(assetID)
	for key, b := range resp.AssetBalances {
		if domain.CanonicalAssetID(key) == want || domain.CanonicalAssetID(b.AssetGenesis.AssetID) == want {
			return int64(b.Balance), nil
		}
	}
	return 0, nil
}

// SendAsset pays a taproot address and returns the anchor transaction hash.
// The amount is encoded in the address itself.
func (c *Client) SendAsset(ctx context.Context, req domain.SendAssetRequest) (string, error) {
	payload := map[string]any{
		"tap_addrs": []string{req.Destination},
		"label":     req.Label,
	}

	var resp sendResponse
	if err := c.do(ctx, http.MethodPost, "/v1/taproot-assets/send", payload, &resp); err != nil {
		return "", err
	}
	return resp.Transfer.AnchorTxHash, nil
}

// CreateInvoice creates a receive address for amount units of the asset.
// Taproot addresses carry no memo; the description stays in the ledger.
func (c *Client) CreateInvoice(ctx context.Context, assetID string, amt int64, _ string) (string, error) {
	payload := map[string]any{
		"asset_id": encodeAssetID(assetID),
		"amt":      strconv.FormatInt(amt, 10),
	}

	var resp addrResponse
	if err := c.do(ctx, http.MethodPost, "/v1/taproot-assets/addrs", payload, &resp); err != nil {
		return "", err
	}
	if resp.Encoded == "" {
		return "", &domain.DaemonError{Code: "EMPTY_ADDRESS", Message: "daemon returned no encoded address"}
	}
	return resp.Encoded, nil
}

// MintAsset queues a mint of amount units of a new asset called name and
// returns the pending batch key. The asset id is assigned when the batch
// is finalised.
func (c *Client) MintAsset(ctx context.Context, name string, amt int64) (string, error) {
	payload := map[string]any{
		"asset": map[string]any{
			"asset_type": "NORMAL",
			"name":       name,
			"amount":     strconv.FormatInt(amt, 10),
		},
		"short_response": true,
	}

	var resp mintResponse
	if err := c.do(ctx, http.MethodPost, "/v1/taproot-assets/assets", payload, &resp); err != nil {
		return "", err
	}
	return resp.PendingBatch.BatchKey, nil
}

// LookupOperation re-queries the daemon for the outcome of a forwarded operation.
func (c *Client) LookupOperation(ctx context.Context, ref domain.OperationRef) (domain.OperationOutcome, error) {
	switch ref.Type {
	case domain.TransactionTypeSend:
		return c.lookupTransfer(ctx, ref)
	case domain.TransactionTypeReceive:
		return c.lookupReceive(ctx, ref)
	case domain.TransactionTypeMint:
		return c.lookupMint(ctx, ref)
	default:
		return domain.OperationOutcome{}, nil
	}
}

func (c *Client) lookupTransfer(ctx context.Context, ref domain.OperationRef) (domain.OperationOutcome, error) {
	var resp transfersResponse
	if err := c.read(ctx, http.MethodGet, "/v1/taproot-assets/assets/transfers", nil, &resp); err != nil {
		return domain.OperationOutcome{}, err
	}

	label := ref.TransactionID.String()
	for _, t := range resp.Transfers {
		if t.Label == label || (ref.ExternalRef != "" && t.AnchorTxHash == ref.ExternalRef) {
			return domain.OperationOutcome{Status: domain.TransactionStatusConfirmed, Found: true}, nil
		}
	}
	return domain.OperationOutcome{}, nil
}

// lookupMint reports a mint confirmed once its batch is finalised and the
// minted asset can be told apart in the asset listing. ref.AssetID is the
// name the mint was requested under.
func (c *Client) lookupMint(ctx context.Context, ref domain.OperationRef) (domain.OperationOutcome, error) {
	if ref.ExternalRef == "" {
		return domain.OperationOutcome{}, nil
	}

	var resp batchesResponse
	path := "/v1/taproot-assets/assets/mint/batches/" + url.PathEscape(batchKeyParam(ref.ExternalRef))
	if err := c.read(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return domain.OperationOutcome{}, err
	}
	if len(resp.Batches) == 0 {
		return domain.OperationOutcome{}, nil
	}

	batch := resp.Batches[0].Batch
	switch batch.State {
	case "BATCH_STATE_FINALIZED":
	case "BATCH_STATE_SEEDLING_CANCELLED", "BATCH_STATE_SPROUT_CANCELLED":
		return domain.OperationOutcome{Status: domain.TransactionStatusFailed, Found: true}, nil
	default:
		return domain.OperationOutcome{Status: domain.TransactionStatusPending, Found: true}, nil
	}

	assetID, err := c.mintedAssetID(ctx, ref.AssetID, batch.BatchTxid)
	if err != nil {
		return domain.OperationOutcome{}, err
	}
	if assetID == "" {
		c.log.Warn().
			Str("batch_key", ref.ExternalRef).
			Str("name", ref.AssetID).
			Msg("finalised mint batch has no matching asset yet")
		return domain.OperationOutcome{Status: domain.TransactionStatusPending, Found: true}, nil
	}
	return domain.OperationOutcome{Status: domain.TransactionStatusConfirmed, Found: true, AssetID: assetID}, nil
}

// mintedAssetID finds the asset minted under name by the batch anchored in
// batchTxid. Without an anchor match a unique name match is accepted.
func (c *Client) mintedAssetID(ctx context.Context, name, batchTxid string) (string, error) {
	var resp assetsResponse
	if err := c.read(ctx, http.MethodGet, "/v1/taproot-assets/assets", nil, &resp); err != nil {
		return "", err
	}

	named := make(map[string]struct{})
	for _, a := range resp.Assets {
		if a.AssetGenesis.Name != name {
			continue
		}
		id := domain.CanonicalAssetID(a.AssetGenesis.AssetID)
		if batchTxid != "" && strings.HasPrefix(a.ChainAnchor.AnchorOutpoint, batchTxid+":") {
			return id, nil
		}
		named[id] = struct{}{}
	}
	if len(named) == 1 {
		for id := range named {
			return id, nil
		}
	}
	return "", nil
}

func (c *Client) lookupReceive(ctx context.Context, ref domain.OperationRef) (domain.OperationOutcome, error) {
	if ref.ExternalRef == "" {
		return domain.OperationOutcome{}, nil
	}

	var resp receivesResponse
	payload := map[string]any{"filter_addr": ref.ExternalRef}
	if err := c.read(ctx, http.MethodPost, "/v1/taproot-assets/addrs/receives", payload, &resp); err != nil {
		return domain.OperationOutcome{}, err
	}

	for _, e := range resp.Events {
		if e.Status == "ADDR_EVENT_STATUS_COMPLETED" {
			return domain.OperationOutcome{Status: domain.TransactionStatusConfirmed, Found: true}, nil
		}
	}
	// the address exists and is not paid yet
	return domain.OperationOutcome{Status: domain.TransactionStatusPending, Found: true}, nil
}

// --- ports.HealthChecker ---

// Ping checks that the gateway answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/taproot-assets/getinfo", nil, nil)
}

// Name returns the dependency name.
func (c *Client) Name() string {
	return "tapd"
}

// --- transport ---

// read runs an idempotent request under the retry policy.
func (c *Client) read(ctx context.Context, method, path string, body, out any) error {
	return c.policy.Do(ctx, func(ctx context.Context) error {
		err := c.do(ctx, method, path, body, out)
		if err != nil && !errors.Is(err, domain.ErrDaemonUnavailable) {
			return retry.Permanent(err)
		}
		return err
	}, func(err error, attempt int, wait time.Duration) {
		c.log.Warn().Err(err).Str("path", path).Int("attempt", attempt).Dur("backoff", wait).Msg("daemon call failed, retrying")
	})
}

// do performs one request. Transport failures and 5xx map to
// domain.ErrDaemonUnavailable, 4xx to *domain.DaemonError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %w", domain.ErrDaemonUnavailable, err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal daemon request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build daemon request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.macaroon != "" {
		req.Header.Set(macaroonHeader, c.macaroon)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrDaemonUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		msg := readErrorMessage(resp.Body)
		return fmt.Errorf("%w: %s %s: status %d: %s", domain.ErrDaemonUnavailable, method, path, resp.StatusCode, msg)
	}
	if resp.StatusCode >= 400 {
		return &domain.DaemonError{
			Code:    strconv.Itoa(resp.StatusCode),
			Message: readErrorMessage(resp.Body),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.DaemonError{Code: "BAD_RESPONSE", Message: fmt.Sprintf("decode %s: %v", path, err)}
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var ge gatewayError
	if err := json.Unmarshal(raw, &ge); err == nil && ge.Message != "" {
		return ge.Message
	}
	return strings.TrimSpace(string(raw))
}
