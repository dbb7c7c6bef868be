package esplora

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rawblock/tracecost-engine/internal/ratelimit"
)

// Esplora REST Client
//
// Fetches transaction, outspend, and address records from Esplora-compatible
// HTTP APIs (mempool.space, blockstream.info). Every request is guarded by
// the provider's rate limiter, and every failure — 404, transport error,
// timeout, parse error — is reported as a missing record rather than an
// error: the traversal is best-effort and accounts for gaps quantitatively.
//
// A 429 response gets one retry after a 2 second pause; a second 429 is
// treated like any other failure.

const (
	requestTimeout = 15 * time.Second
	connectTimeout = 5 * time.Second

	rateLimitBackoff = 2 * time.Second
)

// Provider is one Esplora-compatible API endpoint with its rate limiter.
type Provider struct {
	Name    string
	BaseURL string
	Limiter *ratelimit.Limiter
}

// Client queries a primary provider with transparent fallback to a second.
type Client struct {
	http     *http.Client
	Primary  *Provider
	Fallback *Provider
}

// NewClient builds a client over the given primary and fallback base URLs,
// guarded by the shared preconfigured provider limiters.
func NewClient(primaryBase, fallbackBase string) *Client {
	return &Client{
		http: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
			},
		},
		Primary:  &Provider{Name: "primary", BaseURL: primaryBase, Limiter: ratelimit.PrimaryProvider},
		Fallback: &Provider{Name: "fallback", BaseURL: fallbackBase, Limiter: ratelimit.FallbackProvider},
	}
}

// TxRecord is the Esplora transaction response shape.
type TxRecord struct {
	Txid   string       `json:"txid"`
	Vin    []VinRecord  `json:"vin"`
	Vout   []VoutRecord `json:"vout"`
	Fee    int64        `json:"fee"`
	Size   int          `json:"size"`
	Weight int          `json:"weight"`
	Status TxStatus     `json:"status"`
}

// VinRecord is one transaction input as Esplora reports it.
type VinRecord struct {
	Txid       string      `json:"txid"`
	Vout       uint32      `json:"vout"`
	Prevout    *VoutRecord `json:"prevout"`
	IsCoinbase bool        `json:"is_coinbase"`
	Sequence   uint32      `json:"sequence"`
}

// VoutRecord is one transaction output (also used for prevouts).
type VoutRecord struct {
	ScriptPubKeyType    string `json:"scriptpubkey_type"`
	ScriptPubKeyAddress string `json:"scriptpubkey_address"`
	Value               int64  `json:"value"`
}

// TxStatus carries confirmation metadata.
type TxStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int   `json:"block_height"`
	BlockTime   int64 `json:"block_time"`
}

// Outspend reports whether one output has been spent and by which tx.
type Outspend struct {
	Spent bool   `json:"spent"`
	Txid  string `json:"txid"`
}

// FetchTx fetches a single transaction from one provider. A nil result
// means not found or unreachable; the caller decides whether to fall back.
func (c *Client) FetchTx(ctx context.Context, p *Provider, txid string) *TxRecord {
	body := c.get(ctx, p, fmt.Sprintf("%s/tx/%s", p.BaseURL, txid))
	if body == nil {
		return nil
	}
	var tx TxRecord
	if err := json.Unmarshal(body, &tx); err != nil {
		log.Printf("esplora: decode tx %s from %s: %v", txid, p.Name, err)
		return nil
	}
	return &tx
}

// FetchOutspends fetches the per-output spend records for a transaction.
func (c *Client) FetchOutspends(ctx context.Context, p *Provider, txid string) []Outspend {
	body := c.get(ctx, p, fmt.Sprintf("%s/tx/%s/outspends", p.BaseURL, txid))
	if body == nil {
		return nil
	}
	var outspends []Outspend
	if err := json.Unmarshal(body, &outspends); err != nil {
		log.Printf("esplora: decode outspends %s from %s: %v", txid, p.Name, err)
		return nil
	}
	return outspends
}

// FetchTxWithFallback tries the primary provider, then the fallback.
func (c *Client) FetchTxWithFallback(ctx context.Context, txid string) *TxRecord {
	if tx := c.FetchTx(ctx, c.Primary, txid); tx != nil {
		return tx
	}
	return c.FetchTx(ctx, c.Fallback, txid)
}

// FetchOutspendsWithFallback tries the primary provider, then the fallback.
func (c *Client) FetchOutspendsWithFallback(ctx context.Context, txid string) []Outspend {
	if outspends := c.FetchOutspends(ctx, c.Primary, txid); outspends != nil {
		return outspends
	}
	return c.FetchOutspends(ctx, c.Fallback, txid)
}

// FetchAddressTxids returns up to limit recent transaction IDs for an
// address, trying primary then fallback. Empty on failure.
func (c *Client) FetchAddressTxids(ctx context.Context, address string, limit int) []string {
	for _, p := range []*Provider{c.Primary, c.Fallback} {
		body := c.get(ctx, p, fmt.Sprintf("%s/address/%s/txs", p.BaseURL, url.PathEscape(address)))
		if body == nil {
			continue
		}
		var txs []struct {
			Txid string `json:"txid"`
		}
		if err := json.Unmarshal(body, &txs); err != nil {
			log.Printf("esplora: decode address txs for %s from %s: %v", address, p.Name, err)
			continue
		}
		txids := make([]string, 0, limit)
		for _, tx := range txs {
			if len(txids) >= limit {
				break
			}
			txids = append(txids, tx.Txid)
		}
		return txids
	}
	return nil
}

// get performs one rate-limited GET. Returns the body on 200, nil on 404,
// 429 (after one retry), transport error, or context cancellation.
func (c *Client) get(ctx context.Context, p *Provider, rawURL string) []byte {
	if err := p.Limiter.Acquire(ctx); err != nil {
		return nil
	}
	defer p.Limiter.Release()

	body, status := c.doGet(ctx, rawURL)
	if status == http.StatusTooManyRequests {
		select {
		case <-time.After(rateLimitBackoff):
		case <-ctx.Done():
			return nil
		}
		body, status = c.doGet(ctx, rawURL)
	}
	if status != http.StatusOK {
		return nil
	}
	return body
}

func (c *Client) doGet(ctx context.Context, rawURL string) ([]byte, int) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0
	}
	req.Header.Set("User-Agent", "tracecost-engine/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0
	}
	return body, http.StatusOK
}
