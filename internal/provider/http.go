package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Credentials is one carrier account.
type Credentials struct {
	URL string
	Key string
	NIP string
}

// HTTPClient talks JSON over HTTP to both carrier gateways. The SOAP/HTTP
// wire details live behind the gateways; this client only honors the
// request/response contract.
type HTTPClient struct {
	creds map[Name]Credentials
	http  *http.Client
	cache *balanceCache
}

// NewHTTPClient builds the carrier client. The purchase timeout should stay
// at or below half the service lock TTL.
func NewHTTPClient(taecel, mst Credentials, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &HTTPClient{
		creds: map[Name]Credentials{Taecel: taecel, MST: mst},
		http:  &http.Client{Timeout: timeout},
		cache: newBalanceCache(time.Minute),
	}
}

type balanceRequest struct {
	Key string `json:"key"`
	NIP string `json:"nip"`
}

type balanceResponse struct {
	Success bool   `json:"success"`
	Saldo   string `json:"saldo"`
	Error   string `json:"error"`
}

type purchaseRequest struct {
	Key     string `json:"key"`
	NIP     string `json:"nip"`
	Sim     string `json:"sim"`
	Product string `json:"producto"`
}

// Balance returns the account balance for the carrier, served from a short
// cache when fresh.
func (c *HTTPClient) Balance(ctx context.Context, p Name) (float64, error) {
	if v, ok := c.cache.get(p); ok {
		return v, nil
	}
	cred, ok := c.creds[p]
	if !ok {
		return 0, fmt.Errorf("provider %s: no credentials", p)
	}
	raw, err := c.post(ctx, cred.URL+"/saldo", balanceRequest{Key: cred.Key, NIP: cred.NIP})
	if err != nil {
		return 0, err
	}
	var resp balanceResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, fmt.Errorf("provider %s: malformed balance response: %w", p, err)
	}
	if !resp.Success {
		return 0, &PurchaseError{Provider: p, Message: resp.Error}
	}
	saldo, err := strconv.ParseFloat(resp.Saldo, 64)
	if err != nil {
		return 0, fmt.Errorf("provider %s: balance %q: %w", p, resp.Saldo, err)
	}
	c.cache.put(p, saldo)
	return saldo, nil
}

// Purchase issues the top-up. This is the only money-spending call in the
// system; the caller stages the result before doing anything else.
func (c *HTTPClient) Purchase(ctx context.Context, p Name, sim, productCode string) (*Purchase, error) {
	cred, ok := c.creds[p]
	if !ok {
		return nil, fmt.Errorf("provider %s: no credentials", p)
	}
	started := time.Now()
	raw, err := c.post(ctx, cred.URL+"/recarga", purchaseRequest{
		Key:     cred.Key,
		NIP:     cred.NIP,
		Sim:     sim,
		Product: productCode,
	})
	if err != nil {
		return nil, err
	}
	purchase, err := parsePurchase(p, raw)
	if err != nil {
		return nil, err
	}
	slog.Info("provider purchase ok",
		"provider", p, "sim", sim, "product", productCode,
		"folio", purchase.Folio, "txn", purchase.TxnID,
		"elapsed", time.Since(started).Round(time.Millisecond))
	return purchase, nil
}

func (c *HTTPClient) post(ctx context.Context, url string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request %s: %w", url, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("provider read %s: %w", url, err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("provider %s: http %d", url, resp.StatusCode)
	}
	return raw, nil
}
