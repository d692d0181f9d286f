package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

// wirePurchase mirrors the carrier purchase payload. Some gateway versions
// report timeout/ip at the top level, others nest them under "response";
// both locations are inspected.
type wirePurchase struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	Message    string `json:"message"`
	TransID    string `json:"transId"`
	Folio      string `json:"folio"`
	SaldoFinal string `json:"saldoFinal"`
	Timeout    string `json:"timeout"`
	IP         string `json:"ip"`
	Response   *struct {
		TransID    string `json:"transId"`
		Folio      string `json:"folio"`
		SaldoFinal string `json:"saldoFinal"`
		Timeout    string `json:"timeout"`
		IP         string `json:"ip"`
	} `json:"response"`
}

// PurchaseError is a carrier-reported purchase failure. The message is kept
// verbatim so the retry classifier can pattern-match it.
type PurchaseError struct {
	Provider Name
	Message  string
}

func (e *PurchaseError) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

// parsePurchase decodes a raw purchase response into the tagged variant:
// a *Purchase on success, a *PurchaseError on carrier-reported failure.
func parsePurchase(p Name, raw []byte) (*Purchase, error) {
	var w wirePurchase
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("provider %s: malformed response: %w", p, err)
	}
	if !w.Success {
		msg := w.Error
		if msg == "" {
			msg = w.Message
		}
		if msg == "" {
			msg = "purchase rejected without message"
		}
		return nil, &PurchaseError{Provider: p, Message: strings.TrimSpace(msg)}
	}

	out := &Purchase{
		Provider:   p,
		TxnID:      w.TransID,
		Folio:      w.Folio,
		SaldoFinal: w.SaldoFinal,
		Timeout:    w.Timeout,
		IP:         w.IP,
		Raw:        json.RawMessage(raw),
	}
	if w.Response != nil {
		if out.TxnID == "" {
			out.TxnID = w.Response.TransID
		}
		if out.Folio == "" {
			out.Folio = w.Response.Folio
		}
		if out.SaldoFinal == "" {
			out.SaldoFinal = w.Response.SaldoFinal
		}
		if out.Timeout == "" {
			out.Timeout = w.Response.Timeout
		}
		if out.IP == "" {
			out.IP = w.Response.IP
		}
	}
	if out.Folio == "" {
		return nil, fmt.Errorf("provider %s: success response without folio", p)
	}
	return out, nil
}
