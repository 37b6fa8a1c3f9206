package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.razorpay.com"

// Razorpay is a minimal REST client for the orders and refunds APIs.
type Razorpay struct {
	baseURL    string
	keyID      string
	keySecret  string
	httpClient *http.Client
}

func NewRazorpay(baseURL, keyID, keySecret string) *Razorpay {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Razorpay{
		baseURL:   strings.TrimRight(baseURL, "/"),
		keyID:     keyID,
		keySecret: keySecret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 5 * time.Second,
			},
		},
	}
}

func (r *Razorpay) PublicKey() string { return r.keyID }

type orderBody struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt,omitempty"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type orderEntity struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

type refundBody struct {
	Amount  int64             `json:"amount"`
	Receipt string            `json:"receipt,omitempty"`
	Notes   map[string]string `json:"notes,omitempty"`
}

type refundEntity struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

type errorBody struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func (r *Razorpay) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	var out orderEntity
	if err := r.post(ctx, "/v1/orders", orderBody{
		Amount:   req.Amount,
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Notes:    req.Notes,
	}, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%w: order without id", ErrUnavailable)
	}
	return &Order{ID: out.ID, Amount: out.Amount, Currency: out.Currency, Status: out.Status}, nil
}

func (r *Razorpay) Refund(ctx context.Context, req RefundRequest) (*Refund, error) {
	if req.PaymentID == "" {
		return nil, fmt.Errorf("%w: payment id required", ErrRejected)
	}
	var out refundEntity
	if err := r.post(ctx, "/v1/payments/"+url.PathEscape(req.PaymentID)+"/refund", refundBody{
		Amount:  req.Amount,
		Receipt: req.Receipt,
		Notes:   req.Notes,
	}, &out); err != nil {
		return nil, err
	}
	return &Refund{ID: out.ID, PaymentID: out.PaymentID, Amount: out.Amount, Status: out.Status}, nil
}

func (r *Razorpay) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(r.keyID, r.keySecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var e errorBody
		_ = json.Unmarshal(raw, &e)
		return fmt.Errorf("%w: status %d %s %s", ErrRejected, resp.StatusCode, e.Error.Code, e.Error.Description)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	return nil
}
