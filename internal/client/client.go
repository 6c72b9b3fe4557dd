// Package client talks to the options engine over HTTP. Send re-signs and
// resubmits a transaction with a fresh blockhash when the engine reports a
// lost race or an expired blockhash.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coldbell/options/backend/internal/apiserver"
	"github.com/coldbell/options/backend/internal/config"
	"github.com/gagliardetto/solana-go"
)

var ErrNotFound = errors.New("not found")

// APIError is a non-2xx engine response.
type APIError struct {
	Status int
	Body   apiserver.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Body.Name != "" {
		return fmt.Sprintf("engine %d %s: %s", e.Status, e.Body.Name, e.Body.Error)
	}
	return fmt.Sprintf("engine %d: %s", e.Status, e.Body.Error)
}

// Retryable reports whether re-signing with a fresh blockhash can succeed.
func (e *APIError) Retryable() bool {
	if e.Status != http.StatusConflict {
		return false
	}
	return e.Body.Name == apiserver.ErrNameAccountConflict || e.Body.Name == apiserver.ErrNameBlockhashNotFound
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

type Client struct {
	baseURL    string
	http       *http.Client
	logger     *slog.Logger
	maxElapsed time.Duration
}

func New(cfg config.ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.APIURL, "/"),
		http:       &http.Client{Timeout: timeout},
		logger:     logger,
		maxElapsed: cfg.MaxElapsedTime,
	}
}

func (c *Client) Health(ctx context.Context) (*apiserver.HealthResponse, error) {
	var out apiserver.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, uint64, error) {
	var out apiserver.BlockhashResponse
	if err := c.do(ctx, http.MethodGet, "/v1/blockhash", nil, &out); err != nil {
		return solana.Hash{}, 0, err
	}
	hash, err := solana.HashFromBase58(out.Blockhash)
	if err != nil {
		return solana.Hash{}, 0, fmt.Errorf("decode blockhash %q: %w", out.Blockhash, err)
	}
	return hash, out.Slot, nil
}

// SubmitTransaction posts an already signed transaction once.
func (c *Client) SubmitTransaction(ctx context.Context, tx *solana.Transaction) (*apiserver.ReceiptResponse, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	var out apiserver.ReceiptResponse
	request := apiserver.TransactionRequest{Transaction: base64.StdEncoding.EncodeToString(raw)}
	if err := c.do(ctx, http.MethodPost, "/v1/transactions", request, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Send signs instructions against the latest blockhash and submits them,
// retrying with backoff while the engine answers with a retryable conflict.
// The first signer pays.
func (c *Client) Send(ctx context.Context, instructions []solana.Instruction, signers ...solana.PrivateKey) (*apiserver.ReceiptResponse, error) {
	if len(signers) == 0 {
		return nil, errors.New("send: at least one signer is required")
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = time.Second
	if c.maxElapsed > 0 {
		policy.MaxElapsedTime = c.maxElapsed
	}

	attempt := func() (*apiserver.ReceiptResponse, error) {
		blockhash, _, err := c.LatestBlockhash(ctx)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(signers[0].PublicKey()))
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("build transaction: %w", err))
		}
		if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
			for i := range signers {
				if signers[i].PublicKey().Equals(key) {
					return &signers[i]
				}
			}
			return nil
		}); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("sign transaction: %w", err))
		}

		receipt, err := c.SubmitTransaction(ctx, tx)
		if err == nil {
			return receipt, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Retryable() {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	return backoff.RetryNotifyWithData[*apiserver.ReceiptResponse](attempt, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		c.logger.Debug("retrying transaction", "err", err, "wait", wait)
	})
}

func (c *Client) Airdrop(ctx context.Context, to solana.PublicKey, lamports uint64) (*apiserver.ReceiptResponse, error) {
	var out apiserver.ReceiptResponse
	request := apiserver.AirdropRequest{Pubkey: to.String(), Lamports: lamports}
	if err := c.do(ctx, http.MethodPost, "/v1/airdrop", request, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Account(ctx context.Context, key solana.PublicKey) (*apiserver.AccountResponse, error) {
	var out apiserver.AccountResponse
	if err := c.do(ctx, http.MethodGet, "/v1/accounts/"+key.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Option(ctx context.Context, optionMint solana.PublicKey) (*apiserver.OptionResponse, error) {
	var out apiserver.OptionResponse
	if err := c.do(ctx, http.MethodGet, "/v1/options/"+optionMint.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Listing(ctx context.Context, optionMint, owner solana.PublicKey, price uint64) (*apiserver.ListingResponse, error) {
	query := url.Values{}
	query.Set("option_mint", optionMint.String())
	query.Set("owner", owner.String())
	query.Set("price", strconv.FormatUint(price, 10))
	var out apiserver.ListingResponse
	if err := c.do(ctx, http.MethodGet, "/v1/listings?"+query.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Listings(ctx context.Context, optionMint solana.PublicKey) ([]apiserver.ListingResponse, error) {
	query := url.Values{}
	query.Set("option_mint", optionMint.String())
	var out struct {
		Items []apiserver.ListingResponse `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/listings?"+query.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) TokenAccount(ctx context.Context, key solana.PublicKey) (*apiserver.TokenAccountResponse, error) {
	var out apiserver.TokenAccountResponse
	if err := c.do(ctx, http.MethodGet, "/v1/token-accounts/"+key.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(raw, &apiErr.Body); err != nil || apiErr.Body.Error == "" {
			apiErr.Body.Error = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
