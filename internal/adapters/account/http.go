package account

import (
	"context"
	"net/http"
	"net/url"

	"payflow/internal/adapters"
	"payflow/internal/payments"
)

// HTTPClient talks to a remote account service. The step idempotency key is
// sent as the Idempotency-Key header.
type HTTPClient struct {
	remote *adapters.JSONClient
}

func NewHTTPClient(remote *adapters.JSONClient) *HTTPClient {
	return &HTTPClient{remote: remote}
}

type movement struct {
	Account string         `json:"account"`
	Amount  payments.Money `json:"amount"`
}

func (c *HTTPClient) Debit(ctx context.Context, key, account string, amount payments.Money) error {
	return c.post(ctx, "debits", key, account, amount)
}

func (c *HTTPClient) Credit(ctx context.Context, key, account string, amount payments.Money) error {
	return c.post(ctx, "credits", key, account, amount)
}

func (c *HTTPClient) ReverseDebit(ctx context.Context, key, account string, amount payments.Money) error {
	return c.post(ctx, "debit-reversals", key, account, amount)
}

func (c *HTTPClient) post(ctx context.Context, resource, key, account string, amount payments.Money) error {
	path := "/v1/accounts/" + url.PathEscape(account) + "/" + resource
	return c.remote.Do(ctx, http.MethodPost, path, key, movement{Account: account, Amount: amount}, nil)
}
