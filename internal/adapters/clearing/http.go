package clearing

import (
	"context"
	"net/http"
	"net/url"

	"payflow/internal/adapters"
	"payflow/internal/payments"
)

// HTTPClient talks to a remote clearing gateway for one network.
type HTTPClient struct {
	network string
	remote  *adapters.JSONClient
}

func NewHTTPClient(network string, remote *adapters.JSONClient) *HTTPClient {
	return &HTTPClient{network: network, remote: remote}
}

func (c *HTTPClient) Submit(ctx context.Context, key string, sub payments.Submission) (payments.Receipt, error) {
	var receipt payments.Receipt
	if err := c.remote.Do(ctx, http.MethodPost, "/v1/submissions", key, sub, &receipt); err != nil {
		return payments.Receipt{}, err
	}
	if receipt.Network == "" {
		receipt.Network = c.network
	}
	return receipt, nil
}

func (c *HTTPClient) Poll(ctx context.Context, submissionKey string) (payments.SettlementStatus, error) {
	var st payments.SettlementStatus
	path := "/v1/submissions/" + url.PathEscape(submissionKey) + "/settlement"
	if err := c.remote.Do(ctx, http.MethodGet, path, "", nil, &st); err != nil {
		return payments.SettlementStatus{}, err
	}
	if st.Status == "" {
		st.Status = payments.SettlementPending
	}
	return st, nil
}

func (c *HTTPClient) Recall(ctx context.Context, key, submissionKey string) error {
	path := "/v1/submissions/" + url.PathEscape(submissionKey) + "/recalls"
	return c.remote.Do(ctx, http.MethodPost, path, key, nil, nil)
}
