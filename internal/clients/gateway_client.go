// internal/clients/gateway_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"toolledger/internal/notify"
)

// GatewayClient posts notifications to the reminder gateway's webhook.
type GatewayClient struct {
	remote
	limiter *rate.Limiter
}

var _ notify.Sink = (*GatewayClient)(nil)

// NewGatewayClient delivers at most perSecond notifications per second.
func NewGatewayClient(webhookURL string, perSecond float64, client *http.Client, log logrus.FieldLogger) *GatewayClient {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &GatewayClient{
		remote:  newRemote("gateway", webhookURL, client, log),
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (c *GatewayClient) Name() string { return "webhook" }

func (c *GatewayClient) Deliver(ctx context.Context, n notify.Notification) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	if n.OccurredAt.IsZero() {
		n.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("gateway rejected %s: status %d", n.Type, resp.StatusCode)
	}
	return nil
}
