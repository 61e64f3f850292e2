// internal/clients/catalog_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"toolledger/internal/catalog"
	"toolledger/internal/lending"
)

// CatalogClient reaches a remote catalog service on behalf of the ledger.
type CatalogClient struct {
	remote
}

var _ lending.Catalog = (*CatalogClient)(nil)

func NewCatalogClient(baseURL string, client *http.Client, log logrus.FieldLogger) *CatalogClient {
	return &CatalogClient{remote: newRemote("catalog", baseURL, client, log)}
}

func (c *CatalogClient) GetToolType(ctx context.Context, id uuid.UUID) (lending.ToolInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/tool-types/%s", c.baseURL, id), nil)
	if err != nil {
		return lending.ToolInfo{}, err
	}

	resp, err := c.do(req)
	if err != nil {
		return lending.ToolInfo{}, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return lending.ToolInfo{}, fmt.Errorf("%w: tool type %s", lending.ErrNotFound, id)
	default:
		return lending.ToolInfo{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var tool catalog.ToolType
	if err := json.NewDecoder(resp.Body).Decode(&tool); err != nil {
		return lending.ToolInfo{}, err
	}
	return tool.LedgerInfo(), nil
}

func (c *CatalogClient) SetAvailable(ctx context.Context, id uuid.UUID, available int) error {
	body, err := json.Marshal(struct {
		Available int `json:"available"`
	}{Available: available})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, fmt.Sprintf("%s/tool-types/%s/available", c.baseURL, id), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: tool type %s", lending.ErrNotFound, id)
	default:
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}

func (c *CatalogClient) ListToolTypes(ctx context.Context) ([]lending.ToolInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tool-types", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var tools []*catalog.ToolType
	if err := json.NewDecoder(resp.Body).Decode(&tools); err != nil {
		return nil, err
	}
	out := make([]lending.ToolInfo, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.LedgerInfo())
	}
	return out, nil
}
