// internal/clients/directory_client.go
package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"toolledger/internal/lending"
)

// DirectoryClient looks employees up in the company directory.
type DirectoryClient struct {
	remote
}

var _ lending.Directory = (*DirectoryClient)(nil)

func NewDirectoryClient(baseURL string, client *http.Client, log logrus.FieldLogger) *DirectoryClient {
	return &DirectoryClient{remote: newRemote("directory", baseURL, client, log)}
}

func (c *DirectoryClient) GetEmployee(ctx context.Context, id string) (lending.Employee, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/employees/%s", c.baseURL, url.PathEscape(id)), nil)
	if err != nil {
		return lending.Employee{}, err
	}

	resp, err := c.do(req)
	if err != nil {
		return lending.Employee{}, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return lending.Employee{}, fmt.Errorf("%w: employee %s", lending.ErrNotFound, id)
	default:
		return lending.Employee{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var employee lending.Employee
	if err := json.NewDecoder(resp.Body).Decode(&employee); err != nil {
		return lending.Employee{}, err
	}
	return employee, nil
}
