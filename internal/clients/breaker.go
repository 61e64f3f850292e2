// internal/clients/breaker.go
package clients

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// remote wraps an HTTP client with a circuit breaker. Transport failures and
// 5xx answers count against the breaker; other statuses are returned to the
// caller untouched.
type remote struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func newRemote(name, baseURL string, client *http.Client, log logrus.FieldLogger) remote {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return remote{
		baseURL: baseURL,
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.WithFields(logrus.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("circuit breaker state changed")
			},
		}),
	}
}

// do sends req through the breaker. The caller closes the body.
func (r remote) do(req *http.Request) (*http.Response, error) {
	out, err := r.breaker.Execute(func() (interface{}, error) {
		resp, err := r.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("%s %s: unexpected status code: %d", req.Method, req.URL.Path, resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*http.Response), nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
