package auth

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// KeyHeader carries the admin key on administrative requests.
const KeyHeader = "X-Admin-Key"

// RequireAdmin returns middleware admitting only requests whose X-Admin-Key
// matches the configured hash. Rejected attempts are rate limited to five a
// minute per client address; beyond that the client's requests are refused
// without hashing. Mount chi's RealIP ahead of it when running behind a
// proxy.
func RequireAdmin(hash, salt string, log logrus.FieldLogger) func(http.Handler) http.Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	failures := newClientLimiter(rate.Every(1*time.Minute), 5)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(KeyHeader)
			if key == "" || hash == "" {
				forbid(w, "admin key required")
				return
			}
			client := clientKey(r)
			limiter := failures.get(client)
			if limiter.Tokens() < 1 {
				forbid(w, "too many failed admin attempts")
				return
			}
			ok, err := VerifyKey(key, salt, hash)
			if err != nil {
				log.WithError(err).Error("admin key verification failed")
			}
			if !ok {
				limiter.Allow()
				log.WithFields(logrus.Fields{
					"client": client,
					"method": r.Method,
					"path":   r.URL.Path,
				}).Warn("rejected admin key")
				forbid(w, "invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// maxClients bounds the limiter table. Past it, clients whose buckets have
// refilled are dropped.
const maxClients = 4096

type clientLimiter struct {
	mu      sync.Mutex
	every   rate.Limit
	burst   int
	clients map[string]*rate.Limiter
}

func newClientLimiter(every rate.Limit, burst int) *clientLimiter {
	return &clientLimiter{every: every, burst: burst, clients: make(map[string]*rate.Limiter)}
}

func (c *clientLimiter) get(key string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.clients[key]; ok {
		return l
	}
	if len(c.clients) >= maxClients {
		for k, l := range c.clients {
			if l.Tokens() >= float64(c.burst) {
				delete(c.clients, k)
			}
		}
	}
	l := rate.NewLimiter(c.every, c.burst)
	c.clients[key] = l
	return l
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func forbid(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"code": "FORBIDDEN", "message": msg},
	})
}
