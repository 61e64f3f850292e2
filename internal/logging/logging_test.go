package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewParsesLevelAndFormat(t *testing.T) {
	entry := New("ledger", "debug", "json")
	assert.Equal(t, logrus.DebugLevel, entry.Logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, entry.Logger.Formatter)
	assert.Equal(t, "ledger", entry.Data["service"])

	fallback := New("ledger", "loud", "")
	assert.Equal(t, logrus.InfoLevel, fallback.Logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, fallback.Logger.Formatter)
}

func TestRequestsWarnsOnServerErrors(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	h := Requests(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/loans", nil))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, 500, entry.Data["status"])
	assert.Equal(t, "/loans", entry.Data["path"])
}
