package notify

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisSinkReportsUnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	sink := NewRedisSink(client, "")
	assert.Equal(t, "redis", sink.Name())

	err := sink.Deliver(context.Background(), Notification{Type: LoanReturned, LoanID: uuid.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish to toolledger.notifications")
}

// Runs against a live server only when TEST_REDIS_ADDR is set.
func TestRedisSinkPublishes(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	channel := "toolledger.test." + uuid.NewString()
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	want := Notification{
		Type:       ToolTransferred,
		EmployeeID: "E2",
		LoanID:     uuid.New(),
		ToolNames:  []string{"Drill"},
		OccurredAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, NewRedisSink(client, channel).Deliver(ctx, want))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var got Notification
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, want, got)
}
