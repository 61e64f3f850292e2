package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu       sync.Mutex
	got      []Notification
	block    chan struct{}
	failWith error
}

func (*recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(ctx context.Context, n Notification) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return s.failWith
}

func (s *recordingSink) delivered() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.got...)
}

func TestDispatcherDeliversInOrderAndDrainsOnClose(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 8, logrus.New())

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		require.True(t, d.Publish(Notification{Type: LoanReturned, LoanID: id}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))

	got := sink.delivered()
	require.Len(t, got, 3)
	for i, n := range got {
		assert.Equal(t, ids[i], n.LoanID)
	}

	assert.False(t, d.Publish(Notification{Type: LoanReturned}))
	assert.ErrorIs(t, d.Close(ctx), ErrClosed)
}

func TestDispatcherDropsWhenFullWithoutBlocking(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	logger, hook := test.NewNullLogger()
	d := NewDispatcher(sink, 1, logger)

	// The first notification is taken by the delivery goroutine and blocks
	// there; the second fills the buffer.
	require.True(t, d.Publish(Notification{Type: LoanOverdue}))
	require.Eventually(t, func() bool { return len(d.queue) == 0 }, time.Second, time.Millisecond)
	require.True(t, d.Publish(Notification{Type: LoanOverdue}))

	done := make(chan bool)
	go func() { done <- d.Publish(Notification{Type: LoanOverdue}) }()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
	assert.NotNil(t, hook.LastEntry())

	close(sink.block)
	require.NoError(t, d.Close(context.Background()))
	assert.Len(t, sink.delivered(), 2)
}

func TestDispatcherKeepsGoingAfterDeliveryFailure(t *testing.T) {
	sink := &recordingSink{failWith: errors.New("gateway down")}
	logger, hook := test.NewNullLogger()
	d := NewDispatcher(sink, 4, logger)

	d.Publish(Notification{Type: ToolTransferred})
	d.Publish(Notification{Type: ToolTransferred})
	require.NoError(t, d.Close(context.Background()))

	assert.Len(t, sink.delivered(), 2)
	assert.Len(t, hook.AllEntries(), 2)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestLogSinkWritesFields(t *testing.T) {
	logger, hook := test.NewNullLogger()
	id := uuid.New()
	err := LogSink{Log: logger}.Deliver(context.Background(), Notification{
		Type:       LoanReturned,
		EmployeeID: "emp-1",
		LoanID:     id,
		ToolNames:  []string{"drill"},
	})
	require.NoError(t, err)
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "emp-1", entry.Data["employee_id"])
	assert.Equal(t, id, entry.Data["loan_id"])
}
