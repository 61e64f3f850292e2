package lending_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"toolledger/internal/catalog"
	"toolledger/internal/lending"
	"toolledger/internal/notify"
	"toolledger/internal/storage/memory"
)

type recorder struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recorder) Publish(n notify.Notification) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return true
}

func (r *recorder) all() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.sent...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc     lending.Service
	store   *memory.Store
	catalog catalog.Service
	pub     *recorder
	clock   *clock
	logs    *test.Hook

	drill uuid.UUID
	saw   uuid.UUID
}

func newFixture(t *testing.T, opts ...lending.Option) *fixture {
	t.Helper()
	ctx := context.Background()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	f := &fixture{
		store:   memory.New(),
		catalog: catalog.NewMemoryService(),
		pub:     &recorder{},
		clock:   &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		logs:    hook,
	}
	drill, err := f.catalog.AddToolType(ctx, "Drill", "DR", "cordless drill", 5)
	require.NoError(t, err)
	saw, err := f.catalog.AddToolType(ctx, "Saw", "SW", "", 2)
	require.NoError(t, err)
	f.drill, f.saw = drill.ID, saw.ID

	base := []lending.Option{
		lending.WithPublisher(f.pub),
		lending.WithLogger(logger),
		lending.WithClock(f.clock.Now),
		lending.WithRetry(3, time.Millisecond),
	}
	f.svc = lending.NewService(f.store, catalog.LedgerView{Service: f.catalog}, append(base, opts...)...)
	return f
}

func (f *fixture) borrow(t *testing.T, employee string, lines ...lending.ToolLine) lending.Loan {
	t.Helper()
	loan, err := f.svc.CreateLoan(context.Background(), lending.CreateLoanRequest{
		EmployeeID:   employee,
		EmployeeName: "Employee " + employee,
		ToolLines:    lines,
		Actor:        "clerk",
	})
	require.NoError(t, err)
	return loan
}

func (f *fixture) available(t *testing.T, id uuid.UUID) int {
	t.Helper()
	a, err := f.svc.GetAvailability(context.Background(), id)
	require.NoError(t, err)
	return a.Available
}

func line(id uuid.UUID, qty int) lending.ToolLine {
	return lending.ToolLine{ToolTypeID: id, Quantity: qty}
}
