package record_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/consignment-ledger/ledger"
	"github.com/warp/consignment-ledger/record"
)

func tomatoes() ledger.Consignment {
	now := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	return ledger.Consignment{
		ID: "C1", Name: "Tomatoes", Unit: "kg",
		InitialQuantity:   decimal.NewFromInt(100),
		QuantityRemaining: decimal.NewFromInt(100),
		Status:            ledger.StatusCreated,
		Participants:      ledger.Participants{ProducerID: "farm-1"},
		CreatedAt:         now, UpdatedAt: now,
	}
}

func TestMemory_CreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := record.NewMemory()

	c := tomatoes()
	require.NoError(t, m.Create(ctx, c))

	c.Name = "Other"
	require.NoError(t, m.Create(ctx, c))

	got, err := m.Get(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, "Tomatoes", got.Name)
}

func TestMemory_Unavailable(t *testing.T) {
	ctx := context.Background()
	m := record.NewMemory()
	m.SetAvailable(false)

	assert.ErrorIs(t, m.Create(ctx, tomatoes()), ledger.ErrUnreachable)
	m.SetAvailable(true)
	assert.NoError(t, m.Create(ctx, tomatoes()))

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestMemory_WatchSeesCurrentThenChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := record.NewMemory()
	require.NoError(t, m.Create(ctx, tomatoes()))

	seen := make(chan ledger.Status, 4)
	go func() { _ = m.Watch(ctx, "C1", func(c ledger.Consignment) { seen <- c.Status }) }()

	assert.Equal(t, ledger.StatusCreated, <-seen)

	c := tomatoes()
	c.Status = ledger.StatusAssigned
	m.Put(c)
	assert.Equal(t, ledger.StatusAssigned, <-seen)
}

func TestHTTPClient_AgainstRecordService(t *testing.T) {
	ctx := context.Background()
	backend := record.NewMemory()
	srv := httptest.NewServer(record.Routes(backend))
	defer srv.Close()

	client := record.NewHTTPClient(srv.URL, time.Second, 10*time.Millisecond)

	_, err := client.Get(ctx, "C1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	require.NoError(t, client.Create(ctx, tomatoes()))
	require.NoError(t, client.Create(ctx, tomatoes()), "replayed creation is accepted")

	c := tomatoes()
	c.Status = ledger.StatusAssigned
	c.Participants.CarrierID = "truck-1"
	require.NoError(t, client.Update(ctx, c))

	got, err := client.Get(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusAssigned, got.Status)
	assert.True(t, got.InitialQuantity.Equal(decimal.NewFromInt(100)))

	backend.SetAvailable(false)
	_, err = client.Get(ctx, "C1")
	assert.ErrorIs(t, err, ledger.ErrUnreachable)
}

func TestHTTPClient_ServiceDown_Unreachable(t *testing.T) {
	srv := httptest.NewServer(record.Routes(record.NewMemory()))
	url := srv.URL
	srv.Close()

	client := record.NewHTTPClient(url, 200*time.Millisecond, time.Second)
	err := client.Create(context.Background(), tomatoes())
	assert.ErrorIs(t, err, ledger.ErrUnreachable)
}

func TestHTTPClient_WatchPolls(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	backend := record.NewMemory()
	require.NoError(t, backend.Create(ctx, tomatoes()))
	srv := httptest.NewServer(record.Routes(backend))
	defer srv.Close()

	client := record.NewHTTPClient(srv.URL, time.Second, 10*time.Millisecond)
	seen := make(chan ledger.Status, 8)
	go func() { _ = client.Watch(ctx, "C1", func(c ledger.Consignment) { seen <- c.Status }) }()

	assert.Equal(t, ledger.StatusCreated, <-seen)

	c := tomatoes()
	c.Status = ledger.StatusAssigned
	c.UpdatedAt = c.UpdatedAt.Add(time.Minute)
	backend.Put(c)

	select {
	case st := <-seen:
		assert.Equal(t, ledger.StatusAssigned, st)
	case <-ctx.Done():
		t.Fatal("watch did not report the change")
	}
}
