package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxStoreFlow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newOutboxStoreWithExec(mock)

	env, err := NewEnvelope("inst-1", "sess-1", AppointmentScheduledV1{SubmissionID: "sess-1"})
	require.NoError(t, err)
	mock.ExpectExec("INSERT INTO outbox").WithArgs(env.EventID, "inst-1", TypeAppointmentScheduled, pgxmock.AnyArg()).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	if err := store.Insert(context.Background(), env); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	mock.ExpectExec(`(?s)INSERT INTO outbox.*ON CONFLICT \(id\) DO NOTHING`).WithArgs(env.EventID, "inst-1", TypeAppointmentScheduled, pgxmock.AnyArg()).WillReturnResult(pgxmock.NewResult("INSERT", 0))
	if err := store.Insert(context.Background(), env); err != nil {
		t.Fatalf("duplicate insert should be a no-op: %v", err)
	}

	now := time.Now().UTC()
	id := uuid.New()
	rows := pgxmock.NewRows([]string{"id", "aggregate", "event_type", "payload", "created_at"}).AddRow(id, "inst-1", TypeAppointmentScheduled, []byte("{\"foo\":\"bar\"}"), now)
	mock.ExpectQuery("SELECT id").WithArgs(int32(10)).WillReturnRows(rows)

	entries, err := store.FetchPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("fetch pending failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != id {
		t.Fatalf("unexpected entries: %#v", entries)
	}

	mock.ExpectExec("UPDATE outbox").WithArgs(id).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	ok, err := store.MarkDelivered(context.Background(), id)
	if err != nil {
		t.Fatalf("mark delivered failed: %v", err)
	}
	if !ok {
		t.Fatal("expected mark delivered to report success")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

type fakeOutbox struct {
	entries   []OutboxEntry
	delivered []uuid.UUID
}

func (f *fakeOutbox) FetchPending(context.Context, int32) ([]OutboxEntry, error) {
	return f.entries, nil
}

func (f *fakeOutbox) MarkDelivered(_ context.Context, id uuid.UUID) (bool, error) {
	f.delivered = append(f.delivered, id)
	return true, nil
}

type flakyHandler struct {
	failFor uuid.UUID
	seen    []uuid.UUID
}

func (h *flakyHandler) Handle(_ context.Context, entry OutboxEntry) error {
	h.seen = append(h.seen, entry.ID)
	if entry.ID == h.failFor {
		return errors.New("queue unavailable")
	}
	return nil
}

func TestDeliverer_DrainSkipsFailedEntries(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	src := &fakeOutbox{entries: []OutboxEntry{{ID: a}, {ID: b}}}
	h := &flakyHandler{failFor: a}
	d := NewDeliverer(nil, h, nil)
	d.store = src

	d.drain(context.Background())

	assert.Equal(t, []uuid.UUID{a, b}, h.seen)
	assert.Equal(t, []uuid.UUID{b}, src.delivered)
}
