// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sequentdb/sequentdb/internal/subscription"
)

func TestSubscriptionStore_Subscribe_ExistingRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now().UTC().Truncate(time.Microsecond)
	rows := pgxmock.NewRows([]string{"subscription_id", "stream_uuid", "subscription_name", "last_seen_event_number", "last_seen_stream_version", "created_at"}).
		AddRow(int64(1), "order-1", "billing", int64(5), int64(5), now)
	mock.ExpectQuery(`INSERT INTO subscriptions`).
		WithArgs("order-1", "billing", int64(0), int64(0)).
		WillReturnRows(rows)

	store := &SubscriptionStore{pool: mock}
	d, err := store.Subscribe(context.Background(), "order-1", "billing", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.ID)
	assert.Equal(t, int64(5), d.LastSeenEventNumber)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionStore_Subscribe_QueryError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`INSERT INTO subscriptions`).
		WithArgs("order-1", "billing", int64(0), int64(0)).
		WillReturnError(errors.New("connection reset"))

	store := &SubscriptionStore{pool: mock}
	_, err = store.Subscribe(context.Background(), "order-1", "billing", 0, 0)
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionStore_Ack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`UPDATE subscriptions`).
		WithArgs("order-1", "billing", int64(12), int64(12)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	store := &SubscriptionStore{pool: mock}
	require.NoError(t, store.Ack(context.Background(), "order-1", "billing", 12, 12))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionStore_Ack_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`UPDATE subscriptions`).
		WithArgs("order-1", "billing", int64(12), int64(12)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	store := &SubscriptionStore{pool: mock}
	err = store.Ack(context.Background(), "order-1", "billing", 12, 12)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionStore_Unsubscribe(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`DELETE FROM subscriptions`).
		WithArgs("order-1", "billing").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	store := &SubscriptionStore{pool: mock}
	require.NoError(t, store.Unsubscribe(context.Background(), "order-1", "billing"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func eventRowColumns() []string {
	return []string{"id", "event_number", "stream_uuid", "stream_version", "event_type", "correlation_id", "causation_id", "data", "metadata", "created_at"}
}

func TestEventReader_Read(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now().UTC().Truncate(time.Microsecond)
	id1, id2 := ulid.Make(), ulid.Make()
	rows := pgxmock.NewRows(eventRowColumns()).
		AddRow(id1.String(), int64(1), "order-1", int64(1), "OrderPlaced", (*string)(nil), (*string)(nil), []byte(`{}`), []byte(nil), now).
		AddRow(id2.String(), int64(2), "order-1", int64(2), "OrderShipped", (*string)(nil), (*string)(nil), []byte(`{}`), []byte(nil), now)
	mock.ExpectQuery(`FROM events`).
		WithArgs("order-1", int64(1), 200).
		WillReturnRows(rows)

	reader := &EventReader{pool: mock}
	events, err := reader.Read(context.Background(), "order-1", 1, 200)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].StreamVersion)
	assert.Equal(t, "OrderShipped", events[1].EventType)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventReader_Read_StreamNeverExisted(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`FROM events`).
		WithArgs("ghost-stream", int64(0), 200).
		WillReturnRows(pgxmock.NewRows(eventRowColumns()))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("ghost-stream").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	reader := &EventReader{pool: mock}
	_, err = reader.Read(context.Background(), "ghost-stream", 0, 200)
	assert.ErrorIs(t, err, subscription.ErrStreamNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventReader_Read_PastTailOfExistingStream(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`FROM events`).
		WithArgs("order-1", int64(50), 200).
		WillReturnRows(pgxmock.NewRows(eventRowColumns()))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("order-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	reader := &EventReader{pool: mock}
	events, err := reader.Read(context.Background(), "order-1", 50, 200)
	require.NoError(t, err)
	assert.Empty(t, events)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventReader_ReadAll(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now().UTC().Truncate(time.Microsecond)
	id := ulid.Make()
	rows := pgxmock.NewRows(eventRowColumns()).
		AddRow(id.String(), int64(9), "order-1", int64(3), "OrderShipped", (*string)(nil), (*string)(nil), []byte(`{}`), []byte(nil), now)
	mock.ExpectQuery(`FROM events`).
		WithArgs(int64(5), 50).
		WillReturnRows(rows)

	reader := &EventReader{pool: mock}
	events, err := reader.ReadAll(context.Background(), 5, 50)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(9), events[0].Number)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventReader_Read_CorruptID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now().UTC().Truncate(time.Microsecond)
	rows := pgxmock.NewRows(eventRowColumns()).
		AddRow("not-a-ulid", int64(1), "order-1", int64(1), "OrderPlaced", (*string)(nil), (*string)(nil), []byte(`{}`), []byte(nil), now)
	mock.ExpectQuery(`FROM events`).
		WithArgs("order-1", int64(1), 200).
		WillReturnRows(rows)

	reader := &EventReader{pool: mock}
	_, err = reader.Read(context.Background(), "order-1", 1, 200)
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

var _ subscription.Store = (*SubscriptionStore)(nil)
var _ subscription.Reader = (*EventReader)(nil)
