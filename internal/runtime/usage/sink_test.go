package usage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
)

func sampleRecords() []Record {
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	return []Record{
		{RequestID: "r1", ProviderID: "alpha", TaskType: pipeline.TaskExplanation, TokensEstimate: 120, CostEstimate: 0.0024, Status: StatusSuccess, Timestamp: at},
		{RequestID: "r2", ProviderID: "beta", TaskType: pipeline.TaskReview, TokensEstimate: 80, Status: StatusRetried, Timestamp: at.Add(time.Second)},
	}
}

func TestSQLSinkWrite(t *testing.T) {
	records := sampleRecords()
	tests := []struct {
		name      string
		dialect   string
		setupMock func(sqlmock.Sqlmock)
		wantErr   bool
	}{
		{
			name:    "postgres batch commits",
			dialect: StorePostgres,
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectPrepare(`VALUES \(\$1, \$2`)
				mock.ExpectExec("INSERT INTO usage_records").
					WithArgs("r1", "alpha", "explanation", 120, 0.0024, "success", records[0].Timestamp).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectExec("INSERT INTO usage_records").
					WithArgs("r2", "beta", "review", 80, float64(0), "retried", records[1].Timestamp).
					WillReturnResult(sqlmock.NewResult(2, 1))
				mock.ExpectCommit()
			},
		},
		{
			name:    "sqlite placeholders",
			dialect: StoreSQLite,
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectPrepare(`VALUES \(\?, \?`)
				mock.ExpectExec("INSERT INTO usage_records").WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectExec("INSERT INTO usage_records").WillReturnResult(sqlmock.NewResult(2, 1))
				mock.ExpectCommit()
			},
		},
		{
			name:    "begin failure",
			dialect: StorePostgres,
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin().WillReturnError(errors.New("connection failed"))
			},
			wantErr: true,
		},
		{
			name:    "insert failure rolls back",
			dialect: StorePostgres,
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectPrepare("INSERT INTO usage_records")
				mock.ExpectExec("INSERT INTO usage_records").WillReturnError(errors.New("constraint"))
				mock.ExpectRollback()
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock db: %v", err)
			}
			defer func() { _ = db.Close() }()
			tt.setupMock(mock)

			err = NewSQLSink(db, tt.dialect).Write(context.Background(), records)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSQLSinkEmptyBatchIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, NewSQLSink(db, StorePostgres).Write(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenSinkSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "usage.db")
	sink, err := OpenSink(ctx, "sqlite", dsn)
	require.NoError(t, err)
	require.NoError(t, sink.Write(ctx, sampleRecords()))
	require.NoError(t, sink.Close())

	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var (
		count int
		cost  float64
	)
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*), SUM(cost_estimate) FROM usage_records`).Scan(&count, &cost))
	require.Equal(t, 2, count)
	require.InDelta(t, 0.0024, cost, 1e-12)

	var status string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT status FROM usage_records WHERE request_id = ?`, "r2").Scan(&status))
	require.Equal(t, "retried", status)
}

func TestOpenSinkValidation(t *testing.T) {
	ctx := context.Background()
	sink, err := OpenSink(ctx, "", "")
	require.NoError(t, err)
	require.IsType(t, NopSink{}, sink)

	_, err = OpenSink(ctx, "mongo", "x")
	require.Error(t, err)
	_, err = OpenSink(ctx, StorePostgres, " ")
	require.Error(t, err)
}

type recordingSink struct {
	batches [][]Record
	fail    error
}

func (s *recordingSink) Write(_ context.Context, records []Record) error {
	if s.fail != nil {
		return s.fail
	}
	s.batches = append(s.batches, records)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func TestFlusherAdvancesOnlyOnSuccess(t *testing.T) {
	ledger := NewLedger(nil)
	sink := &recordingSink{fail: errors.New("db down")}
	f := NewFlusher(ledger, sink, time.Hour, nil)
	ctx := context.Background()

	require.NoError(t, f.Flush(ctx), "nothing pending")
	for _, rec := range sampleRecords() {
		ledger.Append(rec)
	}
	require.Error(t, f.Flush(ctx))
	require.Len(t, ledger.Pending(), 2)

	sink.fail = nil
	require.NoError(t, f.Flush(ctx))
	require.Len(t, sink.batches, 1)
	require.Len(t, sink.batches[0], 2)
	require.Empty(t, ledger.Pending())

	ledger.Append(Record{RequestID: "r3"})
	require.NoError(t, f.Flush(ctx))
	require.Len(t, sink.batches, 2)
	require.Equal(t, "r3", sink.batches[1][0].RequestID)
}

func TestFlusherRunFlushesOnTick(t *testing.T) {
	ledger := NewLedger(nil)
	ledger.Append(Record{RequestID: "tick"})
	f := NewFlusher(ledger, NopSink{}, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return len(ledger.Pending()) == 0 }, time.Second, time.Millisecond)
	cancel()
	<-done
}
