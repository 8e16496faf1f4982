package circuitbreaker

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap/zaptest"
)

func TestDatabaseWrapper_Ping(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	logger := zaptest.NewLogger(t)
	wrapper := NewDatabaseWrapper(db, logger)
	ctx := context.Background()

	mock.ExpectPing()
	if err := wrapper.PingContext(ctx); err != nil {
		t.Errorf("PingContext failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestDatabaseWrapper_Transaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	logger := zaptest.NewLogger(t)
	wrapper := NewDatabaseWrapper(db, logger)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO usage_ledger_entries").
		WithArgs("entry").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := wrapper.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx failed: %v", err)
	}

	result, err := tx.ExecContext(ctx, "INSERT INTO usage_ledger_entries (id) VALUES (?)", "entry")
	if err != nil {
		t.Errorf("transaction ExecContext failed: %v", err)
	}
	if affected, _ := result.RowsAffected(); affected != 1 {
		t.Errorf("expected 1 affected row, got %d", affected)
	}

	if err := tx.Commit(); err != nil {
		t.Errorf("transaction Commit failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestDatabaseWrapper_TransactionRollback(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	logger := zaptest.NewLogger(t)
	wrapper := NewDatabaseWrapper(db, logger)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO usage_ledger_entries").WillReturnError(sql.ErrTxDone)
	mock.ExpectRollback()

	tx, err := wrapper.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx failed: %v", err)
	}

	if _, err := tx.ExecContext(ctx, "INSERT INTO usage_ledger_entries (id) VALUES (?)", "entry"); err == nil {
		t.Error("expected ExecContext to fail")
	}
	if err := tx.Rollback(); err != nil {
		t.Errorf("Rollback failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestDatabaseWrapper_CircuitBreakerTriggering(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	logger := zaptest.NewLogger(t)
	wrapper := NewDatabaseWrapper(db, logger)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	}
	for i := 0; i < 5; i++ {
		if err := wrapper.PingContext(ctx); err == nil {
			t.Error("expected ping to fail")
		}
	}

	if !wrapper.IsCircuitBreakerOpen() {
		t.Error("expected circuit breaker to be open after repeated failures")
	}

	if err := wrapper.PingContext(ctx); err != ErrCircuitBreakerOpen {
		t.Errorf("expected circuit breaker open error, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
