package repository

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chanpass/fulfillment/internal/model"
)

var testDBCounter int64

// setupTestDB 每个测试独立的内存 SQLite
func setupTestDB(t *testing.T) *gorm.DB {
	counter := atomic.AddInt64(&testDBCounter, 1)
	dsn := fmt.Sprintf("file:repo_testdb%d?mode=memory&cache=shared", counter)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

// setupMockDB postgres 方言 + sqlmock，用于校验 SQL 形态
func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn:       db,
		DriverName: "postgres",
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	return gormDB, mock
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"too many connections", &pgconn.PgError{Code: "53300"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"wrapped deadlock", fmt.Errorf("update: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"deadline", context.DeadlineExceeded, true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestIsDuplicateKeyError(t *testing.T) {
	assert.True(t, isDuplicateKeyError(gorm.ErrDuplicatedKey))
	assert.True(t, isDuplicateKeyError(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isDuplicateKeyError(&pgconn.PgError{Code: "40001"}))
	assert.False(t, isDuplicateKeyError(nil))
}

func TestRepository_TransactionSharesContext(t *testing.T) {
	db := setupTestDB(t)
	base := NewRepository(db)
	orders := NewOrderRepository(db)
	addresses := NewDepositAddressRepository(db)
	ctx := context.Background()

	err := base.Transaction(ctx, func(txCtx context.Context) error {
		require.NoError(t, addresses.Create(txCtx, &model.DepositAddress{
			OrderID: "o-tx", Address: "0xAbC", Currency: model.CurrencyETH,
			Network: model.NetworkEthereum, DerivationPath: "m/44'/60'/0'/0/1",
		}))
		require.NoError(t, orders.Create(txCtx, newTestOrder("o-tx", "0xAbC")))
		return errors.New("rollback")
	})
	require.Error(t, err)

	_, err = orders.GetByOrderID(ctx, "o-tx")
	assert.Error(t, err)
	_, err = addresses.GetByOrderID(ctx, "o-tx")
	assert.ErrorIs(t, err, ErrDepositAddressNotFound)
}

func TestRepository_TransactionWithRetry_StopsOnNonRetryable(t *testing.T) {
	db := setupTestDB(t)
	base := NewRepository(db)

	calls := 0
	err := base.TransactionWithRetry(context.Background(), 3, func(ctx context.Context) error {
		calls++
		return errors.New("validation")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
