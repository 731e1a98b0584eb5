package repository

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanpass/fulfillment/internal/model"
)

func TestListingRepository_ListByChannelID(t *testing.T) {
	db := setupTestDB(t)
	repo := NewListingRepository(db)
	ctx := context.Background()

	for _, l := range []*model.Listing{
		{ListingID: "l-1", MerchantID: "m-1", ChannelID: "ch-1", Price: decimal.NewFromInt(10), Currency: model.CurrencyETH, DurationDays: 30, Status: model.ListingStatusActive},
		{ListingID: "l-2", MerchantID: "m-1", ChannelID: "ch-1", Price: decimal.NewFromInt(25), Currency: model.CurrencyETH, DurationDays: 90, Status: model.ListingStatusInactive},
		{ListingID: "l-3", MerchantID: "m-2", ChannelID: "ch-2", Price: decimal.NewFromInt(5), Currency: model.CurrencyBTC, DurationDays: 7, Status: model.ListingStatusActive},
	} {
		require.NoError(t, db.Create(l).Error)
	}

	listings, err := repo.ListByChannelID(ctx, "ch-1")
	require.NoError(t, err)
	require.Len(t, listings, 2)
	assert.Equal(t, "l-1", listings[0].ListingID)
	assert.Equal(t, "l-2", listings[1].ListingID)

	listings, err = repo.ListByChannelID(ctx, "ch-9")
	require.NoError(t, err)
	assert.Empty(t, listings)
}

func TestExecutionRepository_Lifecycle(t *testing.T) {
	db := setupTestDB(t)
	repo := NewExecutionRepository(db)
	ctx := context.Background()

	latest, err := repo.GetLatestByJobName(ctx, "order-expiry")
	require.NoError(t, err)
	assert.Nil(t, latest)

	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	stale := &model.JobExecution{JobName: "order-expiry", Status: model.JobStatusRunning, StartedAt: old}
	require.NoError(t, repo.Create(ctx, stale))

	recent := &model.JobExecution{JobName: "order-expiry", Status: model.JobStatusRunning, StartedAt: time.Now().UnixMilli()}
	require.NoError(t, repo.Create(ctx, recent))

	n, err := repo.MarkStaleRunningAsFailed(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	duration := 120
	finished := time.Now().UnixMilli()
	recent.Status = model.JobStatusSuccess
	recent.FinishedAt = &finished
	recent.DurationMs = &duration
	recent.Result = model.JSONMap{"affected_count": 3}
	require.NoError(t, repo.Update(ctx, recent))

	latest, err = repo.GetLatestByJobName(ctx, "order-expiry")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, model.JobStatusSuccess, latest.Status)
	assert.Equal(t, 120, *latest.DurationMs)
	assert.EqualValues(t, 3, latest.Result["affected_count"])

	history, err := repo.ListByJobName(ctx, "order-expiry", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.JobStatusFailed, history[1].Status)
}
