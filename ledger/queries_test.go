package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"a2aexchange/models"
)

func TestExchangeStatsVelocityRounded(t *testing.T) {
	db := setupTestDB(t)
	engine, _ := newTestEngine(t, db)

	account := createAccount(t, db, "stats-bot", 300)

	// one transaction inside the 24h window, one outside it
	require.NoError(t, db.Create(&models.Transaction{
		ID: uuid.NewString(), ToAccount: &account, Amount: 100,
		TxType: models.TxMint, CreatedAt: time.Now().UTC().Add(-time.Hour),
	}).Error)
	require.NoError(t, db.Create(&models.Transaction{
		ID: uuid.NewString(), ToAccount: &account, Amount: 500,
		TxType: models.TxMint, CreatedAt: time.Now().UTC().Add(-25 * time.Hour),
	}).Error)

	stats, err := engine.ExchangeStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.TotalAccounts)
	require.Equal(t, int64(1), stats.ActiveAccounts)
	require.Equal(t, int64(300), stats.Circulating)
	require.Equal(t, int64(0), stats.InEscrow)
	require.Equal(t, int64(300), stats.TotalSupply())
	require.Equal(t, int64(1), stats.TxCount24h)
	require.Equal(t, int64(100), stats.TxVolume24h)
	require.InDelta(t, 0.3333, stats.Velocity, 1e-9, "100/300 rounded to four decimals")
}

func TestExchangeStatsEmptyBook(t *testing.T) {
	db := setupTestDB(t)
	engine, _ := newTestEngine(t, db)

	stats, err := engine.ExchangeStats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.TotalAccounts)
	require.Zero(t, stats.TxVolume24h)
	require.Zero(t, stats.Velocity, "no supply means no velocity, not a division by zero")
}
