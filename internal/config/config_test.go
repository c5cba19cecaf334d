package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultCommissionBP, cfg.Policy.CommissionBP)
	assert.Equal(t, DefaultRoomFeeReleaseDelay, cfg.Policy.RoomFeeReleaseDelay)
	assert.Equal(t, DefaultDepositRefundDelay, cfg.Policy.DepositRefundDelay)
	assert.Len(t, cfg.Policy.Tiers, 3)
	assert.Equal(t, "EARLY", cfg.Policy.Tiers[0].Name)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "COMMISSION_BP", "1500")
	setEnv(t, "ROOM_FEE_RELEASE_DELAY", "2h")
	setEnv(t, "DEPOSIT_REFUND_DELAY", "72h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 1500, cfg.Policy.CommissionBP)
	assert.Equal(t, 2*time.Hour, cfg.Policy.RoomFeeReleaseDelay)
	assert.Equal(t, 72*time.Hour, cfg.Policy.DepositRefundDelay)
}

func TestLoad_InvalidCommission(t *testing.T) {
	setEnv(t, "COMMISSION_BP", "12000")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "COMMISSION_BP")
}

func TestValidateTiers(t *testing.T) {
	assert.NoError(t, ValidateTiers(DefaultTiers()))

	// Unordered tiers are rejected.
	bad := []RefundTier{
		{Name: "LATE", MinHoursBefore: 0, GuestBP: 0, RealtorBP: 9000, PlatformBP: 1000},
		{Name: "EARLY", MinHoursBefore: 96, GuestBP: 10000},
	}
	assert.Error(t, ValidateTiers(bad))

	// Over-allocated tier is rejected.
	over := []RefundTier{
		{Name: "ALL", MinHoursBefore: 0, GuestBP: 6000, RealtorBP: 5000, PlatformBP: 1000},
	}
	assert.Error(t, ValidateTiers(over))

	// A tier set that never reaches zero hours is rejected.
	gap := []RefundTier{
		{Name: "EARLY", MinHoursBefore: 96, GuestBP: 10000},
	}
	assert.Error(t, ValidateTiers(gap))

	assert.Error(t, ValidateTiers(nil))
}

func TestEnvHelpers(t *testing.T) {
	setEnv(t, "WORKER_BATCH", "not-a-number")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultWorkerBatch, cfg.WorkerBatch)
}
