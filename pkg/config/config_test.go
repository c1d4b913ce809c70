package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Len(t, cfg.Providers, 2)
	primary, ok := cfg.Provider(ProviderKindPlantID)
	require.True(t, ok)
	secondary, ok := cfg.Provider(ProviderKindPlantNet)
	require.True(t, ok)

	assert.Equal(t, RolePrimary, primary.Role)
	assert.Equal(t, RoleSecondary, secondary.Role)
	assert.Less(t, primary.FailureThreshold, secondary.FailureThreshold)
	assert.Greater(t, primary.ResetTimeout, secondary.ResetTimeout)
	assert.Equal(t, "v1", cfg.Identification.ContractVersion)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("PLANTID_FAILURE_THRESHOLD", "4")
	t.Setenv("LOCK_WAIT_TIMEOUT", "750ms")
	t.Setenv("IDENTIFY_FAIL_ON_LOCK_UNAVAILABLE", "true")
	t.Setenv("IDENTIFY_MIN_CONFIDENCE", "0.25")

	cfg, err := Load()
	require.NoError(t, err)

	primary, _ := cfg.Provider(ProviderKindPlantID)
	assert.Equal(t, 4, primary.FailureThreshold)
	assert.Equal(t, 750*time.Millisecond, cfg.Lock.WaitTimeout)
	assert.True(t, cfg.Identification.FailOnLockUnavailable)
	assert.InDelta(t, 0.25, cfg.Identification.MinConfidence, 1e-9)
}

func TestLoad_ProvidersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	content := `
providers:
  - name: plantid
    role: primary
    timeout: 3s
    failure_threshold: 2
    reset_timeout: 45s
  - name: fixtures
    kind: mock
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("PROVIDERS_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 2)

	assert.Equal(t, 3*time.Second, cfg.Providers[0].Timeout)
	assert.Equal(t, 2, cfg.Providers[0].FailureThreshold)
	assert.Equal(t, 45*time.Second, cfg.Providers[0].MaxResetTimeout)
	assert.Equal(t, ProviderKindMock, cfg.Providers[1].Kind)
	assert.Equal(t, RoleSecondary, cfg.Providers[1].Role)
	assert.Equal(t, 1, cfg.Providers[1].HalfOpenMaxProbes)
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RejectsBadProviders(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Providers = append(cfg.Providers, ProviderConfig{Name: ProviderKindPlantID, Role: "tertiary", Timeout: time.Second})
	cfg.Identification.StoreBackend = "etcd"

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate provider")
	assert.Contains(t, err.Error(), "unknown role")
	assert.Contains(t, err.Error(), "unknown store backend")
}
