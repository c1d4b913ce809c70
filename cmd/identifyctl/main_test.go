package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zatekoja/plantid/backend/internal/application/circuit"
	"github.com/zatekoja/plantid/backend/internal/domain/entities"
	"github.com/zatekoja/plantid/backend/pkg/config"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Env:  "development",
		OTEL: config.OTELConfig{ServiceName: "identifyctl-test"},
		Identification: config.IdentificationConfig{
			RequestTimeout:  5 * time.Second,
			MaxImageBytes:   1 << 20,
			MinConfidence:   0.1,
			MaxSuggestions:  3,
			ContractVersion: "v1",
			StoreBackend:    config.StoreBackendMemory,
		},
		WorkerPool: config.WorkerPoolConfig{Multiplier: 1, MinWorkers: 2, MaxWorkers: 4, QueueSize: 8, ShutdownGrace: time.Second},
		Lock:       config.LockConfig{WaitTimeout: time.Second, LeaseDuration: 5 * time.Second, MaxLeaseLifetime: time.Minute, KeyPrefix: "plantid:lock:"},
		Cache:      config.CacheConfig{KeyPrefix: "plantid:cache:", DefaultTTL: time.Hour, MemoryStoreSize: 100},
		Providers: []config.ProviderConfig{
			{Name: "plantid", Kind: config.ProviderKindPlantID, Role: config.RolePrimary, Timeout: time.Second, FailureThreshold: 3, ResetTimeout: time.Minute},
			{Name: "plantnet", Kind: config.ProviderKindPlantNet, Role: config.RoleSecondary, Timeout: time.Second, FailureThreshold: 5, ResetTimeout: 30 * time.Second},
		},
	}
}

func runCommand(t *testing.T, cfg *config.Config, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommandWithContext(&commandContext{
		loadConfig: func() (*config.Config, error) { return cfg, nil },
	})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "leaf.png")
	require.NoError(t, os.WriteFile(path, []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDRleaf"), 0o600))
	return path
}

func TestIdentifyCommand_UsesMockProvidersWithoutKeys(t *testing.T) {
	out, err := runCommand(t, memoryConfig(), "identify", writeImage(t), "--disease")
	require.NoError(t, err)

	var result entities.IdentificationResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "plantid", result.PrimarySource)
	assert.NotEmpty(t, result.PrimarySuggestions)
	assert.Contains(t, result.SupplementaryData, "plantnet")
	assert.NotEmpty(t, result.Health)
	assert.Len(t, result.ProvidersAttempted, 2)
}

func TestIdentifyCommand_ProductionRequiresKeys(t *testing.T) {
	cfg := memoryConfig()
	cfg.Env = "production"
	_, err := runCommand(t, cfg, "identify", writeImage(t))
	assert.Error(t, err)
}

func TestIdentifyCommand_RejectsNonImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("not a plant"), 0o600))
	_, err := runCommand(t, memoryConfig(), "identify", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INVALID_INPUT")
}

func TestCircuitStatusCommand(t *testing.T) {
	out, err := runCommand(t, memoryConfig(), "circuit", "status", "--json")
	require.NoError(t, err)

	var states []circuit.Status
	require.NoError(t, json.Unmarshal([]byte(out), &states))
	require.Len(t, states, 2)
	assert.Equal(t, "plantid", states[0].State.Provider)
	assert.Equal(t, entities.CircuitClosed, states[0].State.Phase)

	out, err = runCommand(t, memoryConfig(), "circuit", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "plantnet")
	assert.Contains(t, out, "CLOSED")
}

func TestCircuitOverrideCommands(t *testing.T) {
	out, err := runCommand(t, memoryConfig(), "circuit", "open", "plantid", "--for", "1m")
	require.NoError(t, err)
	assert.Contains(t, out, "forced OPEN")

	_, err = runCommand(t, memoryConfig(), "circuit", "reset", "unknown")
	assert.Error(t, err)
}

func TestCacheCommands(t *testing.T) {
	path := writeImage(t)
	out, err := runCommand(t, memoryConfig(), "cache", "fingerprint", path)
	require.NoError(t, err)
	fp := out[:len(out)-1]
	assert.Len(t, fp, 64)

	out, err = runCommand(t, memoryConfig(), "cache", "invalidate", fp)
	require.NoError(t, err)
	assert.Contains(t, out, "Invalidated 0 cached result(s)")
}

func TestRenderCircuitTable(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	open := entities.NewCircuitState("plantid")
	open.Phase = entities.CircuitOpen
	open.ConsecutiveFailures = 3
	open.OpenCount = 1
	open.RetryAt = now.Add(45 * time.Second)

	out := renderCircuitTable([]circuit.Status{
		{State: open},
		{State: entities.NewCircuitState("plantnet")},
	}, now)
	assert.Contains(t, out, "OPEN")
	assert.Contains(t, out, "45s")
	assert.Contains(t, out, "plantnet")
}
