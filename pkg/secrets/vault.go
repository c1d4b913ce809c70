package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apperrors "github.com/zatekoja/plantid/backend/pkg/errors"
)

// maxSecretBody bounds how much of a Vault response is read
const maxSecretBody = 1 << 20

// VaultConfig locates a KV secret holding provider credentials
type VaultConfig struct {
	Enabled   bool
	Addr      string
	Token     string
	Namespace string
	Mount     string
	Path      string
	KVVersion int
	Timeout   time.Duration
	// Overwrite replaces variables that are already set in the environment
	Overwrite bool
}

// VaultResult reports which variables were exported. Values are never included.
type VaultResult struct {
	Enabled bool
	Path    string
	Loaded  []string
	Skipped []string
}

// LoadVaultConfigFromEnv reads VAULT_* variables
func LoadVaultConfigFromEnv() VaultConfig {
	cfg := VaultConfig{
		Enabled:   strings.EqualFold(os.Getenv("VAULT_ENABLED"), "true"),
		Addr:      os.Getenv("VAULT_ADDR"),
		Token:     os.Getenv("VAULT_TOKEN"),
		Namespace: os.Getenv("VAULT_NAMESPACE"),
		Mount:     "secret",
		Path:      os.Getenv("VAULT_PATH"),
		KVVersion: 2,
		Timeout:   5 * time.Second,
		Overwrite: strings.EqualFold(os.Getenv("VAULT_OVERWRITE"), "true"),
	}
	if v := os.Getenv("VAULT_MOUNT"); v != "" {
		cfg.Mount = v
	}
	if v, err := strconv.Atoi(os.Getenv("VAULT_KV_VERSION")); err == nil {
		cfg.KVVersion = v
	}
	if v, err := strconv.Atoi(os.Getenv("VAULT_TIMEOUT_MS")); err == nil && v > 0 {
		cfg.Timeout = time.Duration(v) * time.Millisecond
	}
	return cfg
}

// IsProviderCredential accepts the variable names identification providers read
// their keys and endpoints from.
func IsProviderCredential(key string) bool {
	return strings.HasSuffix(key, "_API_KEY") || strings.HasSuffix(key, "_BASE_URL")
}

// ApplyVaultSecrets exports provider credentials stored in Vault as environment
// variables so that config.Load picks them up. Keys that are not provider
// credentials are ignored. A nil client gets an instrumented default.
func ApplyVaultSecrets(ctx context.Context, cfg VaultConfig, client *http.Client) (VaultResult, error) {
	res := VaultResult{Enabled: cfg.Enabled, Path: cfg.Path}
	if !cfg.Enabled {
		return res, nil
	}
	if cfg.Addr == "" || cfg.Token == "" || cfg.Path == "" {
		return res, apperrors.NewValidationError("vault requires VAULT_ADDR, VAULT_TOKEN and VAULT_PATH")
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	data, err := fetchSecret(ctx, cfg, client)
	if err != nil {
		return res, err
	}

	for key, value := range data {
		if !IsProviderCredential(key) {
			continue
		}
		if !cfg.Overwrite && os.Getenv(key) != "" {
			res.Skipped = append(res.Skipped, key)
			continue
		}
		if err := os.Setenv(key, stringify(value)); err != nil {
			return res, apperrors.NewInternalError("failed to export secret", err)
		}
		res.Loaded = append(res.Loaded, key)
	}
	return res, nil
}

func fetchSecret(ctx context.Context, cfg VaultConfig, client *http.Client) (map[string]any, error) {
	url := secretURL(cfg)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.NewValidationError("invalid vault address")
	}
	req.Header.Set("X-Vault-Token", cfg.Token)
	if cfg.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", cfg.Namespace)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, apperrors.NewExternalError("vault request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSecretBody))
	if err != nil {
		return nil, apperrors.NewExternalError("failed to read vault response", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("vault secret %q not found", cfg.Path))
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return nil, apperrors.NewUnauthorizedError("vault rejected the token")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, apperrors.NewExternalError(fmt.Sprintf("vault returned status %d", resp.StatusCode), nil)
	}

	var payload struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperrors.NewExternalError("malformed vault response", err)
	}
	if cfg.KVVersion == 1 {
		if payload.Data == nil {
			return nil, apperrors.NewExternalError("vault response has no data", nil)
		}
		return payload.Data, nil
	}
	inner, ok := payload.Data["data"].(map[string]any)
	if !ok {
		return nil, apperrors.NewExternalError("vault response has no data", nil)
	}
	return inner, nil
}

func secretURL(cfg VaultConfig) string {
	addr := strings.TrimRight(cfg.Addr, "/")
	mount := strings.Trim(cfg.Mount, "/")
	path := strings.TrimLeft(cfg.Path, "/")
	if cfg.KVVersion == 1 {
		return fmt.Sprintf("%s/v1/%s/%s", addr, mount, path)
	}
	return fmt.Sprintf("%s/v1/%s/data/%s", addr, mount, path)
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	}
}
