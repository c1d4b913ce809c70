package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zatekoja/plantid/backend/internal/domain/entities"
)

func TestHTTPHandler_IdentifyAndAdmin(t *testing.T) {
	cfg := memoryConfig()
	cfg.Server.EnableAdmin = true

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close(context.Background())

	server := httptest.NewServer(a.httpHandler())
	defer server.Close()

	image := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDRleaf")
	resp, err := http.Post(server.URL+"/api/identify?disease=true", "image/png", bytes.NewReader(image))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result entities.IdentificationResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "plantid", result.PrimarySource)
	assert.NotEmpty(t, result.PrimarySuggestions)

	resp, err = http.Get(server.URL + "/api/admin/circuits")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/api/admin/cache/"+result.Fingerprint, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var removed struct {
		Removed int `json:"removed"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&removed))
	assert.Equal(t, 1, removed.Removed)
}

func TestHTTPHandler_AdminDisabledByDefault(t *testing.T) {
	a, err := newApp(context.Background(), memoryConfig())
	require.NoError(t, err)
	defer a.Close(context.Background())

	server := httptest.NewServer(a.httpHandler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/admin/circuits")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
