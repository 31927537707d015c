package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"

	"github.com/kiesman99/rastile/internal/api"
	"github.com/kiesman99/rastile/internal/rastertest"
	"github.com/kiesman99/rastile/pkg/raster"
	"github.com/kiesman99/rastile/pkg/tile"
)

// openFixture writes a 64x48 gray TIFF with 32x32 tiles and one
// reduced-resolution level.
func openFixture(t *testing.T) *raster.Container {
	t.Helper()
	data := rastertest.TIFF{
		Width: 64, Height: 48,
		TileWidth: 32, TileHeight: 32,
		Reduced: []rastertest.TIFF{{Width: 32, Height: 24, TileWidth: 16, TileHeight: 16}},
	}.Bytes()
	c, err := raster.Open(rastertest.Write(t, "gray.tif", data))
	if err != nil {
		t.Fatalf("Failed to open fixture: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// Test server setup
func setupTestServer(t *testing.T) *httptest.Server {
	r := chi.NewRouter()

	// Add middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))

	apiServer := NewServer("1.0.0-test", map[string]*raster.Container{
		"gray.tif": openFixture(t),
	}, nil)

	r.Route("/api/v1", func(r chi.Router) {
		api.HandlerWithOptions(apiServer, api.ChiServerOptions{
			BaseRouter:       r,
			ErrorHandlerFunc: apiServer.ErrorHandler,
		})
	})

	return httptest.NewServer(r)
}

func decodeError(t *testing.T, body io.Reader) map[string]interface{} {
	t.Helper()
	var errorResp map[string]interface{}
	if err := json.NewDecoder(body).Decode(&errorResp); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}
	return errorResp
}

func TestHealthEndpoint(t *testing.T) {
	server := setupTestServer(t)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if contentType := resp.Header.Get("Content-Type"); contentType != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", contentType)
	}

	var healthResp api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&healthResp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if healthResp.Status != api.Healthy {
		t.Errorf("Expected status healthy, got %s", healthResp.Status)
	}
	if healthResp.Version == nil || *healthResp.Version != "1.0.0-test" {
		t.Errorf("Expected version 1.0.0-test, got %v", healthResp.Version)
	}
}

func TestDatasetEndpoints(t *testing.T) {
	server := setupTestServer(t)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/datasets")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	var list api.DatasetList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	resp.Body.Close()
	if len(list.Datasets) != 1 || list.Datasets[0] != "gray.tif" {
		t.Errorf("Expected [gray.tif], got %v", list.Datasets)
	}

	resp, err = http.Get(server.URL + "/api/v1/datasets/gray.tif")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var ds api.Dataset
	if err := json.NewDecoder(resp.Body).Decode(&ds); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if ds.Format != "TIFF" {
		t.Errorf("Expected format TIFF, got %s", ds.Format)
	}
	if len(ds.Entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(ds.Entries))
	}
	e := ds.Entries[0]
	if !e.Current || e.Bands != 1 || e.ScalarType != "uint8" {
		t.Errorf("Unexpected entry: %+v", e)
	}
	want := []api.Level{
		{Level: 0, Width: 64, Height: 48, BlockWidth: 32, BlockHeight: 32},
		{Level: 1, Width: 32, Height: 24, BlockWidth: 16, BlockHeight: 16},
	}
	if len(e.Levels) != len(want) {
		t.Fatalf("Expected %d levels, got %d", len(want), len(e.Levels))
	}
	for i := range want {
		if e.Levels[i] != want[i] {
			t.Errorf("Level %d: expected %+v, got %+v", i, want[i], e.Levels[i])
		}
	}

	resp, err = http.Get(server.URL + "/api/v1/datasets/missing.tif")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
	if code := decodeError(t, resp.Body)["error"]; code != "DATASET_NOT_FOUND" {
		t.Errorf("Expected error code DATASET_NOT_FOUND, got %v", code)
	}
}

func TestTileEndpoint_Raw(t *testing.T) {
	server := setupTestServer(t)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/datasets/gray.tif/entries/0/levels/0/tile?x=30&y=5&width=4&height=3&format=raw")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d. Body: %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/octet-stream" {
		t.Errorf("Expected Content-Type application/octet-stream, got %s", got)
	}
	if got := resp.Header.Get("X-Tile-Bands"); got != "1" {
		t.Errorf("Expected 1 band, got %s", got)
	}
	if got := resp.Header.Get("X-Tile-Scalar"); got != "uint8" {
		t.Errorf("Expected uint8 scalar, got %s", got)
	}
	if got := resp.Header.Get("X-Tile-Status"); got != "full" {
		t.Errorf("Expected full tile, got %s", got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	if len(body) != 12 {
		t.Fatalf("Expected 12 bytes, got %d", len(body))
	}
	// The window straddles the first two tiles.
	for i, v := range body {
		x, y := 30+i%4, 5+i/4
		if want := byte(rastertest.Gradient(x, y, 0)); v != want {
			t.Errorf("Pixel (%d,%d): expected %d, got %d", x, y, want, v)
		}
	}
}

func TestTileEndpoint_PNG(t *testing.T) {
	server := setupTestServer(t)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/datasets/gray.tif/entries/0/levels/1/tile?x=0&y=0&width=8&height=8")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "image/png" {
		t.Errorf("Expected Content-Type image/png, got %s", got)
	}

	img, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatalf("Failed to decode PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 8 {
		t.Errorf("Expected 8x8 image, got %v", b)
	}
	r, _, _, a := img.At(5, 2).RGBA()
	want := uint32(rastertest.Gradient(5, 2, 0))
	if a>>8 != 0xff {
		t.Errorf("Expected opaque pixel, got alpha %d", a>>8)
	}
	if got := r >> 8; got+1 < want || got > want+1 {
		t.Errorf("Expected gray %d, got %d", want, got)
	}
}

func TestTileEndpoint_Status(t *testing.T) {
	server := setupTestServer(t)
	defer server.Close()

	testCases := []struct {
		name   string
		query  string
		status string
	}{
		{"inside", "x=1&y=1&width=16&height=16", "full"},
		{"past the edge", "x=60&y=40&width=8&height=16", "partial"},
		{"outside", "x=100&y=100&width=8&height=8", "empty"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get(server.URL + "/api/v1/datasets/gray.tif/entries/0/levels/0/tile?format=raw&" + tc.query)
			if err != nil {
				t.Fatalf("Failed to make request: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("Expected status 200, got %d", resp.StatusCode)
			}
			if got := resp.Header.Get("X-Tile-Status"); got != tc.status {
				t.Errorf("Expected status %s, got %s", tc.status, got)
			}
		})
	}
}

func TestTileEndpoint_Errors(t *testing.T) {
	server := setupTestServer(t)
	defer server.Close()

	testCases := []struct {
		name           string
		path           string
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "Missing width",
			path:           "/datasets/gray.tif/entries/0/levels/0/tile?x=0&y=0&height=8",
			expectedStatus: http.StatusBadRequest,
			expectedError:  "VALIDATION_ERROR",
		},
		{
			name:           "Non-numeric x",
			path:           "/datasets/gray.tif/entries/0/levels/0/tile?x=abc&y=0&width=8&height=8",
			expectedStatus: http.StatusBadRequest,
			expectedError:  "VALIDATION_ERROR",
		},
		{
			name:           "Zero width",
			path:           "/datasets/gray.tif/entries/0/levels/0/tile?x=0&y=0&width=0&height=8",
			expectedStatus: http.StatusBadRequest,
			expectedError:  "VALIDATION_ERROR",
		},
		{
			name:           "Negative origin",
			path:           "/datasets/gray.tif/entries/0/levels/0/tile?x=-8&y=0&width=8&height=8",
			expectedStatus: http.StatusBadRequest,
			expectedError:  "VALIDATION_ERROR",
		},
		{
			name:           "Too large",
			path:           "/datasets/gray.tif/entries/0/levels/0/tile?x=0&y=0&width=8192&height=8192",
			expectedStatus: http.StatusBadRequest,
			expectedError:  "VALIDATION_ERROR",
		},
		{
			name:           "Unknown format",
			path:           "/datasets/gray.tif/entries/0/levels/0/tile?x=0&y=0&width=8&height=8&format=gif",
			expectedStatus: http.StatusBadRequest,
			expectedError:  "VALIDATION_ERROR",
		},
		{
			name:           "Invalid level",
			path:           "/datasets/gray.tif/entries/0/levels/5/tile?x=0&y=0&width=8&height=8",
			expectedStatus: http.StatusNotFound,
			expectedError:  "NOT_FOUND",
		},
		{
			name:           "Invalid entry",
			path:           "/datasets/gray.tif/entries/7/levels/0/tile?x=0&y=0&width=8&height=8",
			expectedStatus: http.StatusNotFound,
			expectedError:  "NOT_FOUND",
		},
		{
			name:           "Band out of range",
			path:           "/datasets/gray.tif/entries/0/levels/0/tile?x=0&y=0&width=8&height=8&bands=1",
			expectedStatus: http.StatusBadRequest,
			expectedError:  "INVALID_REQUEST",
		},
		{
			name:           "Unknown dataset",
			path:           "/datasets/other.tif/entries/0/levels/0/tile?x=0&y=0&width=8&height=8",
			expectedStatus: http.StatusNotFound,
			expectedError:  "DATASET_NOT_FOUND",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get(server.URL + "/api/v1" + tc.path)
			if err != nil {
				t.Fatalf("Failed to make request: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tc.expectedStatus {
				responseBody, _ := io.ReadAll(resp.Body)
				t.Fatalf("Expected status %d, got %d. Body: %s", tc.expectedStatus, resp.StatusCode, string(responseBody))
			}
			if errorCode := decodeError(t, resp.Body)["error"]; errorCode != tc.expectedError {
				t.Errorf("Expected error code %s, got %v", tc.expectedError, errorCode)
			}
		})
	}
}

func TestPropertyEndpoints(t *testing.T) {
	server := setupTestServer(t)
	defer server.Close()

	get := func(name string) (*http.Response, api.Property) {
		resp, err := http.Get(server.URL + "/api/v1/datasets/gray.tif/properties/" + name)
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		var p api.Property
		if resp.StatusCode == http.StatusOK {
			if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
		}
		return resp, p
	}
	put := func(name, body string) *http.Response {
		req, err := http.NewRequest(http.MethodPut, server.URL+"/api/v1/datasets/gray.tif/properties/"+name, strings.NewReader(body))
		if err != nil {
			t.Fatalf("Failed to create request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		return resp
	}

	resp, p := get("file_type")
	resp.Body.Close()
	if p.Value != "TIFF" {
		t.Errorf("Expected file_type TIFF, got %q", p.Value)
	}

	resp, p = get("block_size")
	resp.Body.Close()
	if p.Value != "32x32" {
		t.Errorf("Expected block_size 32x32, got %q", p.Value)
	}

	resp = put("enable_cache", `{"name":"enable_cache","value":"false"}`)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp, p = get("enable_cache")
	resp.Body.Close()
	if p.Value != "false" {
		t.Errorf("Expected enable_cache false, got %q", p.Value)
	}

	resp = put("file_type", `{"name":"file_type","value":"NITF"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = put("enable_cache", `{"invalid": json}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
	if code := decodeError(t, resp.Body)["error"]; code != "INVALID_JSON" {
		t.Errorf("Expected error code INVALID_JSON, got %v", code)
	}
	resp.Body.Close()

	resp, _ = get("nope")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestHandleTileError_BlockFailure(t *testing.T) {
	s := NewServer("test", nil, nil)
	w := httptest.NewRecorder()
	id := "req-1"

	err := errors.Wrap(&tile.PartialReadError{
		Entry:  2,
		Level:  1,
		Block:  image.Pt(3, 4),
		Offset: 4096,
		Err:    tile.ErrTruncatedBlock,
	}, "get tile")
	s.handleTileError(w, err, &id)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected status 422, got %d", w.Code)
	}
	var resp api.BlockErrorResponse
	if err := json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Error != "BLOCK_READ_ERROR" || resp.Entry != 2 || resp.Level != 1 ||
		resp.BlockX != 3 || resp.BlockY != 4 || resp.Offset != 4096 {
		t.Errorf("Unexpected response: %+v", resp)
	}
	if resp.RequestId == nil || *resp.RequestId != id {
		t.Errorf("Expected request id %s, got %v", id, resp.RequestId)
	}
}

func TestHandleTileError_Closed(t *testing.T) {
	s := NewServer("test", nil, nil)
	w := httptest.NewRecorder()
	s.handleTileError(w, tile.ErrClosed, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}
