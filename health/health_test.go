package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticChecker(name string, status Status) Checker {
	return NewComponentChecker(name, func(context.Context) (Status, string, error) {
		return status, string(status), nil
	})
}

func TestRegistry(t *testing.T) {
	t.Run("empty registry is healthy", func(t *testing.T) {
		report := NewRegistry().Check(context.Background())
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Empty(t, report.Checks)
	})

	t.Run("reports the worst status", func(t *testing.T) {
		registry := NewRegistry(
			staticChecker("a", StatusHealthy),
			staticChecker("b", StatusDegraded),
		)
		assert.Equal(t, StatusDegraded, registry.Check(context.Background()).Status)

		registry.Register(staticChecker("c", StatusUnhealthy))
		report := registry.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Len(t, report.Checks, 3)

		registry.Unregister("c")
		assert.Equal(t, StatusDegraded, registry.Check(context.Background()).Status)
	})

	t.Run("slow checks time out as unhealthy", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)

		registry := NewRegistry(
			staticChecker("fast", StatusHealthy),
			NewComponentChecker("slow", func(context.Context) (Status, string, error) {
				<-release
				return StatusHealthy, "", nil
			}),
		)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		report := registry.Check(ctx)
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, "check timed out", report.Checks["slow"].Message)
		assert.Equal(t, StatusHealthy, report.Checks["fast"].Status)
	})
}

func TestHandler(t *testing.T) {
	t.Run("healthy answers 200 with the report", func(t *testing.T) {
		handler := NewHandler(NewRegistry(staticChecker("a", StatusHealthy)), time.Second)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		var report Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Contains(t, report.Checks, "a")
	})

	t.Run("degraded still answers 200", func(t *testing.T) {
		handler := NewHandler(NewRegistry(staticChecker("a", StatusDegraded)), time.Second)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unhealthy answers 503", func(t *testing.T) {
		handler := NewHandler(NewRegistry(staticChecker("a", StatusUnhealthy)), time.Second)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("only GET", func(t *testing.T) {
		handler := NewHandler(NewRegistry(), time.Second)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestComponentChecker(t *testing.T) {
	checker := NewComponentChecker("cache", func(context.Context) (Status, string, error) {
		return StatusDegraded, "slow", errors.New("timeout")
	})

	result := checker.Check(context.Background())
	assert.Equal(t, "cache", result.Name)
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, "timeout", result.Error)
}
