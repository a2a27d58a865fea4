package worker

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/thebtf/tally/internal/config"
	"github.com/thebtf/tally/internal/db/gorm"
	"github.com/thebtf/tally/pkg/models"
)

// testConfig returns a config over a private in-memory SQLite database.
func testConfig(opts ...func(*config.Config)) *config.Config {
	cfg := config.Default()
	cfg.DBDSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	cfg.CORSOrigins = []string{"http://localhost:5173"}
	cfg.AwardRate = 0
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// testService creates a ready Service backed by in-memory SQLite.
func testService(t *testing.T, opts ...func(*config.Config)) (*Service, *gorm.Store) {
	t.Helper()

	cfg := testConfig(opts...)
	svc := newService("test-version", cfg)

	store, err := gorm.NewStore(gorm.Config{
		Driver:   gorm.DriverSQLite,
		DSN:      cfg.DBDSN,
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)

	svc.setComponents(NewSQLStores(store), models.DefaultScoringConfig())
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	return svc, store
}

// do sends a request through the service router.
func do(t *testing.T, svc *Service, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, ok := body.(string)
		if !ok {
			data, err := json.Marshal(body)
			require.NoError(t, err)
			raw = string(data)
		}
		reader = bytes.NewReader([]byte(raw))
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rr := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rr, req)
	return rr
}

// decode unmarshals a JSON response body.
func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), "body: %s", rr.Body.String())
	return out
}

// award posts an award request and returns the decoded result.
func award(t *testing.T, svc *Service, userID string, action models.ActionType, sourceID string) models.AwardResult {
	t.Helper()
	rr := do(t, svc, http.MethodPost, "/api/points/award", models.AwardRequest{
		UserID:     userID,
		ActionType: action,
		SourceID:   sourceID,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	return decode[models.AwardResult](t, rr)
}
