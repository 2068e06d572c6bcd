package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/RoseWrightdev/vrlink/internal/v1/dispatch"
	"github.com/RoseWrightdev/vrlink/internal/v1/health"
	"github.com/RoseWrightdev/vrlink/internal/v1/middleware"
	"github.com/RoseWrightdev/vrlink/internal/v1/store"
	"github.com/RoseWrightdev/vrlink/internal/v1/transport"
	"github.com/RoseWrightdev/vrlink/internal/v1/types"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockController struct {
	mock.Mock
}

func (m *MockController) Status() StatusReport {
	return m.Called().Get(0).(StatusReport)
}

func (m *MockController) AddScore(ctx context.Context, side string, points int) {
	m.Called(ctx, side, points)
}

func (m *MockController) ResetScores(ctx context.Context) { m.Called(ctx) }

func (m *MockController) StartTimer(ctx context.Context) { m.Called(ctx) }

func (m *MockController) ApplyMode(ctx context.Context, mode types.GameMode) {
	m.Called(ctx, mode)
}

func (m *MockController) DisconnectTablet(ctx context.Context) { m.Called(ctx) }

type failingLister struct{}

func (failingLister) RecentMatches(context.Context, int) ([]types.MatchResult, error) {
	return nil, errors.New("disk full")
}

type fixture struct {
	router     *gin.Engine
	ctrl       *MockController
	dispatcher *dispatch.Dispatcher
}

func newFixture(t *testing.T, matches MatchLister) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{ctrl: new(MockController), dispatcher: dispatch.New()}
	f.router = NewRouter(Deps{
		Controller:  f.ctrl,
		Matches:     matches,
		Dispatcher:  f.dispatcher,
		Health:      health.NewHandler(),
		Development: true,
	})
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.ctrl.On("Status").Return(StatusReport{
		Link:           transport.Status{State: "connected", SessionID: "abc"},
		Mode:           types.ModeChef,
		Quality:        45,
		TimerRemaining: "01:30",
	})

	w := f.do(http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got StatusReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "connected", got.Link.State)
	assert.Equal(t, types.ModeChef, got.Mode)
	assert.Equal(t, 45, got.Quality)
	assert.NotEmpty(t, w.Header().Get(middleware.HeaderXCorrelationID))
}

func TestAddScore_RunsOnUpdateLoop(t *testing.T) {
	f := newFixture(t, nil)
	f.ctrl.On("AddScore", mock.Anything, "vr", -2).Return().Once()

	w := f.do(http.MethodPost, "/api/score", `{"side":"vr","points":-2}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	f.ctrl.AssertNotCalled(t, "AddScore", mock.Anything, mock.Anything, mock.Anything)

	assert.Equal(t, 1, f.dispatcher.Drain(context.Background()))
	f.ctrl.AssertExpectations(t)
}

func TestAddScore_RejectsBadSide(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodPost, "/api/score", `{"side":"cook","points":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, f.dispatcher.Pending())
}

func TestActions(t *testing.T) {
	tests := []struct {
		path   string
		method string
	}{
		{"/api/score/reset", "ResetScores"},
		{"/api/timer/start", "StartTimer"},
		{"/api/disconnect", "DisconnectTablet"},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			f := newFixture(t, nil)
			f.ctrl.On(tt.method, mock.Anything).Return().Once()

			w := f.do(http.MethodPost, tt.path, "")
			assert.Equal(t, http.StatusAccepted, w.Code)
			f.dispatcher.Drain(context.Background())
			f.ctrl.AssertExpectations(t)
		})
	}
}

func TestSetMode(t *testing.T) {
	f := newFixture(t, nil)
	f.ctrl.On("ApplyMode", mock.Anything, types.ModeSoldado).Return().Once()

	assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/api/mode", `{"mode":"Soldado"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/mode", `{"mode":"None"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/mode", `{}`).Code)

	f.dispatcher.Drain(context.Background())
	f.ctrl.AssertExpectations(t)
}

func TestActions_ClosedDispatcher(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatcher.Close()

	w := f.do(http.MethodPost, "/api/timer/start", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestListMatches(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "matches.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := st.RecordMatch(ctx, types.MatchResult{
			Mode:     types.ModeChef,
			Winner:   types.WinnerVR,
			VRScore:  i + 1,
			Duration: 90 * time.Second,
			EndedAt:  base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	f := newFixture(t, st)

	w := f.do(http.MethodGet, "/api/matches?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Matches []types.MatchResult `json:"matches"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Matches, 2)
	assert.Equal(t, 3, body.Matches[0].VRScore, "newest first")

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/matches?limit=0", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/matches?limit=abc", "").Code)
}

func TestListMatches_Errors(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, newFixture(t, nil).do(http.MethodGet, "/api/matches", "").Code)
	assert.Equal(t, http.StatusInternalServerError, newFixture(t, failingLister{}).do(http.MethodGet, "/api/matches", "").Code)
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health/live", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health/ready", "").Code)

	w := f.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestServer_StartAndShutdown(t *testing.T) {
	f := newFixture(t, nil)
	srv := NewServer("127.0.0.1:0", f.router)
	require.NoError(t, srv.Start(context.Background()))

	resp, err := http.Get("http://" + srv.Addr().String() + "/health/live")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(ctx))
}

func TestAllowedOrigins(t *testing.T) {
	assert.Equal(t, []string{"http://localhost:3000"}, allowedOrigins(""))
	assert.Equal(t, []string{"http://a", "http://b"}, allowedOrigins(" http://a, ,http://b"))
}
