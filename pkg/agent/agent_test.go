package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WebFirstLanguage/histnet/pkg/identity"
)

func testConfig(t *testing.T) *Config {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Transport = "tcp"
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.ControlAddr = "127.0.0.1:0"
	cfg.RequestTimeout = 2 * time.Second
	cfg.LookupTimeout = 5 * time.Second
	return cfg
}

func newTestAgent(t *testing.T, cfg *Config) *Agent {
	id, err := identity.GenerateIdentity()
	require.NoError(t, err)
	a, err := New(cfg, id)
	require.NoError(t, err)
	return a
}

func startAgent(t *testing.T, cfg *Config) *Agent {
	a := newTestAgent(t, cfg)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		if a.State() != StateStopped {
			a.Stop(context.Background())
		}
	})
	return a
}

func TestNew(t *testing.T) {
	_, err := New(testConfig(t), nil)
	assert.Error(t, err)

	cfg := testConfig(t)
	cfg.Transport = "udp"
	id, err := identity.GenerateIdentity()
	require.NoError(t, err)
	_, err = New(cfg, id)
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Nickname = "ab"
	_, err = New(cfg, id)
	assert.Error(t, err, "nickname too short")

	cfg.Nickname = " Worker "
	a, err := New(cfg, id)
	require.NoError(t, err)
	assert.Equal(t, "worker", a.Nickname())
	assert.Equal(t, "worker~"+id.Honeytag(), a.Handle())
	assert.Equal(t, StateStopped, a.State())
	assert.Equal(t, int64(-1), a.Height())
}

// TestAgentStates tests the agent state machine transitions
func TestAgentStates(t *testing.T) {
	tests := []struct {
		name          string
		initialState  State
		action        func(*Agent) error
		expectedState State
		expectError   bool
	}{
		{
			name:          "start_from_stopped",
			initialState:  StateStopped,
			action:        func(a *Agent) error { return a.Start(context.Background()) },
			expectedState: StateRunning,
		},
		{
			name:          "start_already_running",
			initialState:  StateRunning,
			action:        func(a *Agent) error { return a.Start(context.Background()) },
			expectedState: StateRunning,
			expectError:   true,
		},
		{
			name:          "stop_already_stopped",
			initialState:  StateStopped,
			action:        func(a *Agent) error { return a.Stop(context.Background()) },
			expectedState: StateStopped,
			expectError:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAgent(t, testConfig(t))
			a.state = tt.initialState
			t.Cleanup(func() {
				if a.Protocol() != nil {
					a.Stop(context.Background())
				}
			})

			err := tt.action(a)
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expectedState, a.State())
		})
	}
}

func TestStartStop(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetricsAddr = "127.0.0.1:0"
	a := newTestAgent(t, cfg)

	require.NoError(t, a.Start(context.Background()))
	assert.Equal(t, StateRunning, a.State())
	require.NotNil(t, a.Record())
	assert.Equal(t, a.Identity().NodeID(), a.Record().ID())
	assert.NotZero(t, a.Record().TCP())
	assert.NotNil(t, a.ControlAddr())
	assert.Equal(t, int64(0), a.Height(), "a new node starts at genesis")

	info := a.Info()
	assert.Equal(t, "running", info.State)
	assert.Equal(t, a.Record().String(), info.ENR)
	assert.Equal(t, "tcp", info.Transport)
	assert.Equal(t, a.Identity().Honeytag(), info.Honeytag)

	require.NoError(t, a.Stop(context.Background()))
	assert.Equal(t, StateStopped, a.State())
	assert.Nil(t, a.Protocol())
	assert.Nil(t, a.ControlAddr())
	_, err := os.Stat(filepath.Join(cfg.DatabaseDir(), "history.db"))
	assert.NoError(t, err)

	// restart reopens the same database
	require.NoError(t, a.Start(context.Background()))
	assert.Equal(t, StateRunning, a.State())
	require.NoError(t, a.Stop(context.Background()))
}

func TestStart_FailureReleasesResources(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bootnodes = []string{"enr:not-a-record"}
	a := newTestAgent(t, cfg)
	assert.Error(t, a.Start(context.Background()))
	assert.Equal(t, StateStopped, a.State())

	// the listen address is taken by a running agent
	running := startAgent(t, testConfig(t))
	cfg = testConfig(t)
	cfg.ListenAddr = running.ListenAddr().String()
	a = newTestAgent(t, cfg)
	assert.Error(t, a.Start(context.Background()))
	assert.Equal(t, StateStopped, a.State())
	assert.Nil(t, a.Protocol())

	// the database is not left locked
	cfg.ListenAddr = "127.0.0.1:0"
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Stop(context.Background()))
}

func TestHealthz(t *testing.T) {
	a := newTestAgent(t, testConfig(t))
	rec := httptest.NewRecorder()
	a.healthzHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	a.state = StateRunning
	rec = httptest.NewRecorder()
	a.healthzHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "state: running")
}
