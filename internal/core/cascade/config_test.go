package cascade

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const uri = "https://github.com/acme/web"

func target(mode, event string) Target {
	return Target{URI: uri, Branch: "main", Mode: mode, Event: event}
}

// =============================================================================
// Parse Tests
// =============================================================================

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse([]byte("  \n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultHooksDir, cfg.Hooks())

	_, _, ok := cfg.PreferredPort(target("release", ""))
	assert.False(t, ok)
}

func TestParse_JSON(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"preferPort": 4000,
		"hooksDir": "ci/hooks",
		"main": "node server.js",
		"env": {"default": {"DEBUG": 1, "NAME": "web"}},
		"pm2": {"instances": 2, "exec_mode": "fork", "restart_delay": 500, "min_uptime": "5s"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "ci/hooks", cfg.Hooks())
	assert.Equal(t, "node server.js", cfg.Main)
	assert.Equal(t, Vars{"DEBUG": "1", "NAME": "web"}, cfg.Env.Default)
	assert.Equal(t, 2, cfg.Process.Instances)
	assert.Equal(t, "fork", cfg.Process.ExecMode)
	assert.Equal(t, 500*time.Millisecond, cfg.Process.RestartDelay.Std())
	assert.Equal(t, 5*time.Second, cfg.Process.MinUptime.Std())

	port, scope, ok := cfg.PreferredPort(target("release", ""))
	require.True(t, ok)
	assert.Equal(t, 4000, port)
	assert.Equal(t, "preferPort", scope)
}

func TestParse_YAML(t *testing.T) {
	cfg, err := Parse([]byte(`
preferPort:
  branch:
    main: 4100
  mode:
    stage: 4200
pm2:
  script: ./server
  args: --port 8080
env:
  start:
    PHASE: start
`))
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"main": 4100}, cfg.PreferPort.Branch)
	assert.Equal(t, map[string]int{"stage": 4200}, cfg.PreferPort.Mode)
	assert.Nil(t, cfg.PreferPort.Default)
	assert.Equal(t, Args{"--port", "8080"}, cfg.Process.Args)
	assert.Equal(t, Vars{"PHASE": "start"}, cfg.Env.Events["start"])
}

func TestParse_Invalid(t *testing.T) {
	tests := []string{
		`{"preferPort": "not-a-port"}`,
		`{"env": {"default": {"NESTED": {"a": 1}}}}`,
		`{"pm2": {"min_uptime": "soon"}}`,
		`{not json`,
	}

	for _, doc := range tests {
		_, err := Parse([]byte(doc))
		assert.ErrorIs(t, err, ErrInvalidConfig, doc)
	}
}

func TestParse_NullEnvValueDropped(t *testing.T) {
	cfg, err := Parse([]byte(`{"env": {"default": {"A": null, "B": "x"}}}`))
	require.NoError(t, err)
	assert.Equal(t, Vars{"B": "x"}, cfg.Env.Default)
}

// =============================================================================
// PreferredPort Tests
// =============================================================================

func TestPreferredPort_Precedence(t *testing.T) {
	full := map[string]int{
		uri + "^main#stage": 1,
		uri + "^main":       2,
		"main#stage":        3,
		"main":              4,
		uri:                 5,
		"default":           6,
	}
	order := []string{uri + "^main#stage", uri + "^main", "main#stage", "main", uri, "default"}

	def := 8
	cfg := &Config{PreferPort: PreferPort{Branch: full, Mode: map[string]int{"stage": 7}, Default: &def}}

	for i, key := range order {
		port, scope, ok := cfg.PreferredPort(target("stage", ""))
		require.True(t, ok)
		assert.Equal(t, i+1, port, "expected %s to win", key)
		assert.Contains(t, scope, key)
		delete(full, key)
	}

	port, scope, ok := cfg.PreferredPort(target("stage", ""))
	require.True(t, ok)
	assert.Equal(t, 7, port)
	assert.Equal(t, "preferPort.mode[stage]", scope)

	cfg.PreferPort.Mode = nil
	port, _, ok = cfg.PreferredPort(target("stage", ""))
	require.True(t, ok)
	assert.Equal(t, 8, port)
}

func TestPreferredPort_OtherBranchIgnored(t *testing.T) {
	cfg := &Config{PreferPort: PreferPort{Branch: map[string]int{"develop": 4500}}}

	_, _, ok := cfg.PreferredPort(target("release", ""))
	assert.False(t, ok)
}

func TestPreferredPort_NilConfig(t *testing.T) {
	var cfg *Config
	_, _, ok := cfg.PreferredPort(target("release", ""))
	assert.False(t, ok)
}

// =============================================================================
// Process Tests
// =============================================================================

func TestProcess_WithDefaults(t *testing.T) {
	p := Process{}.WithDefaults()

	assert.Equal(t, DefaultScript, p.Script)
	assert.Equal(t, DefaultRestartDelay, p.RestartDelay.Std())
	assert.Equal(t, DefaultMinUptime, p.MinUptime.Std())
	require.NotNil(t, p.MaxRestarts)
	assert.Equal(t, DefaultMaxRestarts, *p.MaxRestarts)
	assert.Equal(t, DefaultLogFile, p.OutFile)
	assert.Equal(t, DefaultLogFile, p.ErrorFile)
}

func TestProcess_WithDefaultsKeepsExplicitZeroRestarts(t *testing.T) {
	cfg, err := Parse([]byte(`{"pm2": {"max_restarts": 0, "script": "./run"}}`))
	require.NoError(t, err)

	p := cfg.Process.WithDefaults()
	assert.Equal(t, "./run", p.Script)
	assert.Equal(t, 0, *p.MaxRestarts)
}
