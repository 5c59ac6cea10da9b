package domain

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/branchoff/branchoff/internal/core/cascade"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Mode Tests
// =============================================================================

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeRelease, false},
		{"release", ModeRelease, false},
		{"Test", ModeTest, false},
		{" stage ", ModeStage, false},
		{"serial", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMode_IsStaging(t *testing.T) {
	assert.False(t, ModeRelease.IsStaging())
	assert.True(t, ModeTest.IsStaging())
	assert.True(t, ModeStage.IsStaging())
}

// =============================================================================
// Context Tests
// =============================================================================

func TestNewContext(t *testing.T) {
	c, err := NewContext("https://github.com/acme/web", "main", ModeRelease, "/srv/repos")
	require.NoError(t, err)

	assert.Equal(t, "httpsgithubcomacmewebmain", c.ID)
	assert.Equal(t, c.ID, c.Folder)
	assert.Equal(t, filepath.Join("/srv/repos", c.ID), c.Dir)
	assert.Equal(t, 1, c.Scale)
	assert.Equal(t, ModeRelease, c.Mode)
}

func TestNewContext_EmptyModeIsRelease(t *testing.T) {
	c, err := NewContext("u", "b", "", "/tmp")
	require.NoError(t, err)
	assert.Equal(t, ModeRelease, c.Mode)
}

func TestNewContext_RequiresCoordinates(t *testing.T) {
	_, err := NewContext("", "main", ModeRelease, "/tmp")
	assert.ErrorIs(t, err, ErrInvalidCoordinates)

	_, err = NewContext("https://x", "  ", ModeRelease, "/tmp")
	assert.ErrorIs(t, err, ErrInvalidCoordinates)
}

func TestDeriveID_ModeSuffix(t *testing.T) {
	release := DeriveID("https://github.com/acme/web", "main", ModeRelease)
	stage := DeriveID("https://github.com/acme/web", "main", ModeStage)
	test := DeriveID("https://github.com/acme/web", "main", ModeTest)

	assert.Equal(t, "httpsgithubcomacmewebmain", release)
	assert.Equal(t, "httpsgithubcomacmewebmainstage", stage)
	assert.Equal(t, "httpsgithubcomacmewebmaintest", test)
}

func TestMode_Local(t *testing.T) {
	assert.True(t, ModeLocal.IsLocal())
	assert.False(t, ModeLocal.IsStaging())
	assert.False(t, ModeRelease.IsLocal())
	assert.Equal(t, "httpsgithubcomacmewebmainlocal", DeriveID("https://github.com/acme/web", "main", ModeLocal))

	_, err := ParseMode("local")
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestValidateCoordinates(t *testing.T) {
	assert.NoError(t, ValidateCoordinates("https://x", "main"))
	assert.ErrorIs(t, ValidateCoordinates("", "main"), ErrInvalidCoordinates)
	assert.ErrorIs(t, ValidateCoordinates("https://x", " "), ErrInvalidCoordinates)
}

func TestContext_ProcessName(t *testing.T) {
	c := &Context{Port: 3001, Branch: "main", Mode: ModeRelease}
	assert.Equal(t, "3001-main-release", c.ProcessName())
}

func TestContext_TracksHead(t *testing.T) {
	tests := []struct {
		commit string
		want   bool
	}{
		{"", true},
		{"latest", true},
		{"LATEST", true},
		{"abc123", false},
	}

	for _, tt := range tests {
		c := &Context{Commit: tt.commit}
		assert.Equal(t, tt.want, c.TracksHead(), "commit %q", tt.commit)
	}

	assert.Equal(t, "", (&Context{Commit: "latest"}).PinnedCommit())
	assert.Equal(t, "abc123", (&Context{Commit: "abc123"}).PinnedCommit())
}

func TestContext_EffectiveInstances(t *testing.T) {
	assert.Equal(t, 4, (&Context{Scale: 2, Instances: 4}).EffectiveInstances())
	assert.Equal(t, 2, (&Context{Scale: 2}).EffectiveInstances())
	assert.Equal(t, 1, (&Context{}).EffectiveInstances())
}

func TestContext_JSONExcludesConfig(t *testing.T) {
	c := &Context{ID: "x", Port: 3000, Config: &cascade.Config{HooksDir: "ci"}}

	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "ci")
	assert.NotContains(t, string(data), "Config")

	c.InvalidateConfig()
	assert.Nil(t, c.Config)
}

// =============================================================================
// ClampScale Tests
// =============================================================================

func TestClampScale(t *testing.T) {
	tests := []struct {
		name  string
		scale int
		max   int
		want  int
	}{
		{"zero becomes one", 0, 4, 1},
		{"negative becomes one", -3, 4, 1},
		{"within range", 2, 4, 2},
		{"above max", 16, 4, 4},
		{"max below one", 3, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClampScale(tt.scale, tt.max))
		})
	}
}
