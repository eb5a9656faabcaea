package ratelimit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicies(t *testing.T) {
	p := DefaultPolicies()
	tests := []struct {
		name       string
		window     time.Duration
		max        int
		keyByEmail bool
	}{
		{PolicyLogin, 15 * time.Minute, 5, true},
		{PolicyRegister, 60 * time.Minute, 3, false},
		{PolicyPasswordReset, 30 * time.Minute, 2, true},
		{PolicyVerificationCode, 30 * time.Minute, 3, true},
		{PolicyAPI, 15 * time.Minute, 100, false},
		{PolicyAdmin, 15 * time.Minute, 50, false},
		{PolicyUpload, 60 * time.Minute, 10, false},
	}
	for _, tt := range tests {
		got := p.Get(tt.name)
		assert.Equal(t, tt.window, got.Window, tt.name)
		assert.Equal(t, tt.max, got.Max, tt.name)
		assert.Equal(t, tt.keyByEmail, got.KeyByEmail, tt.name)
	}
	assert.Panics(t, func() { p.Get("nope") })
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[policies.login]
window = "10m"
max = 3

[policies.api]
max = 500
skip_successful = true
`), 0o600))

	p, err := LoadPolicyFile(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, p.Get(PolicyLogin).Window)
	assert.Equal(t, 3, p.Get(PolicyLogin).Max)
	assert.True(t, p.Get(PolicyLogin).KeyByEmail, "unset fields keep defaults")
	assert.Equal(t, 500, p.Get(PolicyAPI).Max)
	assert.True(t, p.Get(PolicyAPI).SkipSuccessful)
	assert.Equal(t, 2, p.Get(PolicyPasswordReset).Max)
}

func TestLoadPolicyFile_Errors(t *testing.T) {
	_, err := parsePolicies(DefaultPolicies(), []byte("[policies.unknown]\nmax = 1\n"))
	assert.ErrorContains(t, err, "unknown rate limit policy")

	_, err = parsePolicies(DefaultPolicies(), []byte("[policies.login]\nmax = 0\n"))
	assert.Error(t, err)

	_, err = parsePolicies(DefaultPolicies(), []byte("[policies.login]\nwindow = \"soon\"\n"))
	assert.Error(t, err)

	_, err = LoadPolicyFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	p, err := LoadPolicyFile("")
	require.NoError(t, err)
	assert.Len(t, p, 7)
}

func TestKey(t *testing.T) {
	login := DefaultPolicies().Get(PolicyLogin)
	api := DefaultPolicies().Get(PolicyAPI)

	k1 := Key(login, "198.51.100.4", "Firefox", "Alice@Example.com ")
	k2 := Key(login, "198.51.100.4", "Firefox", "alice@example.com")
	assert.Equal(t, k1, k2, "email is case-insensitive")
	assert.True(t, strings.HasPrefix(k1, "login:198.51.100.4:"))
	assert.True(t, strings.HasSuffix(k1, ":alice@example.com"))

	assert.NotEqual(t, k1, Key(login, "198.51.100.4", "Chrome", "alice@example.com"))
	assert.NotContains(t, Key(api, "198.51.100.4", "Firefox", "alice@example.com"), "alice")
}
