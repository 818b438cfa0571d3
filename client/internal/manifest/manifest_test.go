package manifest

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skybundle/skybundle/client/internal/store"
)

func manifestJSONBody(id string) string {
	hash := sha256.Sum256([]byte("bundle content"))
	return fmt.Sprintf(`{
		"id": %q,
		"scopeKey": "app",
		"runtimeVersion": "1.0.0",
		"createdAt": "2026-08-01T10:00:00Z",
		"launchAsset": {"key": "bundle", "url": "https://cdn.example.com/bundle", "hash": %q, "fileExtension": "js"},
		"assets": [
			{"key": "logo", "url": "https://cdn.example.com/logo", "fileExtension": ".png"}
		],
		"metadata": {"channel": "stable"}
	}`, id, base64.RawURLEncoding.EncodeToString(hash[:]))
}

func TestParse(t *testing.T) {
	id := uuid.NewString()
	m, err := Parse([]byte(manifestJSONBody(id)))
	require.NoError(t, err)

	assert.Equal(t, id, m.ID.String())
	assert.Equal(t, "app", m.ScopeKey)
	assert.Equal(t, "1.0.0", m.RuntimeVersion)
	assert.False(t, m.DevelopmentMode)
	assert.Equal(t, map[string]string{"channel": "stable"}, m.Metadata)

	require.Len(t, m.Assets, 2)
	assert.Equal(t, "bundle", m.Assets[0].Key, "launch asset comes first")
	assert.True(t, m.Assets[0].IsLaunchAsset)
	assert.False(t, m.Assets[1].IsLaunchAsset)

	expectedHash := sha256.Sum256([]byte("bundle content"))
	assert.Equal(t, expectedHash[:], m.Assets[0].ContentHash)
	assert.Empty(t, m.Assets[1].ContentHash, "hash is optional")

	assert.Equal(t, "bundle", m.LaunchAssetKey())
}

func TestParseInvalid(t *testing.T) {
	id := uuid.NewString()
	testCases := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "not json",
			body:    "not json at all",
			wantErr: "unmarshal",
		},
		{
			name:    "missing id",
			body:    `{"scopeKey": "app", "runtimeVersion": "1.0.0"}`,
			wantErr: "missing an id",
		},
		{
			name:    "malformed id",
			body:    `{"id": "not-a-uuid", "scopeKey": "app", "runtimeVersion": "1.0.0"}`,
			wantErr: "invalid manifest id",
		},
		{
			name:    "missing scope key",
			body:    fmt.Sprintf(`{"id": %q, "runtimeVersion": "1.0.0"}`, id),
			wantErr: "scope key",
		},
		{
			name:    "missing runtime version",
			body:    fmt.Sprintf(`{"id": %q, "scopeKey": "app"}`, id),
			wantErr: "runtime version",
		},
		{
			name:    "missing launch asset",
			body:    fmt.Sprintf(`{"id": %q, "scopeKey": "app", "runtimeVersion": "1.0.0"}`, id),
			wantErr: "launch asset",
		},
		{
			name: "asset without key",
			body: fmt.Sprintf(`{"id": %q, "scopeKey": "app", "runtimeVersion": "1.0.0",
				"launchAsset": {"url": "https://cdn.example.com/bundle"}}`, id),
			wantErr: "missing a key",
		},
		{
			name: "asset without url",
			body: fmt.Sprintf(`{"id": %q, "scopeKey": "app", "runtimeVersion": "1.0.0",
				"launchAsset": {"key": "bundle"}}`, id),
			wantErr: "missing a url",
		},
		{
			name: "bad hash encoding",
			body: fmt.Sprintf(`{"id": %q, "scopeKey": "app", "runtimeVersion": "1.0.0",
				"launchAsset": {"key": "bundle", "url": "https://cdn.example.com/bundle", "hash": "%%%%"}}`, id),
			wantErr: "invalid hash",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestParseDevelopmentModeWithoutLaunchAsset(t *testing.T) {
	body := fmt.Sprintf(`{"id": %q, "scopeKey": "app", "runtimeVersion": "1.0.0", "developmentMode": true}`,
		uuid.NewString())
	m, err := Parse([]byte(body))
	require.NoError(t, err)
	assert.True(t, m.DevelopmentMode)
	assert.Empty(t, m.Assets)
	assert.Empty(t, m.LaunchAssetKey())
}

func TestUpdateRecord(t *testing.T) {
	m, err := Parse([]byte(manifestJSONBody(uuid.NewString())))
	require.NoError(t, err)

	record := m.UpdateRecord()
	assert.Equal(t, m.ID, record.ID)
	assert.Equal(t, "app", record.ScopeKey)
	assert.Equal(t, store.UpdateStatusPending, record.Status, "new records start out pending")
	assert.Equal(t, "bundle", record.LaunchAssetKey)
}

func TestCompatibleWith(t *testing.T) {
	testCases := []struct {
		name            string
		manifestRuntime string
		deviceRuntime   string
		compatible      bool
	}{
		{"exact match", "1.0.0", "1.0.0", true},
		{"semver equivalent", "1.0", "1.0.0", true},
		{"older device", "2.0.0", "1.0.0", false},
		{"newer device", "1.0.0", "2.0.0", false},
		{"opaque equal", "channel:50", "channel:50", true},
		{"opaque different", "channel:50", "channel:51", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := &Manifest{ID: uuid.New(), RuntimeVersion: tc.manifestRuntime}
			err := m.CompatibleWith(tc.deviceRuntime)
			if tc.compatible {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
