// ABOUTME: Tests for identifier normalization and duplicate suffixing
// ABOUTME: Identifiers must be non-empty lowercase snake case

package loader

import (
	"fmt"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"FetchResource", "fetch_resource"},
		{"fetchResource", "fetch_resource"},
		{"StreamHubermanFocusEpisode", "stream_huberman_focus_episode"},
		{"HTTPGetter", "http_getter"},
		{"getV2Data", "get_v2_data"},
		{"already_snake", "already_snake"},
		{"  Spaced  Name ", "spaced_name"},
		{"weird$Name!", "weirdname"},
		{"Ünicode", "nicode"},
		{"$$$", ""},
	}
	valid := regexp.MustCompile(`^[a-z0-9_]+$`)
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := Identifier(tt.in)
			assert.Equal(t, tt.want, got)
			if got != "" {
				assert.Regexp(t, valid, got)
			}
		})
	}
}

func TestUniqueIdentifier(t *testing.T) {
	id, err := UniqueIdentifier("fetch_resource", nil)
	require.NoError(t, err)
	assert.Equal(t, "fetch_resource", id)

	id, err = UniqueIdentifier("fetch_resource", []string{"fetch_resource"})
	require.NoError(t, err)
	assert.Equal(t, "fetch_resource_2", id)

	id, err = UniqueIdentifier("fetch_resource", []string{"fetch_resource", "fetch_resource_2", "other"})
	require.NoError(t, err)
	assert.Equal(t, "fetch_resource_3", id)
}

func TestUniqueIdentifier_Exhausted(t *testing.T) {
	existing := []string{"x"}
	for n := 2; n <= maxSuffix; n++ {
		existing = append(existing, fmt.Sprintf("x_%d", n))
	}
	_, err := UniqueIdentifier("x", existing)
	assert.ErrorIs(t, err, ErrDuplicateIdentifier)
}

func TestUniqueIdentifier_BootstrapNameIsReserved(t *testing.T) {
	id, err := UniqueIdentifier(Identifier("addL402Tool"), nil)
	require.NoError(t, err)
	assert.Equal(t, BootstrapIdentifier+"_2", id)

	id, err = UniqueIdentifier(BootstrapIdentifier, []string{BootstrapIdentifier + "_2"})
	require.NoError(t, err)
	assert.Equal(t, BootstrapIdentifier+"_3", id)
}
