package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("srt://example.com:9000/live?mode=caller&maxbw=1000000")
	require.NoError(t, err)
	assert.Equal(t, "example.com", ep.Host)
	assert.Equal(t, 9000, ep.Port)
	assert.Equal(t, "/live", ep.Path)
	assert.Equal(t, "caller", ep.Query.Get("mode"))
	assert.Equal(t, "1000000", ep.Query.Get("maxbw"))
}

func TestParseEndpointEmptyHost(t *testing.T) {
	ep, err := ParseEndpoint("srt://:9000?mode=listener")
	require.NoError(t, err)
	assert.Equal(t, "", ep.Host)
	assert.Equal(t, 9000, ep.Port)
}

func TestParseEndpointRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		uri  string
	}{
		{"wrong scheme", "udp://example.com:9000"},
		{"missing port", "srt://example.com"},
		{"port zero", "srt://example.com:0"},
		{"port too large", "srt://example.com:70000"},
		{"bad query escape", "srt://example.com:9000?passphrase=%zz"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseEndpoint(tc.uri)
			require.ErrorIs(t, err, ErrConfiguration)
		})
	}
}
