package sslpolicy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShouldBypassExplicitEndpoint(t *testing.T) {
	p := New()
	require.False(t, p.ShouldBypass("https://rpc.example.com"))

	p.AddBypassEndpoint("https://rpc.example.com")
	require.True(t, p.ShouldBypass("https://rpc.example.com"))
	require.False(t, p.ShouldBypass("https://other.example.com"))
}

func TestAddBypassEndpointIdempotent(t *testing.T) {
	p := New()
	p.AddBypassEndpoint("https://rpc.example.com")
	p.AddBypassEndpoint("https://rpc.example.com")

	require.Len(t, p.BypassEndpoints(), 1)
	require.True(t, p.ShouldBypass("https://rpc.example.com"))
}

func TestAddBypassPattern(t *testing.T) {
	p := New()
	require.NoError(t, p.AddBypassPattern(`\.staging\.example\.com$`))

	require.True(t, p.ShouldBypass("https://node1.staging.example.com"))
	require.False(t, p.ShouldBypass("https://node1.prod.example.com"))
}

func TestAddBypassPatternRejectsInvalidRegex(t *testing.T) {
	p := New()
	err := p.AddBypassPattern(`(unclosed`)
	require.Error(t, err)
	require.False(t, p.ShouldBypass("https://rpc.example.com"))
}
