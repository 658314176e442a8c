package targets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"  10.0.0.5 ":                "10.0.0.5",
		"http://user:pw@Host.LAN/x": "host.lan",
		"192.168.1.1:8080":          "192.168.1.1",
		"[::1]:443":                 "::1",
		"fe80::1":                   "fe80::1",
		"":                          "",
		"https://10.1.2.3?q=1":      "10.1.2.3",
	}
	for in, want := range tests {
		assert.Equal(t, want, Normalize(in), "input %q", in)
	}
}

func TestValidatorDefaults(t *testing.T) {
	t.Parallel()

	v, err := NewValidator(DefaultNetworks, nil)
	require.NoError(t, err)

	allowed := []string{
		"127.0.0.1",
		"127.8.8.8",
		"::1",
		"localhost",
		"api.localhost",
		"10.0.0.5",
		"172.20.1.1",
		"192.168.0.10",
		"http://192.168.0.10:8080/",
		"fd12:3456::1",
	}
	for _, target := range allowed {
		assert.True(t, v.Allowed(target), "expected %q to be allowed", target)
	}

	denied := []string{
		"8.8.8.8",
		"172.32.0.1",
		"192.169.0.1",
		"11.0.0.1",
		"example.com",
		"2001:4860:4860::8888",
		"0.0.0.0",
		"",
		"not a host",
	}
	for _, target := range denied {
		assert.False(t, v.Allowed(target), "expected %q to be denied", target)
	}
}

func TestValidatorCustomScope(t *testing.T) {
	t.Parallel()

	v, err := NewValidator([]string{"203.0.113.0/24", " "}, []string{"Scanme.Internal"})
	require.NoError(t, err)

	assert.True(t, v.Allowed("203.0.113.7"))
	assert.False(t, v.Allowed("10.0.0.5"), "default ranges are not implied")
	assert.True(t, v.Allowed("scanme.internal"))
	assert.False(t, v.Allowed("other.internal"))
	assert.Equal(t, []string{"203.0.113.0/24"}, v.Networks())
}

func TestValidatorRejectsBadNetwork(t *testing.T) {
	t.Parallel()

	_, err := NewValidator([]string{"10.0.0.0/33"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "10.0.0.0/33")
}

func TestBuildDeduplicates(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"10.0.0.5"}, Build("http://10.0.0.5:22"))
	assert.Nil(t, Build("   "))
}
