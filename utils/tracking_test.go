package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrackingTokenRoundTrip(t *testing.T) {
	token := TrackingToken("secret", "<msg-1@relaycrm>")
	require.NotEmpty(t, token)

	require.True(t, ValidTrackingToken("secret", "<msg-1@relaycrm>", token))
	require.False(t, ValidTrackingToken("secret", "<msg-2@relaycrm>", token))
	require.False(t, ValidTrackingToken("other", "<msg-1@relaycrm>", token))
	require.False(t, ValidTrackingToken("secret", "<msg-1@relaycrm>", "forged"))
}

func TestInjectTracking(t *testing.T) {
	html := `<p>Hello</p><a href="https://example.com/pricing">Pricing</a>`
	out := InjectTracking(html, "https://crm.test", "secret", "<msg-1@relaycrm>")

	// Pixel appended
	require.Contains(t, out, `https://crm.test/track/open/`)
	require.Contains(t, out, `width="1" height="1"`)

	// Link rewritten through the click endpoint, original URL preserved
	require.Contains(t, out, `https://crm.test/track/click/`)
	require.Contains(t, out, "url=https%3A%2F%2Fexample.com%2Fpricing")
	require.NotContains(t, out, `href="https://example.com/pricing"`)
}

func TestInjectTrackingRewritesEveryLink(t *testing.T) {
	html := `<a href="https://a.test">A</a><a href="https://b.test">B</a>`
	out := InjectTracking(html, "https://crm.test", "secret", "<msg-1@relaycrm>")

	require.Equal(t, 2, strings.Count(out, "/track/click/"))
	require.Contains(t, out, "url=https%3A%2F%2Fa.test")
	require.Contains(t, out, "url=https%3A%2F%2Fb.test")
}
