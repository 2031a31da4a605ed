package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeNotificationRedactsBase64DataURI(t *testing.T) {
	s := NewSanitizer()
	input := "here is an image: data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAUA"
	out := s.SanitizeNotification(input, 500)
	require.Contains(t, out, redactedMarker)
	require.NotContains(t, out, "iVBORw0KGgoAAAANSUhEUgAAAAUA")
}

func TestSanitizeNotificationRedactsBareBase64Blob(t *testing.T) {
	s := NewSanitizer()
	blob := strings.Repeat("A", 50)
	out := s.SanitizeNotification("payload: "+blob, 500)
	require.Contains(t, out, redactedMarker)
	require.NotContains(t, out, blob)
}

func TestSanitizeNotificationRedactsMentions(t *testing.T) {
	s := NewSanitizer()
	out := s.SanitizeNotification("ping @everyone and @here and <@U123> and <#C123>", 500)
	require.NotContains(t, out, "@everyone")
	require.NotContains(t, out, "@here")
	require.NotContains(t, out, "<@U123>")
	require.NotContains(t, out, "<#C123>")
}

func TestSanitizeNotificationStripsNullBytesAndRTLOverride(t *testing.T) {
	s := NewSanitizer()
	input := "safe\x00text‮hidden"
	out := s.SanitizeNotification(input, 500)
	require.NotContains(t, out, "\x00")
	require.NotContains(t, out, "‮")
}

func TestSanitizeNotificationTruncatesAfterSanitization(t *testing.T) {
	s := NewSanitizer()
	input := strings.Repeat("x ", 300)
	out := s.SanitizeNotification(input, 500)
	require.LessOrEqual(t, len([]rune(out)), 501) // 500 + ellipsis rune
	require.True(t, strings.HasSuffix(out, "…"))
}

func TestSanitizeNotificationEscapesCodeFence(t *testing.T) {
	s := NewSanitizer()
	out := s.SanitizeNotification("```rm -rf /```", 500)
	require.NotContains(t, out, "```")
}

func TestSafeFallbackRedactsMentionsWithoutRegex(t *testing.T) {
	s := NewSanitizer()
	out := s.SafeFallback("alert @everyone now")
	require.Contains(t, out, fallbackMarker)
	require.NotContains(t, out, "@everyone")
}

func TestRedactDLQAlertTruncatesTo200(t *testing.T) {
	s := NewSanitizer()
	input := strings.Repeat("y ", 150)
	out := s.RedactDLQAlert(input)
	require.LessOrEqual(t, len([]rune(out)), 201)
}
