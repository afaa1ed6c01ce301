package common

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTruncateOutputUnderLimitUnchanged(t *testing.T) {
	in := []byte("hello world")
	out := TruncateOutput(in, 1024)
	require.Equal(t, in, out)
}

func TestTruncateOutputNeverExceedsLimit(t *testing.T) {
	in := bytes.Repeat([]byte("x"), 4096)
	const limit = 1000

	out := TruncateOutput(in, limit)

	require.Len(t, out, limit)
	require.True(t, bytes.HasSuffix(out, []byte(TruncationMarker)))
	require.Equal(t, in[:limit-len(TruncationMarker)], out[:limit-len(TruncationMarker)])
}

func TestTruncateOutputExactlyAtLimit(t *testing.T) {
	in := bytes.Repeat([]byte("y"), 100)
	out := TruncateOutput(in, 100)
	require.Equal(t, in, out)
}

func TestTruncateOutputNegativeLimitStillBounded(t *testing.T) {
	in := []byte("abc")
	out := TruncateOutput(in, -1)
	require.Len(t, out, 0)
}

func TestTruncateOutputLimitSmallerThanMarkerTruncatesMarker(t *testing.T) {
	in := bytes.Repeat([]byte("z"), 100)
	const limit = 5

	out := TruncateOutput(in, limit)

	require.Len(t, out, limit)
	require.Equal(t, []byte(TruncationMarker)[:limit], out)
}

func TestPrettyDurationFormatting(t *testing.T) {
	d := PrettyDuration(1.5)
	require.Equal(t, "1.500ms", d.String())
}
