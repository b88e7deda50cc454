package sandbox

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/sage/agenterr"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestExecuteCapturesOutput(t *testing.T) {
	skipOnWindows(t)
	sb := New(WithWorkDir(t.TempDir()))

	res, err := sb.ExecuteShell(context.Background(), "echo hello; echo oops >&2; exit 3", Command{})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Success())
	assert.False(t, res.TimedOut)
	assert.False(t, res.Cancelled)
}

func TestOutputCapBoundary(t *testing.T) {
	skipOnWindows(t)
	sb := New(WithWorkDir(t.TempDir()), WithLimits(Limits{MaxOutputBytes: 4}))

	res, err := sb.ExecuteShell(context.Background(), "printf aaaa", Command{})
	require.NoError(t, err)
	assert.Equal(t, "aaaa", res.Stdout, "exactly cap bytes is not truncated")
	assert.False(t, res.StdoutTruncated)

	res, err = sb.ExecuteShell(context.Background(), "printf aaaaa", Command{})
	require.NoError(t, err)
	assert.Equal(t, "aaaa"+TruncationMarker, res.Stdout)
	assert.True(t, res.StdoutTruncated)
}

func TestCappedBufferKeepsDraining(t *testing.T) {
	b := newCappedBuffer(3)
	n, err := b.Write([]byte("ab"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = b.Write([]byte("cdef"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "abc"+TruncationMarker, b.String())
}

func TestWallTimeout(t *testing.T) {
	skipOnWindows(t)
	sb := New(WithWorkDir(t.TempDir()))
	limits := Limits{MaxWallTime: 100 * time.Millisecond, Grace: 100 * time.Millisecond}

	start := time.Now()
	res, err := sb.ExecuteShell(context.Background(), "sleep 10", Command{Limits: &limits})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.False(t, res.Cancelled)
	assert.False(t, res.ResourceLimited)
	assert.Equal(t, -1, res.ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCancellationIsNotTimeout(t *testing.T) {
	skipOnWindows(t)
	sb := New(WithWorkDir(t.TempDir()))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res, err := sb.ExecuteShell(ctx, "sleep 60", Command{})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.False(t, res.TimedOut)
}

func TestGraceEscalatesToKill(t *testing.T) {
	skipOnWindows(t)
	sb := New(WithWorkDir(t.TempDir()))
	limits := Limits{MaxWallTime: 100 * time.Millisecond, Grace: 200 * time.Millisecond}

	start := time.Now()
	res, err := sb.ExecuteShell(context.Background(), "trap '' TERM; sleep 30", Command{Limits: &limits})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestEnvironmentFiltering(t *testing.T) {
	skipOnWindows(t)
	t.Setenv("SAGE_TEST_API_KEY", "sk-secret")
	t.Setenv("SAGE_TEST_PLAIN", "visible")
	sb := New(WithWorkDir(t.TempDir()))

	res, err := sb.ExecuteShell(context.Background(), `echo "[$SAGE_TEST_API_KEY][$SAGE_TEST_PLAIN][$EXTRA]"`,
		Command{Env: map[string]string{"EXTRA": "x"}})
	require.NoError(t, err)
	assert.Equal(t, "[][visible][x]\n", res.Stdout)
}

func TestStdin(t *testing.T) {
	skipOnWindows(t)
	sb := New(WithWorkDir(t.TempDir()))
	res, err := sb.ExecuteShell(context.Background(), "cat", Command{Stdin: `{"a":1}`})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, res.Stdout)
}

func TestUnsupportedProfileRejected(t *testing.T) {
	if runtime.GOOS == "darwin" {
		t.Skip("profiles are enforced on darwin")
	}
	sb := New(WithWorkDir(t.TempDir()))
	_, err := sb.ExecuteShell(context.Background(), "true", Command{Profile: ProfileStrict})
	assert.ErrorIs(t, err, ErrUnsupportedProfile)
	assert.Equal(t, agenterr.KindSandbox, agenterr.KindOf(err))
	assert.ErrorIs(t, err, agenterr.ErrSandbox)
}

func TestPolicy(t *testing.T) {
	strict := Policy(ProfileStrict, "/work")
	assert.True(t, strings.HasPrefix(strict, "(version 1)\n(deny default)"))
	assert.Contains(t, strict, "(deny network*)")
	assert.Contains(t, strict, `(subpath "/work")`)

	ro := Policy(ProfileReadOnly, "")
	assert.Contains(t, ro, "(allow default)")
	assert.Contains(t, ro, "(deny file-write*)")

	nn := Policy(ProfileNoNetwork, "")
	assert.Contains(t, nn, "(deny network*)")
	assert.NotContains(t, nn, "file-write")
}

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile("")
	require.NoError(t, err)
	assert.Equal(t, ProfileNone, p)

	p, err = ParseProfile("Read_Only")
	require.NoError(t, err)
	assert.Equal(t, ProfileReadOnly, p)

	_, err = ParseProfile("chroot")
	assert.Error(t, err)
}

func TestIsSensitiveEnvVar(t *testing.T) {
	assert.True(t, IsSensitiveEnvVar("OPENAI_API_KEY"))
	assert.True(t, IsSensitiveEnvVar("github_token"))
	assert.False(t, IsSensitiveEnvVar("PATH"))
	assert.False(t, IsSensitiveEnvVar("EDITOR"))
}
