package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/sage/agenterr"
	"github.com/martinemde/sage/agentloop"
	"github.com/martinemde/sage/sessionstore"
)

// isolate points HOME and the working directory at fresh temp dirs so no
// real configuration is picked up, and returns the sessions directory.
func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	sessions := t.TempDir()
	t.Setenv("SAGE_SESSIONS_DIR", sessions)
	return sessions
}

func sage(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), strings.NewReader(stdin), &stdout, &stderr, args)
	return stdout.String(), stderr.String(), err
}

func TestUnknownCommand(t *testing.T) {
	isolate(t)
	_, _, err := sage(t, "", "frobnicate")
	assert.Error(t, err)
}

func TestSessionsListAndPrune(t *testing.T) {
	dir := isolate(t)
	store, err := sessionstore.NewStore(dir)
	require.NoError(t, err)
	var ids []string
	for i := range 3 {
		sess, err := store.Create(sessionstore.Header{FirstPrompt: fmt.Sprintf("task %d", i)})
		require.NoError(t, err)
		ids = append(ids, sess.ID())
		require.NoError(t, sess.Close())
	}

	out, _, err := sage(t, "", "sessions", "list")
	require.NoError(t, err)
	for _, id := range ids {
		assert.Contains(t, out, id)
	}
	assert.Contains(t, out, "task 1")

	out, _, err = sage(t, "", "sessions", "prune", "--max-sessions", "1", "--keep", ids[0])
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "deleted"))
	assert.NotContains(t, out, ids[0])

	headers, err := store.List()
	require.NoError(t, err)
	require.Len(t, headers, 1)
	assert.Equal(t, ids[0], headers[0].ID)
}

func TestCheckpointListAndRestore(t *testing.T) {
	dir := isolate(t)
	work := t.TempDir()
	path := filepath.Join(work, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("package main\n"), 0o644))

	store, err := sessionstore.NewStore(dir)
	require.NoError(t, err)
	sess, err := store.Create(sessionstore.Header{WorkingDir: work})
	require.NoError(t, err)
	cp, err := sess.Checkpoints(sessionstore.WithGitState(false)).
		Create(context.Background(), sessionstore.CheckpointManual, "before edit", []string{"main.go"})
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	require.NoError(t, os.WriteFile(path, []byte("package broken\n"), 0o644))

	out, _, err := sage(t, "", "checkpoint", "list", sess.ID())
	require.NoError(t, err)
	assert.Contains(t, out, cp.ID)
	assert.Contains(t, out, "before edit")

	out, _, err = sage(t, "", "checkpoint", "restore", sess.ID(), cp.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "restored")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))

	_, _, err = sage(t, "", "checkpoint", "restore", sess.ID(), "missing")
	assert.Error(t, err)
}

func TestRunWithoutAPIKeyIsConfigError(t *testing.T) {
	isolate(t)
	t.Setenv("SAGE_PROVIDER", "anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, _, err := sage(t, "", "run", "-n", "hello")
	require.Error(t, err)
	assert.True(t, agenterr.IsKind(err, agenterr.KindConfig), "kind = %s", agenterr.KindOf(err))
	assert.Equal(t, 1, exitCode(err))
}

// fakeOpenAI serves chat completions: the first request asks for a
// write_file call, every later one answers with text.
func fakeOpenAI(t *testing.T) *httptest.Server {
	t.Helper()
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if requests.Add(1) == 1 {
			fmt.Fprint(w, `{
				"id": "c1", "object": "chat.completion", "model": "test-model",
				"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
					"role": "assistant", "content": "",
					"tool_calls": [{"id": "call_1", "type": "function", "function": {
						"name": "write_file", "arguments": "{\"file_path\":\"hello.txt\",\"content\":\"hi\\n\"}"}}]}}],
				"usage": {"prompt_tokens": 20, "completion_tokens": 8, "total_tokens": 28}
			}`)
			return
		}
		fmt.Fprint(w, `{
			"id": "c2", "object": "chat.completion", "model": "test-model",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "Created hello.txt."}}],
			"usage": {"prompt_tokens": 40, "completion_tokens": 4, "total_tokens": 44}
		}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunTaskEndToEnd(t *testing.T) {
	sessions := isolate(t)
	srv := fakeOpenAI(t)
	t.Setenv("LOCAL_KEY", "test-key")
	work := t.TempDir()

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
provider:
  name: local
  model: test-model
  base_url: %s/v1
  api_key_env: LOCAL_KEY
session:
  git_state: false
log:
  level: warn
`, srv.URL)), 0o600))

	out, _, err := sage(t, "", "--config", cfgPath, "run", "-n", "-C", work, "create hello.txt")
	require.NoError(t, err)
	assert.Contains(t, out, "Created hello.txt.")

	data, err := os.ReadFile(filepath.Join(work, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))

	store, err := sessionstore.NewStore(sessions)
	require.NoError(t, err)
	headers, err := store.List()
	require.NoError(t, err)
	require.Len(t, headers, 1)
	assert.Equal(t, sessionstore.StateCompleted, headers[0].State)
	assert.Equal(t, work, headers[0].WorkingDir)

	sess, err := store.Open(headers[0].ID)
	require.NoError(t, err)
	defer sess.Close()
	cps, err := sess.Checkpoints().List()
	require.NoError(t, err)
	assert.Len(t, cps, 1, "write_file takes a pre-tool checkpoint")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 130, exitCode(&outcomeError{outcome: agentloop.Outcome{Kind: agentloop.OutcomeInterrupted}}))
	assert.Equal(t, 3, exitCode(&outcomeError{outcome: agentloop.Outcome{Kind: agentloop.OutcomeNeedsUserInput}}))
	assert.Equal(t, 1, exitCode(&outcomeError{outcome: agentloop.Outcome{Kind: agentloop.OutcomeFailed}}))
	assert.Equal(t, 1, exitCode(assert.AnError))
}

func TestAnswerInput(t *testing.T) {
	ch := agentloop.NewInputChannel()
	var prompts bytes.Buffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		answerInput(ch, strings.NewReader("blue\n/cancel\n"), &prompts)
	}()

	resp, err := ch.Ask(context.Background(), agentloop.InputRequest{Prompt: "Color?"})
	require.NoError(t, err)
	assert.Equal(t, "blue", resp.Answer())

	resp, err = ch.Ask(context.Background(), agentloop.InputRequest{Prompt: "Size?", Options: []string{"s", "m"}})
	require.NoError(t, err)
	assert.True(t, resp.Cancelled)

	_, err = ch.Ask(context.Background(), agentloop.InputRequest{Prompt: "More?"})
	assert.ErrorIs(t, err, agentloop.ErrInputClosed)
	<-done
	assert.Contains(t, prompts.String(), "[s/m]")
}
