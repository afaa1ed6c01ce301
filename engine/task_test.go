package engine

import (
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PlatformNetwork/term-executor/archive"
	"github.com/PlatformNetwork/term-executor/config"
	"github.com/PlatformNetwork/term-executor/session"
)

func TestAgentRunnerArgvPerLanguage(t *testing.T) {
	require.Equal(t, []string{"python3", "/a/agent.py"}, agentRunner(archive.LangPython, "/a/agent.py"))
	require.Equal(t, []string{"node", "/a/agent.js"}, agentRunner(archive.LangJavaScript, "/a/agent.js"))
	require.Equal(t, []string{"bash", "/a/agent.sh"}, agentRunner(archive.LangBash, "/a/agent.sh"))
	require.Equal(t, []string{"/a/agent.bin"}, agentRunner(archive.LangUnknown, "/a/agent.bin"))
}

func TestAllPassedEmptyIsTrue(t *testing.T) {
	require.True(t, allPassed(nil))
}

func TestAllPassedRequiresEveryScript(t *testing.T) {
	results := []session.TestScriptResult{{Passed: true}, {Passed: false}}
	require.False(t, allPassed(results))

	results = []session.TestScriptResult{{Passed: true}, {Passed: true}}
	require.True(t, allPassed(results))
}

func TestFailStampsDurationAndError(t *testing.T) {
	start := time.Now()
	result := fail(session.TaskResult{TaskID: "t1"}, "boom", start)
	require.Equal(t, session.TaskFailed, result.Status)
	require.Equal(t, "boom", result.Error)
	require.True(t, result.DurationMs >= 0)
}

// gitAvailable reports whether the git binary is on PATH, skipping the
// clone-dependent integration test in environments without it rather
// than failing spuriously.
func gitAvailable() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

// initLocalRepo creates a throwaway git repository on disk with a
// single commit, so runSingleTask's clone phase can be exercised
// against a real git history without any network access.
func initLocalRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init")
	run("-c", "user.email=test@example.com", "-c", "user.name=test", "commit", "--allow-empty", "-m", "init")
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", "README.md")
	run("-c", "user.email=test@example.com", "-c", "user.name=test", "commit", "-m", "add readme")
	return dir
}

func TestRunSingleTaskHappyPathPasses(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a posix shell and git")
	}
	if !gitAvailable() {
		t.Skip("git not available")
	}

	repoDir := initLocalRepo(t)
	workDir := filepath.Join(t.TempDir(), "work")

	cfg := config.DefaultConfig
	cfg.CloneTimeout = 10 * time.Second
	cfg.InstallTimeout = 10 * time.Second
	cfg.AgentTimeout = 10 * time.Second
	cfg.TestTimeout = 10 * time.Second
	cfg.MaxOutputBytes = 1 << 20

	task := archive.SweForgeTask{
		TaskID: "task1",
		Workspace: archive.WorkspaceConfig{
			Repo:    repoDir,
			Install: []string{"true"},
		},
		TestScripts: []archive.NamedFile{
			{Name: "test_pass.sh", Data: []byte("#!/bin/sh\nexit 0\n")},
		},
	}

	cancelCh := make(chan struct{})
	result := runSingleTask(cancelCh, cfg, workDir, task, nil, archive.LangBash)

	require.Equal(t, session.TaskCompleted, result.Status)
	require.True(t, result.Passed)
	require.Equal(t, 1.0, result.Reward)
	require.Len(t, result.TestResults, 1)
	require.True(t, result.TestResults[0].Passed)

	_, statErr := os.Stat(workDir)
	require.True(t, os.IsNotExist(statErr), "work directory should be removed after the task finishes")
}

func TestRunSingleTaskFailingTestYieldsZeroReward(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a posix shell and git")
	}
	if !gitAvailable() {
		t.Skip("git not available")
	}

	repoDir := initLocalRepo(t)
	workDir := filepath.Join(t.TempDir(), "work")

	cfg := config.DefaultConfig
	cfg.CloneTimeout = 10 * time.Second
	cfg.InstallTimeout = 10 * time.Second
	cfg.AgentTimeout = 10 * time.Second
	cfg.TestTimeout = 10 * time.Second
	cfg.MaxOutputBytes = 1 << 20

	task := archive.SweForgeTask{
		TaskID:    "task1",
		Workspace: archive.WorkspaceConfig{Repo: repoDir},
		TestScripts: []archive.NamedFile{
			{Name: "test_fail.sh", Data: []byte("#!/bin/sh\nexit 1\n")},
		},
	}

	cancelCh := make(chan struct{})
	result := runSingleTask(cancelCh, cfg, workDir, task, nil, archive.LangBash)

	require.Equal(t, session.TaskCompleted, result.Status)
	require.False(t, result.Passed)
	require.Equal(t, 0.0, result.Reward)
}

func TestRunSingleTaskCloneFailureMarksFailed(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a posix shell and git")
	}
	if !gitAvailable() {
		t.Skip("git not available")
	}

	workDir := filepath.Join(t.TempDir(), "work")
	cfg := config.DefaultConfig
	cfg.CloneTimeout = 2 * time.Second

	task := archive.SweForgeTask{
		TaskID:    "task1",
		Workspace: archive.WorkspaceConfig{Repo: filepath.Join(t.TempDir(), "does-not-exist")},
	}

	cancelCh := make(chan struct{})
	result := runSingleTask(cancelCh, cfg, workDir, task, nil, archive.LangBash)

	require.Equal(t, session.TaskFailed, result.Status)
	require.NotEmpty(t, result.Error)
}

func TestRunSingleTaskAgentTimeoutFailsTask(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a posix shell and git")
	}
	if !gitAvailable() {
		t.Skip("git not available")
	}

	repoDir := initLocalRepo(t)
	workDir := filepath.Join(t.TempDir(), "work")

	cfg := config.DefaultConfig
	cfg.CloneTimeout = 10 * time.Second
	cfg.InstallTimeout = 10 * time.Second
	cfg.AgentTimeout = 300 * time.Millisecond
	cfg.TestTimeout = 10 * time.Second
	cfg.MaxOutputBytes = 1 << 20

	task := archive.SweForgeTask{
		TaskID:    "task1",
		Workspace: archive.WorkspaceConfig{Repo: repoDir},
		TestScripts: []archive.NamedFile{
			{Name: "test_pass.sh", Data: []byte("#!/bin/sh\nexit 0\n")},
		},
	}

	agentCode := []archive.NamedFile{{Name: "agent.sh", Data: []byte("#!/bin/sh\nsleep 30\n")}}

	cancelCh := make(chan struct{})
	result := runSingleTask(cancelCh, cfg, workDir, task, agentCode, archive.LangBash)

	// The agent hung past its timeout: unlike a non-zero agent exit,
	// a timeout fails the task with agent_timeout and no tests run.
	require.Equal(t, session.TaskFailed, result.Status)
	require.Equal(t, "agent_timeout", result.Error)
	require.False(t, result.Passed)
}

func TestRunSingleTaskMultiFileAgentCodeRunsLanguageMatchedEntry(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a posix shell and git")
	}
	if !gitAvailable() {
		t.Skip("git not available")
	}

	repoDir := initLocalRepo(t)
	workDir := filepath.Join(t.TempDir(), "work")

	cfg := config.DefaultConfig
	cfg.CloneTimeout = 10 * time.Second
	cfg.InstallTimeout = 10 * time.Second
	cfg.AgentTimeout = 10 * time.Second
	cfg.TestTimeout = 10 * time.Second
	cfg.MaxOutputBytes = 1 << 20

	task := archive.SweForgeTask{
		TaskID:    "task1",
		Workspace: archive.WorkspaceConfig{Repo: repoDir},
		TestScripts: []archive.NamedFile{
			{Name: "test_pass.sh", Data: []byte("#!/bin/sh\nexit 0\n")},
		},
	}

	// README.md sits at index 0, ahead of the actual bash entrypoint;
	// detectAgentLanguage (and thus the lang argument here) picks Bash
	// from run.sh, not README.md. The agent must run run.sh's content,
	// not whatever happens to be at index 0.
	agentCode := []archive.NamedFile{
		{Name: "README.md", Data: []byte("not a shell script, should not run\n")},
		{Name: "run.sh", Data: []byte("#!/bin/sh\necho agent-ran-correctly\n")},
	}

	cancelCh := make(chan struct{})
	result := runSingleTask(cancelCh, cfg, workDir, task, agentCode, archive.LangBash)

	require.Equal(t, session.TaskCompleted, result.Status)
	require.Contains(t, result.AgentOutput, "agent-ran-correctly")
	require.NotContains(t, result.AgentOutput, "not a shell script")
}
