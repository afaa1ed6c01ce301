package engine

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/PlatformNetwork/term-executor/archive"
	"github.com/PlatformNetwork/term-executor/config"
	"github.com/PlatformNetwork/term-executor/session"
)

// agentRunner returns the argv used to execute an already-written agent
// entrypoint file for lang, grounded on the one-binary-per-language
// convention a polyglot CI runner would use.
func agentRunner(lang archive.AgentLanguage, path string) []string {
	switch lang {
	case archive.LangPython:
		return []string{"python3", path}
	case archive.LangJavaScript:
		return []string{"node", path}
	case archive.LangTypeScript:
		return []string{"ts-node", path}
	case archive.LangGo:
		return []string{"go", "run", path}
	case archive.LangRust:
		return []string{"/bin/sh", "-c", `rustc "$1" -o "$1.bin" --crate-name agent && exec "$1.bin"`, "sh", path}
	case archive.LangBash:
		return []string{"bash", path}
	default:
		return []string{path}
	}
}

// runSingleTask drives one task through the state machine of spec.md
// section 4.7 inside its own fresh work directory, which is always
// removed on exit regardless of outcome (invariant I5).
func runSingleTask(cancelCh <-chan struct{}, cfg config.Config, workDir string, task archive.SweForgeTask, agentCode []archive.NamedFile, agentLang archive.AgentLanguage) session.TaskResult {
	result := session.TaskResult{TaskID: task.TaskID, Status: session.TaskQueued}
	start := time.Now()
	defer os.RemoveAll(workDir)

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fail(result, "workdir_create_failed", start)
	}

	result.Status = session.TaskCloningRepo
	if cancelled(cancelCh) {
		return fail(result, "cancelled", start)
	}
	if err := cloneRepo(cancelCh, cfg, workDir, task.Workspace); err != nil {
		if isCancelled(err) {
			return fail(result, "cancelled", start)
		}
		return fail(result, "clone_failed: "+err.Error(), start)
	}

	result.Status = session.TaskInstallingDeps
	if cancelled(cancelCh) {
		return fail(result, "cancelled", start)
	}
	if err := runInstall(cancelCh, cfg, workDir, task.Workspace.Install); err != nil {
		if isCancelled(err) {
			return fail(result, "cancelled", start)
		}
		return fail(result, "install_failed: "+err.Error(), start)
	}

	result.Status = session.TaskRunningAgent
	if cancelled(cancelCh) {
		return fail(result, "cancelled", start)
	}
	agentOutput, err := runAgent(cancelCh, cfg, workDir, agentCode, agentLang)
	result.AgentOutput = string(agentOutput)
	if err != nil {
		if isCancelled(err) {
			return fail(result, "cancelled", start)
		}
		if isTimeout(err) {
			return fail(result, "agent_timeout", start)
		}
		// A non-zero agent exit is not itself a task failure; the tests
		// decide. Only a spawn-level error fails the task here.
		return fail(result, "agent_failed: "+err.Error(), start)
	}

	result.Status = session.TaskRunningTests
	if cancelled(cancelCh) {
		return fail(result, "cancelled", start)
	}
	testResults, testOutput, err := runTests(cancelCh, cfg, workDir, task)
	result.TestResults = testResults
	result.TestOutput = testOutput
	if err != nil {
		if isCancelled(err) {
			return fail(result, "cancelled", start)
		}
		return fail(result, "test_run_failed: "+err.Error(), start)
	}

	result.Status = session.TaskCompleted
	result.Passed = allPassed(testResults)
	if result.Passed {
		result.Reward = 1.0
	}
	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

func cancelled(cancelCh <-chan struct{}) bool {
	select {
	case <-cancelCh:
		return true
	default:
		return false
	}
}

func fail(result session.TaskResult, reason string, start time.Time) session.TaskResult {
	result.Status = session.TaskFailed
	result.Error = reason
	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

func allPassed(results []session.TestScriptResult) bool {
	if len(results) == 0 {
		return true
	}
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

func cloneRepo(cancelCh <-chan struct{}, cfg config.Config, workDir string, ws archive.WorkspaceConfig) error {
	res := runCmd(cancelCh, []string{"git", "clone", ws.Repo, "."}, workDir, cfg.CloneTimeout, nil, cfg.MaxOutputBytes)
	if res.Err != nil {
		return res.Err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git clone exited %d", res.ExitCode)
	}
	if ws.BaseCommit == "" {
		return nil
	}
	res = runCmd(cancelCh, []string{"git", "checkout", ws.BaseCommit}, workDir, cfg.CloneTimeout, nil, cfg.MaxOutputBytes)
	if res.Err != nil {
		return res.Err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git checkout exited %d", res.ExitCode)
	}
	return nil
}

// runInstall executes each install[] entry with its own full
// INSTALL_TIMEOUT_SECS budget (SPEC_FULL.md's resolution of the
// install-timeout open question), stopping at the first non-zero exit.
func runInstall(cancelCh <-chan struct{}, cfg config.Config, workDir string, install []string) error {
	for _, cmd := range install {
		if cancelled(cancelCh) {
			return errCancelled
		}
		res := runShell(cancelCh, cmd, workDir, cfg.InstallTimeout, nil, cfg.MaxOutputBytes)
		if res.Err != nil {
			return res.Err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("install step %q exited %d", cmd, res.ExitCode)
		}
	}
	return nil
}

func runAgent(cancelCh <-chan struct{}, cfg config.Config, workDir string, agentCode []archive.NamedFile, lang archive.AgentLanguage) ([]byte, error) {
	for _, f := range agentCode {
		target := filepath.Join(workDir, f.Name)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, err
		}
		if err := ioutil.WriteFile(target, f.Data, 0o644); err != nil {
			return nil, err
		}
	}

	entryName := "agent." + archive.AgentExtension(lang)
	entryPath := filepath.Join(workDir, entryName)
	if entry, ok := archive.EntryFile(agentCode, lang); ok {
		if err := ioutil.WriteFile(entryPath, entry.Data, 0o644); err != nil {
			return nil, err
		}
	}

	argv := agentRunner(lang, entryPath)
	res := runCmd(cancelCh, argv, workDir, cfg.AgentTimeout, nil, cfg.MaxOutputBytes)
	return res.Output, res.Err
}

func runTests(cancelCh <-chan struct{}, cfg config.Config, workDir string, task archive.SweForgeTask) ([]session.TestScriptResult, string, error) {
	for _, src := range task.TestSources {
		target := filepath.Join(workDir, src.Name)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, "", err
		}
		if err := ioutil.WriteFile(target, src.Data, 0o644); err != nil {
			return nil, "", err
		}
	}

	scripts := append([]archive.NamedFile(nil), task.TestScripts...)
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].Name < scripts[j].Name })

	var results []session.TestScriptResult
	var combined []byte
	for _, script := range scripts {
		if cancelled(cancelCh) {
			return results, string(combined), errCancelled
		}
		path := filepath.Join(workDir, script.Name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return results, string(combined), err
		}
		if err := ioutil.WriteFile(path, script.Data, 0o755); err != nil {
			return results, string(combined), err
		}

		res := runCmd(cancelCh, []string{"/bin/sh", path}, workDir, cfg.TestTimeout, nil, cfg.MaxOutputBytes)
		if isCancelled(res.Err) {
			return results, string(combined), errCancelled
		}

		passed := res.Err == nil && res.ExitCode == 0
		results = append(results, session.TestScriptResult{
			Name:     script.Name,
			Passed:   passed,
			ExitCode: res.ExitCode,
			Output:   string(res.Output),
		})
		combined = append(combined, res.Output...)
	}
	return results, string(combined), nil
}
