// Package archive implements the ArchiveLoader of spec.md section 4.6:
// format-detecting, streaming-safe extraction of a submitted tar.gz or
// zip payload into a task/agent-code tree the BatchEngine can run.
package archive

import (
	"os"

	"github.com/pkg/errors"
)

// ErrInvalidArchive is the single opaque error surfaced to API callers
// for any extraction or parse failure; detailed causes are logged
// server-side only, per spec.md section 4.6 and section 7.
var ErrInvalidArchive = errors.New("invalid_archive")

// AgentLanguage is the language the embedded agent program is written
// in, detected from the first recognized file extension under
// agent_code/.
type AgentLanguage string

const (
	LangPython     AgentLanguage = "python"
	LangJavaScript AgentLanguage = "javascript"
	LangTypeScript AgentLanguage = "typescript"
	LangGo         AgentLanguage = "go"
	LangRust       AgentLanguage = "rust"
	LangBash       AgentLanguage = "bash"
	LangUnknown    AgentLanguage = "unknown"
)

// AgentExtension returns the filename extension run_single_task uses
// when writing the agent program to disk as agent.<ext>.
func AgentExtension(lang AgentLanguage) string {
	switch lang {
	case LangPython:
		return "py"
	case LangJavaScript:
		return "js"
	case LangTypeScript:
		return "ts"
	case LangGo:
		return "go"
	case LangRust:
		return "rs"
	case LangBash:
		return "sh"
	default:
		return "bin"
	}
}

var extensionLanguage = map[string]AgentLanguage{
	".py": LangPython,
	".js": LangJavaScript,
	".ts": LangTypeScript,
	".go": LangGo,
	".rs": LangRust,
	".sh": LangBash,
}

// WorkspaceConfig is the parsed workspace.yaml for one task, per
// spec.md section 3. Fields other than Repo are best-effort defaulted
// when absent.
type WorkspaceConfig struct {
	Repo       string   `yaml:"repo"`
	Version    string   `yaml:"version"`
	BaseCommit string   `yaml:"base_commit"`
	Language   string   `yaml:"language"`
	Install    []string `yaml:"install"`
}

// SweForgeTask is one tasks/<task_id> directory, fully parsed into
// memory: the workspace config, prompt text, optional advisory checks,
// the ordered test scripts to execute, and the test sources to write
// into the cloned repo before running them.
type SweForgeTask struct {
	TaskID      string
	Workspace   WorkspaceConfig
	PromptText  string
	Checks      []string
	TestScripts []NamedFile // *.sh, sorted by Name; executed in order
	TestSources []NamedFile // everything else under tests/, relative path preserved
}

// NamedFile pairs a relative path with its raw contents.
type NamedFile struct {
	Name string
	Data []byte
}

// ExtractedArchive is the fully-loaded result of Loader.Load: the
// agent program (never echoed to API clients), its detected language,
// every parsed task, and the on-disk extraction root. Every file under
// Root has already been read into AgentCode/Tasks by the time Load
// returns — the engine clones fresh repos per task and never reads
// from Root again — so Root is retained only so the caller can remove
// it once the batch it belongs to is done; call Cleanup for that.
type ExtractedArchive struct {
	Root        string
	AgentCode   []NamedFile
	AgentLang   AgentLanguage
	Tasks       []SweForgeTask
	PayloadHash string
}

// Cleanup removes the on-disk extraction directory backing ex. Safe to
// call once the engine has finished running every task of the batch
// that owns ex; fire-and-forget, per spec.md section 7's cleanup
// policy — it logs but never returns an error.
func (ex *ExtractedArchive) Cleanup() {
	if ex == nil || ex.Root == "" {
		return
	}
	if err := os.RemoveAll(ex.Root); err != nil {
		logger.Warn("failed to remove extracted archive root", "root", ex.Root, "err", err)
	}
}
