package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/PlatformNetwork/term-executor/log"
)

var logger = log.NewModuleLogger(log.ModuleArchive)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zipMagic  = []byte{0x50, 0x4b, 0x03, 0x04}
)

// Loader extracts and parses submitted archives under workspaceBase.
type Loader struct {
	workspaceBase string
	maxBytes      int64
	cache         *resultCache
}

// New builds a Loader rooted at workspaceBase, rejecting payloads over
// maxBytes (spec.md's MAX_ARCHIVE_BYTES).
func New(workspaceBase string, maxBytes int64) *Loader {
	return &Loader{workspaceBase: workspaceBase, maxBytes: maxBytes, cache: newResultCache(8)}
}

// Load extracts payload into a fresh temp directory and parses its
// task/agent tree. payloadHash is the caller's already-computed
// SHA-256 of payload; a hash seen recently (two overlapping votes
// racing the same upload) is served from cache instead of re-extracted.
// The heavy lifting (format sniff, unpacking, tree walk) runs on its
// own goroutine the way the teacher's CpuAgent offloads block-sealing
// work to a dedicated goroutine and rendezvous over a channel, so a
// caller with a context deadline never blocks the calling goroutine
// past cancellation.
func (l *Loader) Load(ctx context.Context, payloadHash string, payload []byte) (*ExtractedArchive, error) {
	if cached, ok := l.cache.get(payloadHash); ok {
		return cached, nil
	}
	if int64(len(payload)) > l.maxBytes {
		return nil, ErrInvalidArchive
	}

	type loadResult struct {
		archive *ExtractedArchive
		err     error
	}
	resultCh := make(chan loadResult, 1)

	go func() {
		archive, err := l.loadSync(payload)
		resultCh <- loadResult{archive, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultCh:
		if res.err == nil {
			res.archive.PayloadHash = payloadHash
			l.cache.add(payloadHash, res.archive)
		}
		return res.archive, res.err
	}
}

func (l *Loader) loadSync(payload []byte) (*ExtractedArchive, error) {
	root, err := l.extract(payload)
	if err != nil {
		logger.Warn("archive extract failed", "err", err)
		return nil, ErrInvalidArchive
	}

	taskRoot, err := findRoot(root)
	if err != nil {
		logger.Warn("archive root detection failed", "err", err)
		os.RemoveAll(root)
		return nil, ErrInvalidArchive
	}

	agentCode, err := loadAgentCode(taskRoot)
	if err != nil {
		logger.Warn("agent_code load failed", "err", err)
		os.RemoveAll(root)
		return nil, ErrInvalidArchive
	}

	tasks, err := loadTasks(taskRoot)
	if err != nil {
		logger.Warn("tasks load failed", "err", err)
		os.RemoveAll(root)
		return nil, ErrInvalidArchive
	}

	return &ExtractedArchive{
		Root:      root,
		AgentCode: agentCode,
		AgentLang: detectAgentLanguage(agentCode),
		Tasks:     tasks,
	}, nil
}

// extract detects the format from magic bytes and unpacks payload into
// a fresh directory under workspaceBase.
func (l *Loader) extract(payload []byte) (string, error) {
	if err := os.MkdirAll(l.workspaceBase, 0o755); err != nil {
		return "", errors.Wrap(err, "workspace base")
	}
	dir := filepath.Join(l.workspaceBase, uuid.NewRandom().String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "extract dir")
	}

	switch {
	case bytes.HasPrefix(payload, gzipMagic):
		if err := extractTarGz(payload, dir); err != nil {
			os.RemoveAll(dir)
			return "", err
		}
	case bytes.HasPrefix(payload, zipMagic):
		if err := extractZip(payload, dir); err != nil {
			os.RemoveAll(dir)
			return "", err
		}
	default:
		os.RemoveAll(dir)
		return "", errors.New("unrecognized archive format")
	}
	return dir, nil
}

func extractTarGz(payload []byte, dir string) error {
	gz, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "gzip")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "tar")
		}
		target, ok := safeJoin(dir, hdr.Name)
		if !ok {
			return errors.New("tar entry escapes extraction root")
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			_, err = io.Copy(f, tr)
			f.Close()
			if err != nil {
				return err
			}
		}
	}
}

func extractZip(payload []byte, dir string) error {
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return errors.Wrap(err, "zip")
	}
	for _, f := range zr.File {
		target, ok := safeJoin(dir, f.Name)
		if !ok {
			return errors.New("zip entry escapes extraction root")
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		out.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// safeJoin joins dir and name, rejecting any entry that would escape
// dir via ".." components (a zip/tar-slip attempt).
func safeJoin(dir, name string) (string, bool) {
	target := filepath.Join(dir, name)
	if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) && target != filepath.Clean(dir) {
		return "", false
	}
	return target, true
}

// findRoot locates the directory containing both tasks/ and
// agent_code/, either dir itself or exactly one level deep.
func findRoot(dir string) (string, error) {
	if hasTaskLayout(dir) {
		return dir, nil
	}
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		candidate := filepath.Join(dir, e.Name())
		if hasTaskLayout(candidate) {
			return candidate, nil
		}
	}
	return "", errors.New("no tasks/ and agent_code/ root found")
}

func hasTaskLayout(dir string) bool {
	t, err1 := os.Stat(filepath.Join(dir, "tasks"))
	a, err2 := os.Stat(filepath.Join(dir, "agent_code"))
	return err1 == nil && t.IsDir() && err2 == nil && a.IsDir()
}

// loadAgentCode reads every file under root/agent_code/ into memory.
func loadAgentCode(root string) ([]NamedFile, error) {
	base := filepath.Join(root, "agent_code")
	var files []NamedFile
	err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		data, err := ioutil.ReadFile(path)
		if err != nil {
			return err
		}
		files = append(files, NamedFile{Name: rel, Data: data})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "agent_code walk")
	}
	return files, nil
}

// detectAgentLanguage picks the language of the first agent_code file
// (by Walk order, which is lexical) whose extension is recognized.
func detectAgentLanguage(files []NamedFile) AgentLanguage {
	for _, f := range files {
		if lang, ok := extensionLanguage[strings.ToLower(filepath.Ext(f.Name))]; ok {
			return lang
		}
	}
	return LangUnknown
}

// EntryFile returns the agent_code file that produced lang under
// detectAgentLanguage's rule — the first file, in the same lexical
// order, whose extension maps to lang — so callers that need to run
// the detected language always execute the file that was actually
// detected, not whichever file happens to sit at index 0.
func EntryFile(files []NamedFile, lang AgentLanguage) (NamedFile, bool) {
	for _, f := range files {
		if extensionLanguage[strings.ToLower(filepath.Ext(f.Name))] == lang {
			return f, true
		}
	}
	return NamedFile{}, false
}

// loadTasks parses every tasks/<task_id> directory.
func loadTasks(root string) ([]SweForgeTask, error) {
	base := filepath.Join(root, "tasks")
	entries, err := ioutil.ReadDir(base)
	if err != nil {
		return nil, errors.Wrap(err, "tasks dir")
	}

	var tasks []SweForgeTask
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		task, err := loadOneTask(base, e.Name())
		if err != nil {
			return nil, errors.Wrapf(err, "task %s", e.Name())
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func loadOneTask(tasksDir, taskID string) (SweForgeTask, error) {
	dir := filepath.Join(tasksDir, taskID)

	wsBytes, err := ioutil.ReadFile(filepath.Join(dir, "workspace.yaml"))
	if err != nil {
		return SweForgeTask{}, errors.Wrap(err, "workspace.yaml required")
	}
	var ws WorkspaceConfig
	if err := yaml.Unmarshal(wsBytes, &ws); err != nil {
		return SweForgeTask{}, errors.Wrap(err, "workspace.yaml parse")
	}

	promptBytes, err := ioutil.ReadFile(filepath.Join(dir, "prompt.md"))
	if err != nil {
		return SweForgeTask{}, errors.Wrap(err, "prompt.md required")
	}

	var checks []string
	if checksBytes, err := ioutil.ReadFile(filepath.Join(dir, "checks.txt")); err == nil {
		for _, line := range strings.Split(string(checksBytes), "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				checks = append(checks, line)
			}
		}
	}

	scripts, sources, err := loadTestTree(filepath.Join(dir, "tests"))
	if err != nil {
		return SweForgeTask{}, err
	}

	return SweForgeTask{
		TaskID:      taskID,
		Workspace:   ws,
		PromptText:  string(promptBytes),
		Checks:      checks,
		TestScripts: scripts,
		TestSources: sources,
	}, nil
}

// loadTestTree splits testsDir into sorted *.sh test scripts and all
// other files as test sources, preserving relative paths for the
// latter so the engine can write them into the cloned repo unchanged.
func loadTestTree(testsDir string) (scripts, sources []NamedFile, err error) {
	if _, statErr := os.Stat(testsDir); os.IsNotExist(statErr) {
		return nil, nil, nil
	}

	walkErr := filepath.Walk(testsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(testsDir, path)
		if err != nil {
			return err
		}
		data, err := ioutil.ReadFile(path)
		if err != nil {
			return err
		}
		nf := NamedFile{Name: rel, Data: data}
		if strings.HasSuffix(rel, ".sh") {
			scripts = append(scripts, nf)
		} else {
			sources = append(sources, nf)
		}
		return nil
	})
	if walkErr != nil {
		return nil, nil, errors.Wrap(walkErr, "tests walk")
	}

	sort.Slice(scripts, func(i, j int) bool { return scripts[i].Name < scripts[j].Name })
	return scripts, sources, nil
}
