// Package gateway is a thin wrapper over the host VCS's plumbing
// subprocesses (hash-object, cat-file, update-ref, mktree, commit-tree,
// rev-parse, config). It is the only package in this repository that
// spawns subprocesses; every other package talks to a typed Go API
// instead of shelling out itself.
package gateway

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"

	"github.com/t7a/git-fastcdc/ferrors"
)

// Identity is the fixed author/committer identity used for every
// side-branch commit.
var Identity = struct {
	Name  string
	Email string
}{Name: "git-fastcdc", Email: "git-fastcdc@localhost"}

// Gateway wraps git plumbing invocations for one repository.
type Gateway struct {
	bin       string
	extraArgs []string
	gitDir    string
	batch     *batchReader
}

// New discovers the repository's --git-dir and constructs a Gateway.
// The git binary path and any extra global flags can be overridden via
// GIT_FASTCDC_GIT_BIN and GIT_FASTCDC_EXTRA_ARGS (a shell-quoted string,
// parsed with github.com/google/shlex the way the host's own tooling
// tokenizes GIT_SSH_COMMAND-style overrides) for environments where
// plain "git" on PATH isn't the right binary.
func New() (*Gateway, error) {
	bin := os.Getenv("GIT_FASTCDC_GIT_BIN")
	if bin == "" {
		bin = "git"
	}
	var extra []string
	if raw := os.Getenv("GIT_FASTCDC_EXTRA_ARGS"); raw != "" {
		tokens, err := shlex.Split(raw)
		if err != nil {
			return nil, errors.Wrap(err, "gateway: parsing GIT_FASTCDC_EXTRA_ARGS")
		}
		extra = tokens
	}
	g := &Gateway{bin: bin, extraArgs: extra}
	gitDir, err := g.run(nil, "rev-parse", "--git-dir")
	if err != nil {
		return nil, err
	}
	g.gitDir = strings.TrimSpace(string(gitDir))
	return g, nil
}

// GitDir returns the repository's .git directory, suitable as the
// temp-file root for the on-disk blob buffer.
func (g *Gateway) GitDir() string { return g.gitDir }

// WorkTree returns the repository's top-level working directory, used
// by the rebuild path to read a tracked file's raw, unfiltered bytes
// straight off disk.
func (g *Gateway) WorkTree() (string, error) {
	out, err := g.run(nil, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// ListFiles lists tracked files matching the given pathspec patterns
// (no patterns means every tracked file) via `git ls-files`.
func (g *Gateway) ListFiles(patterns []string) ([]string, error) {
	args := append([]string{"ls-files", "-z", "--"}, patterns...)
	out, err := g.run(nil, args...)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, f := range strings.Split(string(out), "\x00") {
		if f != "" {
			files = append(files, f)
		}
	}
	return files, nil
}

func (g *Gateway) run(stdin io.Reader, args ...string) ([]byte, error) {
	cmd := exec.Command(g.bin, append(append([]string{}, g.extraArgs...), args...)...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	log.Debugf("gateway: running %s %v", g.bin, args)
	if err := cmd.Run(); err != nil {
		return nil, &ferrors.StorageError{
			Op:  strings.Join(args, " "),
			Err: errors.Errorf("%v: %s", err, strings.TrimSpace(stderr.String())),
		}
	}
	return out.Bytes(), nil
}

// HashObjectWrite writes data as a loose blob object via
// `hash-object -w --stdin` and returns its digest. Idempotent: writing
// the same bytes twice returns the same digest without error.
func (g *Gateway) HashObjectWrite(data []byte) (string, error) {
	out, err := g.run(bytes.NewReader(data), "hash-object", "-w", "-t", "blob", "--stdin")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// RevParse resolves rev to an object id. ok is false (with a nil error)
// when rev simply does not resolve, which is the expected case for a
// not-yet-created side branch -- callers must not treat that as fatal.
func (g *Gateway) RevParse(rev string) (oid string, ok bool, err error) {
	cmd := exec.Command(g.bin, append(append([]string{}, g.extraArgs...), "rev-parse", "--verify", rev)...)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if runErr := cmd.Run(); runErr != nil {
		if _, isExit := runErr.(*exec.ExitError); isExit {
			return "", false, nil
		}
		return "", false, &ferrors.StorageError{Op: "rev-parse " + rev, Err: runErr}
	}
	return strings.TrimSpace(out.String()), true, nil
}

// Config reads one key via `git config --local --get`. ok is false when
// the key is unset.
func (g *Gateway) Config(key string) (value string, ok bool, err error) {
	cmd := exec.Command(g.bin, append(append([]string{}, g.extraArgs...), "config", "--local", "--get", key)...)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if runErr := cmd.Run(); runErr != nil {
		if exitErr, isExit := runErr.(*exec.ExitError); isExit && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, &ferrors.StorageError{Op: "config --get " + key, Err: runErr}
	}
	value = strings.TrimSpace(out.String())
	if unquoted, err := shlex.Split(value); err == nil && len(unquoted) == 1 {
		// git quotes config values that need it; unquote the common
		// case of a single quoted token the way the original's
		// shlex-based tooling does.
		value = unquoted[0]
	}
	return value, true, nil
}

// Config is the typed view of the fastcdc.* keys, populated by
// LoadConfig reading straight through the same `git config` plumbing
// every other call in this package uses -- there is no independent
// config file format for this driver.
type Config struct {
	OnDisk             bool
	Min, Avg, Max      uint
	TransparentInflate bool
}

// LoadConfig reads fastcdc.ondisk, fastcdc.min/.avg/.max from the
// repository's local config. Unset numeric keys are left at zero so the
// chunker package's own defaulting (chunker.New) applies; an unset
// fastcdc.ondisk defaults to false.
//
// Every subordinate g.Config call here is expected to succeed (a
// not-set key is reported via ok=false, not err) so a failure means the
// plumbing itself is broken -- exactly the shape Ck/Return exists for:
// Ck panics on the unexpected error and the deferred Return recovers it
// back into a normal err return at this function's boundary.
func (g *Gateway) LoadConfig() (cfg Config, err error) {
	defer Return(&err)

	v, ok, cerr := g.Config("fastcdc.ondisk")
	Ck(cerr)
	if ok {
		cfg.OnDisk = v == "true" || v == "1"
	}

	v, ok, cerr = g.Config("fastcdc.transparentInflate")
	Ck(cerr)
	if ok {
		cfg.TransparentInflate = v == "true" || v == "1"
	}

	for _, kv := range []struct {
		key string
		dst *uint
	}{
		{"fastcdc.min", &cfg.Min},
		{"fastcdc.avg", &cfg.Avg},
		{"fastcdc.max", &cfg.Max},
	} {
		v, ok, cerr := g.Config(kv.key)
		Ck(cerr)
		if !ok {
			continue
		}
		n, perr := strconv.ParseUint(v, 10, 64)
		Ck(errors.Wrapf(perr, "gateway: parsing %s=%q", kv.key, v))
		*kv.dst = uint(n)
	}
	return cfg, nil
}

// TreeEntry is one line of a `git ls-tree`/`mktree` tree listing.
type TreeEntry struct {
	Mode string
	Type string
	OID  string
	Name string
}

func (e TreeEntry) line() string {
	return fmt.Sprintf("%s %s %s\t%s", e.Mode, e.Type, e.OID, e.Name)
}

// MkTree synthesizes a tree object from entries via `mktree`.
func (g *Gateway) MkTree(entries []TreeEntry) (string, error) {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteString(e.line())
		buf.WriteByte('\n')
	}
	out, err := g.run(&buf, "mktree")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// LsTree lists the immediate entries of a tree-ish via `ls-tree`.
// Returns an empty, nil-error result if treeish doesn't resolve (the
// side branch not existing yet is not an error at this layer).
func (g *Gateway) LsTree(treeish string) ([]TreeEntry, error) {
	if _, ok, err := g.RevParse(treeish); err != nil {
		return nil, err
	} else if !ok {
		return nil, nil
	}
	out, err := g.run(nil, "ls-tree", treeish)
	if err != nil {
		return nil, err
	}
	return parseLsTree(out), nil
}

func parseLsTree(out []byte) []TreeEntry {
	var entries []TreeEntry
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line == "" {
			continue
		}
		fields, name, _ := strings.Cut(line, "\t")
		cols := strings.Fields(fields)
		if len(cols) != 3 {
			continue
		}
		entries = append(entries, TreeEntry{Mode: cols[0], Type: cols[1], OID: cols[2], Name: name})
	}
	return entries
}

// CommitTree creates a commit via `commit-tree`, with parents (may be
// empty for the branch's first commit), the fixed git-fastcdc identity,
// and a caller-supplied message, deterministically timestamped by the
// caller (commits on the side branch are reproducible given the same
// inputs and clock).
func (g *Gateway) CommitTree(tree string, parents []string, message string, when time.Time) (string, error) {
	args := []string{"commit-tree", tree}
	for _, p := range parents {
		args = append(args, "-p", p)
	}
	args = append(args, "-m", message)

	cmd := exec.Command(g.bin, append(append([]string{}, g.extraArgs...), args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME="+Identity.Name,
		"GIT_AUTHOR_EMAIL="+Identity.Email,
		"GIT_COMMITTER_NAME="+Identity.Name,
		"GIT_COMMITTER_EMAIL="+Identity.Email,
		"GIT_AUTHOR_DATE="+strconv.FormatInt(when.Unix(), 10),
		"GIT_COMMITTER_DATE="+strconv.FormatInt(when.Unix(), 10),
	)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &ferrors.StorageError{Op: "commit-tree", Err: errors.Errorf("%v: %s", err, stderr.String())}
	}
	return strings.TrimSpace(out.String()), nil
}

// UpdateRefCAS atomically updates ref to newOID, requiring its current
// value to equal oldOID (empty oldOID asserts the ref does not yet
// exist), via `update-ref`. This is the single coordination point for
// concurrent appenders writing to the same side branch.
func (g *Gateway) UpdateRefCAS(ref, newOID, oldOID string) error {
	_, err := g.run(nil, "update-ref", ref, newOID, oldOID)
	return err
}

// EmptyTreeOID returns the host's well-known empty-tree object id,
// matching either a SHA-1 or SHA-256 object database depending on the
// length of digest (the empty tree's id differs between them). The
// SHA-256 form is git's own documented constant for SHA-256
// repositories.
func EmptyTreeOID(digestLen int) string {
	if digestLen == 64 {
		return "6ef19b41225c5369f1c104d45d8d85efa9b057b53b14b4b9b939dd74decc5321"
	}
	return "4b825dc642cb6eb9a060e54bf8d69288fbee4904"
}

// CatFileBlob retrieves one blob's bytes via the long-lived
// `cat-file --batch` process, started lazily and reused across calls.
func (g *Gateway) CatFileBlob(oid string) ([]byte, error) {
	b, err := g.batchProcess()
	if err != nil {
		return nil, err
	}
	return b.get(oid)
}

// CatFileBlobAt retrieves the blob at treeish:path (e.g.
// "refs/heads/git-fastcdc:af/af34...") via the batch process, used by
// the chunk store's retrieve path.
func (g *Gateway) CatFileBlobAt(treeish, path string) ([]byte, error) {
	return g.CatFileBlob(treeish + ":" + path)
}

func (g *Gateway) batchProcess() (*batchReader, error) {
	if g.batch != nil && g.batch.alive() {
		return g.batch, nil
	}
	b, err := startBatchReader(g.bin, g.extraArgs)
	if err != nil {
		return nil, err
	}
	g.batch = b
	return b, nil
}

// Close shuts down the long-lived cat-file --batch process, if any. It
// is safe to call multiple times and safe to call when no batch
// process was ever started.
func (g *Gateway) Close() error {
	if g.batch == nil {
		return nil
	}
	err := g.batch.close()
	g.batch = nil
	return err
}

// batchReader wraps a long-lived `git cat-file --batch` child process.
type batchReader struct {
	cmd *exec.Cmd
	in  io.WriteCloser
	out *bufio.Reader
}

func startBatchReader(bin string, extraArgs []string) (*batchReader, error) {
	cmd := exec.Command(bin, append(append([]string{}, extraArgs...), "cat-file", "--batch")...)
	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, &ferrors.IOError{Op: "open cat-file --batch stdin", Err: err}
	}
	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ferrors.IOError{Op: "open cat-file --batch stdout", Err: err}
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, &ferrors.StorageError{Op: "start cat-file --batch", Err: err}
	}
	return &batchReader{cmd: cmd, in: in, out: bufio.NewReader(outPipe)}, nil
}

func (b *batchReader) alive() bool {
	return b.cmd != nil && b.cmd.ProcessState == nil
}

// get sends one object spec and reads back its header and content,
// per the `cat-file --batch` response format:
//
//	<oid> SP <type> SP <size> LF
//	<content, exactly size bytes> LF
//
// or, if the object is missing, "<spec> missing\n".
func (b *batchReader) get(spec string) ([]byte, error) {
	if _, err := io.WriteString(b.in, spec+"\n"); err != nil {
		return nil, &ferrors.IOError{Op: "write cat-file --batch request", Err: err}
	}
	header, err := b.out.ReadString('\n')
	if err != nil {
		return nil, &ferrors.IOError{Op: "read cat-file --batch header", Err: err}
	}
	header = strings.TrimRight(header, "\n")
	if strings.HasSuffix(header, " missing") {
		return nil, &ferrors.MissingChunk{Digest: spec}
	}
	fields := strings.Fields(header)
	if len(fields) != 3 {
		return nil, &ferrors.StorageError{Op: "cat-file --batch", Err: errors.Errorf("malformed header %q", header)}
	}
	size, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, &ferrors.StorageError{Op: "cat-file --batch", Err: errors.Errorf("bad size in header %q", header)}
	}
	content := make([]byte, size)
	if _, err := io.ReadFull(b.out, content); err != nil {
		return nil, &ferrors.IOError{Op: "read cat-file --batch content", Err: err}
	}
	if _, err := b.out.Discard(1); err != nil { // trailing LF
		return nil, &ferrors.IOError{Op: "read cat-file --batch trailer", Err: err}
	}
	return content, nil
}

func (b *batchReader) close() error {
	_ = b.in.Close()
	return b.cmd.Wait()
}
