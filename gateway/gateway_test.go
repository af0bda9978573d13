package gateway

import (
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func fixedTime() time.Time { return time.Unix(1700000000, 0) }

func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper()
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found on PATH")
	}
}

func newTestRepo(t *testing.T) (dir string, g *Gateway) {
	t.Helper()
	requireGit(t)
	dir, err := ioutil.TempDir("", "git-fastcdc-gw-test")
	tassert(t, err == nil, "tempdir: %v", err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cmd := exec.Command("git", "init", "--quiet", dir)
	tassert(t, cmd.Run() == nil, "git init")
	cmd = exec.Command("git", "-C", dir, "config", "user.email", "test@example.com")
	tassert(t, cmd.Run() == nil, "git config email")
	cmd = exec.Command("git", "-C", dir, "config", "user.name", "test")
	tassert(t, cmd.Run() == nil, "git config name")

	os.Setenv("GIT_FASTCDC_GIT_BIN", "git")
	oldWd, err := os.Getwd()
	tassert(t, err == nil, "getwd: %v", err)
	tassert(t, os.Chdir(dir) == nil, "chdir")
	t.Cleanup(func() { os.Chdir(oldWd) })

	g, err = New()
	tassert(t, err == nil, "gateway.New: %v", err)
	t.Cleanup(func() { g.Close() })
	return
}

func TestHashObjectWriteAndCatFileRoundTrip(t *testing.T) {
	_, g := newTestRepo(t)
	data := []byte("hello fastcdc chunk")
	oid, err := g.HashObjectWrite(data)
	tassert(t, err == nil, "hash-object: %v", err)
	tassert(t, len(oid) == 40 || len(oid) == 64, "unexpected oid length %d", len(oid))

	got, err := g.CatFileBlob(oid)
	tassert(t, err == nil, "cat-file: %v", err)
	tassert(t, string(got) == string(data), "got %q want %q", got, data)
}

func TestCatFileMissingChunk(t *testing.T) {
	_, g := newTestRepo(t)
	_, err := g.CatFileBlob("deadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	tassert(t, err != nil, "expected error for missing object")
}

func TestMkTreeAndLsTreeRoundTrip(t *testing.T) {
	_, g := newTestRepo(t)
	oid, err := g.HashObjectWrite([]byte("leaf content"))
	tassert(t, err == nil, "hash-object: %v", err)

	tree, err := g.MkTree([]TreeEntry{{Mode: "100644", Type: "blob", OID: oid, Name: "ab"}})
	tassert(t, err == nil, "mktree: %v", err)

	entries, err := g.LsTree(tree)
	tassert(t, err == nil, "ls-tree: %v", err)
	tassert(t, len(entries) == 1, "expected 1 entry, got %d", len(entries))
	tassert(t, entries[0].Name == "ab", "name %q", entries[0].Name)
	tassert(t, entries[0].OID == oid, "oid mismatch")
}

func TestLsTreeOfMissingRefIsEmptyNotError(t *testing.T) {
	_, g := newTestRepo(t)
	entries, err := g.LsTree("refs/heads/git-fastcdc")
	tassert(t, err == nil, "ls-tree: %v", err)
	tassert(t, len(entries) == 0, "expected no entries, got %d", len(entries))
}

func TestUpdateRefCASCreateThenAdvance(t *testing.T) {
	_, g := newTestRepo(t)
	oid, err := g.HashObjectWrite([]byte("x"))
	tassert(t, err == nil, "hash-object: %v", err)
	tree, err := g.MkTree([]TreeEntry{{Mode: "100644", Type: "blob", OID: oid, Name: "x"}})
	tassert(t, err == nil, "mktree: %v", err)

	c1, err := g.CommitTree(tree, nil, "fastcdc: add 1 chunks", fixedTime())
	tassert(t, err == nil, "commit-tree 1: %v", err)
	tassert(t, g.UpdateRefCAS("refs/heads/git-fastcdc", c1, "") == nil, "create ref")

	c2, err := g.CommitTree(tree, []string{c1}, "fastcdc: add 0 chunks", fixedTime())
	tassert(t, err == nil, "commit-tree 2: %v", err)
	tassert(t, g.UpdateRefCAS("refs/heads/git-fastcdc", c2, c1) == nil, "advance ref")

	// a stale CAS must fail
	err = g.UpdateRefCAS("refs/heads/git-fastcdc", c1, "0000000000000000000000000000000000000000")
	tassert(t, err != nil, "expected CAS failure on stale oldvalue")
}

func TestConfigMissingKeyIsNotError(t *testing.T) {
	_, g := newTestRepo(t)
	_, ok, err := g.Config("fastcdc.ondisk")
	tassert(t, err == nil, "config: %v", err)
	tassert(t, !ok, "expected key to be unset")
}

func TestConfigRoundTrip(t *testing.T) {
	dir, g := newTestRepo(t)
	cmd := exec.Command("git", "-C", dir, "config", "fastcdc.ondisk", "true")
	tassert(t, cmd.Run() == nil, "git config set")
	v, ok, err := g.Config("fastcdc.ondisk")
	tassert(t, err == nil, "config: %v", err)
	tassert(t, ok, "expected key set")
	tassert(t, v == "true", "value %q", v)
}

func TestGitDirResolves(t *testing.T) {
	_, g := newTestRepo(t)
	tassert(t, filepath.Base(g.GitDir()) == ".git" || g.GitDir() == ".", "unexpected git dir %q", g.GitDir())
}
