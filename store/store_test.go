package store

import (
	"io/ioutil"
	"os"
	"os/exec"
	"testing"

	"github.com/t7a/git-fastcdc/chunker"
	"github.com/t7a/git-fastcdc/ferrors"
	"github.com/t7a/git-fastcdc/gateway"
)

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

func newTestStore(t *testing.T) *Store {
	t.Helper()
	requireGit(t)
	dir, err := ioutil.TempDir("", "git-fastcdc-store-test")
	tassert(t, err == nil, "tempdir: %v", err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	tassert(t, exec.Command("git", "init", "--quiet", dir).Run() == nil, "git init")
	tassert(t, exec.Command("git", "-C", dir, "config", "user.email", "test@example.com").Run() == nil, "git config email")
	tassert(t, exec.Command("git", "-C", dir, "config", "user.name", "test").Run() == nil, "git config name")

	os.Setenv("GIT_FASTCDC_GIT_BIN", "git")
	oldWd, err := os.Getwd()
	tassert(t, err == nil, "getwd: %v", err)
	tassert(t, os.Chdir(dir) == nil, "chdir")
	t.Cleanup(func() { os.Chdir(oldWd) })

	gw, err := gateway.New()
	tassert(t, err == nil, "gateway.New: %v", err)
	t.Cleanup(func() { gw.Close() })

	return New(gw, DefaultRef)
}

func TestPersistRetrieveRoundTrip(t *testing.T) {
	s := newTestStore(t)
	digest, err := s.Persist([]byte("chunk one"), "file.bin")
	tassert(t, err == nil, "persist: %v", err)
	tassert(t, s.Dirty(), "expected store to be dirty after persist")

	tassert(t, s.Sync() == nil, "sync")
	tassert(t, !s.Dirty(), "expected store clean after sync")

	got, err := s.Retrieve(digest)
	tassert(t, err == nil, "retrieve: %v", err)
	tassert(t, string(got) == "chunk one", "got %q", got)
}

func TestPersistIsIdempotentWithinSession(t *testing.T) {
	s := newTestStore(t)
	d1, err := s.Persist([]byte("same bytes"), "a.bin")
	tassert(t, err == nil, "persist 1: %v", err)
	d2, err := s.Persist([]byte("same bytes"), "b.bin")
	tassert(t, err == nil, "persist 2: %v", err)
	tassert(t, d1 == d2, "expected identical digests, got %q and %q", d1, d2)
	tassert(t, s.addedCount == 1, "expected exactly one pending entry, got %d", s.addedCount)
}

func TestPersistIsIdempotentAcrossSessions(t *testing.T) {
	s1 := newTestStore(t)
	gw := s1.gw
	d1, err := s1.Persist([]byte("cross session"), "")
	tassert(t, err == nil, "persist: %v", err)
	tassert(t, s1.Sync() == nil, "sync 1")

	s2 := New(gw, DefaultRef)
	d2, err := s2.Persist([]byte("cross session"), "")
	tassert(t, err == nil, "persist again: %v", err)
	tassert(t, d1 == d2, "digest mismatch across sessions")
	tassert(t, !s2.Dirty(), "re-persisting an already-reachable chunk must not dirty the store")
}

func TestConcurrentAppendersLinearize(t *testing.T) {
	s1 := newTestStore(t)
	gw := s1.gw
	s2 := New(gw, DefaultRef)

	d1, err := s1.Persist([]byte("appender one chunk"), "")
	tassert(t, err == nil, "persist 1: %v", err)
	d2, err := s2.Persist([]byte("appender two chunk"), "")
	tassert(t, err == nil, "persist 2: %v", err)

	// s2 loaded the tip before s1 committed, so its first CAS must lose
	// the race and its retry must fold in s1's commit as the new parent.
	tassert(t, s1.Sync() == nil, "sync 1")
	tassert(t, s2.Sync() == nil, "sync 2")

	check := New(gw, DefaultRef)
	got, err := check.Retrieve(d1)
	tassert(t, err == nil && string(got) == "appender one chunk", "chunk one lost: %v", err)
	got, err = check.Retrieve(d2)
	tassert(t, err == nil && string(got) == "appender two chunk", "chunk two lost: %v", err)
}

func TestRetrieveMissingChunkIsTyped(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Retrieve("deadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	_, isMissing := err.(*ferrors.MissingChunk)
	tassert(t, isMissing, "expected *ferrors.MissingChunk, got %T (%v)", err, err)
}

func TestSyncWithNothingPendingIsNoop(t *testing.T) {
	s := newTestStore(t)
	tassert(t, s.Sync() == nil, "sync with nothing pending should succeed")
	_, ok, err := s.gw.RevParse(DefaultRef)
	tassert(t, err == nil, "rev-parse: %v", err)
	tassert(t, !ok, "side branch should not be created when nothing was persisted")
}

func TestSyncCarriesHintTrailers(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Persist([]byte("hinted chunk"), "video.mp4")
	tassert(t, err == nil, "persist: %v", err)
	tassert(t, s.Sync() == nil, "sync")

	out, err := exec.Command("git", "-C", ".", "log", "-1", "--format=%B", DefaultRef).CombinedOutput()
	tassert(t, err == nil, "git log: %v (%s)", err, out)
	tassert(t, containsLine(string(out), "Fastcdc-Hint: video.mp4"), "expected hint trailer, got %q", out)
}

func TestRebuildReChunksWorkingTreeFiles(t *testing.T) {
	s := newTestStore(t)
	gw := s.gw

	root, err := gw.WorkTree()
	tassert(t, err == nil, "worktree: %v", err)
	content := []byte("rebuild me please, this is the tracked file content")
	tassert(t, os.WriteFile(root+"/tracked.bin", content, 0644) == nil, "write tracked file")
	tassert(t, exec.Command("git", "-C", root, "add", "tracked.bin").Run() == nil, "git add")
	tassert(t, exec.Command("git", "-C", root, "commit", "-m", "add tracked.bin", "--quiet").Run() == nil, "git commit")

	tassert(t, Rebuild(gw, DefaultRef, chunker.Params{}, nil) == nil, "rebuild")

	verify := New(gw, DefaultRef)
	digest, err := verify.Persist(content, "")
	tassert(t, err == nil, "persist for verification: %v", err)
	tassert(t, !verify.Dirty(), "rebuild should already have persisted this exact content")

	got, err := verify.Retrieve(digest)
	tassert(t, err == nil, "retrieve: %v", err)
	tassert(t, string(got) == string(content), "got %q want %q", got, content)
}

func TestTransparentInflateRoundTripsPlainBytes(t *testing.T) {
	s := newTestStore(t)
	s.SetTransparentInflate(true)
	digest, err := s.Persist([]byte("plain, never compressed"), "")
	tassert(t, err == nil, "persist: %v", err)
	tassert(t, s.Sync() == nil, "sync")

	got, err := s.Retrieve(digest)
	tassert(t, err == nil, "retrieve: %v", err)
	tassert(t, string(got) == "plain, never compressed", "got %q", got)
}

func containsLine(haystack, needle string) bool {
	for _, line := range splitLines(haystack) {
		if line == needle {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
