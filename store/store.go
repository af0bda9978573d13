// Package store implements the chunk-store synchronization layer. It
// persists chunks from clean operations onto the dedicated side branch
// refs/heads/git-fastcdc, retrieves them on smudge, and guarantees at
// most one new commit per session.
//
// The in-memory digest index and the batched-commit-at-session-end
// design accumulate writes for the whole session and only touch the
// tree structure once, at the end, never once per chunk: the
// "directory structure" here is a git tree instead of a filesystem
// tree, and the session boundary is the filter driver's process
// lifetime.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zlib"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"

	"github.com/t7a/git-fastcdc/ferrors"
	"github.com/t7a/git-fastcdc/gateway"
)

// DefaultRef is the side branch chunks are stored under.
const DefaultRef = "refs/heads/git-fastcdc"

// Store tracks, across one driver session, which chunk digests are
// known to be reachable from the side branch's tip and which digests
// were newly added this session and still need to be folded into a
// commit.
type Store struct {
	gw  *gateway.Gateway
	ref string

	tipLoaded bool
	tipOID    string // "" means the branch does not exist yet
	tipOK     bool

	known    map[string]bool              // every digest known reachable from tip, populated lazily
	rootTree map[string]gateway.TreeEntry // prefix (2 hex chars) -> current subtree entry

	pendingByPrefix map[string][]gateway.TreeEntry // newly added entries this session, grouped by prefix
	pendingHints    []string                       // distinct Fastcdc-Hint trailer lines, in first-seen order
	seenHints       map[string]bool

	addedCount int
	dirty      bool

	cachePath          string
	transparentInflate bool
}

// New constructs a Store bound to gw and ref (DefaultRef in production;
// overridable in tests). It does not touch the network or spawn the
// cat-file --batch process until first use.
func New(gw *gateway.Gateway, ref string) *Store {
	if ref == "" {
		ref = DefaultRef
	}
	s := &Store{
		gw:              gw,
		ref:             ref,
		known:           map[string]bool{},
		rootTree:        map[string]gateway.TreeEntry{},
		pendingByPrefix: map[string][]gateway.TreeEntry{},
		seenHints:       map[string]bool{},
	}
	if gw != nil {
		s.cachePath = gw.GitDir() + "/fastcdc-cache.json"
	}
	return s
}

// SetTransparentInflate enables the fastcdc.transparentInflate
// edge-case knob, off by default: a retrieved chunk whose bytes happen
// to be zlib-compressed application data is inflated before being
// handed back to the smudge path. This never changes the digest or the
// tree layout -- only what Retrieve returns.
func (s *Store) SetTransparentInflate(on bool) { s.transparentInflate = on }

// Dirty reports whether any chunk was added this session, i.e. whether
// the side branch has been modified and still needs a final commit.
func (s *Store) Dirty() bool { return s.dirty }

func prefixOf(digest string) (string, error) {
	if len(digest) < 2 {
		return "", &ferrors.StorageError{Op: "prefix", Err: fmt.Errorf("digest %q too short", digest)}
	}
	return digest[:2], nil
}

// diskCache is the on-disk shape of the optional digest-reachability
// cache, written atomically via renameio: a reader must never observe
// a half-written cache file.
type diskCache struct {
	Tip     string   `json:"tip"`
	Digests []string `json:"digests"`
}

// loadTip resolves the side branch's current tip and lists its root
// tree, then consults the on-disk cache so a warm session doesn't have
// to walk the prefix subtrees with `ls-tree` again if the branch hasn't
// moved since last time.
func (s *Store) loadTip() error {
	if s.tipLoaded {
		return nil
	}
	oid, ok, err := s.gw.RevParse(s.ref)
	if err != nil {
		return err
	}
	s.tipOID, s.tipOK = oid, ok
	s.tipLoaded = true

	if ok {
		// the root listing is always loaded: Sync folds pending prefixes
		// into it, so an empty rootTree would silently drop every
		// pre-existing prefix subtree from the next commit. The cache
		// only short-circuits the per-prefix digest walks.
		entries, err := s.gw.LsTree(s.ref)
		if err != nil {
			return err
		}
		for _, e := range entries {
			s.rootTree[e.Name] = e
		}
		if s.loadFromCache(oid) {
			log.Debugf("store: loaded %d known digests from cache for tip %s", len(s.known), oid)
		}
	}
	return nil
}

func (s *Store) loadFromCache(tip string) bool {
	if s.cachePath == "" {
		return false
	}
	data, err := readFile(s.cachePath)
	if err != nil {
		return false
	}
	var c diskCache
	if err := json.Unmarshal(data, &c); err != nil || c.Tip != tip {
		return false
	}
	for _, d := range c.Digests {
		s.known[d] = true
	}
	return true
}

func (s *Store) saveCache(tip string) {
	if s.cachePath == "" {
		return
	}
	digests := make([]string, 0, len(s.known))
	for d := range s.known {
		digests = append(digests, d)
	}
	sort.Strings(digests)
	data, err := json.Marshal(diskCache{Tip: tip, Digests: digests})
	if err != nil {
		return
	}
	if err := renameio.WriteFile(s.cachePath, data, 0644); err != nil {
		log.Debugf("store: writing digest cache: %v", err)
	}
}

// knownReachable reports whether digest is already known to be
// reachable from the tip, lazily consulting the loaded prefix subtree
// if the cache missed.
func (s *Store) knownReachable(digest string) (bool, error) {
	if s.known[digest] {
		return true, nil
	}
	if !s.tipOK {
		return false, nil
	}
	prefix, err := prefixOf(digest)
	if err != nil {
		return false, err
	}
	sub, ok := s.rootTree[prefix]
	if !ok {
		return false, nil
	}
	entries, err := s.gw.LsTree(sub.OID)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		s.known[e.Name] = true
	}
	return s.known[digest], nil
}

// Persist writes data as a chunk and returns its digest. hint, if
// non-empty, is the source pathname's base name, carried as a
// best-effort commit trailer -- it never affects the digest or the
// tree layout.
func (s *Store) Persist(data []byte, hint string) (digest string, err error) {
	if err := s.loadTip(); err != nil {
		return "", err
	}
	digest, err = s.gw.HashObjectWrite(data)
	if err != nil {
		return "", err
	}

	already, err := s.knownReachable(digest)
	if err != nil {
		return "", err
	}
	if already {
		return digest, nil
	}
	// a chunk written earlier *this session* collides with one written
	// again later in the same session: idempotent, no second tree
	// entry.
	if s.known[digest] {
		return digest, nil
	}

	prefix, err := prefixOf(digest)
	if err != nil {
		return "", err
	}
	s.known[digest] = true
	s.pendingByPrefix[prefix] = append(s.pendingByPrefix[prefix], gateway.TreeEntry{
		Mode: "100644", Type: "blob", OID: digest, Name: digest,
	})
	s.dirty = true
	s.addedCount++
	if hint != "" && !s.seenHints[hint] {
		s.seenHints[hint] = true
		s.pendingHints = append(s.pendingHints, hint)
	}
	return digest, nil
}

// Retrieve fetches a chunk's bytes by digest. A digest unreachable from
// the side branch yields ferrors.MissingChunk.
func (s *Store) Retrieve(digest string) ([]byte, error) {
	if err := s.loadTip(); err != nil {
		return nil, err
	}
	prefix, err := prefixOf(digest)
	if err != nil {
		return nil, err
	}
	data, err := s.gw.CatFileBlobAt(s.ref, prefix+"/"+digest)
	if err != nil {
		if _, isMissing := err.(*ferrors.MissingChunk); isMissing {
			return nil, &ferrors.MissingChunk{Digest: digest}
		}
		return nil, err
	}
	if s.transparentInflate {
		if inflated, ok := tryInflate(data); ok {
			return inflated, nil
		}
	}
	return data, nil
}

// tryInflate attempts a zlib decompression of data, used only when
// fastcdc.transparentInflate is set. It is opportunistic: a failure to
// decompress (data that was never zlib in the first place, which is the
// overwhelmingly common case) just means "use data as-is", never an
// error -- the chunk's bytes are the chunk's bytes regardless.
func tryInflate(data []byte) ([]byte, bool) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, false
	}
	defer zr.Close()
	out, err := ioutil.ReadAll(zr)
	if err != nil {
		return nil, false
	}
	return out, true
}

// Sync performs the session-end commit: it folds every pending prefix
// subtree into a new root tree, commits it with the previous tip as
// parent, and CAS-updates the ref. If nothing was added this session,
// Sync is a no-op. On a CAS failure it retries exactly once, re-reading
// the tip and re-synthesizing the tree (another appender may have moved
// the branch); a second failure is reported as ferrors.RefContention,
// which is always fatal.
func (s *Store) Sync() error {
	if !s.dirty {
		return nil
	}
	if err := s.loadTip(); err != nil {
		return err
	}
	for attempt := 0; attempt < 2; attempt++ {
		newTip, err := s.syncOnce()
		if err == nil {
			s.saveCache(newTip)
			s.dirty = false
			s.pendingByPrefix = map[string][]gateway.TreeEntry{}
			s.pendingHints = nil
			s.seenHints = map[string]bool{}
			s.addedCount = 0
			return nil
		}
		if _, isContention := err.(*refCASFailure); !isContention {
			return err
		}
		log.Debugf("store: CAS failed on attempt %d, retrying", attempt+1)
		s.tipLoaded = false
		s.rootTree = map[string]gateway.TreeEntry{}
		if err := s.loadTip(); err != nil {
			return err
		}
	}
	return &ferrors.RefContention{Ref: s.ref}
}

// refCASFailure is an internal sentinel distinguishing a CAS race
// (retryable once) from every other kind of storage failure.
type refCASFailure struct{ err error }

func (e *refCASFailure) Error() string { return e.err.Error() }

// syncOnce folds pending chunks into one new commit. Every subordinate
// plumbing call here either has already succeeded once this session
// (LsTree on a tree we ourselves built) or is expected to succeed
// absent a broken repository, so the chain uses the Ck/Return idiom
// rather than hand-rolled "if err != nil { return "", err }" at every
// step; the one call whose failure is NOT unexpected -- UpdateRefCAS
// losing its race to a concurrent appender -- is handled explicitly
// instead, since that's an ordinary control-flow outcome, not a broken
// invariant.
func (s *Store) syncOnce() (newTip string, err error) {
	defer Return(&err)
	oldOID, oldOK := s.tipOID, s.tipOK

	// merge each gained prefix's new entries with its existing subtree
	for prefix, added := range s.pendingByPrefix {
		var existing []gateway.TreeEntry
		if sub, ok := s.rootTree[prefix]; ok {
			existing, err = s.gw.LsTree(sub.OID)
			Ck(err)
		}
		merged := mergeEntries(existing, added)
		subOID, err := s.gw.MkTree(merged)
		Ck(err)
		s.rootTree[prefix] = gateway.TreeEntry{Mode: "040000", Type: "tree", OID: subOID, Name: prefix}
	}

	rootEntries := make([]gateway.TreeEntry, 0, len(s.rootTree))
	for _, e := range s.rootTree {
		rootEntries = append(rootEntries, e)
	}
	var rootOID string
	if len(rootEntries) == 0 {
		// nothing ever landed in any prefix subtree: point the branch at
		// the host's well-known empty tree instead of round-tripping
		// through mktree with zero entries.
		rootOID = gateway.EmptyTreeOID(s.objectDigestLen())
	} else {
		rootOID, err = s.gw.MkTree(rootEntries)
		Ck(err)
	}

	message := commitMessage(s.addedCount, s.pendingHints)
	var parents []string
	if oldOK {
		parents = []string{oldOID}
	}
	commitOID, err := s.gw.CommitTree(rootOID, parents, message, syncTime())
	Ck(err)

	var expectedOld string
	if oldOK {
		expectedOld = oldOID
	}
	if err := s.gw.UpdateRefCAS(s.ref, commitOID, expectedOld); err != nil {
		return "", &refCASFailure{err: err}
	}
	s.tipOID, s.tipOK = commitOID, true
	return commitOID, nil
}

// objectDigestLen guesses the repository's object id length (40 for
// SHA-1, 64 for SHA-256) from any digest already known this session,
// falling back to the SHA-1 length when nothing has been seen yet.
func (s *Store) objectDigestLen() int {
	for d := range s.known {
		return len(d)
	}
	for _, entries := range s.pendingByPrefix {
		if len(entries) > 0 {
			return len(entries[0].OID)
		}
	}
	return 40
}

func mergeEntries(existing, added []gateway.TreeEntry) []gateway.TreeEntry {
	byName := map[string]gateway.TreeEntry{}
	for _, e := range existing {
		byName[e.Name] = e
	}
	for _, e := range added {
		byName[e.Name] = e
	}
	out := make([]gateway.TreeEntry, 0, len(byName))
	for _, e := range byName {
		out = append(out, e)
	}
	return out
}

func commitMessage(added int, hints []string) string {
	msg := fmt.Sprintf("fastcdc: add %d chunks", added)
	if len(hints) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	b.WriteString("\n\n")
	for _, h := range hints {
		b.WriteString("Fastcdc-Hint: ")
		b.WriteString(h)
		b.WriteByte('\n')
	}
	return b.String()
}

// syncTime is the wall-clock time stamped on a side-branch commit. It
// is a function (not inlined time.Now()) purely so tests can't race on
// it; it carries no other meaning.
var syncTime = time.Now

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
