package store

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/t7a/git-fastcdc/chunker"
	"github.com/t7a/git-fastcdc/gateway"
)

// Rebuild re-chunks every tracked file matching patterns (no patterns
// means every tracked file) and persists their chunks into the side
// branch, for recovering from a corrupted or missing side branch
// without having to re-clone. It reads each file's raw bytes straight
// off the working tree, exactly what the clean path would have seen,
// and commits once at the end via Sync.
func Rebuild(gw *gateway.Gateway, ref string, params chunker.Params, patterns []string) error {
	st := New(gw, ref)

	root, err := gw.WorkTree()
	if err != nil {
		return err
	}
	files, err := gw.ListFiles(patterns)
	if err != nil {
		return err
	}

	for _, rel := range files {
		if err := rebuildOne(st, params, filepath.Join(root, rel), filepath.Base(rel)); err != nil {
			return err
		}
	}
	log.Debugf("store: rebuild processed %d files", len(files))
	return st.Sync()
}

func rebuildOne(st *Store, params chunker.Params, absPath, hint string) error {
	f, err := os.Open(absPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	p := params
	if p.Avg == 0 {
		min, max := p.Min, p.Max
		if min == 0 {
			min = chunker.DefaultMin
		}
		if max == 0 {
			max = chunker.DefaultMax
		}
		p.Avg = chunker.AdaptiveAvg(info.Size(), min, chunker.DefaultAvg, max)
	}
	ck, err := chunker.New(p)
	if err != nil {
		return err
	}
	ck.Start(f)
	scratch := make([]byte, ck.ScratchBufferSize())
	for {
		chunk, err := ck.Next(scratch)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if _, err := st.Persist(chunk.Data, hint); err != nil {
			return err
		}
	}
	return nil
}
