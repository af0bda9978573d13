package chunker

import (
	"bytes"
	"io"
	"math/rand"
	"testing"
)

func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper()
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func randBytes(t *testing.T, n int, seed int64) []byte {
	t.Helper()
	buf := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(buf)
	return buf
}

func TestSplitReassemblesExactly(t *testing.T) {
	data := randBytes(t, 256*1024, 1)
	chunks, err := Split(Params{}, bytes.NewReader(data))
	tassert(t, err == nil, "split: %v", err)
	tassert(t, len(chunks) >= 1, "expected at least one chunk")

	var out []byte
	for _, c := range chunks {
		out = append(out, c.Data...)
	}
	tassert(t, bytes.Equal(out, data), "reassembled data mismatch")
}

func TestChunkBounds(t *testing.T) {
	data := randBytes(t, 2*1024*1024, 2)
	p := Params{Min: DefaultMin, Avg: DefaultAvg, Max: DefaultMax}
	chunks, err := Split(p, bytes.NewReader(data))
	tassert(t, err == nil, "split: %v", err)
	for i, c := range chunks {
		tassert(t, c.Length <= p.Max, "chunk %d length %d exceeds max %d", i, c.Length, p.Max)
		if i != len(chunks)-1 {
			tassert(t, c.Length >= p.Min, "non-final chunk %d length %d below min %d", i, c.Length, p.Min)
		}
	}
}

func TestDeterministicAcrossInMemoryAndStreamedReads(t *testing.T) {
	data := randBytes(t, 512*1024, 3)
	p := Params{Min: DefaultMin, Avg: DefaultAvg, Max: DefaultMax}

	whole, err := Split(p, bytes.NewReader(data))
	tassert(t, err == nil, "whole split: %v", err)

	// simulate the on-disk path reading through a small bounded window
	// by wrapping the reader so Read never returns more than 4KiB at a
	// time; boundaries must not depend on read-call granularity.
	streamed, err := Split(p, &throttledReader{r: bytes.NewReader(data), max: 4096})
	tassert(t, err == nil, "streamed split: %v", err)

	tassert(t, len(whole) == len(streamed), "chunk count differs: %d vs %d", len(whole), len(streamed))
	for i := range whole {
		tassert(t, bytes.Equal(whole[i].Data, streamed[i].Data), "chunk %d differs between modes", i)
	}
}

func TestDedupAcrossSharedRegion(t *testing.T) {
	common1 := randBytes(t, 1024*1024, 10)
	common2 := randBytes(t, 1024*1024, 11)
	middle1 := randBytes(t, 4096, 12)
	middle2 := randBytes(t, 4096, 13)

	b1 := append(append(append([]byte{}, common1...), middle1...), common2...)
	b2 := append(append(append([]byte{}, common1...), middle2...), common2...)

	p := Params{Min: DefaultMin, Avg: DefaultAvg, Max: DefaultMax}
	c1, err := Split(p, bytes.NewReader(b1))
	tassert(t, err == nil, "split b1: %v", err)
	c2, err := Split(p, bytes.NewReader(b2))
	tassert(t, err == nil, "split b2: %v", err)

	seen := map[string]bool{}
	for _, c := range c1 {
		seen[string(c.Data)] = true
	}
	shared := false
	for _, c := range c2 {
		if seen[string(c.Data)] {
			shared = true
			break
		}
	}
	tassert(t, shared, "expected at least one shared chunk across revisions")
}

func TestParamValidation(t *testing.T) {
	_, err := New(Params{Min: 100, Avg: 50, Max: 200})
	tassert(t, err != nil, "expected error for avg < min")
}

func TestAdaptiveAvgFloor(t *testing.T) {
	got := AdaptiveAvg(0, DefaultMin, DefaultAvg, DefaultMax)
	tassert(t, got == DefaultMin, "zero-size should floor at min, got %d", got)
}

func TestAdaptiveAvgScalesWithSize(t *testing.T) {
	small := AdaptiveAvg(1024, DefaultMin, DefaultAvg, DefaultMax)
	large := AdaptiveAvg(64*1024*1024, DefaultMin, DefaultAvg, DefaultMax)
	tassert(t, large >= small, "larger input should not yield a smaller average: %d vs %d", small, large)
	tassert(t, large <= DefaultMax, "adaptive avg exceeded max: %d", large)
}

type throttledReader struct {
	r   io.Reader
	max int
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if len(p) > t.max {
		p = p[:t.max]
	}
	return t.r.Read(p)
}
