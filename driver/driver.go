// Package driver implements the filter protocol state machine. A
// Driver owns one long-lived session over the host's stdin/stdout pipe
// pair and serves every clean/smudge request the host sends before it
// closes its write end, at which point the driver performs a single
// deferred side-branch commit and returns.
//
// The request loop follows an accept-dispatch-reply shape: read a
// framed request, dispatch to a handler, write a framed reply, never
// let one failed request take down the loop.
package driver

import (
	"io"
	"path"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/t7a/git-fastcdc/blobbuffer"
	"github.com/t7a/git-fastcdc/chunker"
	"github.com/t7a/git-fastcdc/ferrors"
	"github.com/t7a/git-fastcdc/pktline"
)

// clientID and serverID are the exact handshake literals the
// long-running filter protocol requires.
const (
	clientID      = "git-filter-client"
	serverID      = "git-filter-server"
	protoVersion  = "version=2"
	capClean      = "capability=clean"
	capSmudge     = "capability=smudge"
	capDelay      = "capability=delay"
	statusSuccess = "status=success"
	statusError   = "status=error"
)

// Store is the subset of store.Store the driver needs, expressed as an
// interface so tests can substitute a fake without spawning git.
type Store interface {
	Persist(data []byte, hint string) (digest string, err error)
	Retrieve(digest string) ([]byte, error)
	Sync() error
}

// BufferFactory produces a fresh blobbuffer.Buffer for one request. The
// CLI entrypoint supplies blobbuffer.NewMemory or a closure over
// blobbuffer.NewDisk(gitDir) depending on the fastcdc.ondisk config;
// tests can supply either directly.
type BufferFactory func() (blobbuffer.Buffer, error)

// Driver runs one filter-protocol session over r/w, persisting chunks
// into store and splitting with params.
type Driver struct {
	r   *pktline.Reader
	w   *pktline.Writer
	st  Store
	buf BufferFactory

	params    chunker.Params
	avgPinned bool             // true when the caller (config fastcdc.avg) fixed Avg explicitly
	ck        *chunker.Chunker // cached chunker, reused across requests when avgPinned

	requestCount int
}

// New constructs a Driver. params.Min and params.Max, once defaulted,
// are fixed for the session; params.Avg of zero means "not pinned by
// config", in which case each clean computes a size-adaptive average via
// chunker.AdaptiveAvg instead of reusing one fixed average for every
// file size.
func New(r io.Reader, w io.Writer, st Store, params chunker.Params, buf BufferFactory) (*Driver, error) {
	avgPinned := params.Avg != 0
	// validate once up front with a provisional Avg so a bad Min/Max
	// combination fails fast at startup rather than on the first clean.
	probe := params
	if probe.Avg == 0 {
		probe.Avg = chunker.DefaultAvg
	}
	if _, err := chunker.New(probe); err != nil {
		return nil, err
	}
	d := &Driver{
		r:         pktline.NewReader(r),
		w:         pktline.NewWriter(w),
		st:        st,
		buf:       buf,
		params:    params,
		avgPinned: avgPinned,
	}
	if avgPinned {
		ck, err := chunker.New(params)
		if err != nil {
			return nil, err
		}
		d.ck = ck
	}
	return d, nil
}

// chunkerFor returns the chunker to use for a clean of a blob of size
// sizeHint bytes: the cached, pinned chunker if fastcdc.avg was set, or a
// freshly sized one otherwise.
func (d *Driver) chunkerFor(sizeHint int64) (*chunker.Chunker, error) {
	if d.avgPinned {
		return d.ck, nil
	}
	p := d.params
	min, max := p.Min, p.Max
	if min == 0 {
		min = chunker.DefaultMin
	}
	if max == 0 {
		max = chunker.DefaultMax
	}
	p.Avg = chunker.AdaptiveAvg(sizeHint, min, chunker.DefaultAvg, max)
	return chunker.New(p)
}

// Run drives the full session: handshake, then requests until the host
// closes its write end, then the final commit. A non-nil error is always
// fatal -- the driver never hides a fatal error (including a failed
// final commit) behind a successful per-request reply, so the CLI must
// map a non-nil Run error to a non-zero exit code.
func (d *Driver) Run() error {
	if err := d.handshake(); err != nil {
		return err
	}
	for {
		err := d.serveOne()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if err := d.st.Sync(); err != nil {
		return err
	}
	return nil
}

// handshake negotiates protocol version and capabilities with the host.
func (d *Driver) handshake() error {
	if err := d.expectLine(clientID + "\n"); err != nil {
		return err
	}
	if err := d.expectLine(protoVersion + "\n"); err != nil {
		return err
	}
	if err := d.expectFlush(); err != nil {
		return err
	}

	if err := d.w.WritePayloadString(serverID + "\n"); err != nil {
		return protoIOErr(err)
	}
	if err := d.w.WritePayloadString(protoVersion + "\n"); err != nil {
		return protoIOErr(err)
	}
	if err := d.w.WriteFlush(); err != nil {
		return protoIOErr(err)
	}

	caps, err := d.readKeyValuesUntilFlush()
	if err != nil {
		return err
	}
	var supported []string
	if caps[capClean] {
		supported = append(supported, capClean)
	}
	if caps[capSmudge] {
		supported = append(supported, capSmudge)
	}
	// delay is never advertised back: this driver never defers a reply.
	for _, c := range supported {
		if err := d.w.WritePayloadString(c + "\n"); err != nil {
			return protoIOErr(err)
		}
	}
	if err := d.w.WriteFlush(); err != nil {
		return protoIOErr(err)
	}
	log.Debugf("driver: handshake complete, capabilities=%v", supported)
	return nil
}

func (d *Driver) expectLine(want string) error {
	p, err := d.r.ReadPacket()
	if err != nil {
		return protoIOErr(err)
	}
	if p.Kind != pktline.KindPayload || string(p.Payload) != want {
		return &ferrors.ProtocolError{Msg: "expected " + quote(want) + " during handshake"}
	}
	return nil
}

func (d *Driver) expectFlush() error {
	p, err := d.r.ReadPacket()
	if err != nil {
		return protoIOErr(err)
	}
	if p.Kind != pktline.KindFlush {
		return &ferrors.ProtocolError{Msg: "expected flush during handshake"}
	}
	return nil
}

// readKeyValuesUntilFlush reads packets until a flush, returning the set
// of distinct payload lines seen (used for both the capability
// announcement and a request's header block; unrecognized keys are
// simply never consulted).
func (d *Driver) readKeyValuesUntilFlush() (map[string]bool, error) {
	out := map[string]bool{}
	for {
		p, err := d.r.ReadPacket()
		if err != nil {
			return nil, protoIOErr(err)
		}
		if p.Kind == pktline.KindFlush {
			return out, nil
		}
		if p.Kind != pktline.KindPayload {
			return nil, &ferrors.ProtocolError{Msg: "unexpected delim packet"}
		}
		out[trimLF(string(p.Payload))] = true
	}
}

// serveOne serves a single clean/smudge request. It returns io.EOF when
// the host has no more requests and has closed its write end, which is
// the normal, expected end of session.
func (d *Driver) serveOne() error {
	headerPkt, err := d.r.ReadPacket()
	if err == io.EOF {
		return io.EOF
	}
	if err != nil {
		return protoIOErr(err)
	}
	if headerPkt.Kind == pktline.KindFlush {
		// a lone flush with nothing else is not part of the documented
		// protocol but is harmless to ignore; treat as no request yet.
		return nil
	}
	if headerPkt.Kind != pktline.KindPayload {
		return &ferrors.ProtocolError{Msg: "unexpected delim packet starting a request"}
	}

	headers := map[string]bool{trimLF(string(headerPkt.Payload)): true}
	rest, err := d.readKeyValuesUntilFlush()
	if err != nil {
		return err
	}
	for k := range rest {
		headers[k] = true
	}

	command, pathname := parseRequestHeaders(headers)
	if command == "" {
		return &ferrors.ProtocolError{Msg: "request missing command= header"}
	}
	d.requestCount++
	log.Debugf("driver: request #%d command=%s pathname=%q", d.requestCount, command, pathname)

	buf, err := d.buf()
	if err != nil {
		return err
	}
	defer buf.Close()

	if err := d.readPayloadInto(buf); err != nil {
		return err
	}

	var result []byte
	var reqErr error
	switch command {
	case "clean":
		result, reqErr = d.handleClean(buf, pathname)
	case "smudge":
		result, reqErr = d.handleSmudge(buf)
	default:
		reqErr = &ferrors.ProtocolError{Msg: "unsupported command " + quote(command)}
	}

	if reqErr != nil {
		if ferrors.Fatal(reqErr) {
			return reqErr
		}
		log.Warnf("driver: request #%d failed: %v", d.requestCount, reqErr)
		return d.replyError()
	}
	return d.replySuccess(result)
}

func parseRequestHeaders(headers map[string]bool) (command, pathname string) {
	for h := range headers {
		k, v, ok := cutKV(h)
		if !ok {
			continue
		}
		switch k {
		case "command":
			command = v
		case "pathname":
			pathname = v
		}
	}
	return
}

func cutKV(s string) (key, value string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

// readPayloadInto reads payload packets until flush, appending each to
// buf.
func (d *Driver) readPayloadInto(buf blobbuffer.Buffer) error {
	for {
		p, err := d.r.ReadPacket()
		if err != nil {
			return protoIOErr(err)
		}
		if p.Kind == pktline.KindFlush {
			return nil
		}
		if p.Kind != pktline.KindPayload {
			return &ferrors.ProtocolError{Msg: "unexpected delim packet in request payload"}
		}
		if err := buf.Append(p.Payload); err != nil {
			return err
		}
	}
}

// handleClean runs the chunker over buf, persists each chunk, and
// returns the manifest text.
func (d *Driver) handleClean(buf blobbuffer.Buffer, pathname string) ([]byte, error) {
	rd, err := buf.Reader()
	if err != nil {
		return nil, err
	}
	hint := baseHint(pathname)

	ck, err := d.chunkerFor(buf.Len())
	if err != nil {
		return nil, err
	}
	ck.Start(rd)
	scratch := make([]byte, ck.ScratchBufferSize())
	// seen de-dups byte-identical chunks within this one clean (e.g. the
	// zeroed runs common in disk images) by a fast BLAKE3 digest before
	// ever calling the store, so a repeated chunk costs one hash instead
	// of a second hash-object round-trip; the manifest always carries
	// the store's own digest, never the BLAKE3 one, since BLAKE3 here is
	// purely a within-request cache key, not part of the wire contract.
	seen := map[[32]byte]string{}
	hasher := blake3.New()
	var digests []string
	for {
		chunk, err := ck.Next(scratch)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ferrors.IOError{Op: "chunk " + pathname, Err: err}
		}
		hasher.Reset()
		hasher.Write(chunk.Data)
		var key [32]byte
		copy(key[:], hasher.Sum(nil))

		digest, ok := seen[key]
		if !ok {
			digest, err = d.st.Persist(chunk.Data, hint)
			if err != nil {
				return nil, err
			}
			seen[key] = digest
		}
		digests = append(digests, digest)
	}
	log.Debugf("driver: clean %q -> %d chunks", pathname, len(digests))
	return buildManifest(digests), nil
}

// handleSmudge parses buf as a manifest and concatenates the retrieved
// chunks.
func (d *Driver) handleSmudge(buf blobbuffer.Buffer) ([]byte, error) {
	data, err := buf.ReadAll()
	if err != nil {
		return nil, err
	}
	digests, err := parseManifest(data)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, digest := range digests {
		chunk, err := d.st.Retrieve(digest)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// replySuccess writes the success status and payload: status line,
// flush, payload packets, flush, flush.
func (d *Driver) replySuccess(result []byte) error {
	if err := d.w.WritePayloadString(statusSuccess + "\n"); err != nil {
		return protoIOErr(err)
	}
	if err := d.w.WriteFlush(); err != nil {
		return protoIOErr(err)
	}
	if err := d.w.WritePayload(result); err != nil {
		return protoIOErr(err)
	}
	if err := d.w.WriteFlush(); err != nil {
		return protoIOErr(err)
	}
	if err := d.w.WriteFlush(); err != nil {
		return protoIOErr(err)
	}
	return nil
}

// replyError writes the error status: status line, flush, flush, with
// no payload. The session is not terminated.
func (d *Driver) replyError() error {
	if err := d.w.WritePayloadString(statusError + "\n"); err != nil {
		return protoIOErr(err)
	}
	if err := d.w.WriteFlush(); err != nil {
		return protoIOErr(err)
	}
	if err := d.w.WriteFlush(); err != nil {
		return protoIOErr(err)
	}
	return nil
}

func baseHint(pathname string) string {
	if pathname == "" {
		return ""
	}
	return path.Base(pathname)
}

func trimLF(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\n' {
		return s[:len(s)-1]
	}
	return s
}

func protoIOErr(err error) error {
	if err == io.EOF {
		return io.EOF
	}
	return &ferrors.IOError{Op: "pkt-line read/write", Err: err}
}
