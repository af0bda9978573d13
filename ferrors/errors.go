// Package ferrors defines the typed error kinds that the filter driver
// and its collaborators use to decide whether a failure is fatal to the
// session or can be answered with a per-request status=error reply.
package ferrors

import "fmt"

// ProtocolError means the host sent malformed pkt-line framing, an
// unexpected packet for the current state, or an unsupported protocol
// version. Always fatal.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol error: %s", e.Msg) }

// MissingChunk means a smudge referenced a digest that is not reachable
// from the side branch. Answered per-request, never fatal.
type MissingChunk struct {
	Digest string
}

func (e *MissingChunk) Error() string { return fmt.Sprintf("missing chunk: %s", e.Digest) }

// InvalidManifest means a smudge's input did not begin with the fastcdc
// magic line, or contained a malformed digest line. Answered per-request.
type InvalidManifest struct {
	Reason string
}

func (e *InvalidManifest) Error() string { return fmt.Sprintf("invalid manifest: %s", e.Reason) }

// StorageError wraps a failure from the host VCS plumbing. Per-request if
// it happened while localized to one clean/smudge; fatal if it happened
// during the final side-branch commit.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// RefContention means the compare-and-swap on the side branch failed
// after one retry. Always fatal.
type RefContention struct {
	Ref string
}

func (e *RefContention) Error() string {
	return fmt.Sprintf("ref contention updating %s: still racing after retry", e.Ref)
}

// IOError wraps a temp-file or pipe failure. Always fatal.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("io error during %s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// Fatal reports whether err must terminate the driver session rather
// than be answered with a per-request status=error reply.
func Fatal(err error) bool {
	switch err.(type) {
	case *ProtocolError, *RefContention, *IOError:
		return true
	case *MissingChunk, *InvalidManifest:
		return false
	case *StorageError:
		// A StorageError from the final commit is fatal without passing
		// through here: Driver.Run returns any store.Sync error as the
		// session's error. One surfacing from a per-request op is not.
		return false
	default:
		return false
	}
}
