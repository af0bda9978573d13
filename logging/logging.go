// Package logging centralizes the logrus setup shared by the driver and
// the CLI, so every entrypoint configures output the same way instead
// of duplicating the setup.
package logging

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Init configures the package-level logrus logger: debug level when
// GIT_FASTCDC_DEBUG=1 is set, caller-annotated text output with a
// goroutine id, and a timestamp precise enough to interleave with
// subprocess log lines during troubleshooting. Diagnostics always go to
// stderr; stdin/stdout are reserved for the pkt-line wire protocol.
func Init() {
	if os.Getenv("GIT_FASTCDC_DEBUG") == "1" {
		log.SetLevel(log.DebugLevel)
	}
	log.SetReportCaller(true)
	formatter := &log.TextFormatter{
		CallerPrettyfier: caller(),
		FieldMap: log.FieldMap{
			log.FieldKeyFile: "caller",
		},
	}
	formatter.TimestampFormat = "15:04:05.999999999"
	log.SetFormatter(formatter)
}

// caller formats a logrus caller frame as path:line plus a goroutine id.
func caller() func(*runtime.Frame) (function string, file string) {
	return func(f *runtime.Frame) (function string, file string) {
		wd, _ := os.Getwd()
		return "", fmt.Sprintf("%s:%d gid %d", strings.TrimPrefix(f.File, wd), f.Line, GID())
	}
}

// GID returns the calling goroutine's id, for correlating log lines
// during request interleaving diagnostics. Not a stable or documented Go
// feature; used only for human-facing log output.
func GID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	const prefix = "goroutine "
	if strings.HasPrefix(string(b), prefix) {
		b = b[len(prefix):]
	}
	if i := strings.IndexByte(string(b), ' '); i >= 0 {
		b = b[:i]
	}
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}
