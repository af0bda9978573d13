package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/docopt/docopt-go"

	"github.com/t7a/git-fastcdc/blobbuffer"
	"github.com/t7a/git-fastcdc/chunker"
	"github.com/t7a/git-fastcdc/driver"
	"github.com/t7a/git-fastcdc/gateway"
	"github.com/t7a/git-fastcdc/logging"
	"github.com/t7a/git-fastcdc/store"
)

const version = "0.1.0"

// Opts binds docopt's parsed arguments. The filter driver proper takes
// no arguments at all -- the host invokes it bare -- so the usage lines
// are the symmetric `serve` spelling a user's .git/config
// filter.fastcdc.process line can name explicitly, --rebuild for
// disaster recovery, and --version for diagnosing which build is
// installed.
type Opts struct {
	Serve   bool
	Rebuild bool     `docopt:"--rebuild"`
	Pattern []string `docopt:"<pattern>"`
	Version bool     `docopt:"--version"`
}

func main() {
	os.Exit(run())
}

func run() (rc int) {
	usage := `git-fastcdc

Usage:
  git-fastcdc [serve]
  git-fastcdc --rebuild [<pattern>...]
  git-fastcdc --version

Options:
  -h --help     Show this screen.
  --rebuild     Re-chunk tracked files matching <pattern> (default: all
                tracked files) and fold their chunks into the side
                branch. For recovering a corrupted or missing side
                branch without a re-clone.
  --version     Show version.
`
	parser := &docopt.Parser{OptionsFirst: false}
	o, err := parser.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 22
	}
	var opts Opts
	if err := o.Bind(&opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 22
	}
	if opts.Version {
		fmt.Println("git-fastcdc " + version)
		return 0
	}

	logging.Init()
	if opts.Rebuild {
		return rebuild(opts.Pattern)
	}
	return serve()
}

// rebuild recovers a corrupted or missing side branch by re-chunking
// every tracked file matching patterns (or every tracked file, with no
// patterns) straight off the working tree.
func rebuild(patterns []string) int {
	gw, err := gateway.New()
	if err != nil {
		log.Errorf("git-fastcdc: opening repository: %v", err)
		return 1
	}
	defer gw.Close()

	cfg, err := gw.LoadConfig()
	if err != nil {
		log.Errorf("git-fastcdc: reading fastcdc.* config: %v", err)
		return 1
	}
	params := chunker.Params{Min: cfg.Min, Avg: cfg.Avg, Max: cfg.Max}

	if err := store.Rebuild(gw, store.DefaultRef, params, patterns); err != nil {
		log.Errorf("git-fastcdc: rebuild: %v", err)
		return 1
	}
	return 0
}

// serve wires together the gateway, the chunk store, and the filter
// driver, and runs the session to completion over os.Stdin/os.Stdout.
// A SIGTERM/SIGINT during the session makes serve return 1 without
// attempting the final commit, so a killed process never half-writes
// the side branch. The in-flight request's temp blob file is not
// removed in that case: the driver goroutine's deferred buf.Close()
// does not run before the process exits.
func serve() int {
	gw, err := gateway.New()
	if err != nil {
		log.Errorf("git-fastcdc: opening repository: %v", err)
		return 1
	}
	defer gw.Close()

	cfg, err := gw.LoadConfig()
	if err != nil {
		log.Errorf("git-fastcdc: reading fastcdc.* config: %v", err)
		return 1
	}

	params := chunker.Params{Min: cfg.Min, Avg: cfg.Avg, Max: cfg.Max}
	st := store.New(gw, store.DefaultRef)
	st.SetTransparentInflate(cfg.TransparentInflate)

	memBuf := func() (blobbuffer.Buffer, error) { return blobbuffer.NewMemory(), nil }
	diskBuf := func() (blobbuffer.Buffer, error) { return blobbuffer.NewDisk(gw.GitDir()) }
	factory := memBuf
	if cfg.OnDisk {
		factory = diskBuf
	}

	d, err := driver.New(os.Stdin, os.Stdout, st, params, factory)
	if err != nil {
		log.Errorf("git-fastcdc: %v", err)
		return 1
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run() }()

	select {
	case err := <-runDone:
		if err != nil {
			log.Errorf("git-fastcdc: session ended with error: %v", err)
			return 1
		}
		return 0
	case s := <-sig:
		log.Warnf("git-fastcdc: received %v, exiting without final commit", s)
		return 1
	}
}
