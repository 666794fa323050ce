// Command avifcheck reports conformance issues in AVIF files.
//
//	avifcheck [flags] file...
//	avifcheck -serve [-addr :8080] [-db avifcheck.db]
//
// The exit status is 2 when any file has a fatal finding and 1 when a
// file cannot be read.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/jdeng/avifcheck"
	"github.com/jdeng/avifcheck/heif/bmff"
	"github.com/jdeng/avifcheck/internal/logger"
	"github.com/jdeng/avifcheck/server"
	"github.com/jdeng/avifcheck/store"
)

const (
	exitOK    = 0
	exitIO    = 1
	exitFatal = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type result struct {
	report *avifcheck.Report
	err    error
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("avifcheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFlag := fs.String("config", "", "path to a YAML configuration file")
	verbose := fs.Bool("v", false, "debug logging")
	dump := fs.Bool("dump", false, "print the box tree of each file")
	jsonOut := fs.Bool("json", false, "print reports as JSON")
	condense := fs.Bool("condense", false, "group findings that only differ by item or track")
	jobs := fs.Int("j", runtime.NumCPU(), "files validated in parallel")
	serve := fs.Bool("serve", false, "run the HTTP validation service")
	addr := fs.String("addr", "", "service listen address, overrides the configuration")
	dbPath := fs.String("db", "", "report database path, overrides the configuration")
	nclxFlag := fs.String("nclx-default", "", "colour values `cp,tc,mc,full_range` assumed for images without an nclx colr box (default 1,13,6,1)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: avifcheck [flags] file...\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitIO
	}

	cfg := avifcheck.DefaultConfig()
	if *configFlag != "" {
		var err error
		if cfg, err = avifcheck.LoadConfig(*configFlag); err != nil {
			fmt.Fprintln(stderr, err)
			return exitIO
		}
	}
	if *nclxFlag != "" {
		n, err := avifcheck.ParseNCLX(*nclxFlag)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitIO
		}
		cfg.DefaultNCLX = &n
	}
	lvl, _ := logger.ParseLevel(cfg.LogLevel)
	if *verbose {
		lvl = logrus.DebugLevel
	}
	logger.Init(lvl)
	logrus.SetOutput(stderr)

	if *serve {
		if *addr != "" {
			cfg.Server.Addr = *addr
		}
		if *dbPath != "" {
			cfg.Server.DBPath = *dbPath
		}
		if err := runServer(cfg); err != nil {
			logger.Errorf("avifcheck", "%v", err)
			return exitIO
		}
		return exitOK
	}

	files := fs.Args()
	if len(files) == 0 {
		fs.Usage()
		return exitIO
	}
	if *jobs < 1 {
		*jobs = 1
	}

	results := validateAll(files, cfg, *jobs)

	status := exitOK
	for i, res := range results {
		if res.err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", files[i], res.err)
			status = exitIO
			continue
		}
		if *dump {
			if err := dumpTree(stdout, res.report); err != nil {
				fmt.Fprintf(stderr, "%s: %v\n", files[i], err)
			}
		}
		var err error
		if *jsonOut {
			err = res.report.WriteJSON(stdout, *condense)
		} else {
			err = res.report.WriteText(stdout, *condense)
		}
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitIO
		}
		if res.report.Fatal() && status == exitOK {
			status = exitFatal
		}
	}
	return status
}

// validateAll checks files with up to jobs running at once. Results are
// in the order of files.
func validateAll(files []string, cfg *avifcheck.Config, jobs int) []result {
	results := make([]result, len(files))
	sem := make(chan struct{}, jobs)
	var wg sync.WaitGroup
	for i, path := range files {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			entry := logrus.WithField("file", path)
			r, err := avifcheck.ValidateFile(path, avifcheck.WithConfig(cfg), avifcheck.WithLogger(entry))
			results[i] = result{report: r, err: err}
		}()
	}
	wg.Wait()
	return results
}

func dumpTree(w io.Writer, r *avifcheck.Report) error {
	if r.Tree == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "%s:\n", r.Name); err != nil {
		return err
	}
	return bmff.Fprint(w, r.Tree)
}

func runServer(cfg *avifcheck.Config) error {
	st, err := store.Open(cfg.Server.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	h := server.New(cfg, st, logrus.NewEntry(logrus.StandardLogger()))
	return server.Run(ctx, cfg.Server.Addr, h)
}
