// capturectl converts a single capture file and shows what the daemon would
// take from it: the API requests with their headers and the token that would
// be adopted.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/dgnsrekt/chapoco/internal/capture"
	"github.com/dgnsrekt/chapoco/internal/credential"
	"github.com/dgnsrekt/chapoco/internal/har"
	"github.com/spf13/pflag"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var (
		dumpHAR     bool
		binary      string
		initialWait time.Duration
		idleWait    time.Duration
		tokenHeader string
		origin      string
	)

	flagSet := pflag.NewFlagSet("capturectl", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.BoolVar(&dumpHAR, "har", false, "print the converted HAR document instead of the request summary")
	flagSet.StringVar(&binary, "converter", capture.DefaultBinary, "mitmdump binary used for capture files")
	flagSet.DurationVar(&initialWait, "initial-wait", capture.DefaultInitialWait, "time allowed before the converter's first output")
	flagSet.DurationVar(&idleWait, "idle-wait", capture.DefaultIdleWait, "converter output silence treated as done")
	flagSet.StringVar(&tokenHeader, "token-header", credential.DefaultTokenHeader, "header carrying the session token")
	flagSet.StringVar(&origin, "origin", credential.DefaultOriginPattern, "regular expression matching API request URLs")
	flagSet.Usage = func() {
		fmt.Fprintln(stderr, "usage: capturectl [flags] <capture-or-har-file>")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		flagSet.Usage()
		return fmt.Errorf("expected exactly one file, got %d", flagSet.NArg())
	}
	originRe, err := regexp.Compile(origin)
	if err != nil {
		return fmt.Errorf("invalid --origin: %w", err)
	}

	converter := capture.NewConverter(capture.ConverterConfig{
		Binary:      binary,
		InitialWait: initialWait,
		IdleWait:    idleWait,
	})
	log, err := converter.ConvertFile(ctx, flagSet.Arg(0))
	if err != nil {
		return err
	}

	if dumpHAR {
		data, err := har.Marshal(log)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "%s\n", data)
		return err
	}

	return printSummary(stdout, log, tokenHeader, originRe)
}

func printSummary(w io.Writer, log *har.Log, tokenHeader string, origin *regexp.Regexp) error {
	matched := 0
	for _, e := range log.Entries {
		if !origin.MatchString(e.Request.URL) {
			continue
		}
		matched++
		fmt.Fprintf(w, "%s %s\n", e.Request.Method, e.Request.URL)
		for _, h := range e.Request.Headers {
			fmt.Fprintf(w, "%s: %s\n", h.Name, h.Value)
		}
		fmt.Fprintln(w)
	}

	store := credential.NewStore(tokenHeader, origin)
	if !store.UpdateFromLog(log) {
		_, err := fmt.Fprintf(w, "%d of %d requests matched; no token would be adopted\n", matched, len(log.Entries))
		return err
	}
	token, _ := store.CurrentToken()
	_, err := fmt.Fprintf(w, "%d of %d requests matched; token: %s\n", matched, len(log.Entries), token)
	return err
}
