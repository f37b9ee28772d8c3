package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/erazemk/blagajna/internal/config"
)

// levelRouter is a slog.Handler that routes DEBUG/INFO/WARN to stdout and ERROR+ to stderr.
type levelRouter struct {
	min    slog.Level
	stdout slog.Handler
	stderr slog.Handler
}

func (lr *levelRouter) Enabled(_ context.Context, level slog.Level) bool {
	return level >= lr.min
}

func (lr *levelRouter) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		return lr.stderr.Handle(ctx, r)
	}
	return lr.stdout.Handle(ctx, r)
}

func (lr *levelRouter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelRouter{
		min:    lr.min,
		stdout: lr.stdout.WithAttrs(attrs),
		stderr: lr.stderr.WithAttrs(attrs),
	}
}

func (lr *levelRouter) WithGroup(name string) slog.Handler {
	return &levelRouter{
		min:    lr.min,
		stdout: lr.stdout.WithGroup(name),
		stderr: lr.stderr.WithGroup(name),
	}
}

// setupLogger configures structured logging. INFO/WARN go to stdout, ERROR goes
// to stderr, DEBUG is added when verbose is set. If logPath is non-empty, all
// levels are also written to that file.
// Returns a cleanup function that closes the log file (if opened).
func setupLogger(logPath string, verbose bool) (func(), error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var cleanup func()

	stdoutW := io.Writer(os.Stdout)
	stderrW := io.Writer(os.Stderr)

	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		cleanup = func() { f.Close() }
		stdoutW = io.MultiWriter(os.Stdout, f)
		stderrW = io.MultiWriter(os.Stderr, f)
	}

	handler := &levelRouter{
		min:    level,
		stdout: slog.NewTextHandler(stdoutW, opts),
		stderr: slog.NewTextHandler(stderrW, opts),
	}
	slog.SetDefault(slog.New(handler))
	return cleanup, nil
}

const usage = `Usage: blagajna [serve|sync|rotate-key] [flags]

Commands:
  serve        run the till agent and its local API (default)
  sync         run one reconciliation pass and exit
  rotate-key   replace the local API key and print the new one

Flags:
  -c, -config <path>         YAML config file (default: blagajna.yaml if present)
  -env <path>                .env file (default: .env if present)
  -d, -db <path>             SQLite database path (default: blagajna.sqlite3)
  -a, -addr <host:port>      local API listen address (default: 127.0.0.1:8765)
  -s, -server <url>          back office base URL (required)
  -health-path <path>        liveness endpoint on the server (default: /health)
  -t, -token <token>         static server credential for headless runs
  -origin <url>              origin allowed to call the local API
  -l, -log <path>            log file path (default: no file, stdout/stderr only)
  -v, -verbose               enable debug logging
  -probe-interval <dur>      connectivity probe interval (default: 30s)
  -probe-timeout <dur>       connectivity probe timeout (default: 5s)
  -request-timeout <dur>     server request timeout (default: 10s)
  -slow-threshold <dur>      probe latency above which the link is slow (default: 1.5s)
  -sync-interval <dur>       periodic reconciliation interval (default: 5m)
  -backoff-base <dur>        first retry delay for failed sales (default: 30s)
  -backoff-max <dur>         retry delay cap (default: 30m)
  -stale-after <dur>         age after which a SYNCING sale is recovered (default: 10m)
  -credential-timeout <dur>  wait for the till session to supply a credential (default: 5s)
  -h, -help                  show this help and exit

Every flag can also be set as BLAGAJNA_<NAME> in the environment, for
example BLAGAJNA_SERVER or BLAGAJNA_SYNC_INTERVAL.
`

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var run func(context.Context, *agent) error
	switch cmd {
	case "serve":
		run = serve
	case "sync":
		run = syncOnce
	case "rotate-key":
		run = rotateKey
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n%s", cmd, usage)
		os.Exit(1)
	}

	os.Exit(execute(cmd, args, run))
}

// execute parses the configuration, sets up logging and the store, and runs
// the command. It returns the process exit code.
func execute(cmd string, args []string, run func(context.Context, *agent) error) int {
	fs := flag.NewFlagSet("blagajna "+cmd, flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(os.Stdout, usage) }

	cfg, err := config.Load(fs, args, os.Getenv)
	if err == nil && cmd != "rotate-key" {
		err = cfg.Validate()
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected argument: %s\n", fs.Arg(0))
		fs.Usage()
		return 1
	}

	closeLog, err := setupLogger(cfg.LogPath, cfg.Verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if closeLog != nil {
		defer closeLog()
	}

	a, err := newAgent(cfg, cmd == "serve")
	if err != nil {
		slog.Error("failed to start", "error", err)
		return 1
	}
	defer a.close()

	ctx, stop := signalContext()
	defer stop()

	if err := run(ctx, a); err != nil {
		slog.Error(cmd+" failed", "error", err)
		return 1
	}
	return 0
}
