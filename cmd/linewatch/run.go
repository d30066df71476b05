package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/tinytelemetry/linewatch/internal/duckdb"
	"github.com/tinytelemetry/linewatch/internal/httpserver"
	"github.com/tinytelemetry/linewatch/internal/linedispatch"
	"github.com/tinytelemetry/linewatch/internal/logparse"
	"github.com/tinytelemetry/linewatch/internal/monitor"
	"github.com/tinytelemetry/linewatch/internal/observers"
	"github.com/tinytelemetry/linewatch/internal/supervisor"
	"golang.org/x/sync/errgroup"
)

var errNoInput = errors.New("no command given and stdin is a terminal")

// run wires inputs, observers, capture and the API, then blocks until the
// primary input ends or a signal arrives. It returns the exit code.
func run(cfg appConfig, command []string) (int, error) {
	cleanupLogger := configureRuntimeLogger(cfg.LogFile)
	defer cleanupLogger()
	logger := log.Default()

	mon := monitor.New(cfg.TailSize)

	var store *duckdb.Store
	var insertBuffer *duckdb.InsertBuffer
	if cfg.CaptureEnabled {
		var err error
		store, err = duckdb.NewStore(cfg.DBPath, cfg.QueryTimeout)
		if err != nil {
			return 1, fmt.Errorf("failed to initialize DuckDB: %w", err)
		}
		defer store.Close()

		insertBuffer = duckdb.NewInsertBuffer(store, duckdb.InsertBufferConfig{
			BatchSize:      cfg.InsertBatchSize,
			FlushInterval:  cfg.InsertFlushInterval,
			FlushQueueSize: cfg.InsertFlushQueue,
		})
		// Runs before store.Close so pending lines are flushed.
		defer insertBuffer.Stop()

		if cleaner := duckdb.NewRetentionCleaner(store, duckdb.RetentionConfig{MaxAge: cfg.CaptureRetention}); cleaner != nil {
			defer cleaner.Stop()
		}
	}

	if cfg.APIEnabled {
		var qs httpserver.QueryStore
		if store != nil {
			qs = store
		}
		apiServer := httpserver.NewServer(cfg.APIAddr, mon, qs)
		if err := apiServer.Start(); err != nil {
			return 1, fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
	}

	env := inputEnv{
		observers:   newObserverFactory(cfg, mon, insertBuffer),
		monitor:     mon,
		maxLineSize: cfg.MaxLineSize,
		logger:      logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	plugins := buildInputPlugins(InputPluginConfig{
		Command:      command,
		Dir:          cfg.Dir,
		Env:          cfg.Env,
		ReadyPattern: cfg.ReadyPattern,
		TCPEnabled:   cfg.TCPEnabled,
		TCPAddr:      cfg.TCPAddr,
	})

	var primary runningInput
	var inputs []runningInput
	for i, plugin := range plugins {
		if !plugin.Enabled() {
			continue
		}
		in, err := plugin.Start(ctx, env)
		if err != nil {
			if i == 0 {
				return 1, fmt.Errorf("start %s input: %w", plugin.Name(), err)
			}
			log.Printf("Error initializing input plugin %q: %v", plugin.Name(), err)
			continue
		}
		if i == 0 {
			primary = in
		}
		inputs = append(inputs, in)
	}
	defer stopInputs(inputs, cfg.StopTimeout)

	if primary == nil && !cfg.TCPEnabled {
		return 1, errNoInput
	}

	printStartupBanner(cfg, command, store != nil)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	proc, isProcess := primary.(processInput)

	// Use errgroup for concurrent goroutine lifecycle management.
	g, gctx := errgroup.WithContext(ctx)

	if isProcess {
		g.Go(func() error { return awaitReady(gctx, proc, mon, cfg.ReadyTimeout) })
	} else {
		mon.SetReady(true)
	}

	g.Go(func() error {
		var done <-chan struct{}
		if primary != nil {
			done = primary.Done()
		}
		signals := 0
		for {
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return nil
			case sig := <-sigCh:
				signals++
				if !isProcess {
					log.Printf("linewatch: received %s, stopping", sig)
					cancel()
					return nil
				}
				if signals > 1 {
					fmt.Fprintln(os.Stderr, "\nForce shutdown.")
					stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Millisecond)
					_ = proc.Stop(stopCtx)
					stopCancel()
					continue
				}
				log.Printf("linewatch: forwarding %s to pid %d", sig, proc.Pid())
				if err := proc.Signal(sig); err != nil && !errors.Is(err, supervisor.ErrExited) {
					log.Printf("linewatch: forward %s: %v", sig, err)
				}
			}
		}
	})

	groupErr := g.Wait()

	if !isProcess {
		return 0, groupErr
	}
	if groupErr != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.StopTimeout)
		_ = proc.Stop(stopCtx)
		stopCancel()
	}
	status, err := proc.Wait()
	for stream, res := range proc.Results() {
		if !res.Clean() {
			log.Printf("linewatch: %s ended with %s: %v", stream, res.Outcome, res.Err)
		}
	}
	if groupErr != nil {
		return 1, groupErr
	}
	if err != nil {
		return 1, err
	}
	return status.ShellCode(), nil
}

// awaitReady marks the monitor ready once the process prints its ready line.
// A process that exits first is not an error; its exit code is reported.
func awaitReady(ctx context.Context, proc processInput, mon *monitor.Monitor, timeout time.Duration) error {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	line, err := proc.WaitReady(waitCtx)
	switch {
	case err == nil:
		mon.SetReady(true)
		if line != "" {
			fmt.Fprintf(os.Stderr, "linewatch: ready: %s\n", line)
		}
		return nil
	case errors.Is(err, supervisor.ErrExited), ctx.Err() != nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("process not ready after %s", timeout)
	default:
		return err
	}
}

// newObserverFactory builds the per-stream observer set.
func newObserverFactory(cfg appConfig, mon *monitor.Monitor, insertBuffer *duckdb.InsertBuffer) observerFactory {
	stdout := observers.NewWriter(os.Stdout, "")
	stderr := observers.NewWriter(os.Stderr, "")

	return func(stream string) []linedispatch.Observer {
		fallback := logparse.Info
		if stream == supervisor.StreamStderr {
			fallback = logparse.Normalize(cfg.StderrSeverity)
		}

		obs := mon.Observers(stream, fallback)
		if cfg.Echo {
			switch stream {
			case supervisor.StreamStdout, "stdin":
				obs = append(obs, stdout)
			case supervisor.StreamStderr:
				obs = append(obs, stderr)
			default:
				obs = append(obs, stdout.WithPrefix("["+stream+"] "))
			}
		}
		if cfg.LogLines {
			obs = append(obs, observers.NewLogger(stream, nil, observers.LoggerConfig{
				MinLevel: cfg.LogLevel,
				Fallback: fallback,
			}))
		}
		if insertBuffer != nil {
			obs = append(obs, insertBuffer.Observer(stream, fallback))
		}
		return obs
	}
}

func stopInputs(inputs []runningInput, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for i := len(inputs) - 1; i >= 0; i-- {
		if err := inputs[i].Stop(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			log.Printf("linewatch: stop input: %v", err)
		}
	}
}

// configureRuntimeLogger sends the standard logger to path, or to a file
// under the user state directory when path is empty. It falls back to stderr.
func configureRuntimeLogger(path string) func() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.SetOutput(os.Stderr)
			return func() {}
		}
		path = filepath.Join(home, ".local", "state", "linewatch", "linewatch.log")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	log.SetOutput(f)
	return func() {
		_ = f.Close()
	}
}

func printStartupBanner(cfg appConfig, command []string, capture bool) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	row := func(enabled bool, label, value string) string {
		mark := dot
		if enabled {
			mark = check
		}
		return fmt.Sprintf("    %s  %-14s %s", mark, label, value)
	}

	var lines []string
	lines = append(lines, "")
	lines = append(lines, "    "+cyan.Bold(true).Render("linewatch")+" "+dim.Render("v"+version))
	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator)

	lines = append(lines, bold.Render("    Input"))
	if len(command) > 0 {
		lines = append(lines, row(true, "Command", cyan.Render(strings.Join(command, " "))))
		if cfg.ReadyPattern != "" {
			lines = append(lines, row(true, "Ready Pattern", dim.Render(cfg.ReadyPattern)))
		} else {
			lines = append(lines, row(false, "Ready Pattern", dim.Render("none")))
		}
	} else {
		lines = append(lines, row(true, "Stdin", dim.Render("piped")))
	}
	if cfg.TCPEnabled {
		lines = append(lines, row(true, "TCP Input", cyan.Render(cfg.TCPAddr)))
	} else {
		lines = append(lines, row(false, "TCP Input", dim.Render("disabled")))
	}

	lines = append(lines, bold.Render("    Outputs"))
	if cfg.APIEnabled {
		lines = append(lines, row(true, "HTTP API", cyan.Render(cfg.APIAddr)))
	} else {
		lines = append(lines, row(false, "HTTP API", dim.Render("disabled")))
	}
	if capture {
		lines = append(lines, row(true, "Capture", dim.Render(shortenPath(cfg.DBPath))))
	} else {
		lines = append(lines, row(false, "Capture", dim.Render("disabled")))
	}
	if cfg.ConfigPath != "" {
		lines = append(lines, row(true, "Config File", dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, row(false, "Config File", dim.Render("default (no file)")))
	}
	lines = append(lines, separator)
	lines = append(lines, "")

	fmt.Fprintln(os.Stderr, strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
