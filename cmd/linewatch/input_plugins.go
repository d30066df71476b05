package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/tinytelemetry/linewatch/internal/linedispatch"
	"github.com/tinytelemetry/linewatch/internal/monitor"
	"github.com/tinytelemetry/linewatch/internal/supervisor"
	"github.com/tinytelemetry/linewatch/internal/tcpserver"
)

// observerFactory returns the observers for a named stream.
type observerFactory func(stream string) []linedispatch.Observer

// InputSourcePlugin is a small plugin primitive for wiring line inputs.
type InputSourcePlugin interface {
	Name() string
	Enabled() bool
	Start(ctx context.Context, env inputEnv) (runningInput, error)
}

// runningInput is a started input.
type runningInput interface {
	// Done is closed when the input ends on its own. It is nil for inputs
	// that only end on Stop.
	Done() <-chan struct{}
	Stop(ctx context.Context) error
}

// inputEnv carries what every input needs to build dispatchers.
type inputEnv struct {
	observers   observerFactory
	monitor     *monitor.Monitor
	maxLineSize int
	logger      *log.Logger
}

// InputPluginConfig defines runtime input selection.
type InputPluginConfig struct {
	Command      []string
	Dir          string
	Env          []string
	ReadyPattern string
	TCPEnabled   bool
	TCPAddr      string
}

// buildInputPlugins returns the process input when a command is given and the
// stdin input otherwise, followed by the TCP input.
func buildInputPlugins(cfg InputPluginConfig) []InputSourcePlugin {
	plugins := make([]InputSourcePlugin, 0, 2)
	if len(cfg.Command) > 0 {
		plugins = append(plugins, processInputPlugin{
			command:      cfg.Command,
			dir:          cfg.Dir,
			env:          cfg.Env,
			readyPattern: cfg.ReadyPattern,
		})
	} else {
		plugins = append(plugins, stdinInputPlugin{})
	}
	plugins = append(plugins, tcpInputPlugin{
		addr:    cfg.TCPAddr,
		enabled: cfg.TCPEnabled,
	})
	return plugins
}

type processInputPlugin struct {
	command      []string
	dir          string
	env          []string
	readyPattern string
}

func (p processInputPlugin) Name() string { return "process" }

func (p processInputPlugin) Enabled() bool { return len(p.command) > 0 }

func (p processInputPlugin) Start(ctx context.Context, env inputEnv) (runningInput, error) {
	proc, err := supervisor.Start(ctx, supervisor.Config{
		Command:      p.command,
		Dir:          p.dir,
		Env:          p.env,
		ReadyPattern: p.readyPattern,
		MaxLineSize:  env.maxLineSize,
		Observers:    supervisor.ObserverFactory(env.observers),
		Logger:       env.logger,
	})
	if err != nil {
		return nil, err
	}
	for _, stream := range []string{supervisor.StreamStdout, supervisor.StreamStderr} {
		env.monitor.Attach(proc.Dispatcher(stream))
	}
	return processInput{proc}, nil
}

type processInput struct {
	*supervisor.Process
}

func (in processInput) Done() <-chan struct{} { return in.Exited() }

type stdinInputPlugin struct{}

func (p stdinInputPlugin) Name() string { return "stdin" }

// Enabled reports whether stdin is piped rather than a terminal.
func (p stdinInputPlugin) Enabled() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

func (p stdinInputPlugin) Start(ctx context.Context, env inputEnv) (runningInput, error) {
	return startReaderInput(ctx, os.Stdin, "stdin", env)
}

// readerInput dispatches a single reader.
type readerInput struct {
	d *linedispatch.Dispatcher
}

func startReaderInput(ctx context.Context, src io.Reader, name string, env inputEnv) (runningInput, error) {
	d, err := linedispatch.New(src, linedispatch.Config{
		Name:        name,
		MaxLineSize: env.maxLineSize,
		Logger:      env.logger,
	})
	if err != nil {
		return nil, err
	}
	for _, o := range env.observers(name) {
		d.AddObserver(o)
	}
	env.monitor.Attach(d)
	go d.Run(ctx)
	return readerInput{d}, nil
}

func (in readerInput) Done() <-chan struct{} { return in.d.Done() }

func (in readerInput) Stop(ctx context.Context) error {
	in.d.Stop()
	_, err := in.d.Wait(ctx)
	return err
}

type tcpInputPlugin struct {
	addr    string
	enabled bool
}

func (p tcpInputPlugin) Name() string { return "tcp" }

func (p tcpInputPlugin) Enabled() bool { return p.enabled }

func (p tcpInputPlugin) Start(_ context.Context, env inputEnv) (runningInput, error) {
	server := tcpserver.NewServer(p.addr, tcpserver.ObserverFactory(env.observers), tcpserver.ServerConfig{
		MaxLineSize: env.maxLineSize,
		Logger:      env.logger,
		OnConnect:   env.monitor.Attach,
		OnClose: func(d *linedispatch.Dispatcher) {
			env.monitor.Forget(d.Name())
		},
	})
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("start tcp server: %w", err)
	}
	return tcpInput{server}, nil
}

type tcpInput struct {
	server *tcpserver.Server
}

func (in tcpInput) Done() <-chan struct{} { return nil }

func (in tcpInput) Stop(_ context.Context) error { return in.server.Stop() }
