// Package engine assembles the DNS filter from its parts and owns its
// lifecycle. An Engine can be driven from the CLI with Run, or embedded
// with Start and Stop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/OmgRod/PiBlock/pkg/api"
	"github.com/OmgRod/PiBlock/pkg/blocklist"
	"github.com/OmgRod/PiBlock/pkg/config"
	"github.com/OmgRod/PiBlock/pkg/dns"
	"github.com/OmgRod/PiBlock/pkg/forwarder"
	"github.com/OmgRod/PiBlock/pkg/logging"
	"github.com/OmgRod/PiBlock/pkg/state"
	"github.com/OmgRod/PiBlock/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrAlreadyRunning is returned by Start while a previous run is active.
	ErrAlreadyRunning = errors.New("engine already running")
	// ErrNotRunning is returned by Stop when nothing was started.
	ErrNotRunning = errors.New("engine not running")
)

const shutdownTimeout = 5 * time.Second

// Options configure one run of the engine.
type Options struct {
	// Config is used as is. Nil means config.LoadWithDefaults.
	Config *config.Config
	// ConfigPath, when set, is watched and blocking policy and control
	// credentials are re-applied whenever the file changes.
	ConfigPath string
	// Logger defaults to one built from Config.Logging.
	Logger  *logging.Logger
	Version string
}

// Engine runs at most one instance of the filter at a time.
type Engine struct {
	mu      sync.Mutex
	current *run
}

// run is one Start..Stop cycle.
type run struct {
	cancel      context.CancelFunc
	done        chan struct{}
	err         error
	state       *state.State
	udpAddr     net.Addr
	controlAddr net.Addr
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// New returns a stopped engine.
func New() *Engine {
	return &Engine{}
}

// Start binds the UDP socket and the control listener, then serves both in
// the background. Bind failures are returned and leave nothing running.
func (e *Engine) Start(opts Options) error {
	_, err := e.begin(opts)
	return err
}

// begin starts a run and returns it while still under e.mu, so the caller
// holds the run even if Stop races with it.
func (e *Engine) begin(opts Options) (*run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil && !e.current.finished() {
		return nil, ErrAlreadyRunning
	}

	r, err := start(opts)
	if err != nil {
		return nil, err
	}
	e.current = r
	return r, nil
}

// Stop cancels the running instance and waits for both listeners to close.
// Pipelines already in flight finish on their own. The returned error is the
// first failure of the run, if any.
func (e *Engine) Stop() error {
	e.mu.Lock()
	r := e.current
	e.current = nil
	e.mu.Unlock()

	if r == nil {
		return ErrNotRunning
	}

	r.cancel()
	<-r.done
	return r.err
}

// Run starts the engine and blocks until ctx is cancelled or a listener
// fails, then stops it.
func (e *Engine) Run(ctx context.Context, opts Options) error {
	r, err := e.begin(opts)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-r.done:
	}

	err = e.Stop()
	if errors.Is(err, ErrNotRunning) {
		// Stopped concurrently by someone else.
		<-r.done
		return r.err
	}
	return err
}

// State returns the shared state of the running instance, or nil.
func (e *Engine) State() *state.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return nil
	}
	return e.current.state
}

// Addrs returns the bound UDP and control addresses of the running
// instance. Both are nil when stopped.
func (e *Engine) Addrs() (udp, control net.Addr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return nil, nil
	}
	return e.current.udpAddr, e.current.controlAddr
}

func start(opts Options) (*run, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.LoadWithDefaults()
	}

	logger := opts.Logger
	if logger == nil {
		l, err := logging.New(&cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = l
	}

	telem, err := telemetry.New(context.Background(), &cfg.Telemetry, logger.WithComponent("telemetry"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		_ = telem.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	st := state.New(cfg.Upstream.Address, cfg.Blocklist.Directory, logger.WithComponent("state"))
	st.Blocklist.OnChange(func(size int) {
		metrics.BlocklistSize.Record(context.Background(), int64(size))
	})
	if _, err := st.Reload(); err != nil {
		logger.Warn("Initial blocklist load failed, starting empty", "dir", cfg.Blocklist.Directory, "error", err)
	}
	if _, err := st.SetMode(cfg.Blocking.Mode, cfg.Blocking.BlockIP); err != nil {
		logger.Warn("Blocked queries will get NXDOMAIN until block_ip is fixed", "error", err)
	}

	fwd := forwarder.New(cfg.Upstream.Address, cfg.Upstream.Timeout, logger.WithComponent("forwarder"))
	handler := dns.NewHandler(st, fwd, metrics, logger.WithComponent("dns"))
	dnsServer := dns.NewServer(handler, logger.WithComponent("dns"))

	metricsHandler := telem.Handler()
	if !cfg.Telemetry.Enabled || !cfg.Telemetry.PrometheusOn() {
		metricsHandler = nil
	}
	control := api.New(&api.Config{
		ListenAddress: cfg.Server.ControlAddress,
		State:         st,
		Metrics:       metricsHandler,
		Auth:          cfg.Control,
		Logger:        logger.WithComponent("api"),
		Version:       opts.Version,
	})

	conn, err := dns.Listen(cfg.Server.UDPListenAddress)
	if err != nil {
		_ = telem.Shutdown(context.Background())
		return nil, err
	}
	ln, err := control.Listen()
	if err != nil {
		_ = conn.Close()
		_ = telem.Shutdown(context.Background())
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return dnsServer.Serve(gctx, conn) })
	g.Go(func() error { return control.Serve(gctx, ln) })

	if cfg.Blocklist.AutoReload {
		watcher, err := blocklist.NewWatcher(cfg.Blocklist.Directory, st.Blocklist, cfg.Blocklist.Debounce, logger.WithComponent("blocklist"))
		if err != nil {
			logger.Warn("Blocklist auto-reload disabled", "error", err)
		} else {
			g.Go(func() error { return watcher.Run(gctx) })
		}
	}

	if opts.ConfigPath != "" {
		cw, err := config.NewWatcher(opts.ConfigPath, logger.WithComponent("config").Logger)
		if err != nil {
			logger.Warn("Config auto-reload disabled", "path", opts.ConfigPath, "error", err)
		} else {
			cw.OnChange(func(c *config.Config) { applyConfig(st, control, c, logger) })
			g.Go(func() error { return cw.Start(gctx) })
		}
	}

	r := &run{
		cancel:      cancel,
		done:        make(chan struct{}),
		state:       st,
		udpAddr:     conn.LocalAddr(),
		controlAddr: ln.Addr(),
	}

	logger.Info("PiBlock running",
		"udp", r.udpAddr.String(),
		"control", r.controlAddr.String(),
		"upstream", cfg.Upstream.Address,
		"patterns", st.Blocklist.Len(),
		"mode", st.Policy().Mode.String(),
	)

	go func() {
		defer close(r.done)
		defer cancel()

		r.err = g.Wait()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := telem.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during telemetry shutdown", "error", err)
		}

		if r.err != nil {
			logger.Error("PiBlock stopped with error", "error", r.err)
			return
		}
		logger.Info("PiBlock stopped")
	}()

	return r, nil
}

// applyConfig re-applies the parts of a reloaded config that can change
// without rebinding.
func applyConfig(st *state.State, control *api.Server, cfg *config.Config, logger *logging.Logger) {
	if _, err := st.SetMode(cfg.Blocking.Mode, cfg.Blocking.BlockIP); err != nil {
		logger.Warn("Reloaded redirect target unusable, blocked queries get NXDOMAIN", "error", err)
	}
	control.SetAuth(cfg.Control)
}
