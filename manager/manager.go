// Package manager implements the process-level host spec.md §1 treats as an
// external collaborator: configuration defaults, a temp-directory scan on
// startup, and the public library surface a CLI or embedding program calls
// into. It is grounded on the teacher's cmd/root.go orchestration sequence
// (signal handling, resolve-then-download workflow) hoisted out of the CLI
// layer into a reusable type, since spec.md §6 specifies these operations
// as a library surface rather than a CLI-internal helper.
package manager

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"prometeo/coordinator"
	"prometeo/events"
	"prometeo/internal/config"
	"prometeo/internal/prometeoerr"
	"prometeo/manifest"
	"prometeo/prober"
	"prometeo/transport"
	"prometeo/utils"
)

// Option configures a Manager at construction.
type Option func(*config.Config)

// WithConnections overrides the default per-download connection count.
func WithConnections(n int) Option {
	return func(c *config.Config) { c.Connections = n }
}

// WithTempDir overrides the default working-directory root.
func WithTempDir(dir string) Option {
	return func(c *config.Config) { c.TempDir = dir }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *config.Config) { c.UserAgent = ua }
}

// WithProxyURL routes every request through the given HTTP/HTTPS/SOCKS5
// proxy URL.
func WithProxyURL(proxyURL string) Option {
	return func(c *config.Config) { c.ProxyURL = proxyURL }
}

// WithSpeedLimit overrides the default aggregate bandwidth ceiling, in
// Mbps.
func WithSpeedLimit(mbps float64) Option {
	return func(c *config.Config) { c.SpeedMbps = mbps }
}

// WithLogger installs a pre-configured base logger; by default Manager
// builds a plain logrus.Logger from the config's Debug/Quiet/LogJSON
// settings (without internal/log's redaction hook).
func WithLogger(l *logrus.Logger) Option {
	return func(c *config.Config) { c.Logger = l }
}

// DownloadRequest is the argument to Download: a source URL, a destination
// directory, and an optional explicit filename.
type DownloadRequest struct {
	URL      string
	Path     string
	Filename string
}

// Manager owns the set of active Downloads, process-wide configuration, and
// the shared HTTP client/prober every Coordinator it constructs uses.
type Manager struct {
	cfg     *config.Config
	client  *transport.Client
	prober  *prober.Prober
	logger  *logrus.Entry
	fileOps *utils.FileOperations

	mu        sync.RWMutex
	downloads map[string]*Download

	downloadBus *events.Bus[DownloadEvent]
	removedBus  *events.Bus[RemovedEvent]
}

// DownloadEvent is published when a new or resumed Download is tracked.
type DownloadEvent struct {
	Handle  *Download
	Resumed bool
}

// RemovedEvent is published when a Download is forgotten, either because it
// finished and was purged or because its manifest failed to decode during a
// resume scan.
type RemovedEvent struct {
	Name string
}

// New builds a Manager from config.Default() overridden by the given
// Options, mirroring the teacher's flag-default precedence but as an
// options struct instead of package globals — a library Manager has no
// place to hang CLI package globals.
func New(opts ...Option) (*Manager, error) {
	cfg := config.Default()
	cfg.LoadFromEnv()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fileOps := utils.NewFileOperations()
	if err := fileOps.EnsureDir(cfg.TempDir); err != nil {
		return nil, prometeoerr.NewInvalidArgument("tempdir", fmt.Sprintf("cannot create: %v", err))
	}

	client, err := transport.New(transport.Config{UserAgent: cfg.UserAgent, ProxyURL: cfg.ProxyURL})
	if err != nil {
		return nil, prometeoerr.NewInternal("construct http client", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = defaultLogger(cfg)
	}

	return &Manager{
		cfg:         cfg,
		client:      client,
		prober:      prober.New(client),
		logger:      logger.WithField("component", "manager"),
		fileOps:     fileOps,
		downloads:   make(map[string]*Download),
		downloadBus: events.NewBus[DownloadEvent](),
		removedBus:  events.NewBus[RemovedEvent](),
	}, nil
}

// Config returns the Manager's effective configuration.
func (m *Manager) Config() *config.Config { return m.cfg }

// Downloads subscribes to new/resumed Download tracking events.
func (m *Manager) Downloads() (<-chan DownloadEvent, func()) {
	return m.downloadBus.Subscribe()
}

// Removed subscribes to Download-forgotten events.
func (m *Manager) Removed() (<-chan RemovedEvent, func()) {
	return m.removedBus.Subscribe()
}

// Download validates req, probes the URL, requires range support, resolves
// the destination filename, builds the Plan, writes its manifest, and
// returns a registered, unstarted Download handle.
func (m *Manager) Download(ctx context.Context, req DownloadRequest) (*Download, error) {
	if req.URL == "" {
		return nil, prometeoerr.NewInvalidArgument("url", "must not be empty")
	}
	if req.Path == "" {
		return nil, prometeoerr.NewInvalidArgument("path", "must not be empty")
	}
	if !prober.Validate(req.URL) {
		return nil, prometeoerr.NewBadURL(req.URL, "not a syntactically valid absolute HTTP(S) URL", nil)
	}

	meta, err := m.prober.Probe(ctx, req.URL)
	if err != nil {
		return nil, prometeoerr.NewBadURL(req.URL, "HEAD request failed or returned a non-2xx status", err)
	}
	if !meta.AcceptRange {
		return nil, prometeoerr.NewBadURL(req.URL, "origin does not advertise Accept-Ranges: bytes", nil)
	}
	if meta.Size == 0 {
		return nil, prometeoerr.NewBadMetadata("origin reported a zero-byte Content-Length", nil)
	}

	filename := meta.FileName
	if req.Filename != "" {
		filename, _ = prober.SanitizeFileName(req.Filename, meta.FileType)
	}

	if err := m.fileOps.EnsureDir(req.Path); err != nil {
		return nil, prometeoerr.NewInternal("create destination directory", err)
	}

	destination := filepath.Join(req.Path, filename)
	if m.fileOps.FileExists(destination) {
		return nil, prometeoerr.NewInvalidArgument("path", fmt.Sprintf("destination already exists: %s", destination))
	}

	workDir := filepath.Join(m.cfg.TempDir, baseNameWithoutExt(filename))
	if err := m.fileOps.EnsureDir(workDir); err != nil {
		return nil, prometeoerr.NewInternal("create work directory", err)
	}

	plan, err := manifest.New(req.URL, filename, meta.Size, destination, workDir, meta.ContentType, m.cfg.Connections, m.cfg.SpeedBps())
	if err != nil {
		return nil, prometeoerr.NewInternal("build plan", err)
	}

	if err := manifest.Write(plan); err != nil {
		return nil, err
	}

	dl := m.track(plan, false)
	return dl, nil
}

// Resume scans the Manager's temp directory for work directories carrying a
// decodable manifest and reconstructs a Coordinator, marked resumed, for
// each. A manifest that fails to decode, or whose plan is already marked
// Finished, has its work directory garbage-collected instead.
func (m *Manager) Resume(ctx context.Context) ([]*Download, error) {
	entries, err := os.ReadDir(m.cfg.TempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, prometeoerr.NewInternal("scan tempdir", err)
	}

	var resumed []*Download
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		workDir := filepath.Join(m.cfg.TempDir, entry.Name())
		plan, err := manifest.Read(workDir)
		if err != nil {
			m.logger.WithField("dir", workDir).WithError(err).Warn("invalid manifest, garbage-collecting work directory")
			os.RemoveAll(workDir)
			m.forget(entry.Name())
			continue
		}
		if plan.Finished {
			os.RemoveAll(workDir)
			continue
		}

		plan.Resumed = true
		dl := m.track(plan, true)
		resumed = append(resumed, dl)
	}
	return resumed, nil
}

// GetDownload returns the first tracked Download whose name matches
// filename OR whose URL matches url — a query naming only one field
// matches on that field alone; naming both is "either matches", per
// spec.md §9's explicit instruction to preserve that semantics.
func (m *Manager) GetDownload(filename, url string) (*Download, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, dl := range m.downloads {
		if (filename != "" && dl.coord.Name() == filename) || (url != "" && dl.coord.URL() == url) {
			return dl, true
		}
	}
	return nil, false
}

// SetSpeed updates the Manager's global bandwidth ceiling and propagates it
// to every tracked Download.
func (m *Manager) SetSpeed(mbps float64) {
	m.cfg.SpeedMbps = mbps
	bps := m.cfg.SpeedBps()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, dl := range m.downloads {
		dl.coord.SetSpeed(bps)
	}
}

// HandleSignals installs a SIGINT/SIGTERM handler that calls Stop on every
// tracked Coordinator and exits the process with code 1, per spec.md §5's
// "graceful SIGINT" contract. It returns a deregistration func.
func (m *Manager) HandleSignals(ctx context.Context) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			m.logger.WithField("signal", sig).Info("received signal, stopping all downloads")
			m.stopAll()
			os.Exit(1)
		case <-ctx.Done():
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func (m *Manager) stopAll() {
	m.mu.RLock()
	downloads := make([]*Download, 0, len(m.downloads))
	for _, dl := range m.downloads {
		downloads = append(downloads, dl)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, dl := range downloads {
		dl := dl
		wg.Add(1)
		go func() {
			defer wg.Done()
			dl.Stop()
		}()
	}
	wg.Wait()
}

func (m *Manager) track(plan *manifest.Plan, resumed bool) *Download {
	coord := coordinator.New(plan, coordinator.Config{
		Client: m.client,
		Logger: m.logger.WithField("download", plan.Name),
	})
	dl := &Download{coord: coord, manager: m}

	m.mu.Lock()
	m.downloads[plan.Name] = dl
	m.mu.Unlock()

	m.downloadBus.Publish(DownloadEvent{Handle: dl, Resumed: resumed})
	return dl
}

// forget removes name from the tracked set and emits RemovedEvent. It funnels
// both the finished-download purge path and the resume-scan garbage
// collection path through one emission point, per spec.md §6's Manager
// `removed(filename)` event.
func (m *Manager) forget(name string) {
	m.mu.Lock()
	delete(m.downloads, name)
	m.mu.Unlock()
	m.removedBus.Publish(RemovedEvent{Name: name})
}

func baseNameWithoutExt(filename string) string {
	ext := filepath.Ext(filename)
	return strings.TrimSuffix(filename, ext)
}

func defaultLogger(cfg *config.Config) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if cfg.Debug {
		l.SetLevel(logrus.DebugLevel)
	} else if cfg.Quiet {
		l.SetLevel(logrus.WarnLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	if cfg.LogJSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}
