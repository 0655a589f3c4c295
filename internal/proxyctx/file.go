package proxyctx

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	toml "github.com/pelletier/go-toml/v2"

	"otoroshi-sidecar/internal/metrics"
)

// contextFile is the on-disk layout of the proxy context.
type contextFile struct {
	Otoroshi struct {
		Domain      string `toml:"domain"`
		Host        string `toml:"host"`
		Port        int    `toml:"port"`
		TokenSecret string `toml:"token_secret"`
	} `toml:"otoroshi"`
	Client struct {
		ID       string `toml:"id"`
		Secret   string `toml:"secret"`
		CertFile string `toml:"cert_file"`
		KeyFile  string `toml:"key_file"`
		CAFile   string `toml:"ca_file"`
	} `toml:"client"`
	Backend struct {
		CertFile string `toml:"cert_file"`
		KeyFile  string `toml:"key_file"`
		CAFile   string `toml:"ca_file"`
	} `toml:"backend"`
	Local struct {
		Port int `toml:"port"`
	} `toml:"local"`
}

type tlsFiles struct {
	CertFile, KeyFile, CAFile string
}

// envOverrides maps environment variables onto context fields. The names
// match the keys the gateway's sidecar deployments already export.
var envOverrides = []struct {
	name  string
	apply func(*contextFile, string) error
}{
	{"OTOROSHI_DOMAIN", func(f *contextFile, v string) error { f.Otoroshi.Domain = v; return nil }},
	{"OTOROSHI_HOST", func(f *contextFile, v string) error { f.Otoroshi.Host = v; return nil }},
	{"OTOROSHI_PORT", func(f *contextFile, v string) error { return atoi(&f.Otoroshi.Port, v) }},
	{"CLIENT_ID", func(f *contextFile, v string) error { f.Client.ID = v; return nil }},
	{"CLIENT_SECRET", func(f *contextFile, v string) error { f.Client.Secret = v; return nil }},
	{"TOKEN_SECRET", func(f *contextFile, v string) error { f.Otoroshi.TokenSecret = v; return nil }},
	{"LOCAL_PORT", func(f *contextFile, v string) error { return atoi(&f.Local.Port, v) }},
}

func atoi(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

// FileProvider serves ProxyContext snapshots loaded from a TOML file and the
// PEM files it references. Relative PEM paths resolve against the context
// file's directory.
type FileProvider struct {
	path       string
	directions Directions
	logger     *slog.Logger
	metrics    *metrics.Metrics

	current atomic.Pointer[ProxyContext]

	mu      sync.Mutex // serializes Reload and guards watched
	watched map[string]bool
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

// NewFileProvider loads the context file once. It fails if the initial
// snapshot is unreadable or incomplete for the requested directions.
// The metrics parameter is optional.
func NewFileProvider(path string, d Directions, logger *slog.Logger, m *metrics.Metrics) (*FileProvider, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("proxy context: resolve %s: %w", path, err)
	}
	p := &FileProvider{
		path:       abs,
		directions: d,
		logger:     logger.With("component", "proxy_context"),
		metrics:    m,
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Current returns the latest successfully loaded snapshot.
func (p *FileProvider) Current() *ProxyContext {
	return p.current.Load()
}

// Reload re-reads the context file. On failure the previous snapshot stays
// in place.
func (p *FileProvider) Reload() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pc, files, err := load(p.path, p.directions)
	if err != nil {
		p.recordReload("failure")
		return err
	}
	p.current.Store(pc)
	p.recordReload("success")

	p.watched = make(map[string]bool, len(files)+1)
	p.watched[p.path] = true
	for _, f := range files {
		p.watched[f] = true
	}
	if p.watcher != nil {
		p.addWatchesLocked()
	}
	return nil
}

func (p *FileProvider) recordReload(result string) {
	if p.metrics != nil {
		p.metrics.ContextReloads.WithLabelValues(result).Inc()
	}
}

// Watch starts reloading the context whenever the context file or one of its
// PEM files changes. Directories are watched rather than files so atomic
// rename-into-place updates are seen.
func (p *FileProvider) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("proxy context: create watcher: %w", err)
	}

	p.mu.Lock()
	p.watcher = w
	p.addWatchesLocked()
	p.mu.Unlock()

	p.wg.Add(1)
	go p.watchLoop(w)
	p.logger.Info("watching proxy context", "path", p.path)
	return nil
}

func (p *FileProvider) addWatchesLocked() {
	dirs := make(map[string]bool)
	for f := range p.watched {
		dirs[filepath.Dir(f)] = true
	}
	for dir := range dirs {
		// Adding an already watched directory is a no-op.
		if err := p.watcher.Add(dir); err != nil {
			p.logger.Warn("cannot watch directory", "dir", dir, "err", err)
		}
	}
}

func (p *FileProvider) isWatched(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watched[filepath.Clean(name)]
}

func (p *FileProvider) watchLoop(w *fsnotify.Watcher) {
	defer p.wg.Done()
	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&relevant == 0 || !p.isWatched(ev.Name) {
				continue
			}
			if err := p.Reload(); err != nil {
				p.logger.Error("proxy context reload failed; keeping previous snapshot",
					"trigger", ev.Name,
					"err", err,
				)
				continue
			}
			p.logger.Info("proxy context reloaded", "trigger", ev.Name)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			p.logger.Warn("proxy context watcher error", "err", err)
		}
	}
}

// Close stops the watcher, if any.
func (p *FileProvider) Close() error {
	p.mu.Lock()
	w := p.watcher
	p.watcher = nil
	p.mu.Unlock()
	if w == nil {
		return nil
	}
	err := w.Close()
	p.wg.Wait()
	return err
}

// load parses the context file, applies environment overrides, loads the
// PEM material and validates the result. It also returns the PEM paths so
// the caller can watch them.
func load(path string, d Directions) (*ProxyContext, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("proxy context: read %s: %w", path, err)
	}
	var f contextFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("proxy context: parse %s: %w", path, err)
	}
	for _, o := range envOverrides {
		if v, ok := os.LookupEnv(o.name); ok {
			if err := o.apply(&f, v); err != nil {
				return nil, nil, fmt.Errorf("proxy context: env %s: %w", o.name, err)
			}
		}
	}

	base := filepath.Dir(path)
	var files []string

	pc := &ProxyContext{
		OtoroshiDomain: f.Otoroshi.Domain,
		OtoroshiHost:   f.Otoroshi.Host,
		OtoroshiPort:   f.Otoroshi.Port,
		ClientID:       f.Client.ID,
		ClientSecret:   f.Client.Secret,
		TokenSecret:    f.Otoroshi.TokenSecret,
		LocalHost:      LocalHost,
		LocalPort:      f.Local.Port,
		LoadedAt:       time.Now(),
	}

	if d.Internal {
		m, used, err := loadTLSMaterial(base, tlsFiles{f.Client.CertFile, f.Client.KeyFile, f.Client.CAFile})
		if err != nil {
			return nil, nil, fmt.Errorf("proxy context: client tls: %w", err)
		}
		pc.ClientTLS = m
		files = append(files, used...)
	}
	if d.External {
		m, used, err := loadTLSMaterial(base, tlsFiles{f.Backend.CertFile, f.Backend.KeyFile, f.Backend.CAFile})
		if err != nil {
			return nil, nil, fmt.Errorf("proxy context: backend tls: %w", err)
		}
		pc.BackendTLS = m
		files = append(files, used...)
	}

	if err := pc.Validate(d); err != nil {
		return nil, nil, err
	}
	return pc, files, nil
}

func loadTLSMaterial(base string, files tlsFiles) (TLSMaterial, []string, error) {
	if files.CertFile == "" || files.KeyFile == "" || files.CAFile == "" {
		return TLSMaterial{}, nil, fmt.Errorf("%w: cert_file, key_file and ca_file are required", ErrIncomplete)
	}
	certFile := resolve(base, files.CertFile)
	keyFile := resolve(base, files.KeyFile)
	caFile := resolve(base, files.CAFile)

	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return TLSMaterial{}, nil, fmt.Errorf("load key pair: %w", err)
	}
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return TLSMaterial{}, nil, fmt.Errorf("read CA %s: %w", caFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return TLSMaterial{}, nil, fmt.Errorf("no certificates found in CA %s", caFile)
	}
	return TLSMaterial{Certificate: pair, CAs: pool}, []string{certFile, keyFile, caFile}, nil
}

func resolve(base, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}
