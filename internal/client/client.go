package client

import (
	"fmt"
	"sync"

	"github.com/qforce/netengine/internal/cache"
	"github.com/qforce/netengine/internal/config"
	"github.com/qforce/netengine/internal/crypto"
	"github.com/qforce/netengine/internal/engine"
	"github.com/qforce/netengine/internal/events"
	"github.com/qforce/netengine/internal/models"
	"github.com/qforce/netengine/internal/reachability"
	"github.com/qforce/netengine/internal/transport"
)

// Client wires configuration into a ready-to-use operation engine.
type Client struct {
	Engine *engine.Engine

	config    *config.Config
	logger    *events.Logger
	transport transport.Transport
	cache     cache.Store
	probe     *hostProbe
}

// New assembles a client from configuration. The engine is created but
// not started; call Start (or Client.Engine.Start) once a session is set.
func New(cfg *config.Config, logger *events.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("prepare directories: %w", err)
	}

	transportClient := transport.NewHTTPClient(&cfg.API, logger)

	var store cache.Store
	if cfg.Cache.Path != "" {
		sqliteStore, err := cache.NewSQLiteStore(cfg.Cache.Path, cfg.Cache.TTL, logger)
		if err != nil {
			return nil, fmt.Errorf("open response cache: %w", err)
		}
		store = sqliteStore
	}

	var encryptor crypto.Encryptor
	if cfg.Crypto.Passphrase != "" {
		enc, err := crypto.NewEncryptorFromPassphrase(
			cfg.Crypto.Passphrase, cfg.Crypto.Salt, cfg.Crypto.Iterations)
		if err != nil {
			return nil, fmt.Errorf("init encryptor: %w", err)
		}
		encryptor = enc
	}

	probe := &hostProbe{host: cfg.Engine.RemoteHost}
	eng := engine.New(cfg.Engine, transportClient, store, encryptor, probe, logger)

	return &Client{
		Engine:    eng,
		config:    cfg,
		logger:    logger,
		transport: transportClient,
		cache:     store,
		probe:     probe,
	}, nil
}

// SetSession installs the session the engine authenticates with and
// points the reachability probe at its host.
func (c *Client) SetSession(session *models.Session) {
	c.Engine.SetSession(session)
	if session != nil && c.config.Engine.RemoteHost == "" {
		c.probe.SetHost(session.Host)
	}
}

// Start begins reachability monitoring.
func (c *Client) Start() {
	c.Engine.Start()
}

// Close shuts the engine down and releases the cache.
func (c *Client) Close() error {
	c.Engine.Shutdown()
	if c.cache != nil {
		return c.cache.Close()
	}
	return nil
}

// hostProbe is a reachability source whose target host can change as
// sessions come and go. Until a host is known it assumes connectivity.
type hostProbe struct {
	mu   sync.Mutex
	host string
}

func (p *hostProbe) SetHost(host string) {
	p.mu.Lock()
	p.host = host
	p.mu.Unlock()
}

func (p *hostProbe) Status() models.Reachability {
	p.mu.Lock()
	host := p.host
	p.mu.Unlock()

	if host == "" {
		return models.ReachableViaWiFi
	}
	dial := reachability.DialSource{Host: host}
	return dial.Status()
}
