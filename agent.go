package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nedpals/davi-card-agent/notify"
	"github.com/nedpals/davi-card-agent/server"
	"github.com/nedpals/davi-card-agent/smartcard"
	"github.com/nedpals/davi-card-agent/smartcard/libnfc"
	"github.com/nedpals/davi-card-agent/smartcard/pcsc"
	"github.com/nedpals/davi-card-agent/smartcard/phonenfc"
	"github.com/nedpals/davi-card-agent/tls"
)

const releaseTimeout = 10 * time.Second

// Agent assembles the transports, the platform and its front ends.
type Agent struct {
	cfg    Config
	logger *zap.Logger

	Platform *smartcard.Platform
	Phone    *phonenfc.Transport
	Mock     *smartcard.MockEventTransport
	Server   *server.Server
	Notifier *notify.Publisher

	bootstrap *tls.BootstrapServer
	closers   []io.Closer
	tlsActive bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan error
}

// NewAgent builds the transport stack described by cfg. Nothing runs
// until Start.
func NewAgent(cfg Config, logger *zap.Logger) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agent{cfg: cfg, logger: logger.Named("agent")}

	var entries []smartcard.TransportEntry
	if cfg.Transports.PCSC {
		t := pcsc.New(logger)
		a.closers = append(a.closers, t)
		entries = append(entries, smartcard.TransportEntry{Name: t.Name(), Transport: t})
	}
	if cfg.Transports.LibNFC {
		t := libnfc.New(logger)
		entries = append(entries, smartcard.TransportEntry{Name: t.Name(), Transport: t})
	}
	if cfg.Transports.Phone {
		a.Phone = phonenfc.New(logger,
			phonenfc.WithInactivityTimeout(cfg.Phone.InactivityTimeout),
			phonenfc.WithRequestTimeout(cfg.Phone.RequestTimeout),
		)
		a.closers = append(a.closers, a.Phone)
		entries = append(entries, smartcard.TransportEntry{Name: a.Phone.Name(), Transport: a.Phone})
	}
	if cfg.Transports.Mock {
		a.Mock = smartcard.NewMockEventTransport(cfg.Transports.MockReaders...)
		entries = append(entries, smartcard.TransportEntry{Name: a.Mock.Name(), Transport: a.Mock})
	}

	var transport smartcard.Transport
	switch len(entries) {
	case 0:
		return nil, errors.New("no transport enabled")
	case 1:
		transport = entries[0].Transport
	default:
		transport = smartcard.NewMultiTransport(entries...)
	}

	a.Platform = smartcard.New(transport,
		smartcard.WithLogger(logger.Named("platform")),
		smartcard.WithPollInterval(cfg.Presence.PollInterval),
	)

	notifier, err := notify.New(cfg.MQTT, a.Platform, logger)
	if err != nil {
		a.closeTransports()
		return nil, fmt.Errorf("mqtt: %w", err)
	}
	a.Notifier = notifier
	return a, nil
}

// Running reports whether Start succeeded and Stop has not been called.
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Done delivers the server's exit error once the agent stops.
func (a *Agent) Done() <-chan error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// Start initializes the platform and serves the API in the background.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return errors.New("agent is already running")
	}

	if err := a.Platform.Init(ctx, true); err != nil {
		return fmt.Errorf("init platform: %w", err)
	}

	scfg := server.Config{
		Platform:  a.Platform,
		Port:      a.cfg.Server.Port,
		APISecret: a.cfg.Server.APISecret,
		MDNS:      a.cfg.Server.MDNS,
		TLSCert:   a.cfg.Server.TLSCert,
		TLSKey:    a.cfg.Server.TLSKey,
		Logger:    a.logger.Named("http"),
	}
	if scfg.TLSCert == "" && a.cfg.Server.TLSAuto {
		a.setupTLS(&scfg)
	}

	a.tlsActive = scfg.TLSCert != ""
	a.Server = server.New(scfg)
	if a.Phone != nil {
		a.Server.HandleWebSocket(phonenfc.IsDeviceConnection, func(w http.ResponseWriter, r *http.Request) bool {
			a.Phone.ServeHTTP(w, r)
			return true
		})
	}

	if err := a.Notifier.Start(); err != nil {
		a.logger.Warn("MQTT notifier failed to start", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan error, 1)
	go func(srv *server.Server, done chan<- error) {
		done <- srv.Run(runCtx)
		close(done)
	}(a.Server, a.done)

	a.running = true
	a.logger.Info("Agent started", zap.Int("port", a.cfg.Server.Port))
	return nil
}

// setupTLS generates a locally trusted certificate and, when configured,
// serves the CA to phones. Failures fall back to plain ws.
func (a *Agent) setupTLS(scfg *server.Config) {
	lan, err := server.LANAddrs()
	if err != nil {
		a.logger.Warn("Failed to list LAN addresses", zap.Error(err))
	}
	hosts := tls.CertHosts(lan)

	mgr := tls.NewManager(a.cfg.ConfigDir, a.logger)
	cert, key, err := mgr.EnsureCertificates(hosts)
	if err != nil {
		a.logger.Warn("TLS setup failed, serving without TLS", zap.Error(err))
		return
	}
	scfg.TLSCert, scfg.TLSKey = cert, key

	if a.cfg.Server.BootstrapPort > 0 {
		a.bootstrap = tls.NewBootstrapServer(mgr, a.cfg.Server.BootstrapPort, hosts)
		if err := a.bootstrap.Start(); err != nil {
			a.logger.Warn("CA bootstrap server failed to start", zap.Error(err))
			a.bootstrap = nil
		}
	}
}

// Stop shuts the front ends down and releases every device. It is safe
// to call when the agent is not running.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	a.running = false
	a.logger.Info("Stopping agent")

	a.cancel()
	<-a.done
	a.Notifier.Stop()
	if a.bootstrap != nil {
		a.bootstrap.Stop()
		a.bootstrap = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := a.Platform.Release(ctx, true); err != nil {
		a.logger.Warn("Platform release failed", zap.Error(err))
	}
	a.logger.Info("Agent stopped")
}

// Close stops the agent and closes the transports. The agent cannot be
// restarted afterwards.
func (a *Agent) Close() {
	a.Stop()
	a.closeTransports()
}

func (a *Agent) closeTransports() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Debug("Transport close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

// TLSActive reports whether the running server speaks wss.
func (a *Agent) TLSActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tlsActive
}

// Port is the API port.
func (a *Agent) Port() int { return a.cfg.Server.Port }

// DeviceState is a snapshot of one attached device for display.
type DeviceState struct {
	Info        smartcard.DeviceInfo
	Acquired    bool
	CardPresent bool
	InSession   bool
}

// Snapshot lists attached devices with their acquisition and card state.
func (a *Agent) Snapshot(ctx context.Context) ([]DeviceState, error) {
	infos, err := a.Platform.DeviceInfo(ctx)
	if err != nil {
		return nil, err
	}
	acquired := make(map[string]*smartcard.Device)
	for _, d := range a.Platform.Devices() {
		acquired[d.Info().ID] = d
	}

	states := make([]DeviceState, 0, len(infos))
	for _, info := range infos {
		st := DeviceState{Info: info}
		if d, ok := acquired[info.ID]; ok {
			st.Acquired = true
			st.CardPresent = d.IsCardPresent()
			_, st.InSession = d.Session()
		}
		states = append(states, st)
	}
	return states, nil
}
