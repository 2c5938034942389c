//go:build linux

// Command manager is the IDMEF event aggregation daemon: it accepts sensor
// and peer-manager connections, runs the capability handshake, and routes
// admin REQUEST/REPLY traffic while scheduling IDMEF events for delivery.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"github.com/preludemgr/manager-core/internal/capability"
	"github.com/preludemgr/manager-core/internal/config"
	"github.com/preludemgr/manager-core/internal/logger"
	"github.com/preludemgr/manager-core/internal/netpoll"
	"github.com/preludemgr/manager-core/internal/registry"
	"github.com/preludemgr/manager-core/internal/router"
	"github.com/preludemgr/manager-core/internal/scheduler"
	"github.com/preludemgr/manager-core/internal/sensor"
	"github.com/preludemgr/manager-core/internal/transport"
	"github.com/preludemgr/manager-core/internal/wire"
)

func main() {
	cli, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cli.showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(cli.configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg, cli)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Init()
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v, using default level\n", err)
	}
	log := logger.Logger().With("component", "manager")

	m, err := newManager(cfg, log)
	if err != nil {
		log.Error("failed to initialize manager", "err", err)
		os.Exit(1)
	}
	defer m.pool.Stop()

	if err := m.listenAndServe(); err != nil {
		log.Error("failed to start listeners", "err", err)
		os.Exit(1)
	}
	m.dialRelayDestinations()

	log.Info("manager started", "version", version, "unix_socket", cfg.UnixSocket, "listen_addr", cfg.ListenAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutdown signal received")

	m.close()
}

// manager holds every collaborator wired together for one running daemon.
type manager struct {
	cfg *config.Config
	log *slog.Logger

	pool        *netpoll.Pool
	connections *registry.Connections
	relays      registry.RelayRegistry
	queues      scheduler.Factory
	handshake   *capability.Handshake
	rtr         *router.Router
	driver      *sensor.Driver
	transportCfg *transport.Config

	unixListener net.Listener
	inetListener net.Listener
}

func newManager(cfg *config.Config, log *slog.Logger) (*manager, error) {
	pool, err := netpoll.NewPool(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	relays, err := buildRelayRegistry(cfg)
	if err != nil {
		pool.Stop()
		return nil, err
	}
	queues, err := buildQueueFactory(cfg)
	if err != nil {
		pool.Stop()
		return nil, err
	}

	connections := registry.NewConnections()
	handshake := &capability.Handshake{
		LocalPermission: wire.Capability(cfg.LocalPermission),
		Relays:          relays,
		Connections:     connections,
		Queues:          queues,
	}
	rtr := &router.Router{Connections: connections, Logger: log}
	driver := &sensor.Driver{Handshake: handshake, Router: rtr, Connections: connections, Log: log}

	return &manager{
		cfg:          cfg,
		log:          log,
		pool:         pool,
		connections:  connections,
		relays:       relays,
		queues:       queues,
		handshake:    handshake,
		rtr:          rtr,
		driver:       driver,
		transportCfg: buildTransportConfig(cfg, log),
	}, nil
}

func buildRelayRegistry(cfg *config.Config) (registry.RelayRegistry, error) {
	if cfg.AzureTableConnString == "" {
		return registry.NewMemRelayRegistry(), nil
	}
	svc, err := aztables.NewServiceClientFromConnectionString(cfg.AzureTableConnString, nil)
	if err != nil {
		return nil, fmt.Errorf("azure table service client: %w", err)
	}
	client := svc.NewClient(cfg.AzureTableName)
	durable := registry.NewTableBackedRelayRegistry(client, "manager")
	if err := durable.LoadAll(context.Background()); err != nil {
		return nil, fmt.Errorf("load durable relay registry: %w", err)
	}
	return durable, nil
}

func buildQueueFactory(cfg *config.Config) (scheduler.Factory, error) {
	if cfg.AzureQueueConnString == "" {
		return &scheduler.MemFactory{}, nil
	}
	svc, err := azqueue.NewServiceClientFromConnectionString(cfg.AzureQueueConnString, nil)
	if err != nil {
		return nil, fmt.Errorf("azure queue service client: %w", err)
	}
	return &scheduler.AzureFactory{Client: svc}, nil
}

func buildTransportConfig(cfg *config.Config, log *slog.Logger) *transport.Config {
	tc := &transport.Config{NoiseEnabled: cfg.NoiseEnabled}
	if cfg.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			log.Warn("failed to load tls keypair, continuing without tls", "err", err)
			return tc
		}
		tc.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	return tc
}

func (m *manager) listenAndServe() error {
	if m.cfg.UnixSocket != "" {
		l, err := transport.ListenUnix(m.cfg.UnixSocket)
		if err != nil {
			return err
		}
		m.unixListener = l
		go m.acceptLoop(l)
	}
	if m.cfg.ListenAddr != "" {
		l, err := transport.ListenInet(m.cfg.ListenAddr)
		if err != nil {
			return err
		}
		m.inetListener = l
		go m.acceptLoop(l)
	}
	return nil
}

func (m *manager) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.log.Warn("accept failed", "err", err)
			continue
		}
		go m.handleAccepted(conn)
	}
}

func (m *manager) handleAccepted(conn net.Conn) {
	remoteAddr := conn.RemoteAddr().String()
	negotiated, err := transport.NegotiateServer(conn, m.transportCfg)
	if err != nil {
		m.log.Warn("connection negotiation failed", "remote_addr", remoteAddr, "err", err)
		conn.Close()
		return
	}

	connLog := logger.WithAnalyzer(m.log.With("remote_addr", remoteAddr), negotiated.Credential.AnalyzerID, false)
	if negotiated.Encrypted {
		m.servePolled(negotiated, remoteAddr, connLog)
		return
	}
	m.serveEpoll(negotiated, remoteAddr, connLog)
}

// serveEpoll is the fast path: the accepted connection's fd is pulled out of
// the stdlib net.Conn and registered with the epoll reactor directly.
func (m *manager) serveEpoll(negotiated *transport.Negotiated, remoteAddr string, log *slog.Logger) {
	m.registerEpoll(negotiated, remoteAddr, log, false)
}

// registerEpoll extracts negotiated's raw fd and registers it with the
// worker pool, constructing the Connection once the pool hands back a
// *netpoll.Conn to wrap. A sync/atomic pointer bridges the gap between
// Register (which needs the callbacks before a Connection can exist) and
// the Connection (which needs the registered *netpoll.Conn as its
// transport). Callbacks only ever fire from the worker's own run loop, never
// synchronously inside Register, but that loop may dispatch an event for fd
// before the store below; such a callback finds a nil pointer and does
// nothing (read and write report keep-alive, close skips OnClose).
func (m *manager) registerEpoll(negotiated *transport.Negotiated, remoteAddr string, log *slog.Logger, weConnected bool) *sensor.Connection {
	fd, err := transport.ExtractFD(negotiated.Conn)
	if err != nil {
		log.Warn("fd extraction failed, closing", "err", err)
		return nil
	}

	var connPtr atomic.Pointer[sensor.Connection]
	readf := func(_ *netpoll.Conn) int {
		sc := connPtr.Load()
		if sc == nil {
			return 0
		}
		return m.driver.OnReadable(sc)
	}
	writef := func(_ *netpoll.Conn) int {
		sc := connPtr.Load()
		if sc == nil {
			return 0
		}
		return m.driver.OnWritable(sc)
	}
	closef := func(_ *netpoll.Conn) {
		sc := connPtr.Load()
		if sc == nil {
			return
		}
		m.driver.OnClose(sc)
	}

	pc, err := m.pool.Register(fd, remoteAddr, readf, writef, closef)
	if err != nil {
		log.Warn("register with worker pool failed", "err", err)
		return nil
	}

	sc := sensor.NewConnection(pc, negotiated.Credential.AnalyzerID, true, negotiated.Credential.Permission, weConnected, log)
	connPtr.Store(sc)
	logger.WithConn(log, sc.ID(), remoteAddr).Info("connection registered")
	return sc
}

// servePolled drives an encrypted (TLS/Noise) connection with a ticker
// instead of epoll, since its framing lives in a Go-level net.Conn wrapper
// the raw reactor cannot see through.
const pollInterval = 10 * time.Millisecond

func (m *manager) servePolled(negotiated *transport.Negotiated, remoteAddr string, log *slog.Logger) {
	sc := sensor.NewConnection(&pollTransport{stream: negotiated.Stream, remoteAddr: remoteAddr},
		negotiated.Credential.AnalyzerID, true, negotiated.Credential.Permission, false, log)
	logger.WithConn(log, sc.ID(), remoteAddr).Info("connection registered")
	go m.pollLoop(sc)
}

// pollLoop drives one connection's read/write callbacks on an interval
// instead of epoll readiness, until either returns -1 (close).
func (m *manager) pollLoop(sc *sensor.Connection) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for range ticker.C {
		if m.driver.OnReadable(sc) < 0 {
			m.driver.OnClose(sc)
			return
		}
		if m.driver.OnWritable(sc) < 0 {
			m.driver.OnClose(sc)
			return
		}
	}
}

// pollTransport adapts a wire.ByteStream to sensor.Transport for the
// ticker-driven path; writability is never "disarmed" since there is no
// epoll interest set to manipulate.
type pollTransport struct {
	stream     wire.ByteStream
	remoteAddr string
}

func (p *pollTransport) Read(b []byte) (int, error)  { return p.stream.Read(b) }
func (p *pollTransport) Write(b []byte) (int, error) { return p.stream.Write(b) }
func (p *pollTransport) RemoteAddr() string          { return p.remoteAddr }
func (p *pollTransport) NotifyWriteEnable()          {}
func (p *pollTransport) NotifyWriteDisable()         {}

// dialRelayDestinations establishes this node's own outbound connections to
// configured peer managers, per spec.md §4.3's outbound-connect path.
func (m *manager) dialRelayDestinations() {
	for _, addr := range m.cfg.RelayDestinations {
		addr := addr
		go func() {
			if err := m.dialRelay(addr); err != nil {
				m.log.Error("relay dial failed", "addr", addr, "err", err)
			}
		}()
	}
}

func (m *manager) dialRelay(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	cred := transport.Credential{AnalyzerID: m.cfg.LocalAnalyzerID, Permission: wire.Capability(m.cfg.LocalPermission)}
	negotiated, err := transport.NegotiateClient(conn, m.transportCfg, cred)
	if err != nil {
		conn.Close()
		return fmt.Errorf("negotiate with %s: %w", addr, err)
	}

	log := logger.WithAnalyzer(m.log.With("remote_addr", addr), cred.AnalyzerID, true)
	if !negotiated.Encrypted {
		m.serveOutboundEpoll(negotiated, addr, log)
		return nil
	}
	m.serveOutboundPolled(negotiated, addr, log)
	return nil
}

func (m *manager) serveOutboundEpoll(negotiated *transport.Negotiated, remoteAddr string, log *slog.Logger) {
	sc := m.registerEpoll(negotiated, remoteAddr, log, true)
	if sc == nil {
		return
	}
	m.markOutboundReady(sc, negotiated.Credential.AnalyzerID, log)
}

func (m *manager) serveOutboundPolled(negotiated *transport.Negotiated, remoteAddr string, log *slog.Logger) {
	sc := sensor.NewConnection(&pollTransport{stream: negotiated.Stream, remoteAddr: remoteAddr},
		negotiated.Credential.AnalyzerID, true, negotiated.Credential.Permission, true, log)
	logger.WithConn(log, sc.ID(), remoteAddr).Info("connection registered")
	m.markOutboundReady(sc, negotiated.Credential.AnalyzerID, log)
	go m.pollLoop(sc)
}

// markOutboundReady allocates this outbound connection's event queue and
// registers it, per spec.md §4.3's outbound-connect constructor (identity
// and permission are already known from the credential we dialed with, so
// there is no CONNECTION_CAPABILITY handshake to wait for).
func (m *manager) markOutboundReady(sc *sensor.Connection, analyzerID uint64, log *slog.Logger) {
	queue, err := m.queues.NewQueue(analyzerID)
	if err != nil {
		log.Warn("allocate event queue failed", "err", err)
		return
	}
	sc.MarkReady(m.connections, queue, nil)
}

func (m *manager) close() {
	if m.unixListener != nil {
		m.unixListener.Close()
	}
	if m.inetListener != nil {
		m.inetListener.Close()
	}
	m.pool.Stop()
}

func applyFlagOverrides(cfg *config.Config, cli *cliConfig) {
	if cli.unixSocket != "" {
		cfg.UnixSocket = cli.unixSocket
	}
	if cli.listenAddr != "" {
		cfg.ListenAddr = cli.listenAddr
	}
	if cli.logLevel != "" {
		cfg.LogLevel = cli.logLevel
	}
	if cli.workers != 0 {
		cfg.Workers = cli.workers
	}
	if cli.localPermission != 0 {
		cfg.LocalPermission = uint8(cli.localPermission)
	}
	if cli.tlsCertFile != "" {
		cfg.TLSCertFile = cli.tlsCertFile
	}
	if cli.tlsKeyFile != "" {
		cfg.TLSKeyFile = cli.tlsKeyFile
	}
	if cli.noiseEnabled {
		cfg.NoiseEnabled = true
	}
}
