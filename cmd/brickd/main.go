// Command brickd is the composition root for the routing and framing
// core: it wires the Event Reactor, Router, Hardware Registry, client
// listeners, the mesh gateway listener, and any configured SPITFP
// bricklet ports into one running daemon. Configuration-file discovery,
// command-line/service wrappers, and USB hotplug enumeration are
// external collaborators per spec §1/§9 and are not implemented here;
// see DESIGN.md.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tinkerforge/brickd/internal/client"
	"github.com/tinkerforge/brickd/internal/config"
	"github.com/tinkerforge/brickd/internal/logx"
	"github.com/tinkerforge/brickd/internal/mesh"
	"github.com/tinkerforge/brickd/internal/prof"
	"github.com/tinkerforge/brickd/internal/reactor"
	"github.com/tinkerforge/brickd/internal/router"
	"github.com/tinkerforge/brickd/internal/spitfp"
	"github.com/tinkerforge/brickd/internal/stack"
	"github.com/tinkerforge/brickd/internal/tfp"
)

var (
	configPath = flag.String("config", "", "path to a brickd.yaml configuration file (empty = documented defaults)")
	cpuProfile = flag.String("cpuprofile", "", "write a CPU profile to this path for the life of the process (requires building with -tags profile; a no-op otherwise)")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	cfg := loadConfig(*configPath)
	configureLogging(cfg.Log.Level)
	defer logx.Sync()

	if *cpuProfile != "" {
		if err := prof.StartCPU(*cpuProfile); err != nil {
			logx.Error(logx.ComponentReactor, "failed to start cpu profile", "err", err)
		} else {
			defer prof.StopCPU()
		}
	}

	re, err := reactor.New()
	if err != nil {
		logx.Error(logx.ComponentReactor, "failed to create reactor", "err", err)
		return 1
	}
	defer re.Close()

	registry := stack.NewRegistry()
	clients := newClientDirectory()
	r := router.New(registry, clients, daemonAuthHandler)

	re.AddTimer(router.PendingExpiry, router.PendingExpiry, func() {
		r.SweepExpiredPending()
		registry.Compact()
	})
	re.AddTimer(client.DisconnectProbeIdleThreshold, client.DisconnectProbeIdleThreshold, func() {
		clients.checkIdle()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	secret := []byte(cfg.Authentication.Secret)

	if err := startPlainListener(ctx, &wg, cfg, r, clients, secret); err != nil {
		logx.Error(logx.ComponentClient, "failed to start plain listener", "err", err)
		return 1
	}
	if cfg.Listen.WebSocketPort != 0 {
		startWebSocketListener(ctx, &wg, cfg, r, clients, secret)
	}

	meshMgr := mesh.NewManager(r, registry, gatewayAddress(), cfg.Mesh.RootPolicy())
	if err := startMeshListener(ctx, &wg, cfg, re, meshMgr); err != nil {
		logx.Error(logx.ComponentMesh, "failed to start mesh listener", "err", err)
		return 1
	}

	links := startBrickletPorts(cfg, re, registry, r)
	defer func() {
		for _, l := range links {
			l.link.Stop()
			re.RemoveSource(l.notifier.FD())
			l.notifier.Close()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logx.Info(logx.ComponentReactor, "shutdown signal received")
		cancel()
		re.Stop()
	}()

	logx.Info(logx.ComponentReactor, "brickd started",
		"plain_addr", fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.PlainPort),
		"mesh_addr", fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.MeshGatewayPort))

	if err := re.Run(nil); err != nil {
		logx.Error(logx.ComponentReactor, "reactor exited with error", "err", err)
		wg.Wait()
		return 1
	}
	wg.Wait()
	return 0
}

func loadConfig(path string) config.Config {
	if path == "" {
		return config.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		logx.Error(logx.ComponentConfig, "failed to open config, using defaults", "path", path, "err", err)
		return config.Default()
	}
	defer f.Close()
	cfg, err := config.Load(f)
	if err != nil {
		logx.Error(logx.ComponentConfig, "failed to parse config, using defaults", "path", path, "err", err)
		return config.Default()
	}
	return cfg
}

func configureLogging(level config.LogLevel) {
	var zapLevel zapcore.Level
	switch level {
	case config.LogLevelError:
		zapLevel = zapcore.ErrorLevel
	case config.LogLevelWarn:
		zapLevel = zapcore.WarnLevel
	case config.LogLevelDebug:
		zapLevel = zapcore.DebugLevel
	default:
		zapLevel = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zapLevel)
	l, err := zcfg.Build()
	if err != nil {
		return
	}
	logx.SetLogger(l)
}

// daemonAuthHandler answers requests addressed to the daemon itself
// (uid 0, spec §4.4 step 1). Authentication (get_nonce/authenticate) is
// handled per-session before a request ever reaches the Router (see
// internal/client's authState), so there is presently nothing else
// addressed to uid 0; this stays a no-op seam for any future
// daemon-addressed function.
func daemonAuthHandler(router.Client, tfp.Header, []byte) {}

// newClientDirectory creates an empty, thread-safe client registry
// implementing router.ClientDirectory.
func newClientDirectory() *clientDirectory {
	return &clientDirectory{sessions: make(map[*client.Session]struct{})}
}

type clientDirectory struct {
	mu       sync.Mutex
	sessions map[*client.Session]struct{}
}

func (d *clientDirectory) add(s *client.Session) {
	d.mu.Lock()
	d.sessions[s] = struct{}{}
	d.mu.Unlock()
}

func (d *clientDirectory) remove(s *client.Session) {
	d.mu.Lock()
	delete(d.sessions, s)
	d.mu.Unlock()
}

// checkIdle drives the disconnect-probe liveness check (spec §6, C5
// expansion) across every currently connected session.
func (d *clientDirectory) checkIdle() {
	d.mu.Lock()
	snapshot := make([]*client.Session, 0, len(d.sessions))
	for s := range d.sessions {
		snapshot = append(snapshot, s)
	}
	d.mu.Unlock()
	for _, s := range snapshot {
		if s.CheckIdle(client.DisconnectProbeIdleThreshold) {
			s.Close()
		}
	}
}

func (d *clientDirectory) ForEach(fn func(router.Client)) {
	d.mu.Lock()
	snapshot := make([]*client.Session, 0, len(d.sessions))
	for s := range d.sessions {
		snapshot = append(snapshot, s)
	}
	d.mu.Unlock()
	for _, s := range snapshot {
		fn(s)
	}
}

func startPlainListener(ctx context.Context, wg *sync.WaitGroup, cfg config.Config, r *router.Router, clients *clientDirectory, secret []byte) error {
	addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.PlainPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ln.Close()
		acceptLoop(ctx, ln, func(conn net.Conn) {
			sess := client.New(conn, r, secret)
			clients.add(sess)
			logx.Info(logx.ComponentClient, "plain client connected", "remote", conn.RemoteAddr())
			_ = sess.Run(ctx)
			clients.remove(sess)
			logx.Info(logx.ComponentClient, "plain client disconnected", "remote", conn.RemoteAddr())
		})
	}()
	return nil
}

var upgrader = websocket.Upgrader{
	Subprotocols: []string{"tfp"},
	CheckOrigin:  func(*http.Request) bool { return true },
}

func startWebSocketListener(ctx context.Context, wg *sync.WaitGroup, cfg config.Config, r *router.Router, clients *clientDirectory, secret []byte) {
	addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.WebSocketPort)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			logx.Warn(logx.ComponentClient, "websocket upgrade failed", "err", err)
			return
		}
		transport := client.NewWSTransport(conn)
		sess := client.New(transport, r, secret)
		clients.add(sess)
		stop := make(chan struct{})
		go transport.RunKeepalive(stop)
		logx.Info(logx.ComponentClient, "websocket client connected", "remote", conn.RemoteAddr())
		_ = sess.Run(ctx)
		close(stop)
		clients.remove(sess)
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.Error(logx.ComponentClient, "websocket listener failed", "err", err)
		}
	}()
}

func gatewayAddress() [6]byte {
	// The gateway's own mesh address is a provisioning concern (how the
	// operator assigns this daemon an address on the mesh); spec §1
	// treats configuration-file parsing as external. No configuration
	// key sets it; this returns the all-zero address.
	return [6]byte{}
}

func startMeshListener(ctx context.Context, wg *sync.WaitGroup, cfg config.Config, re *reactor.Reactor, mgr *mesh.Manager) error {
	addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.MeshGatewayPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ln.Close()
		acceptLoop(ctx, ln, func(conn net.Conn) {
			sess := mgr.Accept(conn, re)
			logx.Info(logx.ComponentMesh, "mesh peer connected", "remote", conn.RemoteAddr())
			buf := make([]byte, 4096)
			for {
				n, err := conn.Read(buf)
				if n > 0 {
					sess.Feed(buf[:n])
				}
				if err != nil || sess.IsCleanupPending() {
					break
				}
			}
			sess.Destroy()
		})
	}()
	return nil
}

func acceptLoop(ctx context.Context, ln net.Listener, handle func(net.Conn)) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		go handle(conn)
	}
}

// brickletPort pairs a running Link with its notifier so shutdown can
// stop and release both.
type brickletPort struct {
	link     *spitfp.Link
	notifier *spitfp.EventFD
	stack    *spitfp.BrickletStack
}

// startBrickletPorts opens one SPITFP Link per configured chip-select
// line (spec §6 bricklet.groupN.csM.*), registers each as a Stack, and
// wires its wake-eventfd into the reactor so PumpResponses runs on the
// reactor thread (spec §5: "An event-FD ... serves as the wake channel
// from the SPITFP thread into the reactor").
func startBrickletPorts(cfg config.Config, re *reactor.Reactor, registry *stack.Registry, r *router.Router) []brickletPort {
	hats := spitfp.NewHATRegistry()
	var ports []brickletPort
	portIndex := 0

	for gi, group := range cfg.Bricklet.Groups {
		for _, cs := range group.CS {
			devName := fmt.Sprintf(group.SPIDev, cs.Num)
			hal, err := spitfp.OpenPeriphHAL(devName, 1_000_000, cs.Driver, cs.Name)
			if err != nil {
				logx.Error(logx.ComponentSPITFP, "failed to open spi device, skipping port", "dev", devName, "err", err)
				continue
			}
			notifier, err := spitfp.NewEventFD()
			if err != nil {
				logx.Error(logx.ComponentSPITFP, "failed to create notifier, skipping port", "err", err)
				hal.Close()
				continue
			}

			sleep := time.Duration(0)
			if portIndex < len(cfg.Bricklet.Ports) {
				sleep = cfg.Bricklet.Ports[portIndex].SleepBetweenReads
			}

			link := spitfp.New(hal, devName, sleep, 100*time.Millisecond, notifier)
			name := fmt.Sprintf("spitfp-group%d-cs%d", gi, cs.Num)
			bs := spitfp.NewBrickletStack(name, link, notifier, spitfp.PortIndex(portIndex), hats, r)
			registry.Add(bs.Stack)

			re.AddSource(notifier.FD(), reactor.KindGeneric, reactor.EventRead, func(reactor.Events) {
				bs.PumpResponses()
			})

			link.Start()
			ports = append(ports, brickletPort{link: link, notifier: notifier, stack: bs})
			portIndex++
		}
	}
	return ports
}
