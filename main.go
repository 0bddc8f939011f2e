package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/rdnat/internal/auth"
	"github.com/die-net/rdnat/internal/dialer"
	"github.com/die-net/rdnat/internal/ledger"
	"github.com/die-net/rdnat/internal/metrics"
	"github.com/die-net/rdnat/internal/proxy"
)

const defaultDebugLogFile = "rdnat.log"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		mode = pflag.String("mode", string(proxy.ModeHTTP), "Mode: listen | agent | forward | http | socks5")

		bind    = pflag.String("bind", "0.0.0.0", "Host to listen on")
		port    = pflag.IntP("port", "p", 8000, "Listen port (listen mode: first port)")
		port2   = pflag.Int("port2", 0, "Second listen port (listen mode)")
		remote  = pflag.String("remote", "", "Remote host:port (forward mode target, agent mode first target)")
		remote2 = pflag.String("remote2", "", "Second remote host:port (agent mode)")

		authFlag       = pflag.StringP("auth", "a", "", "Proxy credentials as user[:pass]; the password defaults to \""+auth.DefaultPassword+"\"")
		allowAnonymous = pflag.Bool("allow-anonymous", false, "Admit proxy clients that present no credentials even when --auth is set")

		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for protocol negotiation to set up connection")
		agentRetryDelay    = pflag.Duration("agent-retry-delay", proxy.DefaultAgentRetryDelay, "Pause between failed agent pairing attempts")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		resolveCacheTTL    = pflag.Duration("resolve-cache-ttl", time.Minute, "How long to cache name lookups; 0 disables")

		debug       = pflag.BoolP("debug", "d", false, "Enable debug logging (also logs to "+defaultDebugLogFile+" unless --log-file is given)")
		logFile     = pflag.String("log-file", "", "Also write logs to this file, rotated")
		verbose     = pflag.Bool("verbose", false, "Enable per-connection error logging")
		debugListen = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")

		ledgerRedis         = pflag.String("ledger-redis", "", "Redis address to record relay sessions in. Empty disables.")
		ledgerRedisPassword = pflag.String("ledger-redis-password", "", "Password for --ledger-redis")
		ledgerRedisDB       = pflag.Int("ledger-redis-db", 0, "Database number for --ledger-redis")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	m, err := proxy.ParseMode(*mode)
	if err != nil {
		return fmt.Errorf("invalid --mode: %w", err)
	}

	eps, err := modeEndpoints(m, *bind, *port, *port2, *remote, *remote2)
	if err != nil {
		return err
	}

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	var creds auth.Credentials
	if *authFlag != "" {
		creds, err = auth.Parse(*authFlag)
		if err != nil {
			return fmt.Errorf("invalid --auth: %w", err)
		}
	}

	logPath := *logFile
	if *debug && !pflag.CommandLine.Changed("log-file") {
		logPath = defaultDebugLogFile
	}
	logger := newLogger(*debug, logPath, os.Stderr)

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	led, err := ledger.New(ctx, *ledgerRedis, *ledgerRedisPassword, *ledgerRedisDB)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if r, ok := led.(*ledger.Redis); ok {
		defer func() { _ = r.Shutdown() }()
	}

	cfg := proxy.Config{
		NegotiationTimeout: *negotiationTimeout,
		KeepAlive:          ka,
		Dialer: dialer.NewDirectDialer(dialer.Config{
			DialTimeout: *dialTimeout,
			KeepAlive:   ka,
			ResolveTTL:  *resolveCacheTTL,
		}),
		Credentials:    creds,
		AllowAnonymous: *allowAnonymous,
		Ledger:         led,
		Logger:         logger,
		Verbose:        *verbose,
	}

	if *debugListen != "" {
		metrics.Register(http.DefaultServeMux)
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: cfg.KeepAlive}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Infof("debug listening on %s", *debugListen)
	}

	log := logger.WithField("mode", m)

	switch m {
	case proxy.ModeListen:
		lnA, err := proxy.ListenTCP(ctx, eps.listen, cfg.KeepAlive)
		if err != nil {
			return err
		}
		lnB, err := proxy.ListenTCP(ctx, eps.listen2, cfg.KeepAlive)
		if err != nil {
			_ = lnA.Close()
			return err
		}
		srv := proxy.NewListenServer(ctx, cfg)
		g.Go(func() error {
			if err := srv.Serve(lnA, lnB); err != nil {
				return fmt.Errorf("listen serve: %w", err)
			}
			return nil
		})
		log.Infof("pairing connections on %s and %s", eps.listen, eps.listen2)

	case proxy.ModeAgent:
		agent := proxy.NewAgentConnector(cfg, eps.remote, eps.remote2, *agentRetryDelay)
		g.Go(func() error {
			return agent.Run(ctx)
		})
		log.Infof("relaying %s to %s", eps.remote, eps.remote2)

	default:
		var srv interface{ Serve(net.Listener) error }
		switch m {
		case proxy.ModeForward:
			srv = proxy.NewForwardServer(ctx, cfg, eps.remote)
		case proxy.ModeHTTP:
			srv = proxy.NewHTTPProxyServer(ctx, cfg)
		case proxy.ModeSOCKS5:
			srv = proxy.NewSOCKS5Server(ctx, cfg)
		}

		ln, err := proxy.ListenTCP(ctx, eps.listen, cfg.KeepAlive)
		if err != nil {
			return err
		}
		context.AfterFunc(ctx, func() {
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil {
				return fmt.Errorf("%s serve: %w", m, err)
			}
			return nil
		})
		if m == proxy.ModeForward {
			log.Infof("forwarding %s to %s", eps.listen, eps.remote)
		} else {
			log.Infof("listening on %s", eps.listen)
		}
	}

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Info("shutting down")
	return err
}

// endpoints are the addresses a mode listens on and dials.
type endpoints struct {
	listen, listen2 string
	remote, remote2 string
}

// modeEndpoints checks that every address the mode needs was given.
func modeEndpoints(m proxy.Mode, bind string, port, port2 int, remote, remote2 string) (endpoints, error) {
	var eps endpoints

	needPort := func(name string, p int) (string, error) {
		if p <= 0 || p > 65535 {
			return "", fmt.Errorf("%s mode needs --%s in 1-65535, got %d", m, name, p)
		}
		return net.JoinHostPort(bind, strconv.Itoa(p)), nil
	}
	needRemote := func(name, addr string) (string, error) {
		if addr == "" {
			return "", fmt.Errorf("%s mode needs --%s", m, name)
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return "", fmt.Errorf("invalid --%s: %w", name, err)
		}
		return addr, nil
	}

	var err error
	switch m {
	case proxy.ModeListen:
		if eps.listen, err = needPort("port", port); err != nil {
			return eps, err
		}
		if eps.listen2, err = needPort("port2", port2); err != nil {
			return eps, err
		}
		if port == port2 {
			return eps, errors.New("listen mode needs two different ports")
		}
	case proxy.ModeAgent:
		if eps.remote, err = needRemote("remote", remote); err != nil {
			return eps, err
		}
		if eps.remote2, err = needRemote("remote2", remote2); err != nil {
			return eps, err
		}
	case proxy.ModeForward:
		if eps.listen, err = needPort("port", port); err != nil {
			return eps, err
		}
		if eps.remote, err = needRemote("remote", remote); err != nil {
			return eps, err
		}
	default:
		if eps.listen, err = needPort("port", port); err != nil {
			return eps, err
		}
	}
	return eps, nil
}

// newLogger logs to stderr, and additionally to a rotated file when logPath
// is set.
func newLogger(debug bool, logPath string, stderr io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&nested.Formatter{
		FieldsOrder:     []string{"mode", "session", "client", "target"},
		TimestampFormat: time.RFC3339,
		NoColors:        logPath != "",
	})
	l.SetOutput(stderr)
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
	if logPath != "" {
		l.SetOutput(io.MultiWriter(stderr, &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		}))
	}
	return l
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
