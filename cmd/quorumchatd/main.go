package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	core "quorumchat.io/core"
	"quorumchat.io/core/client"
	"quorumchat.io/core/configuration"
	"quorumchat.io/core/network"
	"quorumchat.io/core/stats"
	"quorumchat.io/core/wire"
)

func main() {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	logger.Log("product", core.ProductName, "version", core.ProductVersion, "args", fmt.Sprint(os.Args))

	if d, err := newDaemon(logger); err != nil {
		fmt.Printf("\n%v\n\n", err)
		flag.Usage()
		os.Exit(1)
	} else if d != nil {
		d.run()
	}
}

type daemon struct {
	logger   log.Logger
	config   *configuration.Config
	node     *client.Node
	listener net.Listener

	mu       sync.Mutex
	sessions map[interface{}]*client.Session
	active   *client.Session
	done     chan struct{}
}

func newDaemon(logger log.Logger) (*daemon, error) {
	var configFile, listenAddr, promAddr string
	var version bool

	flag.StringVar(&configFile, "config", "", "`Path` to configuration file.")
	flag.StringVar(&listenAddr, "listen", "", "host:port to accept peer connections on (overrides config).")
	flag.StringVar(&promAddr, "prometheus", "", "host:port to serve /metrics and /debug/status on (overrides config).")
	flag.BoolVar(&version, "version", false, "Display version and exit.")
	flag.Parse()

	if version {
		fmt.Println(core.ProductName, "version", core.ProductVersion)
		return nil, nil
	}

	var cfg *configuration.Config
	var err error
	if configFile != "" {
		cfg, err = configuration.LoadFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		if listenAddr == "" {
			listenAddr = fmt.Sprintf(":%d", core.DefaultPort)
		}
		cfg = configuration.BlankConfig("default", listenAddr)
	}
	if listenAddr != "" {
		cfg.ListenAddress = listenAddr
	}
	if promAddr != "" {
		cfg.PrometheusAddress = promAddr
	}

	d := &daemon{
		logger:   logger,
		config:   cfg,
		sessions: make(map[interface{}]*client.Session),
		done:     make(chan struct{}),
	}

	registry := prometheus.NewRegistry()
	metrics := stats.NewMetrics(registry)
	cm := network.NewConnectionManager(logger)

	learn := client.LearnTable{
		Chat: func(payload, originDesc []byte) {
			fmt.Printf("<%s> %s\n", originDesc, payload)
		},
		Join: func(desc []byte) {
			fmt.Printf("* %s joined\n", desc)
		},
		Part: func(desc []byte) {
			fmt.Printf("* %s left\n", desc)
		},
	}
	d.node = client.NewNode(cm, learn,
		d.sessionEntered, d.sessionLeft,
		[]byte(cfg.ListenAddress), cfg.SyncInterval, metrics, logger)

	d.listener, err = net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.ListenAddress, err)
	}

	if cfg.PrometheusAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/debug/status", func(w http.ResponseWriter, _ *http.Request) {
			d.node.StatusDump(w)
		})
		go func() {
			if err := http.ListenAndServe(cfg.PrometheusAddress, mux); err != nil {
				logger.Log("msg", "metrics server failed", "error", err)
			}
		}()
	}

	return d, nil
}

func (d *daemon) sessionEntered(sess *client.Session) interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	cookie := sess.Id
	d.sessions[cookie] = sess
	d.active = sess
	d.logger.Log("msg", "entered session", "session", sess.Id.String())
	return cookie
}

func (d *daemon) sessionLeft(cookie interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, cookie)
	if d.active != nil && d.active.Id == cookie {
		d.active = nil
	}
	d.logger.Log("msg", "left session", "session", cookie)
	if len(d.sessions) == 0 {
		select {
		case <-d.done:
		default:
			close(d.done)
		}
	}
}

func (d *daemon) run() {
	go d.acceptLoop()
	go d.stdinLoop()

	if len(d.config.Seeds) == 0 {
		d.node.Start()
	} else {
		d.logger.Log("msg", "waiting for invitation", "listen", d.config.ListenAddress)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		d.logger.Log("msg", "signalled, leaving sessions", "signal", sig)
		sessions := d.node.Sessions()
		for _, sess := range sessions {
			d.node.End(sess)
		}
		if len(sessions) > 0 {
			<-d.done
		}
	case <-d.done:
	}
	d.listener.Close()
}

func (d *daemon) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		d.node.RegisterConnection(conn)
	}
}

// stdinLoop is a minimal operator console: plain lines are CHAT payloads,
// "/invite host:port" submits a JOIN for that descriptor, "/quit" parts.
func (d *daemon) stdinLoop() {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		d.mu.Lock()
		sess := d.active
		d.mu.Unlock()
		if sess == nil {
			fmt.Println("no active session")
			continue
		}
		switch {
		case line == "/quit":
			d.node.End(sess)
		case strings.HasPrefix(line, "/invite "):
			desc := strings.TrimSpace(strings.TrimPrefix(line, "/invite "))
			if err := d.node.Request(sess, wire.KindJoin, []byte(desc)); err != nil {
				fmt.Println(err)
			}
		default:
			if err := d.node.Request(sess, wire.KindChat, []byte(line)); err != nil {
				fmt.Println(err)
			}
		}
	}
}
