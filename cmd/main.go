package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/acmacalister/sift"
	"github.com/fatih/color"
)

func main() {
	var (
		// Config file (flags the user sets override it)
		configPath = flag.String("config", "", "path to config file (default: search ./sift.yaml, ~/.sift/config.yaml, /etc/sift/config.yaml)")
		genConfig  = flag.Bool("gen-config", false, "generate example config file and exit")

		// Individual flags
		addr       = flag.String("addr", "", "proxy listen address (host:port)")
		port       = flag.String("port", "", "proxy listen port (keeps the configured host)")
		filterOn   = flag.Bool("filter", false, "enable traffic filtering")
		filterMode = flag.String("filter-mode", "", "filtering mode: allow or deny")
		filterList = flag.String("filter-list", "", "exclusion list CSV, imported at startup and reloaded on SIGHUP")
		adminAddr  = flag.String("admin", "", "control API listen address (empty disables)")
		autostart  = flag.Bool("autostart", true, "start forwarding immediately")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	// Generate example config mode
	if *genConfig {
		if err := sift.WriteExampleConfig("sift.yaml"); err != nil {
			fmt.Fprintln(os.Stderr, "generate config:", err)
			os.Exit(1)
		}
		fmt.Println("Generated sift.yaml")
		return
	}

	cfg, err := sift.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	// Apply only the flags the user actually set on top of the config.
	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	if setFlags["addr"] {
		host, p, err := net.SplitHostPort(*addr)
		if err != nil {
			fmt.Fprintln(os.Stderr, "invalid -addr:", err)
			os.Exit(1)
		}
		cfg.Proxy.Host = host
		cfg.Proxy.Port = p
	}
	if setFlags["port"] {
		cfg.Proxy.Port = *port
	}
	if setFlags["filter"] {
		cfg.Filter.Enabled = *filterOn
	}
	if setFlags["filter-mode"] {
		cfg.Filter.Mode = *filterMode
	}
	if setFlags["filter-list"] {
		cfg.Filter.ListPath = *filterList
	}
	if setFlags["admin"] {
		cfg.Control.Addr = *adminAddr
		cfg.Control.Enabled = *adminAddr != ""
	}
	if setFlags["autostart"] {
		cfg.Proxy.Autostart = *autostart
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configure logging:", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	proxy, err := cfg.BuildProxy()
	if err != nil {
		logger.Error("build proxy", "error", err)
		os.Exit(1)
	}
	proxy.Logger = logger

	// Control API
	var controlSrv *http.Server
	if cfg.Control.Enabled {
		api := cfg.BuildControlAPI(proxy)
		api.Logger = logger
		controlSrv = &http.Server{Addr: cfg.Control.Addr, Handler: api}
		go func() {
			if err := controlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("control API", "error", err)
			}
		}()
		logger.Info("control API listening", "addr", cfg.Control.Addr)
	}

	// SIGHUP reloads the exclusion list from disk
	if cfg.Filter.ListPath != "" {
		reloader := sift.WatchSIGHUP(proxy, sift.FileReload(cfg.Filter.ListPath), logger)
		defer reloader.Cancel()
	}

	// Handle shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if proxy.StartEnabled {
		proxy.Run()
		status := awaitState(proxy, sift.StateRunning, 5*time.Second)
		if status.State != sift.StateRunning {
			color.Red("sift failed to start: %v", status.Err)
			os.Exit(1)
		}
		color.Green("sift proxy running on %s", proxy.ListenerAddr())
		color.White("configure your system proxy to use this address")
	} else {
		color.Yellow("sift proxy idle (autostart disabled)")
	}

	if state := proxy.TrafficFilter(); state.Enabled {
		entries := state.DenyExclusions
		if state.Mode == sift.FilterAllow {
			entries = state.AllowExclusions
		}
		color.Yellow("filtering enabled (%s mode, %d entries)", state.Mode, len(entries))
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			if controlSrv != nil {
				shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = controlSrv.Shutdown(shutCtx)
				cancel()
			}
			proxy.Stop()
			awaitState(proxy, sift.StateStopped, 5*time.Second)
			requests := proxy.Requests()
			blocked := 0
			for _, entry := range requests {
				if entry.Blocked {
					blocked++
				}
			}
			color.Green("sift stopped: %d requests handled, %d blocked", len(requests), blocked)
			return
		case <-ticker.C:
			if status := proxy.Status(); status.State == sift.StateError {
				color.Red("proxy error: %v", status.Err)
				os.Exit(1)
			}
		}
	}
}

// awaitState polls until the proxy reaches the wanted state, errors out,
// or the timeout passes. The last observed status is returned either way.
func awaitState(p *sift.Proxy, want sift.ProxyState, timeout time.Duration) sift.ProxyStatus {
	deadline := time.Now().Add(timeout)
	for {
		status := p.Status()
		if status.State == want || status.State == sift.StateError || time.Now().After(deadline) {
			return status
		}
		time.Sleep(10 * time.Millisecond)
	}
}
