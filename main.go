package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"

	"anubisolver/session"
	"anubisolver/storage"
	"anubisolver/webserver"
)

// Flags holds the command line surface. One binary, two modes: a
// one-shot fetch through the challenge (default) and a long-lived
// reverse proxy (-proxy).
type Flags struct {
	url       string
	progress  bool
	printHTML bool

	proxyMode  bool
	listenAddr string
	configPath string
	dataDir    string

	logDebug bool
	logTrace bool
}

func parseArgs() Flags {
	var f Flags

	flag.StringVar(&f.url, "url", "", "Target URL to fetch through the challenge")
	flag.BoolVar(&f.progress, "progress", false, "Print live proof-of-work progress")
	flag.BoolVar(&f.printHTML, "print-html", false, "Print the final protected content")

	flag.BoolVar(&f.proxyMode, "proxy", false, "Run as a challenge-solving reverse proxy")
	flag.StringVar(&f.listenAddr, "listen", "", "Proxy bind address (overrides config file)")
	flag.StringVar(&f.configPath, "config", "", "Optional YAML config file for proxy mode")
	flag.StringVar(&f.dataDir, "datadir", "", "Directory for the session database (proxy mode)")

	flag.BoolVar(&f.logDebug, "debug", false, "Enable debug logging")
	flag.BoolVar(&f.logTrace, "trace", false, "Enable trace logging")

	flag.Parse()
	return f
}

func main() {
	flags := parseArgs()
	setupLogging(flags.logDebug, flags.logTrace)

	if flags.proxyMode {
		runProxy(flags)
		return
	}

	if flags.url == "" {
		fmt.Fprintln(os.Stderr, "Usage: anubisolver -url <target> [-progress] [-print-html]")
		os.Exit(2)
	}

	if err := runCLI(flags); err != nil {
		log.WithError(err).Error("Resolution failed")
		os.Exit(1)
	}
}

func runProxy(flags Flags) {
	cfg, err := loadProxyConfig(flags.configPath)
	if err != nil {
		log.WithError(err).Fatal("Could not load config")
	}
	if flags.listenAddr != "" {
		cfg.Listen = flags.listenAddr
	}
	if flags.dataDir != "" {
		cfg.DataDir = flags.dataDir
	}

	var store *storage.Store
	if cfg.DataDir != "" {
		store, err = storage.Open(cfg.DataDir)
		if err != nil {
			log.WithError(err).Fatal("Could not open session database")
		}
		defer store.Close()
	}

	shutdownChannel := setupCloseChannel()

	var wg sync.WaitGroup
	wg.Add(1)

	_, err = webserver.Start(webserver.Args{
		BindAddr:        cfg.Listen,
		Registry:        session.NewRegistry(store),
		Storage:         store,
		UpstreamScheme:  cfg.UpstreamScheme,
		RatePerHost:     cfg.RatePerHost,
		ShutdownChannel: shutdownChannel,
		WG:              &wg,
	})
	if err != nil {
		log.WithError(err).Fatal("Could not start proxy")
	}

	wg.Wait()
}

// setupCloseChannel converts SIGINT/SIGTERM into a channel close so
// long-running goroutines can drain.
func setupCloseChannel() chan interface{} {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	closing := make(chan interface{})
	go func() {
		<-signalChan
		log.Info("Shutdown signal received")
		close(closing)
	}()

	return closing
}
