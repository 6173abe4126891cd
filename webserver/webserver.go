package webserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"anubisolver/resolver"
	"anubisolver/session"
	"anubisolver/storage"
)

const usageMessage = "Usage: /proxy/<host>/<path>\nExample: /proxy/clew.se/search?q=test"

// WebServer is the challenge-solving reverse proxy.
type WebServer struct {
	registry *session.Registry
	storage  *storage.Store
	scheme   string

	rateLimit rate.Limit
	rateBurst int

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	handler http.Handler
	httpSvr *http.Server
}

// Args configures Start.
type Args struct {
	BindAddr string
	Registry *session.Registry
	// Storage is optional; without it /stats is empty and sessions are
	// not persisted.
	Storage *storage.Store
	// UpstreamScheme defaults to https.
	UpstreamScheme string
	// RatePerHost caps outbound resolutions per upstream host, in
	// requests per second. Zero disables limiting.
	RatePerHost float64

	ShutdownChannel <-chan interface{}
	WG              *sync.WaitGroup
}

func newWebServer(args Args) (*WebServer, error) {
	if args.Registry == nil {
		return nil, errors.New("webserver requires a session registry")
	}

	scheme := args.UpstreamScheme
	if scheme == "" {
		scheme = "https"
	}

	ws := &WebServer{
		registry:  args.Registry,
		storage:   args.Storage,
		scheme:    scheme,
		rateLimit: rate.Limit(args.RatePerHost),
		rateBurst: 1,
		limiters:  make(map[string]*rate.Limiter),
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", ws.healthHandler)
	router.HandleFunc("/stats", ws.statsHandler)
	router.PathPrefix("/proxy/").HandlerFunc(ws.proxyHandler)
	router.NotFoundHandler = http.HandlerFunc(ws.usageHandler)

	ws.handler = handlers.RecoveryHandler()(
		handlers.LoggingHandler(log.StandardLogger().Writer(), router))

	return ws, nil
}

// Start launches the proxy in the background. The server drains when
// ShutdownChannel closes and signals WG once shutdown completes.
func Start(args Args) (*WebServer, error) {
	ws, err := newWebServer(args)
	if err != nil {
		return nil, err
	}

	ws.httpSvr = &http.Server{
		Handler: ws.handler,
		Addr:    args.BindAddr,
		// No WriteTimeout: a proof-of-work solve holds the request open
		// for as long as the difficulty demands.
		ReadTimeout: 15 * time.Second,
	}

	log.WithField("Addr", args.BindAddr).Info("Anubis proxy listening")

	go func() {
		if err := ws.httpSvr.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Httpserver: ListenAndServe()")
		}
		log.Info("Httpserver: Shutdown")
	}()

	go func() {
		<-args.ShutdownChannel
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ws.httpSvr.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Httpserver: Shutdown()")
		}
		args.WG.Done()
	}()

	return ws, nil
}

func (ws *WebServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("ok"))
}

func (ws *WebServer) usageHandler(w http.ResponseWriter, r *http.Request) {
	http.Error(w, usageMessage, http.StatusBadRequest)
}

func (ws *WebServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]storage.SolveRecord{}
	if ws.storage != nil {
		var err error
		stats, err = ws.storage.SolveStats()
		if err != nil {
			log.WithError(err).Error("Could not read solve stats")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// proxyHandler resolves /proxy/<host>/<path>[?query] against the
// upstream, solving any challenge along the way, and forwards the
// upstream response with hop-by-hop headers stripped.
func (ws *WebServer) proxyHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/proxy/")

	host, targetPath := rest, "/"
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		host, targetPath = rest[:i], rest[i:]
	}
	if host == "" {
		http.Error(w, "Missing host in path\n"+usageMessage, http.StatusBadRequest)
		return
	}

	target := ws.scheme + "://" + host + targetPath
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	log.WithFields(log.Fields{"method": r.Method, "target": target}).Info("Proxying")

	if lim := ws.limiter(host); lim != nil {
		if err := lim.Wait(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
	}

	res := resolver.New(ws.registry.GetOrCreate(host))
	res.Store = ws.storage

	resp, err := res.Resolve(r.Context(), target)
	if err != nil {
		log.WithError(err).WithField("target", target).Error("Proxy resolution failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	if err := ws.registry.Persist(host); err != nil {
		log.WithError(err).WithField("host", host).Warn("Could not persist session cookies")
	}

	for name, values := range resp.Header {
		if hopByHop(name) {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// hopByHop reports headers that describe the upstream connection rather
// than the payload; forwarding them corrupts our own framing.
func hopByHop(name string) bool {
	switch strings.ToLower(name) {
	case "transfer-encoding", "connection":
		return true
	}
	return false
}

func (ws *WebServer) limiter(host string) *rate.Limiter {
	if ws.rateLimit == 0 {
		return nil
	}

	ws.limitersMu.Lock()
	defer ws.limitersMu.Unlock()

	lim, ok := ws.limiters[host]
	if !ok {
		lim = rate.NewLimiter(ws.rateLimit, ws.rateBurst)
		ws.limiters[host] = lim
	}
	return lim
}
