package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"github.com/tariel-x/duocall/internal/config"
)

const shutdownTimeout = 10 * time.Second

type serveMode string

const (
	modeHTTP       serveMode = "http"
	modeSelfSigned serveMode = "self-signed"
	modeAutocert   serveMode = "autocert"
)

func chooseMode(cfg *config.Config, selfSigned bool) serveMode {
	switch {
	case cfg.HTTPOnly:
		return modeHTTP
	case selfSigned:
		return modeSelfSigned
	default:
		return modeAutocert
	}
}

// servePlan is the set of listeners for one mode. In the TLS modes the
// plain HTTP port only redirects (and answers ACME challenges).
type servePlan struct {
	mode    serveMode
	host    string
	port    string
	servers []*http.Server
}

func newServePlan(cfg *config.Config, selfSigned bool, api http.Handler, logger *slog.Logger) (*servePlan, error) {
	p := &servePlan{mode: chooseMode(cfg, selfSigned), host: publicHost(cfg.Domain)}
	errorLog := log.New(newTLSErrorWriter(logger), "", 0)

	switch p.mode {
	case modeHTTP:
		p.port = cfg.HTTPPort
		p.servers = []*http.Server{newServer(cfg.HTTPPort, api, errorLog)}

	case modeSelfSigned:
		dnsNames, ips := certificateHosts(p.host, localAddresses())
		cert, err := selfSignedCertificate(dnsNames, ips, time.Now())
		if err != nil {
			return nil, fmt.Errorf("self-signed certificate: %w", err)
		}
		logger.Info("self-signed certificate generated", "dns_names", dnsNames, "ips", ips)

		p.port = cfg.HTTPSPort
		tlsServer := newServer(cfg.HTTPSPort, api, errorLog)
		tlsServer.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		p.servers = []*http.Server{tlsServer, newServer(cfg.HTTPPort, httpsRedirect(cfg.HTTPSPort), errorLog)}

	case modeAutocert:
		if p.host == "localhost" || net.ParseIP(p.host) != nil {
			return nil, fmt.Errorf("let's encrypt needs a public domain, got %q: set DOMAIN or use --self-signed", p.host)
		}
		certsDir := certsDirectory()
		if err := os.MkdirAll(certsDir, 0700); err != nil {
			return nil, fmt.Errorf("create certs directory: %w", err)
		}
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(p.host, "www."+p.host),
			Cache:      autocert.DirCache(certsDir),
		}
		logger.Info("certificates managed by Let's Encrypt", "domain", p.host, "cache", certsDir)

		p.port = cfg.HTTPSPort
		tlsServer := newServer(cfg.HTTPSPort, api, errorLog)
		tlsServer.TLSConfig = m.TLSConfig()
		p.servers = []*http.Server{tlsServer, newServer(cfg.HTTPPort, m.HTTPHandler(httpsRedirect(cfg.HTTPSPort)), errorLog)}
	}
	return p, nil
}

// newServer bounds only the header read: store websocket connections are
// long-lived and their pumps set per-frame deadlines.
func newServer(port string, handler http.Handler, errorLog *log.Logger) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          errorLog,
	}
}

// endpoints are the addresses a client is told to use.
type endpoints struct {
	Server    string
	Websocket string
	STUN      string
}

func (p *servePlan) endpoints(stunPort int) endpoints {
	scheme, wsScheme, defaultPort := "https", "wss", "443"
	if p.mode == modeHTTP {
		scheme, wsScheme, defaultPort = "http", "ws", "80"
	}
	hostPort := p.host
	if p.port != defaultPort {
		hostPort = net.JoinHostPort(p.host, p.port)
	}
	return endpoints{
		Server:    scheme + "://" + hostPort,
		Websocket: wsScheme + "://" + hostPort + "/api/ws",
		STUN:      fmt.Sprintf("stun:%s", net.JoinHostPort(p.host, fmt.Sprint(stunPort))),
	}
}

func (p *servePlan) logEndpoints(logger *slog.Logger, stunPort int) {
	ep := p.endpoints(stunPort)
	logger.Info("serving",
		"mode", string(p.mode),
		"server", ep.Server,
		"websocket", ep.Websocket,
		"stun", ep.STUN,
	)
	if p.mode == modeSelfSigned {
		logger.Info(fmt.Sprintf("clients connect with: duocall --server %s --insecure join <room> <name>", ep.Server))
	}
}

// serve runs every listener until ctx ends or one of them fails.
// closeClients runs first on shutdown: hijacked websocket connections are
// not tracked by http.Server.Shutdown.
func (p *servePlan) serve(ctx context.Context, closeClients func()) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range p.servers {
		srv := srv
		g.Go(func() error {
			var err error
			if srv.TLSConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		closeClients()
		var errs []error
		for _, srv := range p.servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// httpsRedirect sends plain HTTP requests to the TLS port. A 308 keeps
// POST /api/session a POST. Websocket clients do not follow redirects, so
// upgrades get 426 naming the wss endpoint.
func httpsRedirect(httpsPort string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if httpsPort != "443" {
			host = net.JoinHostPort(host, httpsPort)
		}

		if websocket.IsWebSocketUpgrade(r) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusUpgradeRequired)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "websocket requires TLS: connect to wss://" + host + r.URL.Path,
			})
			return
		}
		http.Redirect(w, r, "https://"+host+r.URL.RequestURI(), http.StatusPermanentRedirect)
	})
}

// publicHost is the configured domain without a www. prefix.
func publicHost(domain string) string {
	domain = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(domain)), "www.")
	if domain == "" {
		return "localhost"
	}
	return domain
}
