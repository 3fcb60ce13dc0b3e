package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/acme/autocert"

	"github.com/tariel-x/meshcall/internal/authority"
	"github.com/tariel-x/meshcall/internal/config"
	"github.com/tariel-x/meshcall/internal/journal"
	"github.com/tariel-x/meshcall/internal/push"
	"github.com/tariel-x/meshcall/internal/turn"
)

const AppVersion = "1.0.0"

func main() {
	httpOnly := flag.Bool("http-only", false, "Serve plain HTTP (behind a reverse proxy or for development)")
	selfSigned := flag.Bool("self-signed", false, "Serve HTTPS with a generated self-signed certificate")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *httpOnly {
		cfg.HTTPOnly = true
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("meshcall server starting", "version", AppVersion)

	var turnServer *turn.Server
	if cfg.TURNEnabled {
		turnServer, err = turn.Start(cfg.TURNPort, cfg.TURNRealm, cfg.TURNUsername, cfg.TURNPassword, logger)
		if err != nil {
			logger.Error("failed to start TURN server", "error", err)
			os.Exit(1)
		}
		defer turnServer.Close()
		logger.Info("turn server started", "port", cfg.TURNPort)
	}

	jrnl, err := journal.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open journal", "error", err)
		os.Exit(1)
	}

	notifier, err := newNotifier(cfg, jrnl, logger)
	if err != nil {
		logger.Error("failed to init push notifier", "error", err)
		os.Exit(1)
	}

	auth := authority.New(
		authority.NewRoomStore(),
		authority.NewHub(),
		jrnl,
		notifier,
		turnServer,
		cfg.TURNPort,
		websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger,
	)

	router := setupRouter(auth, logger)
	startServer(router, cfg, *selfSigned, logger)
}

func newNotifier(cfg *config.Config, jrnl *journal.Journal, logger *slog.Logger) (*push.Notifier, error) {
	publicKey, privateKey := cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey
	if publicKey == "" || privateKey == "" {
		var err error
		privateKey, publicKey, err = push.GenerateVAPIDKeys()
		if err != nil {
			return nil, err
		}
		logger.Info("generated ephemeral VAPID keys; set VAPID_PUBLIC_KEY/VAPID_PRIVATE_KEY to keep subscriptions across restarts")
	}
	return push.NewNotifier(jrnl.DB(), publicKey, privateKey, cfg.VAPIDSubject, logger)
}

func setupRouter(auth *authority.Authority, logger *slog.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(slogGinLogger(logger), gin.Recovery())

	// CORS for browser clients served from another origin.
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	api := router.Group("/api")
	{
		api.GET("/rooms", auth.GetRooms)
		api.GET("/history", auth.GetHistory)
		api.GET("/turn-config", auth.GetTURNConfig)
		api.POST("/push/subscribe", auth.SubscribePush)
	}
	router.GET("/ws", auth.HandleWebSocket)

	return router
}

func startServer(router *gin.Engine, cfg *config.Config, selfSigned bool, logger *slog.Logger) {
	if cfg.HTTPOnly {
		httpServer := &http.Server{
			Addr:         ":" + cfg.HTTPPort,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		logger.Info("http server starting", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
		return
	}

	if selfSigned {
		startSelfSignedHTTPS(router, cfg, logger)
		return
	}

	domain := normalizeDomain(cfg.Domain)
	certsDir := "certs"
	if err := os.MkdirAll(certsDir, 0700); err != nil {
		logger.Error("failed to create certs directory", "error", err)
		return
	}

	m := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domain),
		Cache:      autocert.DirCache(certsDir),
	}

	// Port 80 answers ACME challenges and redirects everything else.
	go func() {
		handler := m.HTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
		}))
		httpServer := &http.Server{
			Addr:         ":" + cfg.HTTPPort,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		logger.Info("http server (acme + redirect) starting", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	httpsServer := &http.Server{
		Addr:         ":" + cfg.HTTPSPort,
		Handler:      router,
		TLSConfig:    m.TLSConfig(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     newHTTPErrorLog(logger),
	}

	logger.Info("https server starting", "port", cfg.HTTPSPort, "domain", domain)
	if domain == "localhost" || domain == "127.0.0.1" {
		logger.Warn("Let's Encrypt will not issue certificates for localhost; use --http-only for development")
	}

	if err := httpsServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("https server failed", "error", err)
	}
}

// normalizeDomain lowercases and strips the www. prefix so the ACME host
// policy matches what users actually type.
func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimPrefix(domain, "www.")
}
