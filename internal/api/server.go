package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/voxeld-project/voxeld/internal/config"
	"github.com/voxeld-project/voxeld/internal/db"
	"github.com/voxeld-project/voxeld/internal/events"
	"github.com/voxeld-project/voxeld/internal/network"
	"github.com/voxeld-project/voxeld/internal/server"
	"github.com/voxeld-project/voxeld/internal/util"
)

// Server is the admin REST API.
type Server struct {
	cfg     *config.Config
	bus     *events.EventBus
	game    *server.Server
	version string

	journal *db.Journal
	bans    *db.BanList
	peers   PeerLister

	once       sync.Once
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates the API server for game.
func NewServer(cfg *config.Config, bus *events.EventBus, game *server.Server, version string) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	return &Server{cfg: cfg, bus: bus, game: game, version: version}
}

// SetDependencies injects the optional persistence components.
func (s *Server) SetDependencies(journal *db.Journal, bans *db.BanList) {
	s.journal = journal
	s.bans = bans
}

// PeerLister reports the transport's connected peers.
type PeerLister interface {
	Peers() []network.PeerInfo
}

// SetTransport exposes the transport's peers on the monitor endpoints.
func (s *Server) SetTransport(peers PeerLister) {
	s.peers = peers
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	s.once.Do(func() { s.router = s.buildRouter() })
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetAPI()
	s.httpServer = &http.Server{
		Addr:         apiCfg.ListenAddress,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	lc := network.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", apiCfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", apiCfg.ListenAddress, err)
	}

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	log.Info().Str("addr", apiCfg.ListenAddress).Bool("tls", apiCfg.TLSEnabled).Msg("admin API starting")
	if apiCfg.TLSEnabled {
		host, _, _ := net.SplitHostPort(apiCfg.ListenAddress)
		if host == "" {
			host = "localhost"
		}
		if err := util.EnsureSelfSignedCert(apiCfg.TLSCertFile, apiCfg.TLSKeyFile, host); err != nil {
			ln.Close()
			return err
		}
		s.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		err = s.httpServer.ServeTLS(ln, apiCfg.TLSCertFile, apiCfg.TLSKeyFile)
	} else {
		err = s.httpServer.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin API error: %w", err)
	}
	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) buildRouter() *gin.Engine {
	apiCfg := s.cfg.GetAPI()
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	origins := apiCfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(RateLimit(network.NewIPLimiter(apiCfg.RateLimitRPS, apiCfg.RateLimitRPS*2)))

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/server_info", s.handleServerInfo)
	}

	protected := router.Group("/api")
	protected.Use(RequireToken(apiCfg.Token))

	monitor := protected.Group("/monitor")
	{
		monitor.GET("/connections", s.handleConnections)
		monitor.GET("/peers", s.handlePeers)
		monitor.GET("/players", s.handlePlayers)
		monitor.GET("/entities", s.handleEntities)
		monitor.GET("/ticks", s.handleTicks)
		monitor.GET("/system", s.handleSystem)
		monitor.GET("/sessions", s.handleSessions)
		monitor.GET("/journal", s.handleJournal)
		monitor.GET("/bans", s.handleBans)
	}

	control := protected.Group("/control")
	{
		control.POST("/kick/:peer", s.handleKick)
		control.POST("/ban", s.handleBan)
		control.DELETE("/ban/:host", s.handleUnban)
		control.POST("/save_map", s.handleSaveMap)
		control.GET("/params", s.handleGetParams)
		control.PATCH("/params", s.handleSetParams)
	}

	configure := protected.Group("/configure")
	{
		configure.GET("/config", s.handleGetConfig)
		configure.PATCH("/config", s.handleSetConfig)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "voxeld admin API, see /api/public/ping"})
	})

	return router
}
