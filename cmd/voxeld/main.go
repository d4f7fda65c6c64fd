// voxeld is an authoritative voxel game server. It serves the world over
// WebSocket peers, answers UDP discovery pings, exposes an admin REST API
// and publishes telemetry over MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxeld-project/voxeld/internal/api"
	"github.com/voxeld-project/voxeld/internal/cli"
	"github.com/voxeld-project/voxeld/internal/config"
	"github.com/voxeld-project/voxeld/internal/db"
	"github.com/voxeld-project/voxeld/internal/events"
	"github.com/voxeld-project/voxeld/internal/health"
	"github.com/voxeld-project/voxeld/internal/network"
	"github.com/voxeld-project/voxeld/internal/protocol"
	"github.com/voxeld-project/voxeld/internal/scheduler"
	"github.com/voxeld-project/voxeld/internal/server"
	"github.com/voxeld-project/voxeld/internal/telemetry"
	"github.com/voxeld-project/voxeld/internal/util"
	"github.com/voxeld-project/voxeld/internal/world"
)

const AppVersion = "1.0.0"

var groundColor = protocol.Color{R: 103, G: 64, B: 40}

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	mapPath := flag.String("map", "", "map file (.vxd or a .db block store), overrides server.map_file")
	setup := flag.Bool("setup", false, "run the setup wizard and exit")
	noConsole := flag.Bool("no-console", false, "disable the interactive console")
	flag.Parse()

	if err := util.InitLogger(util.LogConfig{Level: "info", Console: true}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("protocol", protocol.ProtocolName).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Msg("starting voxeld")

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *mapPath != "" {
		cfg.Server.MapFile = *mapPath
	}

	logCfg := cfg.Logging
	if err := util.InitLogger(util.LogConfig{
		Level:      logCfg.Level,
		Directory:  logCfg.Directory,
		MaxBackups: logCfg.MaxBackups,
		Console:    logCfg.Console,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	if *setup || (cfg.IsFirstRun() && isTerminal()) {
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
		if *setup {
			return
		}
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Str("memory", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewEventBus()
	bus.Subscribe(events.EventShutdown, "main.shutdown", func(context.Context, events.Event) error {
		cancel()
		return nil
	})

	w, err := loadWorld(cfg.GetServer())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load world")
	}

	// Persistence is optional; the server runs without it.
	var (
		journal *db.Journal
		bans    *db.BanList
	)
	if jc := cfg.GetJournal(); jc.Enabled {
		database, err := db.NewDatabase(jc.Path)
		if err != nil {
			log.Error().Err(err).Msg("failed to open database, journal and bans disabled")
		} else {
			defer database.Close()
			if journal, err = db.NewJournal(database); err != nil {
				log.Error().Err(err).Msg("session journal disabled")
			} else {
				journal.Subscribe(bus)
			}
			if bans, err = db.NewBanList(database); err != nil {
				log.Error().Err(err).Msg("ban list disabled")
			}
		}
	}

	netCfg := cfg.GetNetwork()
	rl := cfg.GetRateLimit()
	srvCfg := cfg.GetServer()

	listener, err := network.ListenWebSocket(ctx, network.WebSocketConfig{
		Address:           netCfg.ListenAddress,
		Path:              netCfg.Path,
		WriteTimeout:      time.Duration(netCfg.WriteTimeoutSec) * time.Second,
		MaxAttemptsPerSec: rl.ConnAttemptsPerSec,
		AttemptBurst:      rl.ConnAttemptBurst,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start game transport")
	}
	host := network.NewHost(listener, network.HostConfig{
		MaxPeers:         srvCfg.MaxPlayers,
		QueueSize:        netCfg.QueueSize,
		DrainGracePeriod: time.Duration(netCfg.DrainGracePeriodS) * time.Second,
	})
	if bans != nil {
		host.SetAdmissionFilter(func(addr string) string {
			if reason, banned := bans.Check(network.HostOf(addr)); banned {
				return "banned: " + reason
			}
			return ""
		})
	}

	tickInterval := cfg.TickInterval()
	game := server.New(host, w, bus, server.Options{
		Name:          srvCfg.Name,
		MaxPlayers:    srvCfg.MaxPlayers,
		PacketsPerSec: float64(rl.PacketsPerSec),
		PacketBurst:   rl.PacketBurst,
		Motd:          srvCfg.Motd,
		TickBudget:    tickInterval,
	})

	var wg sync.WaitGroup
	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting " + name)
			fn()
		}()
	}

	run("game transport", func() {
		if err := host.Serve(ctx); err != nil {
			log.Error().Err(err).Msg("game transport stopped")
			cancel()
		}
	})
	run("tick loop", func() { game.Run(ctx, tickInterval) })
	run("tick monitor", func() {
		game.Monitor().Start(ctx, time.Duration(max(cfg.GetTimers().LagCheckInterval, 1))*time.Second)
	})

	if netCfg.PingEnabled {
		ping := network.NewPingResponder(netCfg.PingAddress, game.PingInfo)
		if err := ping.Listen(ctx); err != nil {
			log.Warn().Err(err).Msg("discovery ping disabled")
		} else {
			run("discovery ping responder", func() {
				if err := ping.Serve(ctx); err != nil {
					log.Warn().Err(err).Msg("discovery ping responder stopped")
				}
			})
		}
	}

	if cfg.GetAPI().Enabled {
		apiServer := api.NewServer(cfg, bus, game, AppVersion)
		apiServer.SetDependencies(journal, bans)
		apiServer.SetTransport(host)
		run("admin API", func() {
			if err := apiServer.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("admin API failed (non-fatal)")
			}
		})
	}

	publisher, err := telemetry.NewPublisher(cfg, bus, game.Info, AppVersion)
	switch {
	case errors.Is(err, telemetry.ErrDisabled):
	case err != nil:
		log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
	default:
		run("MQTT telemetry", func() {
			if err := publisher.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		})
	}

	dataDir := filepath.Dir(cfg.GetJournal().Path)
	run("health check manager", func() { health.NewManager(cfg, bus, game, dataDir).Start(ctx) })
	run("task scheduler", func() { scheduler.NewScheduler(cfg, journal, bans).Start(ctx) })

	if !*noConsole && isTerminal() {
		console := cli.NewCLI(bus, game, bans, defaultSavePath(srvCfg), os.Stdin, os.Stdout)
		run("interactive console", func() { console.Start(ctx) })
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-ctx.Done():
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	// Notify clients before the transport drains.
	game.Shutdown()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := host.Close(closeCtx); err != nil {
		log.Warn().Err(err).Msg("transport did not drain cleanly")
	}
	closeCancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	bus.Stop()
	log.Info().Msg("voxeld stopped")
}

// loadWorld builds the world from the configured map source and parameters.
func loadWorld(sc config.ServerConfig) (*world.World, error) {
	var (
		terrain *world.GameMap
		err     error
	)
	switch {
	case sc.MapFile == "":
		terrain, err = world.NewFlatMap(sc.MapWidth, sc.MapHeight, sc.MapDepth, sc.GroundHeight, groundColor)
	case strings.HasSuffix(sc.MapFile, ".db"):
		terrain, err = world.ImportBoltStore(sc.MapFile)
	default:
		terrain, err = world.LoadTerrainFile(sc.MapFile)
	}
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("source", sc.MapFile).
		Int("width", terrain.Width()).
		Int("height", terrain.Height()).
		Int("depth", terrain.Depth()).
		Int("solid", terrain.SolidCount()).
		Msg("terrain loaded")

	params := world.DefaultParameters()
	if sc.ParamsFile != "" {
		if params, err = world.LoadParameters(sc.ParamsFile); err != nil {
			log.Warn().Err(err).Msg("using default world parameters")
		}
	}
	return world.New(terrain, params), nil
}

func defaultSavePath(sc config.ServerConfig) string {
	if sc.MapFile != "" && !strings.HasSuffix(sc.MapFile, ".db") {
		return sc.MapFile
	}
	return filepath.Join(filepath.Dir(sc.MapStore), "map.vxd")
}

func isTerminal() bool {
	fi, err := os.Stdin.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
