// Package main provides the entry point for sofar2PVO.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/M-Klemm/sofar2PVO/internal/config"
	"github.com/M-Klemm/sofar2PVO/internal/domain"
	"github.com/M-Klemm/sofar2PVO/internal/inverter"
	"github.com/M-Klemm/sofar2PVO/internal/pubsub"
	"github.com/M-Klemm/sofar2PVO/internal/registers"
	"github.com/M-Klemm/sofar2PVO/internal/service"
	pvoutput "github.com/M-Klemm/sofar2PVO/internal/service/pvoutput"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

func main() {
	code := run()
	os.Exit(code)
}

func run() int {
	// Parse command line flags
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	once := flag.Bool("once", false, "Run a single poll cycle and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sofar2PVO %s\n", Version)
		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return 1
	}

	initLogger(cfg.LogLevel)

	log.Info().Str("version", Version).Msg("Starting sofar2PVO")
	cfg.Print()

	// Load the register map: either the configured protocol document or
	// the embedded Sofar K-TLX default.
	regmap, err := loadRegisterMap(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load register map")
		return 1
	}

	poller := inverter.NewPoller(inverter.Config{
		Host:         cfg.Inverter.Host,
		Port:         cfg.Inverter.Port,
		Serial:       cfg.Inverter.Serial,
		SystemSizeKW: cfg.Inverter.SystemSizeKW,
	}, regmap)

	// Initialize MQTT publisher
	var publisher domain.MessagePublisher
	if cfg.MQTT.Enabled {
		mqttPublisher := pubsub.NewMQTTPublisher(cfg)
		if err := mqttPublisher.SetupDiscovery(cfg.Inverter.Serial); err != nil {
			log.Warn().Err(err).Msg("Failed to set up Home Assistant discovery")
		}
		if err := mqttPublisher.Connect(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to connect to MQTT broker, using noop publisher")
			publisher = pubsub.NewNoopPublisher()
		} else {
			publisher = mqttPublisher
			log.Info().Msg("MQTT publisher connected successfully")
		}
	} else {
		log.Info().Msg("MQTT disabled, using noop publisher")
		publisher = pubsub.NewNoopPublisher()
	}

	// Initialize PVOutput service
	var monitoringService domain.MonitoringService
	if cfg.PVOutput.Enabled {
		monitoringService = pvoutput.NewClient(cfg)
	} else {
		monitoringService = pvoutput.NewNoopClient()
	}

	collector := service.NewCollector(cfg, poller, publisher, monitoringService)

	if *once {
		// Single cycle, cron-style invocation.
		collector.RunOnce(ctx)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := collector.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping collector")
		}
		if _, ok := collector.Store().Last(); !ok {
			return 1
		}
		return 0
	}

	if err := collector.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start collector")
		return 1
	}

	// Handle graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-signalChan
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := collector.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping collector")
		return 1
	}

	log.Info().Msg("Collector stopped")
	return 0
}

// loadRegisterMap loads the configured register map document, falling back
// to the embedded default.
func loadRegisterMap(cfg *config.Config) (*registers.Map, error) {
	if cfg.Inverter.RegisterMap != "" {
		return registers.LoadFile(cfg.Inverter.RegisterMap)
	}
	return registers.LoadDefault()
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	// Set up pretty console logging for development
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	// Parse the log level
	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	// Configure global logger
	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}
