package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"tinygo.org/x/drivers"

	"pca9634d/internal/config"
	"pca9634d/internal/i2c"
	"pca9634d/internal/mqtt"
	"pca9634d/internal/oe"
	"pca9634d/internal/output"
	"pca9634d/internal/pca9634"
	"pca9634d/internal/web"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "/etc/pca9634d.yaml", "Path to YAML config")
	flag.Parse()

	os.Exit(daemon(configPath, os.Stderr))
}

// daemon runs pca9634d until interrupted and returns the process exit status.
func daemon(configPath string, stderr io.Writer) int {
	boot := zerolog.New(stderr).With().Timestamp().Logger()

	cfg, err := config.Load(configPath)
	if err != nil {
		boot.Error().Err(err).Msg("config load failed")
		return 1
	}

	logs := web.NewLogBuffer(2000)
	logger, err := newLogger(cfg.Log, stderr, logs)
	if err != nil {
		boot.Error().Err(err).Msg("logger setup failed")
		return 1
	}
	log.Logger = logger

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus, err := i2c.OpenBackend(cfg.I2C.Backend, cfg.I2C.Bus)
	if err != nil {
		logger.Error().Err(err).Str("backend", cfg.I2C.Backend).Str("bus", cfg.I2C.Bus).Msg("i2c open failed")
		return 1
	}
	defer bus.Close()

	logger.Info().Str("bus", bus.String()).Int("devices", len(cfg.Devices)).Msg("pca9634d starting")
	if err := run(ctx, cfg, bus, logger, logs); err != nil {
		logger.Error().Err(err).Msg("pca9634d stopped")
		return 1
	}
	logger.Info().Msg("pca9634d stopping")
	return 0
}

func newLogger(cfg config.LogConfig, out io.Writer, extra ...io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("log.level: %w", err)
	}
	w := out
	if cfg.Console {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	if len(extra) > 0 {
		w = zerolog.MultiLevelWriter(append([]io.Writer{w}, extra...)...)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// buildDevices creates one driver per configured chip and allocates its
// channels. Nothing touches the bus until the output service initialises
// the devices.
func buildDevices(devices []config.DeviceConfig, bus drivers.I2C) ([]output.DeviceSpec, error) {
	specs := make([]output.DeviceSpec, 0, len(devices))
	for _, d := range devices {
		dev := pca9634.New(bus, d.DriverConfig())
		spec := output.DeviceSpec{ID: d.ID, Device: dev}
		for _, c := range d.Channels {
			ch, err := dev.CreateChannel(c.Channel, c.GroupMember)
			if err != nil {
				return nil, fmt.Errorf("device %s channel %d: %w", d.ID, c.Channel, err)
			}
			spec.Outputs = append(spec.Outputs, output.OutputSpec{
				ID:            c.ID,
				Channel:       ch,
				MinPower:      c.MinPower,
				MaxPower:      c.MaxPower,
				ZeroMeansZero: c.ZeroMeansZero,
				Inverted:      c.Inverted,
			})
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func run(ctx context.Context, cfg config.Config, bus drivers.I2C, logger zerolog.Logger, logs *web.LogBuffer) error {
	if cfg.I2C.Trace {
		bus = i2c.Traced{Bus: bus, Log: logger}
	}

	var pin oe.Pin = oe.Nop{}
	if cfg.OE.Enable {
		p, err := oe.Open(cfg.OE.Chip, *cfg.OE.Line)
		if err != nil {
			return err
		}
		defer p.Close()
		pin = p
	}

	specs, err := buildDevices(cfg.Devices, bus)
	if err != nil {
		return err
	}

	svcCfg := output.Config{
		FlushInterval: cfg.Output.FlushInterval,
		InitRetryMin:  cfg.Output.InitRetryMin,
		InitRetryMax:  cfg.Output.InitRetryMax,
		OE:            pin,
		Log:           logger,
	}
	if cfg.I2C.SoftwareReset {
		svcCfg.ResetBus = bus
	}
	svc := output.New(svcCfg, specs)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		svc.Run(gctx)
		return nil
	})

	if cfg.MQTT.Enable {
		client, err := mqtt.NewRealClient(mqtt.Options{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			StatusTopic: mqtt.StatusTopic(cfg.MQTT.TopicPrefix),
		})
		if err != nil {
			svc.Close()
			_ = g.Wait()
			return err
		}
		defer client.Close()
		bridge := mqtt.NewBridge(client, svc, cfg.MQTT.TopicPrefix, logger)
		g.Go(func() error { return bridge.Run(gctx) })
		logger.Info().Str("broker", cfg.MQTT.Broker).Str("prefix", cfg.MQTT.TopicPrefix).Msg("mqtt connected")
	}

	if cfg.Web.Enable {
		h := web.Handler(svc, web.NewStatus(), logs, logger)
		g.Go(func() error {
			if err := web.Serve(gctx, cfg.Web.Listen, h, logger); err != nil && gctx.Err() == nil {
				return fmt.Errorf("web: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}
