// Command wifistation runs a station on an ESP-AT Wi-Fi module attached to a
// serial port. Once the module has an address it starts the configured client
// transport and, optionally, relays traffic to an MQTT broker and serves a
// status API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/kabili207/wifistation/api"
	"github.com/kabili207/wifistation/bridge/mqtt"
	"github.com/kabili207/wifistation/core/clock"
	"github.com/kabili207/wifistation/core/config"
	"github.com/kabili207/wifistation/device/link/atmodem"
	"github.com/kabili207/wifistation/device/station"
	"github.com/kabili207/wifistation/transport"
)

type options struct {
	configPath string
	serialPort string
	baudRate   int
	ntpServer  string
	noTimeSync bool

	apiAddr  string
	apiToken string

	mqttBroker   string
	mqttUser     string
	mqttPassword string
	mqttTLS      bool
	mqttPrefix   string
	stationID    string

	logLevel string
	logDev   bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("wifistation", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "wifi.json", "station configuration file (JSON or YAML)")
	fs.StringVar(&o.serialPort, "port", "/dev/ttyUSB0", "serial port of the ESP-AT module")
	fs.IntVar(&o.baudRate, "baud", atmodem.DefaultBaudRate, "serial baud rate")
	fs.StringVar(&o.ntpServer, "ntp", clock.DefaultServer, "SNTP server")
	fs.BoolVar(&o.noTimeSync, "no-time-sync", false, "do not synchronize the clock after connecting")
	fs.StringVar(&o.apiAddr, "api", api.DefaultAddress, "status API listen address (empty disables)")
	fs.StringVar(&o.apiToken, "api-token", "", "bearer token required by the status API")
	fs.StringVar(&o.mqttBroker, "mqtt-broker", "", "MQTT broker URL (empty disables the bridge)")
	fs.StringVar(&o.mqttUser, "mqtt-user", "", "MQTT username")
	fs.StringVar(&o.mqttPassword, "mqtt-password", "", "MQTT password")
	fs.BoolVar(&o.mqttTLS, "mqtt-tls", false, "use TLS for the MQTT connection")
	fs.StringVar(&o.mqttPrefix, "mqtt-prefix", mqtt.DefaultTopicPrefix, "MQTT topic prefix")
	fs.StringVar(&o.stationID, "station-id", hostname(), "station name used in MQTT topics")
	fs.StringVar(&o.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.BoolVar(&o.logDev, "log-dev", false, "human-readable development logging")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return o, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "station"
	}
	return h
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	zl, err := newLogger(opts.logLevel, opts.logDev)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = zl.Sync() }()

	logger := slog.New(newSlogHandler(zl))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("wifistation failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	driver := atmodem.New(atmodem.Config{
		Port:     opts.serialPort,
		BaudRate: opts.baudRate,
		Logger:   logger,
	})

	var syncer clock.Syncer
	if !opts.noTimeSync {
		syncer = clock.NewSNTPSyncer(clock.New(), clock.SNTPConfig{
			Server: opts.ntpServer,
			Logger: logger,
		})
	}

	st, err := station.New(station.Config{
		Link:   driver,
		Syncer: syncer,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	if err := st.InitFromFile(opts.configPath); err != nil && !errors.Is(err, config.ErrNotFound) {
		logger.Warn("configuration incomplete", "error", err)
	}

	var bridge *mqtt.Bridge
	if opts.mqttBroker != "" {
		bridge = mqtt.New(mqtt.Config{
			Broker:      opts.mqttBroker,
			Username:    opts.mqttUser,
			Password:    opts.mqttPassword,
			UseTLS:      opts.mqttTLS,
			TopicPrefix: opts.mqttPrefix,
			StationID:   opts.stationID,
			Sink:        st,
			Logger:      logger,
		})
		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("starting MQTT bridge: %w", err)
		}
		defer bridge.Stop()
	}

	var server *api.Server
	if opts.apiAddr != "" {
		server = api.NewServer(st, api.ServerOptions{
			Addr:   opts.apiAddr,
			Token:  opts.apiToken,
			Logger: logger,
		})
		if err := server.Start(); err != nil {
			return fmt.Errorf("starting status API: %w", err)
		}
		defer server.Stop(context.Background())
	}

	if err := st.Start(onConnect(st, bridge, logger)); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return st.Stop()
}

// onConnect starts the client when the station gets an address and stops it
// when the link is lost.
func onConnect(st *station.Manager, bridge *mqtt.Bridge, logger *slog.Logger) station.ConnectHandler {
	var onData transport.DataHandler
	if bridge != nil {
		onData = bridge.HandleData
	}

	return func(addr *netip.Addr) {
		if bridge != nil {
			bridge.HandleConnect(addr)
		}

		if addr == nil {
			if err := st.StopClient(); err != nil {
				logger.Error("stopping client", "error", err)
			}
			return
		}

		err := st.StartClient(onData)
		switch {
		case err == nil, errors.Is(err, station.ErrClientActive):
		case errors.Is(err, station.ErrNoRemote):
			logger.Warn("no client configured")
		default:
			logger.Error("starting client", "error", err)
		}
	}
}
