// Command knx-node runs a sleepy KNX IoT end node: two push buttons, two
// LEDs, an MQTT network stack and mDNS discovery.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sweeney/sleepy-node/internal/config"
	"github.com/sweeney/sleepy-node/internal/device"
	"github.com/sweeney/sleepy-node/internal/discovery"
	"github.com/sweeney/sleepy-node/internal/gpio"
	"github.com/sweeney/sleepy-node/internal/mqtt"
	"github.com/sweeney/sleepy-node/internal/node"
	"github.com/sweeney/sleepy-node/internal/status"
	"github.com/sweeney/sleepy-node/internal/store"
	"github.com/sweeney/sleepy-node/internal/web"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("fatal")
	}
}

// globalOptions are flags shared by every subcommand.
type globalOptions struct {
	configPath string
	logLevel   string
	storePath  string
}

// runOptions are the flags of the root command. They override the
// configuration file only when set.
type runOptions struct {
	poll       time.Duration
	debounce   time.Duration
	broker     string
	heartbeat  time.Duration
	httpAddr   string
	pinSwitch  int
	pinProg    int
	ledSwitch  int
	ledProg    int
	noSleep    bool
	resetDemo  bool
	printState bool
}

func newRootCmd() *cobra.Command {
	var g globalOptions
	var r runOptions

	cmd := &cobra.Command{
		Use:           "knx-node",
		Short:         "Sleepy KNX IoT end node",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(&g)
			if err != nil {
				return err
			}
			applyRunFlags(cmd.Flags().Changed, &r, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid flags: %w", err)
			}
			if err := setupLogging(cfg.Log.Level); err != nil {
				return err
			}
			if r.printState {
				return printState(cfg, cmd.OutOrStdout())
			}
			return run(cmd.Context(), cfg)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "YAML configuration file")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level (overrides config)")
	pf.StringVar(&g.storePath, "store", "", "State file (overrides config)")

	f := cmd.Flags()
	f.DurationVar(&r.poll, "poll", 50*time.Millisecond, "GPIO polling interval")
	f.DurationVar(&r.debounce, "debounce", 30*time.Millisecond, "Debounce duration")
	f.StringVar(&r.broker, "broker", "", "MQTT broker seeded at first boot")
	f.DurationVar(&r.heartbeat, "heartbeat", 15*time.Minute, "Heartbeat interval (0 to disable)")
	f.StringVar(&r.httpAddr, "http", ":80", "HTTP status address (empty to disable)")
	f.IntVar(&r.pinSwitch, "pin-switch", gpio.PinSwitchButton, "BCM pin number for the switch button")
	f.IntVar(&r.pinProg, "pin-prog", gpio.PinProgButton, "BCM pin number for the programming/reset button")
	f.IntVar(&r.ledSwitch, "led-switch", gpio.PinSwitchLED, "BCM pin number for the switch LED")
	f.IntVar(&r.ledProg, "led-prog", gpio.PinProgLED, "BCM pin number for the programming LED")
	f.BoolVar(&r.noSleep, "no-sleep", false, "Never suspend between events")
	f.BoolVar(&r.resetDemo, "reset-demo", false, "Log reset presses without resetting")
	f.BoolVar(&r.printState, "print-state", false, "Print current button state and exit")

	cmd.AddCommand(newProvisionCmd(&g))
	return cmd
}

// loadConfig loads the configuration file and applies the global flags.
func loadConfig(g *globalOptions) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.storePath != "" {
		cfg.Store.Path = g.storePath
	}
	return cfg, nil
}

func applyRunFlags(set func(name string) bool, r *runOptions, cfg *config.Config) {
	if set("poll") {
		cfg.GPIO.Poll = r.poll
	}
	if set("debounce") {
		cfg.GPIO.Debounce = r.debounce
	}
	if set("broker") {
		cfg.MQTT.Broker = r.broker
	}
	if set("heartbeat") {
		cfg.Heartbeat = r.heartbeat
	}
	if set("http") {
		cfg.HTTP.Addr = r.httpAddr
	}
	if set("pin-switch") {
		cfg.GPIO.SwitchButton = r.pinSwitch
	}
	if set("pin-prog") {
		cfg.GPIO.ProgButton = r.pinProg
	}
	if set("led-switch") {
		cfg.GPIO.SwitchLED = r.ledSwitch
	}
	if set("led-prog") {
		cfg.GPIO.ProgLED = r.ledProg
	}
	if r.noSleep {
		cfg.Sleep.Enabled = false
	}
	if r.resetDemo {
		cfg.Reset.Disabled = true
	}
}

func setupLogging(level string) error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

func printState(cfg *config.Config, out io.Writer) error {
	board, err := gpio.NewRealBoard(cfg.GPIO.Chip, cfg.GPIO.Pins())
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer board.Close()

	sw, err := board.Pressed(device.ButtonSwitch)
	if err != nil {
		return fmt.Errorf("read gpio: %w", err)
	}
	prog, err := board.Pressed(device.ButtonProgReset)
	if err != nil {
		return fmt.Errorf("read gpio: %w", err)
	}
	fmt.Fprintf(out, "SWITCH: %s, PROG: %s\n", stateString(sw), stateString(prog))
	return nil
}

func run(ctx context.Context, cfg *config.Config) error {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	serial := node.LoadSerial(st)
	if err := seedCredentials(st, cfg.MQTT); err != nil {
		return err
	}

	board, err := gpio.NewRealBoard(cfg.GPIO.Chip, cfg.GPIO.Pins())
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer board.Close()

	topics := mqtt.TopicsFor(serial)
	will, err := json.Marshal(mqtt.LinkStatusPayload{Role: device.RoleDetached.String()})
	if err != nil {
		return fmt.Errorf("format will: %w", err)
	}
	conn := mqtt.NewPahoConn(mqtt.Options{
		ClientID:       clientID(cfg.MQTT.ClientID),
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		WillTopic:      topics.Status,
		WillPayload:    will,
	})
	stack := mqtt.NewStack(conn, st, mqtt.StackOptions{
		Serial:     serial,
		Writable:   node.WritableDataPoints,
		BufferSize: cfg.MQTT.BufferSize,
	})
	defer stack.Close()

	var pubs []device.Publisher
	if cfg.Discovery.Enabled {
		mdns := discovery.NewMDNSPublisher(discovery.Config{
			Interface: cfg.Discovery.Interface,
			Port:      cfg.Discovery.Port,
			TTL:       cfg.Discovery.TTL,
		})
		defer mdns.Close()
		pubs = append(pubs, mdns)
	}

	tracker := status.NewTracker(time.Now(), status.Config{
		PollMs:      cfg.GPIO.Poll.Milliseconds(),
		DebounceMs:  cfg.GPIO.Debounce.Milliseconds(),
		HeartbeatMs: cfg.Heartbeat.Milliseconds(),
		Broker:      cfg.MQTT.Broker,
		HTTPPort:    cfg.HTTP.Addr,
		ResetDemo:   cfg.Reset.Disabled,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	n := node.New(node.Options{
		Config:     cfg,
		Store:      st,
		Network:    stack,
		Board:      board,
		Serial:     serial,
		Publishers: pubs,
		Tracker:    tracker,
	})
	if err := n.HardwareInit(); err != nil {
		log.Warn().Err(err).Msg("hardware initialised with errors")
	}

	// Buffered until the first join succeeds.
	if err := n.PublishLifecycle("STARTUP", ""); err != nil {
		log.Warn().Err(err).Msg("failed to publish startup event")
	}

	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker, n)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("http server error")
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("http status server listening")
	}

	log.Info().
		Str("serial", serial).
		Dur("poll", cfg.GPIO.Poll).
		Dur("debounce", cfg.GPIO.Debounce).
		Dur("heartbeat", cfg.Heartbeat).
		Bool("sleep", cfg.Sleep.Enabled).
		Msg("started")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	reason := waitForShutdown(ctx, sigCh, cancel)

	if err := n.Run(ctx); err != nil {
		return err
	}

	if err := n.PublishLifecycle("SHUTDOWN", <-reason); err != nil {
		log.Warn().Err(err).Msg("failed to publish shutdown event")
	} else {
		log.Info().Msg("published shutdown event")
	}
	return nil
}

// waitForShutdown cancels on the first signal. The returned channel
// yields the shutdown reason once.
func waitForShutdown(ctx context.Context, sig <-chan os.Signal, cancel context.CancelFunc) <-chan string {
	reason := make(chan string, 1)
	go func() {
		select {
		case s := <-sig:
			log.Info().Stringer("signal", s).Msg("shutting down")
			reason <- signalName(s)
			cancel()
		case <-ctx.Done():
			reason <- "CANCELLED"
		}
	}()
	return reason
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return "UNKNOWN"
	}
}

// seedCredentials stores the configured broker when nothing is provisioned
// yet, so a fresh node can join without running provision first.
func seedCredentials(st *store.File, m config.MQTTConfig) error {
	creds, err := st.Credentials()
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	if !creds.Empty() || m.Broker == "" {
		return nil
	}
	log.Info().Str("broker", m.Broker).Msg("seeding broker credentials from config")
	return st.SetCredentials(device.Credentials{
		Broker:   m.Broker,
		Username: m.Username,
		Password: m.Password,
	})
}

func clientID(configured string) string {
	if configured != "" {
		return configured
	}
	return "knx-node-" + uuid.NewString()[:8]
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}

func stateString(pressed bool) string {
	if pressed {
		return "PRESSED"
	}
	return "RELEASED"
}
