package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"go.viam.com/rdk/logging"

	vrteleop "vr_teleop"
	"vr_teleop/observability"
)

type Options struct {
	Config  string `short:"c" long:"config" default:"config.json" description:"Path to the JSON config file"`
	Address string `short:"a" long:"address" description:"Listen address, overrides server.address"`
	UDPHost string `long:"udp-host" description:"Robot command host, overrides command.udp_host"`
	UDPPort int    `long:"udp-port" description:"Robot command port, overrides command.udp_port"`
	Model   string `long:"model" description:"URDF or JSON model file, overrides solver.model_path"`
	Serial  string `long:"serial" description:"Send commands to this serial port instead of UDP (\"auto\" picks one)"`
	Record  string `long:"record" description:"Append telemetry as NDJSON to this file"`
	Trace   bool   `long:"trace" description:"Print OpenTelemetry spans to stdout"`
	Debug   bool   `short:"d" long:"debug" description:"Enable debug logging"`
}

// overrides turns the flags that were set into a config fragment.
func (o *Options) overrides() map[string]any {
	out := map[string]any{}
	section := func(name string) map[string]any {
		m, ok := out[name].(map[string]any)
		if !ok {
			m = map[string]any{}
			out[name] = m
		}
		return m
	}

	if o.Address != "" {
		section("server")["address"] = o.Address
	}
	if o.UDPHost != "" {
		section("command")["udp_host"] = o.UDPHost
	}
	if o.UDPPort != 0 {
		section("command")["udp_port"] = o.UDPPort
	}
	if o.Serial != "" {
		section("command")["sink"] = vrteleop.SinkSerial
		section("command")["serial"] = map[string]any{"port": o.Serial}
	}
	if o.Model != "" {
		section("solver")["model_path"] = o.Model
	}
	if o.Record != "" {
		section("telemetry")["record_path"] = o.Record
	}
	if o.Trace {
		section("tracing")["enabled"] = true
	}
	return out
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	parser.LongDescription = "VR teleoperation server: relays robot/app signaling and turns tracking into joint commands"

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if err := realMain(opts); err != nil {
		os.Exit(1)
	}
}

func realMain(opts Options) error {
	logger := logging.NewLogger("teleop-server")
	if opts.Debug {
		logger.SetLevel(logging.DEBUG)
	}

	cfg, err := vrteleop.LoadConfig(opts.Config, opts.overrides(), logger)
	if err != nil {
		logger.Errorf("Failed to load config: %v", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.Errorf("Failed to start tracing: %v", err)
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, logger)

	server, err := vrteleop.NewServer(cfg, nil, logger)
	if err != nil {
		logger.Errorf("Failed to start server: %v", err)
		return err
	}

	if err := server.ListenAndServe(ctx); err != nil {
		logger.Errorf("Server stopped: %v", err)
		return err
	}
	logger.Info("Server stopped")
	return nil
}
