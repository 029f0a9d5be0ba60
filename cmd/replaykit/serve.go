package main

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/m-lab/ndt-e2e-clientworker/internal/config"
	"github.com/m-lab/ndt-e2e-clientworker/internal/discovery"
	"github.com/m-lab/ndt-e2e-clientworker/internal/lifecycle"
	"github.com/m-lab/ndt-e2e-clientworker/internal/logger"
	"github.com/m-lab/ndt-e2e-clientworker/internal/mitm"
	"github.com/m-lab/ndt-e2e-clientworker/internal/replay"
	"github.com/m-lab/ndt-e2e-clientworker/pkg/response"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a replay fixture and a discovery stub on local ports",
	RunE:  runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.StringP("fixture", "f", "", "Replay fixture to serve")
	flags.String("fqdn", "", "Server FQDN reported by discovery responses")
	flags.StringSlice("discovery-path", nil, "Paths whose bodies are replaced with a discovery response")
	flags.Duration("wait-timeout", 0, "How long to wait for each server to answer")
	flags.Bool("discovery-stub", true, "Also run a standalone discovery stub")
	flags.String("listen-host", "", "Interface the replay server binds")
	flags.String("mitm-file", "", "Replay a mitmdump flow file instead of a fixture")
	flags.Int("mitm-port", 0, "Port for mitmdump replay")

	viper.BindPFlag("replay.fixture", flags.Lookup("fixture"))
	viper.BindPFlag("replay.server_fqdn", flags.Lookup("fqdn"))
	viper.BindPFlag("replay.discovery_paths", flags.Lookup("discovery-path"))
	viper.BindPFlag("replay.wait_timeout", flags.Lookup("wait-timeout"))
	viper.BindPFlag("replay.discovery_stub", flags.Lookup("discovery-stub"))
	viper.BindPFlag("replay.listen_host", flags.Lookup("listen-host"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateReplay(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	mopts := []lifecycle.Option{
		lifecycle.WithWaitTimeout(cfg.Replay.WaitTimeout),
		lifecycle.WithLogger(log),
	}

	var (
		managers []*lifecycle.Manager
		lines    []string
		stub     *discovery.Stub
	)
	if cfg.Replay.DiscoveryStub {
		stub, err = discovery.New(cfg.Replay.ServerFQDN, log)
		if err != nil {
			return err
		}
		managers = append(managers, lifecycle.New(stub, mopts...))
		lines = append(lines, fmt.Sprintf("Discovery:    http://localhost:%d/ndt_ssl", stub.Port()))
	}

	if mitmFile, _ := cmd.Flags().GetString("mitm-file"); mitmFile != "" {
		mgr, line, err := mitmReplayManager(cmd, cfg, stub, mitmFile, log, mopts)
		if err != nil {
			closeAll(managers)
			return err
		}
		managers = append(managers, mgr)
		lines = append(lines, line)
	} else {
		set, err := response.LoadFixtureFile(cfg.Replay.Fixture)
		if err != nil {
			closeAll(managers)
			return fmt.Errorf("failed to load fixture: %w", err)
		}
		mgr, srv, err := replay.NewManager(set, cfg.Replay.ServerFQDN, replay.Options{
			DiscoveryPaths: cfg.Replay.DiscoveryPaths,
			ListenHost:     cfg.Replay.ListenHost,
		}, log, mopts...)
		if err != nil {
			closeAll(managers)
			return err
		}
		managers = append(managers, mgr)
		lines = append(lines,
			fmt.Sprintf("Replay:       %s", srv.URL("/")),
			fmt.Sprintf("Fixture:      %s (%d responses)", cfg.Replay.Fixture, len(set)),
		)
	}
	lines = append(lines, fmt.Sprintf("Server FQDN:  %s", cfg.Replay.ServerFQDN))

	ctx, stop := signalContext()
	defer stop()

	group := lifecycle.NewGroup(managers...)
	if err := group.Start(ctx); err != nil {
		return err
	}
	printBanner("Replay Server", lines)
	log.Info("Replay servers started", "fqdn", cfg.Replay.ServerFQDN, "servers", len(managers))

	<-ctx.Done()
	log.Info("Stopping replay servers")
	return group.Close()
}

func mitmReplayManager(cmd *cobra.Command, cfg *config.Config, stub *discovery.Stub, file string, log logger.Logger, mopts []lifecycle.Option) (*lifecycle.Manager, string, error) {
	port, _ := cmd.Flags().GetInt("mitm-port")
	if port == 0 {
		return nil, "", fmt.Errorf("--mitm-port is required with --mitm-file")
	}
	opts := mitm.ReplayOptions{
		Options: mitm.Options{Port: port, Output: os.Stderr, Logger: log},
		File:    file,
	}
	if stub != nil {
		opts.DiscoveryHost = cfg.Replay.ServerFQDN
		opts.DiscoveryAddr = net.JoinHostPort("localhost", strconv.Itoa(stub.Port()))
	}
	proc, err := mitm.Replay(opts)
	if err != nil {
		return nil, "", err
	}
	return lifecycle.New(proc, mopts...), fmt.Sprintf("Replay:       http://localhost:%d (mitmdump)", port), nil
}

func closeAll(managers []*lifecycle.Manager) {
	lifecycle.NewGroup(managers...).Close()
}
