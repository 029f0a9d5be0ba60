package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/m-lab/ndt-e2e-clientworker/internal/canonical"
	"github.com/m-lab/ndt-e2e-clientworker/internal/capture"
	"github.com/m-lab/ndt-e2e-clientworker/internal/config"
	"github.com/m-lab/ndt-e2e-clientworker/internal/lifecycle"
	"github.com/m-lab/ndt-e2e-clientworker/internal/logger"
	"github.com/m-lab/ndt-e2e-clientworker/internal/mitm"
	"github.com/m-lab/ndt-e2e-clientworker/internal/printer"
	"github.com/m-lab/ndt-e2e-clientworker/internal/server"
	"github.com/m-lab/ndt-e2e-clientworker/internal/storage"
	"github.com/m-lab/ndt-e2e-clientworker/internal/web"
	"github.com/m-lab/ndt-e2e-clientworker/pkg/response"
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Run the capturing proxy and write a replay fixture on exit",
	RunE:  runCapture,
}

func init() {
	flags := captureCmd.Flags()
	flags.IntP("port", "p", 0, "Proxy listen port (0 picks a free port)")
	flags.StringP("output", "o", "", "Replay fixture written when the session ends")
	flags.Int("timeout", 0, "Upstream request timeout in seconds")
	flags.Bool("reject-collisions", false, "Fail instead of warning when two URLs share a replay key")
	flags.Bool("mitmdump", false, "Record with an external mitmdump process instead")
	flags.String("mitmdump-file", "", "Flow file written by mitmdump")
	flags.Bool("store", false, "Persist captures to the sqlite store")
	flags.String("store-path", "", "sqlite database path")
	flags.Bool("web-enable", false, "Enable/disable the capture monitor API")
	flags.String("web-admin-path", "", "Capture monitor API path")

	viper.BindPFlag("capture.port", flags.Lookup("port"))
	viper.BindPFlag("capture.output", flags.Lookup("output"))
	viper.BindPFlag("capture.timeout", flags.Lookup("timeout"))
	viper.BindPFlag("capture.reject_collisions", flags.Lookup("reject-collisions"))
	viper.BindPFlag("capture.mitmdump", flags.Lookup("mitmdump"))
	viper.BindPFlag("capture.mitmdump_file", flags.Lookup("mitmdump-file"))
	viper.BindPFlag("storage.enable", flags.Lookup("store"))
	viper.BindPFlag("storage.path", flags.Lookup("store-path"))
	viper.BindPFlag("web.enable", flags.Lookup("web-enable"))
	viper.BindPFlag("web.admin_path", flags.Lookup("web-admin-path"))
}

func runCapture(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Capture.Mitmdump {
		return runMitmdump(cfg, log)
	}

	var store storage.Store
	if cfg.Storage.Enable {
		store, err = storage.New(&cfg.Storage, log)
		if err != nil {
			return fmt.Errorf("failed to open capture store: %w", err)
		}
		defer store.Close()
	}

	out := printer.New(log, &cfg.Output)
	proxy := capture.NewProxy(log, captureOptions(&cfg.Capture),
		capture.RecorderFunc(out.PrintCapture))
	defer proxy.Close()
	if store != nil {
		proxy.AddRecorder(store)
	}

	var register func(*mux.Router)
	if cfg.Web.Enable {
		svc := web.NewService(&cfg.Web, store, log)
		defer svc.Close()
		proxy.AddRecorder(svc)
		register = svc.RegisterRoutes
	}

	router := capture.NewRouter(proxy, cfg.Web.AdminPath, register)
	srv, err := server.Listen("capture", fmt.Sprintf(":%d", cfg.Capture.Port), router, log)
	if err != nil {
		return err
	}
	proxy.SetListenPort(srv.Port())

	ctx, stop := signalContext()
	defer stop()

	mgr := lifecycle.New(srv, lifecycle.WithLogger(log))
	if err := mgr.Start(ctx); err != nil {
		mgr.Close()
		return err
	}

	lines := []string{
		fmt.Sprintf("Proxy:        http://localhost:%d", srv.Port()),
		fmt.Sprintf("Fixture:      %s", cfg.Capture.Output),
		fmt.Sprintf("Log Level:    %s", cfg.Log.Level),
	}
	if cfg.Web.Enable {
		lines = append(lines, fmt.Sprintf("Monitor API:  http://localhost:%d%s/responses", srv.Port(), cfg.Web.AdminPath))
	}
	if store != nil {
		lines = append(lines, fmt.Sprintf("Store:        %s", cfg.Storage.Path))
	}
	printBanner("Capture Proxy", lines)
	log.Info("Capture proxy started", "port", srv.Port(), "output", cfg.Capture.Output, "version", version)

	<-ctx.Done()
	log.Info("Stopping capture proxy")
	if err := mgr.Close(); err != nil {
		return err
	}

	return writeFixture(proxy.Responses().Entries(), cfg.Capture.Output,
		canonical.Options{RejectCollisions: cfg.Capture.RejectCollisions}, log)
}

func captureOptions(cfg *config.CaptureConfig) capture.Options {
	return capture.Options{
		Timeout:               time.Duration(cfg.Timeout) * time.Second,
		MaxBodyBytes:          cfg.MaxBodyBytes,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		ResponseHeaderTimeout: time.Duration(cfg.ResponseHeaderTimeout) * time.Second,
		TLSInsecureSkipVerify: cfg.TLSInsecureSkipVerify,
	}
}

// writeFixture canonicalizes entries and saves the result to path.
func writeFixture(entries []*response.Entry, path string, opts canonical.Options, log logger.Logger) error {
	result, err := canonical.Canonicalize(entries, opts, log)
	if err != nil {
		return err
	}
	if err := response.SaveFixtureFile(path, result.Replays); err != nil {
		return fmt.Errorf("failed to write fixture: %w", err)
	}

	var size uint64
	for _, rec := range result.Replays {
		size += uint64(len(rec.Body))
	}
	log.Info("Replay fixture written",
		"path", path,
		"captures", len(entries),
		"responses", len(result.Replays),
		"collisions", len(result.Collisions),
		"size", humanize.Bytes(size),
	)
	for _, ref := range canonical.ExternalReferences(result.Replays) {
		log.Warn("Response references a host that was not captured", "key", ref.Key, "url", ref.URL)
	}
	return nil
}

// runMitmdump records with mitmdump until interrupted. The flow file is
// left for mitmdump's own replay mode.
func runMitmdump(cfg *config.Config, log logger.Logger) error {
	if cfg.Capture.Port == 0 {
		return fmt.Errorf("mitmdump needs a fixed capture port")
	}
	proc, err := mitm.Dump(mitm.Options{
		Port:   cfg.Capture.Port,
		Output: os.Stderr,
		Logger: log,
	}, cfg.Capture.MitmdumpFile)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	mgr := lifecycle.New(proc, lifecycle.WithLogger(log))
	if err := mgr.Start(ctx); err != nil {
		mgr.Close()
		return err
	}
	printBanner("Capture Proxy (mitmdump)", []string{
		fmt.Sprintf("Proxy:        http://localhost:%d", proc.Port()),
		fmt.Sprintf("Flow file:    %s", cfg.Capture.MitmdumpFile),
	})

	<-ctx.Done()
	return mgr.Close()
}

