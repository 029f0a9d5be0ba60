package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/m-lab/ndt-e2e-clientworker/internal/config"
	"github.com/m-lab/ndt-e2e-clientworker/internal/logger"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "replaykit",
	Short: "Record, canonicalize and replay the HTTP traffic of browser speed-test clients",
	Long: `replaykit records the GET traffic a browser-hosted NDT client makes through a
capturing proxy, rewrites it into a host-agnostic replay fixture and serves that
fixture back locally together with a stub of the server discovery service.
`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run:   showVersion,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Configuration file path")
	flags.StringP("log-level", "l", "", "Log level (trace, debug, info, warn, error, fatal, panic)")
	flags.Bool("log-file-enable", false, "Enable file logging")
	flags.String("log-file-path", "", "Log file path")
	flags.Int("log-file-max-size", 0, "Maximum size of a single log file (MB)")
	flags.Int("log-file-max-backups", 0, "Maximum number of old log files to retain")
	flags.Int("log-file-max-age", 0, "Maximum retention days for old log files")
	flags.Bool("log-file-compress", false, "Whether to compress old log files")
	flags.String("output-mode", "", "Capture output mode (console, json)")
	flags.Bool("silence", false, "Do not echo captured responses")

	viper.BindPFlag("log.level", flags.Lookup("log-level"))
	viper.BindPFlag("log.file_logging.enable", flags.Lookup("log-file-enable"))
	viper.BindPFlag("log.file_logging.path", flags.Lookup("log-file-path"))
	viper.BindPFlag("log.file_logging.max_size_mb", flags.Lookup("log-file-max-size"))
	viper.BindPFlag("log.file_logging.max_backups", flags.Lookup("log-file-max-backups"))
	viper.BindPFlag("log.file_logging.max_age_days", flags.Lookup("log-file-max-age"))
	viper.BindPFlag("log.file_logging.compress", flags.Lookup("log-file-compress"))
	viper.BindPFlag("output.mode", flags.Lookup("output-mode"))
	viper.BindPFlag("output.silence", flags.Lookup("silence"))

	rootCmd.AddCommand(captureCmd, canonicalizeCmd, serveCmd, versionCmd)
}

// loadConfig reads the configuration shared by every subcommand and builds
// the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, logger.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(configPath, viper.GetViper())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Command line has the highest priority
	if logLevel, err := cmd.Flags().GetString("log-level"); err == nil && logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if mode, err := cmd.Flags().GetString("output-mode"); err == nil && mode != "" {
		cfg.Output.Mode = mode
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, logger.NewLogger(&cfg.Log, cfg.Output.Mode), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func showVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("replaykit version %s\n", version)
	fmt.Printf("Commit: %s\n", commit)
	fmt.Printf("Built: %s\n", buildDate)
}

// printBanner draws title and lines inside a box sized to the widest line.
func printBanner(title string, lines []string) {
	subtitle := fmt.Sprintf("replaykit v%s", version)
	maxLength := runewidth.StringWidth(title)
	for _, line := range append([]string{subtitle}, lines...) {
		if w := runewidth.StringWidth(line); w > maxLength {
			maxLength = w
		}
	}

	// 2 characters margin on left and right
	boxWidth := maxLength + 6
	if boxWidth < 50 {
		boxWidth = 50
	}

	fmt.Println()
	fmt.Printf("┌%s┐\n", strings.Repeat("─", boxWidth-2))
	printBoxContent(title, boxWidth, true)
	printBoxContent(subtitle, boxWidth, true)
	fmt.Printf("├%s┤\n", strings.Repeat("─", boxWidth-2))
	for _, line := range lines {
		printBoxContent(line, boxWidth, false)
	}
	printBoxContent("", boxWidth, false)
	printBoxContent("(Press Ctrl+C to stop)", boxWidth, false)
	fmt.Printf("└%s┘\n", strings.Repeat("─", boxWidth-2))
	fmt.Println()
}

func printBoxContent(content string, boxWidth int, center bool) {
	padding := boxWidth - 2 - runewidth.StringWidth(content)
	if padding < 0 {
		padding = 0
	}

	var leftPad, rightPad string
	if center {
		leftPad = strings.Repeat(" ", padding/2)
		rightPad = strings.Repeat(" ", padding-padding/2)
	} else {
		leftPad = "  "
		rightPad = strings.Repeat(" ", max(padding-2, 0))
	}
	fmt.Printf("│%s%s%s│\n", leftPad, content, rightPad)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
