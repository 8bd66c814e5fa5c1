package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

// Persistent flag values
var (
	configPath string
	logLevel   string
	deviceName string
)

var rootCmd = &cobra.Command{
	Use:   "voice-segmenter",
	Short: "Split live audio into speech segments and transcribe them",
	Long: `Voice Segmenter listens on an input device (BlackHole by default), cuts the
stream into speech segments on trailing silence, saves each segment as a WAV
file and transcribes it.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTray(cmd.Context())
	},
}

var trayCmd = &cobra.Command{
	Use:   "tray",
	Short: "Run in the system tray (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTray(cmd.Context())
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Listen without a tray and print transcripts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runListen(cmd.Context(), cmd.OutOrStdout())
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio input devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDevices(cmd.OutOrStdout())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Voice Segmenter %s\n", Version)
		fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", Commit)
	},
}

func init() {
	rootCmd.AddCommand(trayCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&deviceName, "device", "d", "", "Input device name or substring")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
