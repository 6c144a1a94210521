package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hylarana/hylarana/internal/config"
	"github.com/hylarana/hylarana/internal/discovery"
	"github.com/hylarana/hylarana/internal/logging"
	"github.com/hylarana/hylarana/internal/relay"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "hylarana",
	Short: "Hylarana screen casting",
	Long:  `Hylarana - low-latency LAN screen casting: sender, receiver, and relay in one binary`,
}

var senderCmd = &cobra.Command{
	Use:   "sender",
	Short: "Cast the screen to the network",
	Run: func(cmd *cobra.Command, args []string) {
		runSender()
	},
}

var receiverCmd = &cobra.Command{
	Use:   "receiver [sender-id]",
	Short: "Receive a cast; with no id, the first discovered stream is used",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		runReceiver(id)
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a rendezvous relay for one-to-many fan-out",
	Run: func(cmd *cobra.Command, args []string) {
		runRelay()
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Watch peers announcing on the LAN",
	Run: func(cmd *cobra.Command, args []string) {
		runDiscover()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Hylarana v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/hylarana/hylarana.yaml)")

	rootCmd.AddCommand(senderCmd)
	rootCmd.AddCommand(receiverCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and wires logging. Every subcommand starts
// here.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg)
	return cfg
}

// initLogging sets up structured logging from config.
func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout
	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
}

// waitForSignal blocks until SIGINT or SIGTERM.
func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
}

func runRelay() {
	cfg := loadConfig()

	srv, err := relay.New(cfg.Addr)
	if err != nil {
		log.Error("failed to start relay", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := srv.Run(ctx); err != nil {
		log.Error("relay stopped with error", "error", err)
		os.Exit(1)
	}
}

func runDiscover() {
	cfg := loadConfig()

	svc, err := discovery.Init(cfg.Topic, cfg.Name, time.Duration(cfg.LeaseSeconds)*time.Second, printingObserver{})
	if err != nil {
		log.Error("failed to start discovery", "error", err)
		os.Exit(1)
	}
	defer discovery.Shutdown()

	fmt.Printf("watching topic %q as %s (ctrl-c to stop)\n", cfg.Topic, svc.LocalID())
	waitForSignal()
}

// printingObserver writes peer lifecycle events to stdout for the discover
// command.
type printingObserver struct{}

func (printingObserver) OnLine(_, remoteID, ip string) {
	fmt.Printf("online   %s  %s\n", remoteID, ip)
}

func (printingObserver) OffLine(_, remoteID, ip string) {
	fmt.Printf("offline  %s  %s\n", remoteID, ip)
}

func (printingObserver) OnMetadata(_, remoteID, _ string, metadata []byte) {
	fmt.Printf("metadata %s  %s\n", remoteID, string(metadata))
}
