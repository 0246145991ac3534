package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blelink/internal/session"
	"github.com/srg/blelink/internal/session/goble"
	"github.com/srg/blelink/pkg/config"
	"github.com/srg/blelink/registry"
)

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect <address>",
	Short: "Connect to a BLE peripheral and stream connection events",
	Long: `Connect to a Bluetooth Low Energy peripheral and keep the session alive,
printing every connection event (connect, timeout, disconnect, give_up) as it
happens. The session reconnects automatically after timeouts and clean
disconnects until a retry budget is exhausted.`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

var (
	connectConfigPath        string
	connectTimeout           time.Duration
	connectTimeoutRetries    int
	connectDisconnectRetries int
	connectCapacity          int
	connectDiscover          bool
	connectDiscoverTimeout   time.Duration
)

func init() {
	connectCmd.Flags().StringVarP(&connectConfigPath, "config", "c", "", "YAML config file with session defaults")
	connectCmd.Flags().DurationVarP(&connectTimeout, "timeout", "t", 30*time.Second, "Software connect timeout (0 to disable)")
	connectCmd.Flags().IntVar(&connectTimeoutRetries, "timeout-retries", session.UnlimitedRetries, "Connect timeouts to retry before giving up (-1 for unlimited)")
	connectCmd.Flags().IntVar(&connectDisconnectRetries, "disconnect-retries", session.UnlimitedRetries, "Disconnects to retry before giving up (-1 for unlimited)")
	connectCmd.Flags().IntVar(&connectCapacity, "capacity", session.DefaultEventCapacity, "Connection event stream capacity")
	connectCmd.Flags().BoolVarP(&connectDiscover, "discover", "d", false, "Discover services after connecting")
	connectCmd.Flags().DurationVar(&connectDiscoverTimeout, "discover-timeout", 10*time.Second, "Service discovery timeout")
}

// connectOptions builds session options from flags, or from --config when given.
func connectOptions() (*session.ConnectOptions, error) {
	if connectConfigPath != "" {
		cfg, err := config.Load(connectConfigPath)
		if err != nil {
			return nil, err
		}
		return cfg.ConnectOptions()
	}
	return &session.ConnectOptions{
		TimeoutRetries:    connectTimeoutRetries,
		DisconnectRetries: connectDisconnectRetries,
		ConnectionTimeout: connectTimeout,
		Capacity:          connectCapacity,
	}, nil
}

func runConnect(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	opts, err := connectOptions()
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	address := args[0]
	reg := registry.New(goble.NewTransport(logger), logger)
	sess := reg.Session(address, "")
	defer sess.Terminate()

	events := sess.Connect(opts)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	for {
		select {
		case item, ok := <-events.C():
			if !ok {
				return nil
			}
			if item.Err != nil {
				color.Red("%s  error: %v", timestamp(), item.Err)
				continue
			}
			printEvent(sess, item.Value)
			if item.Value.Kind == session.EventGiveUp {
				return fmt.Errorf("gave up after %d timeouts and %d disconnects",
					sess.TimeoutCount(), sess.DisconnectCount())
			}
			if item.Value.Kind == session.EventConnect && connectDiscover {
				go discoverAndPrint(sess)
			}
		case <-sig:
			sess.Disconnect()
			signal.Stop(sig)
		}
	}
}

func printEvent(sess *session.Session, ev session.ConnectionEvent) {
	switch ev.Kind {
	case session.EventConnect:
		color.Green("%s  connected to %s (%s)", timestamp(), sess.Address(), sess.Name())
	case session.EventTimeout:
		color.Yellow("%s  connect timeout (%d so far)", timestamp(), sess.TimeoutCount())
	case session.EventDisconnect:
		color.Yellow("%s  disconnected (%d so far), reconnecting", timestamp(), sess.DisconnectCount())
	case session.EventForceDisconnect:
		color.Cyan("%s  disconnected on request", timestamp())
	case session.EventGiveUp:
		color.Red("%s  retry budget exhausted, giving up", timestamp())
	}
}

func discoverAndPrint(sess *session.Session) {
	if _, err := sess.DiscoverAllServices(connectDiscoverTimeout).Await(context.Background()); err != nil {
		color.Red("%s  service discovery failed: %v", timestamp(), err)
		return
	}
	for _, svc := range sess.Services() {
		fmt.Printf("  service %s\n", svc.UUID())
		for _, char := range svc.Characteristics() {
			fmt.Printf("    characteristic %s\n", char.UUID())
		}
	}
}

func timestamp() string {
	return time.Now().Format("15:04:05.000")
}
