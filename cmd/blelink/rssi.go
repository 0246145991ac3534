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
	"github.com/srg/blelink/registry"
)

// rssiCmd represents the rssi command
var rssiCmd = &cobra.Command{
	Use:   "rssi <address>",
	Short: "Sample signal strength of a BLE peripheral",
	Long: `Connect to a Bluetooth Low Energy peripheral and read its signal strength.

By default a single sample is read and printed. With --watch, samples are
polled on the configured period and streamed until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runRSSI,
}

var (
	rssiWatch          bool
	rssiPeriod         time.Duration
	rssiCapacity       int
	rssiConnectTimeout time.Duration
)

func init() {
	rssiCmd.Flags().BoolVarP(&rssiWatch, "watch", "w", false, "Poll continuously instead of a single read")
	rssiCmd.Flags().DurationVarP(&rssiPeriod, "period", "p", 2*time.Second, "Polling period for --watch")
	rssiCmd.Flags().IntVar(&rssiCapacity, "capacity", session.DefaultRSSICapacity, "RSSI stream capacity")
	rssiCmd.Flags().DurationVarP(&rssiConnectTimeout, "timeout", "t", 30*time.Second, "Connect timeout")
}

func runRSSI(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	address := args[0]
	reg := registry.New(goble.NewTransport(logger), logger)
	sess := reg.Session(address, "")
	defer sess.Terminate()

	events := sess.Connect(&session.ConnectOptions{
		TimeoutRetries:    0,
		DisconnectRetries: 0,
		ConnectionTimeout: rssiConnectTimeout,
		Capacity:          session.DefaultEventCapacity,
	})

	// Wait for the first connect before sampling.
	for item := range events.C() {
		if item.Err != nil {
			return fmt.Errorf("connect failed: %w", item.Err)
		}
		if item.Value.Kind == session.EventConnect {
			break
		}
		if item.Value.Kind == session.EventGiveUp {
			return fmt.Errorf("could not connect to %s", address)
		}
	}

	if !rssiWatch {
		value, err := sess.ReadRSSI().Await(context.Background())
		if err != nil {
			return fmt.Errorf("RSSI read failed: %w", err)
		}
		fmt.Printf("%d dBm\n", value)
		return nil
	}

	stream := sess.StartPollingRSSI(rssiPeriod, rssiCapacity)
	defer sess.StopPollingRSSI()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	for {
		select {
		case item, ok := <-stream.C():
			if !ok {
				return nil
			}
			if item.Err != nil {
				color.Red("%s  error: %v", timestamp(), item.Err)
				continue
			}
			fmt.Printf("%s  %d dBm\n", timestamp(), item.Value)
		case <-sig:
			return nil
		}
	}
}
