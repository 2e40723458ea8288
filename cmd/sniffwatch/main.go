// Command sniffwatch prints a one-line summary of every frame seen on an
// interface. It exercises the same capture path as the daemon and exists
// to verify capture privileges and interface choice in the field.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/Hawkins-Sherpherd/interceptor/internal/capture"
	"github.com/Hawkins-Sherpherd/interceptor/internal/logging"
	"github.com/Hawkins-Sherpherd/interceptor/internal/xcmd"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// Ifname is the interface to watch.
	Ifname string
}

var rootCmd = &cobra.Command{
	Use:   "sniffwatch",
	Short: "Print a summary of every frame seen on an interface",
	Run: func(rawCmd *cobra.Command, args []string) {
		if err := run(cmd); err != nil {
			var interrupted xcmd.Interrupted
			if errors.As(err, &interrupted) {
				return
			}

			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.Ifname, "iface", "i", "", "Interface to watch (required)")
	rootCmd.MarkFlagRequired("iface")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	log, _ := logging.Init(&logging.Config{Level: zapcore.InfoLevel})
	defer log.Sync()

	link, err := netlink.LinkByName(cmd.Ifname)
	if err != nil {
		return fmt.Errorf("failed to resolve interface %q: %w", cmd.Ifname, err)
	}

	sniffer, err := capture.OpenLive(link, 0, log)
	if err != nil {
		return err
	}
	defer sniffer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		buf := make([]byte, 65536)
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := sniffer.Recv(buf)
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}
			log.Infof("%s", capture.ParseRecord(buf[:n]).Summary())
		}
	})
	wg.Go(func() error {
		return xcmd.WaitInterrupted(ctx)
	})

	return wg.Wait()
}
