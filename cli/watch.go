package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/twitter/mbeanwatch/common/clock"
	"github.com/twitter/mbeanwatch/common/endpoints"
	"github.com/twitter/mbeanwatch/mri"
	"github.com/twitter/mbeanwatch/registry"
	"github.com/twitter/mbeanwatch/subscription"
)

type watchCmd struct {
	adminAddr string
	duration  time.Duration
}

func (c *watchCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "watch <qualified name>...",
		Short: "Subscribes to attributes, notifications or transformations and prints every event",
		Args:  cobra.MinimumNArgs(1),
	}
	r.Flags().StringVar(&c.adminAddr, "admin_addr", "", "Serve health, stats and subscriptions here, overrides the config")
	r.Flags().DurationVar(&c.duration, "duration", 0, "Stop after this long, 0 runs until interrupted")
	return r
}

func (c *watchCmd) Run(cl *Client, cmd *cobra.Command, args []string) error {
	descriptors := make([]mri.Descriptor, len(args))
	for i, arg := range args {
		d, err := mri.Parse(arg)
		if err != nil {
			return err
		}
		descriptors[i] = d
	}
	rc, err := cl.Config.RegistryConfig()
	if err != nil {
		return err
	}

	stat := endpoints.MakeStatsReceiver("mbeanwatch")
	reg := registry.New(cl.Transport, stat, clock.System(), rc)
	defer reg.Dispose()
	log.WithFields(log.Fields{"session": reg.Session(), "descriptors": len(descriptors)}).Info("Watching")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := c.adminAddr
	if addr == "" {
		addr = cl.Config.Admin.Addr
	}
	if addr != "" {
		server := endpoints.NewTwitterServer(addr, stat, reg)
		go func() {
			if err := server.Serve(ctx); err != nil {
				log.WithFields(log.Fields{"addr": addr, "err": err}).Error("Admin server failed")
			}
		}()
	}

	var mu sync.Mutex
	printer := subscription.NewListener(func(e subscription.ValueEvent) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(cl.Out, e)
	})
	for _, d := range descriptors {
		if err := reg.AddListener(d, printer); err != nil {
			return err
		}
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	var timeout <-chan time.Time
	if c.duration > 0 {
		timer := time.NewTimer(c.duration)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case sig := <-signals:
		log.WithFields(log.Fields{"signal": sig}).Info("Stopping")
	case <-timeout:
	}
	reg.RemoveListener(printer)
	return nil
}
