// Package cli is the mbeanwatch command line: watch live attributes, read one
// attribute, or list the objects of a JVM.
package cli

import (
	"context"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/twitter/mbeanwatch/common/clock"
	"github.com/twitter/mbeanwatch/config"
	"github.com/twitter/mbeanwatch/transport"
	"github.com/twitter/mbeanwatch/transport/jolokia"
	"github.com/twitter/mbeanwatch/transport/memory"
)

// How often the simulated JVM collects garbage.
const SimulatedGCInterval = 5 * time.Second

// CLIClient is what main needs.
type CLIClient interface {
	Exec() error
}

// Client holds the state shared by every command. Init fills in Config and,
// unless a test set it already, Transport.
type Client struct {
	RootCmd    *cobra.Command
	LogLevel   string
	ConfigFlag string
	URL        string
	Simulate   bool

	Config    *config.Config
	Transport transport.Transport
	Out       io.Writer

	stopSim context.CancelFunc
}

// Cmd is one subcommand.
type Cmd interface {
	RegisterFlags() *cobra.Command
	Run(cl *Client, cmd *cobra.Command, args []string) error
}

func NewClient() *Client {
	c := &Client{Out: os.Stdout}
	c.RootCmd = &cobra.Command{
		Use:                "mbeanwatch",
		Short:              "mbeanwatch subscribes to live JVM attributes and notifications",
		SilenceUsage:       true,
		PersistentPreRunE:  c.Init,
		Run:                func(*cobra.Command, []string) {},
		PersistentPostRunE: c.Close,
	}
	flags := c.RootCmd.PersistentFlags()
	flags.StringVar(&c.LogLevel, "log_level", "info", "Log everything at this level and above (error|info|debug)")
	flags.StringVar(&c.ConfigFlag, "config", "", "Config file (.json, .yaml, .yml) or literal JSON config")
	flags.StringVar(&c.URL, "url", "", "Jolokia agent URL, overrides the config")
	flags.BoolVar(&c.Simulate, "simulate", false, "Watch a simulated JVM instead of a Jolokia agent")

	c.addCmd(&watchCmd{})
	c.addCmd(&readCmd{})
	c.addCmd(&objectsCmd{})
	return c
}

func (c *Client) Exec() error {
	return c.RootCmd.Execute()
}

// Can only be called from cobra command run or hook
func (c *Client) Init(cmd *cobra.Command, args []string) error {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		log.Error(err)
		return err
	}
	log.SetLevel(level)

	if c.Config == nil {
		if c.Config, err = config.Load(c.ConfigFlag); err != nil {
			return err
		}
	}
	if c.URL != "" {
		c.Config.URL = c.URL
	}
	if c.Transport != nil {
		return nil
	}
	if c.Simulate || c.Config.URL == "" {
		log.Info("Using a simulated JVM")
		jvm := memory.NewSimulatedJVM(clock.System())
		var ctx context.Context
		ctx, c.stopSim = context.WithCancel(context.Background())
		go jvm.Run(ctx, SimulatedGCInterval)
		c.Transport = jvm
		return nil
	}
	c.Transport = jolokia.New(jolokia.Config{URL: c.Config.URL})
	return nil
}

func (c *Client) Close(cmd *cobra.Command, args []string) error {
	if c.stopSim != nil {
		c.stopSim()
		c.stopSim = nil
	}
	return nil
}

func (c *Client) addCmd(cmd Cmd) {
	cobraCmd := cmd.RegisterFlags()
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		return cmd.Run(c, innerCmd, args)
	}
	c.RootCmd.AddCommand(cobraCmd)
}

func (c *Client) context() (context.Context, context.CancelFunc) {
	timeout := c.Config.Poller.FetchTimeout.Std()
	if timeout <= 0 {
		timeout = jolokia.DefaultTimeout
	}
	return context.WithTimeout(context.Background(), timeout)
}
