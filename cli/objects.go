package cli

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type objectsCmd struct{}

func (c *objectsCmd) RegisterFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "objects [pattern]",
		Short: "Lists the object names matching pattern, all objects by default",
		Args:  cobra.MaximumNArgs(1),
	}
}

func (c *objectsCmd) Run(cl *Client, cmd *cobra.Command, args []string) error {
	pattern := "*:*"
	if len(args) == 1 {
		pattern = args[0]
	}
	ctx, cancel := cl.context()
	defer cancel()
	names, err := cl.Transport.ListObjects(ctx, pattern)
	if err != nil {
		return errors.Wrapf(err, "listing %s", pattern)
	}
	for _, name := range names {
		fmt.Fprintln(cl.Out, name)
	}
	return nil
}
