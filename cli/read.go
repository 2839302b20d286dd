package cli

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/twitter/mbeanwatch/mri"
	"github.com/twitter/mbeanwatch/transport"
)

type readCmd struct{}

func (c *readCmd) RegisterFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "read <qualified name>",
		Short: "Reads one attribute once",
		Args:  cobra.ExactArgs(1),
	}
}

func (c *readCmd) Run(cl *Client, cmd *cobra.Command, args []string) error {
	d, err := mri.Parse(args[0])
	if err != nil {
		return err
	}
	if d.Kind != mri.Attribute {
		return fmt.Errorf("read takes an attribute, got %s", d.Kind)
	}
	ctx, cancel := cl.context()
	defer cancel()
	res := cl.Transport.FetchOne(ctx, d)
	if res.Outcome != transport.OK {
		return errors.Errorf("reading %s: %s: %v", d, res.Outcome, res.Err)
	}
	fmt.Fprintf(cl.Out, "%s = %v\n", d, res.Value)
	return nil
}
