package cli

// -----------------------------------------------------------------------------
// link.go – link content CLI
// -----------------------------------------------------------------------------
// Commands after RegisterLink(root):
//   ~link ~set <addr> <string>
//   ~link ~get <addr>
//   ~link ~find <string>
// -----------------------------------------------------------------------------

import (
	"fmt"

	"github.com/spf13/cobra"

	"semnet/core"
)

func linkSet(cmd *cobra.Command, args []string) error {
	ctx, err := currentCtx()
	if err != nil {
		return err
	}
	a, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	if err := ctx.SetLinkContent(a, core.StringContent(args[1])); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "ok")
	return nil
}

func linkGet(cmd *cobra.Command, args []string) error {
	ctx, err := currentCtx()
	if err != nil {
		return err
	}
	a, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	c, err := ctx.GetLinkContent(a)
	if err != nil {
		return err
	}
	if s, serr := c.AsString(); serr == nil {
		fmt.Fprintln(cmd.OutOrStdout(), s)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%x (format %d)\n", c.Bytes, c.Format)
	return nil
}

func linkFind(cmd *cobra.Command, args []string) error {
	ctx, err := currentCtx()
	if err != nil {
		return err
	}
	links, err := ctx.FindLinksByContent([]byte(args[0]))
	if err != nil {
		if core.StatusOf(err) == core.StatusNo {
			fmt.Fprintln(cmd.OutOrStdout(), "no matches")
			return nil
		}
		return err
	}
	for _, l := range links {
		fmt.Fprintln(cmd.OutOrStdout(), printAddr(l))
	}
	return nil
}

// RegisterLink wires the link content commands under root.
func RegisterLink(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:               "link",
		Short:             "link content operations",
		PersistentPreRunE: engineInit,
	}
	cmd.AddCommand(
		&cobra.Command{Use: "set <addr> <value>", Short: "set string content", Args: cobra.ExactArgs(2), RunE: linkSet},
		&cobra.Command{Use: "get <addr>", Short: "read content", Args: cobra.ExactArgs(1), RunE: linkGet},
		&cobra.Command{Use: "find <value>", Short: "links carrying value", Args: cobra.ExactArgs(1), RunE: linkFind},
	)
	root.AddCommand(cmd)
}
