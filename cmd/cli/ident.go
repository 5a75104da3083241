package cli

// -----------------------------------------------------------------------------
// ident.go – system identifier dictionary CLI
// -----------------------------------------------------------------------------
// Commands after RegisterIdent(root):
//   ~ident ~set <name> <addr>
//   ~ident ~find <name>
//   ~ident ~resolve <name> [type]
// -----------------------------------------------------------------------------

import (
	"fmt"

	"github.com/spf13/cobra"

	"semnet/core"
)

func identSet(cmd *cobra.Command, args []string) error {
	ctx, err := currentCtx()
	if err != nil {
		return err
	}
	a, err := parseAddr(args[1])
	if err != nil {
		return err
	}
	if err := ctx.SetIdentifier(args[0], a); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "ok")
	return nil
}

func identFind(cmd *cobra.Command, args []string) error {
	ctx, err := currentCtx()
	if err != nil {
		return err
	}
	a, err := ctx.FindByIdentifier(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), printAddr(a))
	return nil
}

func identResolve(cmd *cobra.Command, args []string) error {
	ctx, err := currentCtx()
	if err != nil {
		return err
	}
	typ := core.TypeNodeConst
	if len(args) > 1 {
		t, ok := nodeTypes[args[1]]
		if !ok {
			return fmt.Errorf("unknown element type %q", args[1])
		}
		typ = t
	}
	a, err := ctx.ResolveIdentifier(args[0], typ)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), printAddr(a))
	return nil
}

// RegisterIdent wires the dictionary commands under root.
func RegisterIdent(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:               "ident",
		Short:             "system identifier dictionary",
		PersistentPreRunE: engineInit,
	}
	cmd.AddCommand(
		&cobra.Command{Use: "set <name> <addr>", Short: "bind a name", Args: cobra.ExactArgs(2), RunE: identSet},
		&cobra.Command{Use: "find <name>", Short: "look a name up", Args: cobra.ExactArgs(1), RunE: identFind},
		&cobra.Command{Use: "resolve <name> [type]", Short: "find or create", Args: cobra.RangeArgs(1, 2), RunE: identResolve},
	)
	root.AddCommand(cmd)
}
