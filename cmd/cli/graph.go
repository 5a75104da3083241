package cli

// -----------------------------------------------------------------------------
// graph.go – element store CLI
// -----------------------------------------------------------------------------
// Commands after RegisterGraph(root):
//   ~graph ~node <type>              – create a node
//   ~graph ~arc <type> <src> <dst>   – create a connector
//   ~graph ~erase <addr>             – erase with cascade
//   ~graph ~type <addr>              – show element type
//   ~graph ~stats                    – live element count
// -----------------------------------------------------------------------------

import (
	"fmt"

	"github.com/spf13/cobra"

	"semnet/core"
)

var nodeTypes = map[string]core.ElemType{
	"node":   core.TypeNodeConst,
	"class":  core.TypeNodeConstClass,
	"role":   core.TypeNodeConstRole,
	"norole": core.TypeNodeConstNoRole,
	"struct": core.TypeNodeConstStruct,
	"tuple":  core.TypeNodeConstTuple,
	"link":   core.TypeLinkConst,
}

var arcTypes = map[string]core.ElemType{
	"access":  core.TypeArcConstPosPerm,
	"neg":     core.TypeArcConstNegPerm,
	"fuz":     core.TypeArcConstFuzPerm,
	"temp":    core.TypeArcConstPosTemp,
	"common":  core.TypeArcCommonConst,
	"edge":    core.TypeEdgeCommonConst,
}

func graphCreate(cmd *cobra.Command, args []string) error {
	ctx, err := currentCtx()
	if err != nil {
		return err
	}
	typ, ok := nodeTypes[args[0]]
	if !ok {
		return fmt.Errorf("unknown element type %q", args[0])
	}
	var a core.Address
	if typ.IsLink() {
		a, err = ctx.CreateLink(typ)
	} else {
		a, err = ctx.CreateNode(typ)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), printAddr(a))
	return nil
}

func graphArc(cmd *cobra.Command, args []string) error {
	ctx, err := currentCtx()
	if err != nil {
		return err
	}
	typ, ok := arcTypes[args[0]]
	if !ok {
		return fmt.Errorf("unknown arc type %q", args[0])
	}
	src, err := parseAddr(args[1])
	if err != nil {
		return err
	}
	dst, err := parseAddr(args[2])
	if err != nil {
		return err
	}
	a, err := ctx.CreateConnector(typ, src, dst)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), printAddr(a))
	return nil
}

func graphErase(cmd *cobra.Command, args []string) error {
	ctx, err := currentCtx()
	if err != nil {
		return err
	}
	a, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	if err := ctx.Erase(a); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "erased")
	return nil
}

func graphType(cmd *cobra.Command, args []string) error {
	ctx, err := currentCtx()
	if err != nil {
		return err
	}
	a, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	typ, err := ctx.ElementType(a)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (0x%04x)\n", typ, uint16(typ))
	return nil
}

func graphStats(cmd *cobra.Command, _ []string) error {
	engMu.RLock()
	e := eng
	engMu.RUnlock()
	if e == nil {
		return fmt.Errorf("engine not initialised")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "live elements: %d\n", e.Store().LiveCount())
	return nil
}

// RegisterGraph wires the element store commands under root.
func RegisterGraph(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:               "graph",
		Short:             "element store operations",
		PersistentPreRunE: engineInit,
	}
	cmd.AddCommand(
		&cobra.Command{Use: "node <type>", Short: "create a node or link", Args: cobra.ExactArgs(1), RunE: graphCreate},
		&cobra.Command{Use: "arc <type> <src> <dst>", Short: "create a connector", Args: cobra.ExactArgs(3), RunE: graphArc},
		&cobra.Command{Use: "erase <addr>", Short: "erase an element and its cascade", Args: cobra.ExactArgs(1), RunE: graphErase},
		&cobra.Command{Use: "type <addr>", Short: "show an element's type", Args: cobra.ExactArgs(1), RunE: graphType},
		&cobra.Command{Use: "stats", Short: "live element count", RunE: graphStats},
	)
	root.AddCommand(cmd)
}
