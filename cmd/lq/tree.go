package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/livequery/internal/bridge"
	"github.com/mschirtzinger/livequery/internal/query"
	"github.com/mschirtzinger/livequery/internal/source"
	"github.com/mschirtzinger/livequery/internal/tree"
	"github.com/mschirtzinger/livequery/internal/ui"
)

var getCmd = &cobra.Command{
	Use:     "get <path>",
	GroupID: "tree",
	Short:   "Read a tree location once",
	Long: `Read a tree location once and print the shaped value.

With --array the children are returned as an ordered array of their
values, in insertion order. --select applies a gjson path to the result.

Examples:
  lq get /audit/123 --array
  lq get /users/ada --select name`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := tree.ParseRef(args[0])
		if err != nil {
			return err
		}
		toArray, _ := cmd.Flags().GetBool("array")
		sel, _ := cmd.Flags().GetString("select")

		ctx := cmd.Context()
		backend, err := openTree(ctx)
		if err != nil {
			return err
		}
		defer backend.Close()

		b := newBridge()
		defer b.Close()

		key := query.Key{"tree", ref.Path()}
		if err := b.Start(ctx, key, backend, ref, bridge.Options{ToArray: toArray}, selectPath(sel)); err != nil {
			return err
		}
		v, err := queryResult(b.Cache(), key)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), v)
	},
}

var watchCmd = &cobra.Command{
	Use:     "watch <path>",
	GroupID: "tree",
	Short:   "Stream a tree location until interrupted",
	Long: `Subscribe to a tree location and print every value the cache
receives, until Ctrl+C.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := tree.ParseRef(args[0])
		if err != nil {
			return err
		}
		toArray, _ := cmd.Flags().GetBool("array")
		sel, _ := cmd.Flags().GetString("select")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		backend, err := openTree(ctx)
		if err != nil {
			return err
		}
		defer backend.Close()

		return watch(ctx, cmd, backend, query.Key{"tree", ref.Path()}, ref,
			bridge.Options{Subscribe: true, ToArray: toArray}, selectPath(sel))
	},
}

// watch prints the states of key until ctx is done.
func watch(ctx context.Context, cmd *cobra.Command, src source.Source, key query.Key, ref source.Reference, opts bridge.Options, sel bridge.SelectFunc) error {
	b := newBridge()
	defer b.Close()

	out := cmd.OutOrStdout()
	states := make(chan query.State, 16)
	stop, err := b.Watch(ctx, key, src, ref, opts, sel, func(s query.State) {
		select {
		case states <- s:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return err
	}
	defer stop()

	fmt.Fprintf(cmd.ErrOrStderr(), "%s Watching %s (Ctrl+C to stop)\n", ui.RenderAccent("→"), ref)
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-states:
			printState(out, s)
		}
	}
}

var setCmd = &cobra.Command{
	Use:     "set <path> <value>",
	GroupID: "tree",
	Short:   "Replace the value at a tree location",
	Long: `Replace the value at a tree location. The value is parsed as JSON
and taken as a string when it is not valid JSON. null removes the location.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := tree.ParseRef(args[0])
		if err != nil {
			return err
		}
		backend, err := openTree(cmd.Context())
		if err != nil {
			return err
		}
		defer backend.Close()

		if err := backend.Set(cmd.Context(), ref, parseValue(args[1])); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Set %s\n", ui.RenderPass("✓"), ref)
		return nil
	},
}

var pushCmd = &cobra.Command{
	Use:     "push <path> <value>",
	GroupID: "tree",
	Short:   "Append a child with a generated, time-ordered key",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := tree.ParseRef(args[0])
		if err != nil {
			return err
		}
		backend, err := openTree(cmd.Context())
		if err != nil {
			return err
		}
		defer backend.Close()

		child, err := backend.Push(cmd.Context(), ref, parseValue(args[1]))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Pushed %s\n", ui.RenderPass("✓"), child)
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:     "remove <path>",
	Aliases: []string{"rm"},
	GroupID: "tree",
	Short:   "Remove a tree location and everything below it",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := tree.ParseRef(args[0])
		if err != nil {
			return err
		}
		backend, err := openTree(cmd.Context())
		if err != nil {
			return err
		}
		defer backend.Close()

		if err := backend.Remove(cmd.Context(), ref); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Removed %s\n", ui.RenderPass("✓"), ref)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{getCmd, watchCmd} {
		c.Flags().Bool("array", false, "Shape children into an ordered array")
		c.Flags().String("select", "", "gjson path applied to the shaped value")
	}

	rootCmd.AddCommand(getCmd, watchCmd, setCmd, pushCmd, removeCmd)
}
