// Command lq reads and watches tree and document sources through the
// query cache.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/livequery/internal/config"
	"github.com/mschirtzinger/livequery/internal/logging"
	"github.com/mschirtzinger/livequery/internal/ui"
)

var (
	cfg  *config.Config
	logs *logging.Logging
)

var rootCmd = &cobra.Command{
	Use:   "lq",
	Short: "Live queries over tree and document stores",
	Long: `lq reads tree and document stores through a query cache.

Every read goes through the same pipeline as an application would use:
the source is read once (get) or subscribed to (watch), the snapshot is
shaped into a plain value (an ordered array with --array), an optional
--select path picks part of it, and the result is stored in the cache.

Configuration is read from livequery.toml or livequery.yaml, LQ_
environment variables and flags, in increasing precedence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loader := config.NewLoader()
		flags := cmd.Flags()
		for key, name := range map[string]string{
			"tree.path":   "tree-db",
			"tree.remote": "remote",
			"docs.path":   "docs-db",
			"files.root":  "files",
			"log.file":    "log-file",
			"log.quiet":   "quiet",
		} {
			if err := loader.BindFlag(key, flags.Lookup(name)); err != nil {
				return err
			}
		}
		if f := flags.Lookup("port"); f != nil {
			if err := loader.BindFlag("server.port", f); err != nil {
				return err
			}
		}

		file, _ := flags.GetString("config")
		c, err := loader.Load(file)
		if err != nil {
			return err
		}
		cfg = c

		l, err := logging.Open(cfg.Log)
		if err != nil {
			return err
		}
		logs = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "tree", Title: "Tree Commands:"},
		&cobra.Group{ID: "docs", Title: "Document Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (default: livequery.toml or livequery.yaml)")
	pf.String("tree-db", "", "Tree database file")
	pf.String("remote", "", "Realtime server URL for tree commands (ws://host:port/ws)")
	pf.String("docs-db", "", "Document database file")
	pf.String("files", "", "Root directory of JSON document files")
	pf.String("log-file", "", "Write logs to a rotating file instead of stderr")
	pf.BoolP("quiet", "q", false, "Discard log output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}
