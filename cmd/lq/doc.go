package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/livequery/internal/bridge"
	"github.com/mschirtzinger/livequery/internal/docstore"
	"github.com/mschirtzinger/livequery/internal/filesource"
	"github.com/mschirtzinger/livequery/internal/query"
	"github.com/mschirtzinger/livequery/internal/source"
	"github.com/mschirtzinger/livequery/internal/ui"
)

var docCmd = &cobra.Command{
	Use:     "doc",
	GroupID: "docs",
	Short:   "Read, write and watch documents",
	Long: `Work with the document store, or with the JSON document files
under the files root when --from-files is given.

Documents are addressed as <collection>/<id>.`,
}

// docSource opens the document store or, with --from-files, the file
// source. The returned close function releases it.
func docSource(cmd *cobra.Command) (source.Source, func(), error) {
	fromFiles, _ := cmd.Flags().GetBool("from-files")
	if fromFiles {
		src, err := openFiles()
		if err != nil {
			return nil, nil, err
		}
		return src, func() {}, nil
	}
	client, err := openDocs()
	if err != nil {
		return nil, nil, err
	}
	return client, func() { _ = client.Close() }, nil
}

var docGetCmd = &cobra.Command{
	Use:   "get <collection/id>",
	Short: "Read a document once",
	Long: `Read a document once through the query cache.

--source picks the copy: server, cache (local cache only) or default
(server with cache fallback).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := docstore.ParseDocRef(args[0])
		if err != nil {
			return err
		}
		modeName, _ := cmd.Flags().GetString("source")
		if !cmd.Flags().Changed("source") {
			modeName = cfg.Query.Source
		}
		mode, err := source.ParseReadMode(modeName)
		if err != nil {
			return err
		}
		sel, _ := cmd.Flags().GetString("select")

		src, closeSrc, err := docSource(cmd)
		if err != nil {
			return err
		}
		defer closeSrc()

		b := newBridge()
		defer b.Close()

		key := query.Key{"doc", ref.Collection, ref.ID}
		if err := b.Start(cmd.Context(), key, src, ref, bridge.Options{Source: mode}, selectPath(sel)); err != nil {
			return err
		}
		v, err := queryResult(b.Cache(), key)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), v)
	},
}

var docSetCmd = &cobra.Command{
	Use:   "set <collection/id> <json>",
	Short: "Write a document",
	Long: `Write a document. With --merge the fields are merged into the
existing document (dotted field paths allowed) and the document must exist.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := docstore.ParseDocRef(args[0])
		if err != nil {
			return err
		}
		data, err := parseObject(args[1])
		if err != nil {
			return err
		}
		merge, _ := cmd.Flags().GetBool("merge")

		client, err := openDocs()
		if err != nil {
			return err
		}
		defer client.Close()

		if merge {
			err = client.Update(cmd.Context(), ref, data)
		} else {
			err = client.Set(cmd.Context(), ref, data)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", ui.RenderPass("✓"), ref)
		return nil
	},
}

var docDeleteCmd = &cobra.Command{
	Use:   "delete <collection/id>",
	Short: "Delete a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := docstore.ParseDocRef(args[0])
		if err != nil {
			return err
		}
		client, err := openDocs()
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Delete(cmd.Context(), ref); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted %s\n", ui.RenderPass("✓"), ref)
		return nil
	},
}

var docWatchCmd = &cobra.Command{
	Use:   "watch <collection/id>",
	Short: "Stream a document until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := docstore.ParseDocRef(args[0])
		if err != nil {
			return err
		}
		sel, _ := cmd.Flags().GetString("select")
		withMeta, _ := cmd.Flags().GetBool("metadata")
		policyName, _ := cmd.Flags().GetString("metadata-updates")
		policy, err := bridge.ParseMetadataPolicy(policyName)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		src, closeSrc, err := docSource(cmd)
		if err != nil {
			return err
		}
		defer closeSrc()

		opts := bridge.Options{
			Subscribe:              true,
			IncludeMetadataChanges: withMeta,
			MetadataUpdates:        policy,
		}
		return watch(ctx, cmd, src, query.Key{"doc", ref.Collection, ref.ID}, ref, opts, selectPath(sel))
	},
}

var docMirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Sync the JSON document files into the document store",
	Long: `Copy every <collection>/<id>.json file under the files root into the
document store, delete stored documents whose file is gone, and keep
syncing file changes until Ctrl+C.

With --once only the full sync runs.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")

		files, err := openFiles()
		if err != nil {
			return err
		}
		client, err := openDocs()
		if err != nil {
			return err
		}
		defer client.Close()

		m := filesource.NewMirror(files, client)
		out := cmd.OutOrStdout()

		if once {
			start := time.Now()
			stats, err := m.FullSync(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
			fmt.Fprintf(out, "   Synced: %d\n", stats.Synced)
			fmt.Fprintf(out, "   Deleted: %d\n", stats.Deleted)
			if stats.Failed > 0 {
				fmt.Fprintf(out, "   %s %d\n", ui.RenderWarn("Failed:"), stats.Failed)
			}
			return nil
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Fprintf(out, "%s Mirroring %s into %s (Ctrl+C to stop)\n", ui.RenderAccent("→"), files.Root(), cfg.Docs.Path)
		return m.Run(ctx)
	},
}

var docImportCmd = &cobra.Command{
	Use:   "import <collection> <file.jsonl>",
	Short: "Write JSON lines as document files",
	Long: `Read one JSON object per line and write each as
<files root>/<collection>/<id>.json. Run "lq doc mirror" afterwards to copy
the files into the document store.

Examples:
  lq doc import users users.jsonl
  lq doc import users users.jsonl --id-field key --dry-run`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		idField, _ := cmd.Flags().GetString("id-field")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		files, err := openFiles()
		if err != nil {
			return err
		}

		// #nosec G304 - user-supplied import file
		f, err := os.Open(args[1])
		if err != nil {
			return fmt.Errorf("failed to open import file: %w", err)
		}
		defer f.Close()

		res, err := files.ImportJSONL(f, args[0], filesource.ImportOptions{IDField: idField, DryRun: dryRun})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Fprintf(out, "%s %s %d document(s) into %s\n", ui.RenderPass("✓"), verb, res.Written, args[0])
		for _, e := range res.Errors {
			fmt.Fprintf(out, "   %s %s\n", ui.RenderWarn("Skipped:"), e)
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{docGetCmd, docWatchCmd} {
		c.Flags().Bool("from-files", false, "Read the JSON document files instead of the store")
		c.Flags().String("select", "", "gjson path applied to the document")
	}
	docGetCmd.Flags().String("source", "default", "Copy to read: default, cache or server")
	docSetCmd.Flags().Bool("merge", false, "Merge fields into the existing document")
	docWatchCmd.Flags().Bool("metadata", false, "Also deliver metadata-only changes")
	docWatchCmd.Flags().String("metadata-updates", "overwrite", "How metadata-only deliveries update the cache: overwrite or skip-unchanged")
	docMirrorCmd.Flags().Bool("once", false, "Run one full sync and exit")
	docImportCmd.Flags().String("id-field", "id", "Field holding each document's id")
	docImportCmd.Flags().Bool("dry-run", false, "Validate the input without writing files")

	docCmd.AddCommand(docGetCmd, docSetCmd, docDeleteCmd, docWatchCmd, docMirrorCmd, docImportCmd)
	rootCmd.AddCommand(docCmd)
}
