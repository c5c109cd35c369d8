package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mschirtzinger/livequery/internal/bridge"
	"github.com/mschirtzinger/livequery/internal/docstore"
	"github.com/mschirtzinger/livequery/internal/filesource"
	"github.com/mschirtzinger/livequery/internal/query"
	"github.com/mschirtzinger/livequery/internal/realtime"
	"github.com/mschirtzinger/livequery/internal/source"
	"github.com/mschirtzinger/livequery/internal/tree"
	"github.com/mschirtzinger/livequery/internal/ui"
)

// treeBackend is a local tree store or a realtime client.
type treeBackend interface {
	source.Source
	Set(ctx context.Context, ref tree.Ref, value any) error
	Push(ctx context.Context, ref tree.Ref, value any) (tree.Ref, error)
	Remove(ctx context.Context, ref tree.Ref) error
	Close() error
}

func openTree(ctx context.Context) (treeBackend, error) {
	if cfg.Tree.Remote != "" {
		return realtime.Dial(ctx, cfg.Tree.Remote, &realtime.ClientConfig{Logger: logs.New("realtime")})
	}
	return tree.OpenWithConfig(cfg.Tree.Path, &tree.Config{Logger: logs.New("tree")})
}

func openDocs() (*docstore.Client, error) {
	return docstore.OpenWithConfig(cfg.Docs.Path, &docstore.Config{Logger: logs.New("docs")})
}

func openFiles() (*filesource.Source, error) {
	return filesource.NewWithConfig(cfg.Files.Root, &filesource.Config{
		DebounceInterval: cfg.Files.Debounce,
		Logger:           logs.New("files"),
	})
}

func newBridge() *bridge.Bridge {
	cache := query.NewClient(&query.Config{
		Retry:      cfg.Query.Retry,
		RetryDelay: cfg.Query.RetryDelay,
		Logger:     logs.New("query"),
	})
	return bridge.New(cache, &bridge.Config{Logger: logs.New("bridge")})
}

// selectPath returns a select function that applies a gjson path to the
// JSON form of the shaped value, or nil for an empty path.
func selectPath(path string) bridge.SelectFunc {
	if path == "" {
		return nil
	}
	return func(v any) (any, error) {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode value: %w", err)
		}
		res := gjson.GetBytes(raw, path)
		if !res.Exists() {
			return nil, nil
		}
		return res.Value(), nil
	}
}

// parseValue reads a command-line value as JSON, falling back to a plain
// string, so `lq set a/b hello` and `lq set a/b '"hello"'` agree.
func parseValue(arg string) any {
	var v any
	if err := json.Unmarshal([]byte(arg), &v); err != nil {
		return arg
	}
	return v
}

func parseObject(arg string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(arg), &m); err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	return m, nil
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// printState prints one cache state of a watched query.
func printState(w io.Writer, s query.State) {
	switch s.Status {
	case query.StatusError:
		fmt.Fprintf(w, "%s %v\n", ui.RenderWarn("!"), s.Err)
	case query.StatusSuccess:
		fmt.Fprintf(w, "%s %s\n", ui.RenderMuted(s.DataUpdatedAt.Format(time.TimeOnly)), compact(s.Data))
	}
}

func compact(v any) string {
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(out)
}

// queryResult returns the cached value of key or the recorded error.
func queryResult(c *query.Client, key query.Key) (any, error) {
	s := c.State(key)
	if s.Status == query.StatusError {
		return nil, s.Err
	}
	return s.Data, nil
}
