// Package inspect implements the one-shot read-only client: spawn the child
// server directly, perform the handshake, run a few listing calls, print the
// raw results, and exit. No augmentation, no restarts.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.weald.dev/reviver/internal/core"
	"go.weald.dev/reviver/internal/proxy"
)

// Options selects what to query and how to launch the child.
type Options struct {
	Spec    proxy.Spec
	Timeout time.Duration
	// What lists the sections to query: "tools", "resources", "prompts".
	What []string
}

// listing maps a report section to the method that fills it.
var listing = map[string]string{
	"tools":     proxy.MethodToolsList,
	"resources": proxy.MethodResourcesList,
	"prompts":   proxy.MethodPromptsList,
}

// Run spawns the child, queries the requested sections, and writes an
// indented JSON report to out. The child is stopped before Run returns.
func Run(ctx context.Context, opts Options, out io.Writer) error {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if len(opts.What) == 0 {
		opts.What = []string{"tools", "resources", "prompts"}
	}

	sup := proxy.NewSupervisor(opts.Spec, proxy.RestartPolicy{}, opts.Timeout, 50)
	if err := sup.Start(ctx); err != nil {
		return err
	}
	defer sup.Stop(context.Background())

	stdin, stdout := sup.Stdio()
	conn := proxy.NewConn("inspect", nil, opts.Timeout)
	conn.Attach(stdout, stdin, stdin)
	defer conn.Close()

	initParams, _ := json.Marshal(map[string]any{
		"protocolVersion": "2025-06-18",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "reviver-inspect", "version": core.FormatVersion(core.Version)},
	})
	serverInfo, err := conn.SendRequest(ctx, proxy.MethodInitialize, json.RawMessage(initParams))
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := conn.SendNotification(proxy.MethodInitialized, nil); err != nil {
		return fmt.Errorf("initialized: %w", err)
	}

	report := map[string]json.RawMessage{"server": serverInfo}
	for _, section := range opts.What {
		method, ok := listing[section]
		if !ok {
			return fmt.Errorf("unknown section %q", section)
		}
		result, err := conn.SendRequest(ctx, method, nil)
		if err != nil {
			// Servers that lack a capability reject its listing; record that
			// instead of aborting the whole report.
			msg, _ := json.Marshal(map[string]string{"error": err.Error()})
			report[section] = msg
			continue
		}
		report[section] = result
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
