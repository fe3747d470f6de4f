package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mcpmacos/mcphost/pkg/hub"
	"github.com/mcpmacos/mcphost/pkg/logging"
	"github.com/mcpmacos/mcphost/pkg/registry"
)

// entry is one row of ls output
type entry struct {
	Kind        string `json:"kind" yaml:"kind"`
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

func newLsCmd(cfgFile *string) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List the tools, resources, templates and prompts of the composed server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *cfgFile, false)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Mode, "warn")
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), startTimeout)
			defer cancel()
			h, err := hub.New(ctx, cfg, hub.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				if err := h.Close(); err != nil {
					logger.Warn("failed to close imports", zap.Error(err))
				}
			}()

			return printEntries(cmd.OutOrStdout(), entries(h.Registry()), output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json or yaml")
	return cmd
}

func entries(reg *registry.Registry) []entry {
	snap := reg.Snapshot()
	out := make([]entry, 0, len(snap.Tools)+len(snap.Resources)+len(snap.Templates)+len(snap.Prompts))
	for _, t := range snap.Tools {
		out = append(out, entry{Kind: "tool", ID: t.Descriptor.Name, Description: t.Descriptor.Description})
	}
	for _, r := range snap.Resources {
		out = append(out, entry{Kind: "resource", ID: r.Descriptor.URI, Name: r.Descriptor.Name, Description: r.Descriptor.Description})
	}
	for _, t := range snap.Templates {
		out = append(out, entry{Kind: "template", ID: t.Descriptor.URITemplate, Name: t.Descriptor.Name, Description: t.Descriptor.Description})
	}
	for _, p := range snap.Prompts {
		out = append(out, entry{Kind: "prompt", ID: p.Descriptor.Name, Description: p.Descriptor.Description})
	}
	return out
}

func printEntries(w io.Writer, rows []entry, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rows); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "KIND\tID\tDESCRIPTION")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Kind, r.ID, r.Description)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q, must be table, json or yaml", format)
	}
}
