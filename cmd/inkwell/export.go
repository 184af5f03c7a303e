package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/inkwell/internal/config"
	"github.com/zulandar/inkwell/internal/conversation"
	"github.com/zulandar/inkwell/internal/db"
	"github.com/zulandar/inkwell/internal/export"
	"github.com/zulandar/inkwell/internal/persist"
)

// openState opens the persisted client state without wiring the rest of
// the client. The returned func closes the database.
func openState(cfg *config.Config) (*persist.State, func(), error) {
	gormDB, err := db.OpenAndMigrate(cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	state, err := persist.NewState(gormDB, nil)
	if err != nil {
		db.Close(gormDB)
		return nil, nil, err
	}
	return state, func() { db.Close(gormDB) }, nil
}

// loadConversations reads the persisted conversations.
func loadConversations(ctx context.Context, cfg *config.Config) ([]conversation.Conversation, error) {
	state, closeDB, err := openState(cfg)
	if err != nil {
		return nil, err
	}
	defer closeDB()
	return state.LoadConversations(ctx)
}

func newListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			convs, err := loadConversations(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return printConversations(cmd.OutOrStdout(), convs)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func printConversations(out io.Writer, convs []conversation.Conversation) error {
	if len(convs) == 0 {
		fmt.Fprintln(out, "No conversations found.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMESSAGES\tMODEL\tTITLE")
	for _, c := range convs {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", c.ID, len(c.Messages), c.Model, c.Title)
	}
	return tw.Flush()
}

func newExportCmd() *cobra.Command {
	var (
		configPath string
		format     string
		output     string
	)

	cmd := &cobra.Command{
		Use:   "export <conversation-id>",
		Short: "Export a saved conversation",
		Long:  "Writes a saved conversation as json, jsonl, yaml or markdown.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runExport(cmd.Context(), cmd.OutOrStdout(), cfg, args[0], format, output)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&format, "format", "f", "md", "export format: json, jsonl, yaml or md")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func runExport(ctx context.Context, out io.Writer, cfg *config.Config, id, format, output string) error {
	exp, err := export.NewExporter(format)
	if err != nil {
		return err
	}
	convs, err := loadConversations(ctx, cfg)
	if err != nil {
		return err
	}
	var conv *conversation.Conversation
	for i := range convs {
		if convs[i].ID == id {
			conv = &convs[i]
			break
		}
	}
	if conv == nil {
		return fmt.Errorf("conversation %s not found", id)
	}

	if output == "" {
		return exp.Export(conv, out)
	}
	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create %s: %w", output, err)
	}
	if err := exp.Export(conv, f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Exported %s to %s\n", id, output)
	return nil
}

func newImportCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "import <file>...",
		Short: "Import conversations from JSON files",
		Long:  "Merges conversations from JSON files holding one conversation or an array of them. Conversations with a known id are replaced.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runImport(cmd.Context(), cmd.OutOrStdout(), cfg, args)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runImport(ctx context.Context, out io.Writer, cfg *config.Config, paths []string) error {
	state, closeDB, err := openState(cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	existing, err := state.LoadConversations(ctx)
	if err != nil {
		return err
	}
	store := conversation.NewStore()
	store.Load(existing)

	total := 0
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		convs, err := conversation.ParseJSON(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		n := store.Import(convs)
		fmt.Fprintf(out, "Imported %d of %d conversations from %s\n", n, len(convs), path)
		total += n
	}
	if total == 0 {
		return fmt.Errorf("no conversations imported")
	}
	return state.SaveConversations(ctx, store.List())
}
