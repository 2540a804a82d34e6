package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"adrkeeper/internal/domain"
	"adrkeeper/internal/engine"
)

func insightCmd() *cobra.Command {
	in := &cobra.Command{
		Use:   "insight",
		Short: "Manage insights",
		Long:  "Insights are quick notes. Link one to a decision record with 'convert' or turn it into a new record with 'promote'.",
	}
	in.AddCommand(insightCreateCmd())
	in.AddCommand(insightListCmd())
	in.AddCommand(insightShowCmd())
	in.AddCommand(insightUpdateCmd())
	in.AddCommand(insightConvertCmd())
	in.AddCommand(insightPromoteCmd())
	in.AddCommand(insightDeleteCmd())
	return in
}

func insightCreateCmd() *cobra.Command {
	var opts engine.InsightCreateOptions
	var codeRefs []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create insight",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(codeRefs) > 0 {
				opts.CodeReferences = parseCodeRefs(codeRefs)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.CreateInsight(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Content, "content", "", "content")
	cmd.Flags().StringArrayVar(&opts.Tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringArrayVar(&codeRefs, "code-ref", nil, "code reference as path[#description] (repeatable)")
	cmd.Flags().StringVar(&opts.ADRID, "adr", "", "decision record this insight belongs to")
	return cmd
}

func insightListCmd() *cobra.Command {
	var adrID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List insights",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var items []domain.Insight
				var err error
				if adrID != "" {
					items, err = e.InsightsByADR(ctx, adrID)
				} else {
					items, err = e.ListInsights(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Title", "Tags", "Decision", "Created"})
				for _, in := range items {
					adr := ""
					if in.ADRID != nil {
						adr = *in.ADRID
					}
					tw.AppendRow(table.Row{in.ID, in.Title, strings.Join(in.Tags, ","), adr, in.CreatedAt.Format("2006-01-02 15:04")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&adrID, "adr", "", "only insights converted into this decision record")
	return cmd
}

func insightShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show insight",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.GetInsight(ctx, args[0])
				if err != nil {
					return err
				}
				if in == nil {
					return fmt.Errorf("insight %s not found", args[0])
				}
				return printJSONOrTable(in)
			})
		},
	}
}

func insightUpdateCmd() *cobra.Command {
	var title, content string
	var tags, codeRefs []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update insight fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := cmd.Flags()
			p := engine.InsightPatch{ID: args[0]}
			if fs.Changed("title") {
				p.Title = &title
			}
			if fs.Changed("content") {
				p.Content = &content
			}
			if fs.Changed("tag") {
				p.Tags = &tags
			}
			if fs.Changed("code-ref") {
				refs := parseCodeRefs(codeRefs)
				p.CodeReferences = &refs
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.PatchInsight(ctx, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&content, "content", "", "content")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "tag (repeatable, replaces all tags)")
	cmd.Flags().StringArrayVar(&codeRefs, "code-ref", nil, "code reference as path[#description] (repeatable, replaces all)")
	return cmd
}

func insightConvertCmd() *cobra.Command {
	var adrID string
	cmd := &cobra.Command{
		Use:   "convert <id>",
		Short: "Link insight to a decision record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.ConvertToADR(ctx, args[0], adrID)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&adrID, "adr", "", "decision record id")
	_ = cmd.MarkFlagRequired("adr")
	return cmd
}

func insightPromoteCmd() *cobra.Command {
	var flags decisionFlags
	cmd := &cobra.Command{
		Use:   "promote <id>",
		Short: "Create a decision record from an insight",
		Long:  "Drafts a proposed decision record from the insight (title, content as problem, tags, code references), applies any flags given, and links the insight to it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var overrides engine.DecisionCreateOptions
			flags.apply(cmd.Flags(), &overrides)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, in, err := e.PromoteInsight(ctx, args[0], overrides)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"decision": d, "insight": in})
			})
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func insightDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete insight",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteInsight(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted %s\n", args[0])
				return nil
			})
		},
	}
}
