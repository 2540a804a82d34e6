package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"adrkeeper/internal/domain"
	"adrkeeper/internal/engine"
	"adrkeeper/internal/repo"
)

func decisionCmd() *cobra.Command {
	dec := &cobra.Command{
		Use:     "decision",
		Aliases: []string{"adr"},
		Short:   "Manage decision records",
		Long:    "Decision records capture a problem, the options weighed, the choice made and what came of it.",
	}
	dec.AddCommand(decisionCreateCmd())
	dec.AddCommand(decisionListCmd())
	dec.AddCommand(decisionShowCmd())
	dec.AddCommand(decisionUpdateCmd())
	dec.AddCommand(decisionStatusCmd())
	dec.AddCommand(decisionHistoryCmd())
	dec.AddCommand(decisionRelatedCmd())
	dec.AddCommand(decisionDeleteCmd())
	return dec
}

// decisionDoc is the YAML (or JSON) document accepted by --file.
type decisionDoc struct {
	Title    string `yaml:"title"`
	Status   string `yaml:"status"`
	Problem  string `yaml:"problem"`
	Context  string `yaml:"context"`
	Decision string `yaml:"decision"`
	Outcome  string `yaml:"outcome"`
	Options  []struct {
		Title       string   `yaml:"title"`
		Description string   `yaml:"description"`
		Pros        []string `yaml:"pros"`
		Cons        []string `yaml:"cons"`
	} `yaml:"options"`
	Tags           []string `yaml:"tags"`
	RelatedADRs    []string `yaml:"related_adrs"`
	CodeReferences []struct {
		Path        string `yaml:"path"`
		Snippet     string `yaml:"snippet"`
		Description string `yaml:"description"`
	} `yaml:"code_references"`
	ProjectID string `yaml:"project_id"`
}

func readDecisionDoc(path string) (engine.DecisionCreateOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.DecisionCreateOptions{}, err
	}
	var doc decisionDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return engine.DecisionCreateOptions{}, fmt.Errorf("parse %s: %w", path, err)
	}
	opts := engine.DecisionCreateOptions{
		Title:       doc.Title,
		Status:      doc.Status,
		Problem:     doc.Problem,
		Context:     doc.Context,
		Decision:    doc.Decision,
		Outcome:     doc.Outcome,
		Tags:        doc.Tags,
		RelatedADRs: doc.RelatedADRs,
		ProjectID:   doc.ProjectID,
	}
	for _, o := range doc.Options {
		opts.Options = append(opts.Options, domain.Option{Title: o.Title, Description: o.Description, Pros: o.Pros, Cons: o.Cons})
	}
	for _, r := range doc.CodeReferences {
		opts.CodeReferences = append(opts.CodeReferences, domain.CodeReference{Path: r.Path, Snippet: r.Snippet, Description: r.Description})
	}
	return opts, nil
}

// parseCodeRefs turns "path#description" flag values into code references.
func parseCodeRefs(values []string) []domain.CodeReference {
	refs := make([]domain.CodeReference, 0, len(values))
	for _, v := range values {
		path, desc, _ := strings.Cut(v, "#")
		refs = append(refs, domain.CodeReference{Path: strings.TrimSpace(path), Description: strings.TrimSpace(desc)})
	}
	return refs
}

func parseOptions(values []string) []domain.Option {
	opts := make([]domain.Option, 0, len(values))
	for _, v := range values {
		title, desc, _ := strings.Cut(v, "#")
		opts = append(opts, domain.Option{Title: strings.TrimSpace(title), Description: strings.TrimSpace(desc)})
	}
	return opts
}

type decisionFlags struct {
	title, status, problem, context, decision, outcome, project string
	tags, related, codeRefs, options                          []string
}

func (f *decisionFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.title, "title", "", "title")
	fs.StringVar(&f.status, "status", "", "status (default proposed)")
	fs.StringVar(&f.problem, "problem", "", "problem statement")
	fs.StringVar(&f.context, "context", "", "context")
	fs.StringVar(&f.decision, "decision", "", "decision text")
	fs.StringVar(&f.outcome, "outcome", "", "outcome")
	fs.StringVar(&f.project, "project", "", "project id")
	fs.StringArrayVar(&f.tags, "tag", nil, "tag (repeatable)")
	fs.StringArrayVar(&f.related, "related", nil, "related decision id (repeatable)")
	fs.StringArrayVar(&f.codeRefs, "code-ref", nil, "code reference as path[#description] (repeatable)")
	fs.StringArrayVar(&f.options, "option", nil, "option as title[#description] (repeatable)")
}

// apply copies every flag the user set onto opts.
func (f *decisionFlags) apply(fs *pflag.FlagSet, opts *engine.DecisionCreateOptions) {
	set := func(name string, dst *string, v string) {
		if fs.Changed(name) {
			*dst = v
		}
	}
	set("title", &opts.Title, f.title)
	set("status", &opts.Status, f.status)
	set("problem", &opts.Problem, f.problem)
	set("context", &opts.Context, f.context)
	set("decision", &opts.Decision, f.decision)
	set("outcome", &opts.Outcome, f.outcome)
	set("project", &opts.ProjectID, f.project)
	if fs.Changed("tag") {
		opts.Tags = f.tags
	}
	if fs.Changed("related") {
		opts.RelatedADRs = f.related
	}
	if fs.Changed("code-ref") {
		opts.CodeReferences = parseCodeRefs(f.codeRefs)
	}
	if fs.Changed("option") {
		opts.Options = parseOptions(f.options)
	}
}

func decisionCreateCmd() *cobra.Command {
	var flags decisionFlags
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create decision record",
		Example: `  adrk decision create --title "Use SQLite" --tag storage --code-ref internal/db/db.go#connection setup
  adrk decision create --file adr-0007.yml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts engine.DecisionCreateOptions
			if file != "" {
				var err error
				if opts, err = readDecisionDoc(file); err != nil {
					return err
				}
			}
			flags.apply(cmd.Flags(), &opts)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDecision(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	flags.register(cmd.Flags())
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the record from a YAML or JSON file; flags override its fields")
	return cmd
}

func decisionListCmd() *cobra.Command {
	var f repo.DecisionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List decision records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListDecisions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Title", "Status", "Tags", "Version", "Last change", "Updated"})
				for _, d := range items {
					reason := ""
					if last, ok := d.LastStatusChange(); ok {
						reason = last.Reason
					}
					tw.AppendRow(table.Row{d.ID, d.Title, d.Status, strings.Join(d.Tags, ","), d.Version, reason, d.UpdatedAt.Format("2006-01-02 15:04")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&f.Tag, "tag", "", "tag filter")
	return cmd
}

func decisionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show decision record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetDecision(ctx, args[0])
				if err != nil {
					return err
				}
				if d == nil {
					return fmt.Errorf("decision %s not found", args[0])
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func decisionUpdateCmd() *cobra.Command {
	var flags decisionFlags
	var expected int64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update decision record fields",
		Long:  "Only the flags given are changed. List flags replace the whole list. A status change is recorded in the history.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := cmd.Flags()
			p := engine.DecisionPatch{ID: args[0]}
			str := func(name, v string) *string {
				if !fs.Changed(name) {
					return nil
				}
				return &v
			}
			p.Title = str("title", flags.title)
			p.Status = str("status", flags.status)
			p.Problem = str("problem", flags.problem)
			p.Context = str("context", flags.context)
			p.Decision = str("decision", flags.decision)
			p.Outcome = str("outcome", flags.outcome)
			p.ProjectID = str("project", flags.project)
			if fs.Changed("tag") {
				p.Tags = &flags.tags
			}
			if fs.Changed("related") {
				p.RelatedADRs = &flags.related
			}
			if fs.Changed("code-ref") {
				refs := parseCodeRefs(flags.codeRefs)
				p.CodeReferences = &refs
			}
			if fs.Changed("option") {
				opts := parseOptions(flags.options)
				p.Options = &opts
			}
			if fs.Changed("expected-version") {
				p.ExpectedVersion = &expected
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.PatchDecision(ctx, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	flags.register(cmd.Flags())
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "fail with a conflict unless the record is at this version")
	return cmd
}

func decisionStatusCmd() *cobra.Command {
	var reason string
	var expected int64
	cmd := &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Transition decision status",
		Long:  "Records a status history entry with the reason, even when the status does not change.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pin *int64
			if cmd.Flags().Changed("expected-version") {
				pin = &expected
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.TransitionStatus(ctx, args[0], args[1], reason, pin)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the status changes")
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "fail with a conflict unless the record is at this version")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func decisionHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				history, err := e.DecisionHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(history)
				}
				tw := newTable(table.Row{"Date", "From", "To", "Reason"})
				for _, h := range history {
					from := string(h.From)
					if from == "" {
						from = "-"
					}
					tw.AppendRow(table.Row{h.Date.Format("2006-01-02 15:04:05"), from, h.To, h.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func decisionRelatedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "related <id>",
		Short: "Resolve related decision records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rel, err := e.ResolveRelated(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rel)
				}
				tw := newTable(table.Row{"ID", "Title", "Status"})
				for _, d := range rel.Found {
					tw.AppendRow(table.Row{d.ID, d.Title, d.Status})
				}
				for _, id := range rel.Missing {
					tw.AppendRow(table.Row{id, "(missing)", ""})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func decisionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete decision record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteDecision(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted %s\n", args[0])
				return nil
			})
		},
	}
}
