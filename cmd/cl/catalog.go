package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"caseline/internal/app"
	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/storage"
)

func templateCmd() *cobra.Command {
	t := &cobra.Command{Use: "template", Short: "Manage workflow templates"}
	t.AddCommand(templateImportCmd())
	t.AddCommand(templateListCmd())
	t.AddCommand(templateShowCmd())
	t.AddCommand(templateCloneCmd())
	t.AddCommand(templateLifecycleCmd("archive", "Hide a template from new assignments", (*engine.Resolver).Archive))
	t.AddCommand(templateLifecycleCmd("delete", "Delete a template", (*engine.Resolver).Delete))
	return t
}

// templateImportCmd reads a template from YAML. With --id the existing
// template's content is replaced.
func templateImportCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "import <file.yml>",
		Short: "Create or update a template from YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var in engine.TemplateInput
			if err := yaml.Unmarshal(data, &in); err != nil {
				return fmt.Errorf("invalid template yaml: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				var t domain.WorkflowTemplate
				if id != "" {
					t, err = a.Engine.Workflows.Update(ctx, currentActor(), id, in)
				} else {
					t, err = a.Engine.Workflows.Create(ctx, currentActor(), in)
				}
				if err != nil {
					return err
				}
				return printTemplate(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "template to replace")
	return cmd
}

func templateListCmd() *cobra.Command {
	var archived bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Workflows.List(ctx, archived)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Steps", "Hours", "Lifecycle", "Tags"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, len(t.Steps), t.TotalEstimatedDurationHours, t.Lifecycle, strings.Join(t.Tags, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&archived, "archived", false, "include archived templates")
	return cmd
}

func templateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <template-id>",
		Short: "Show a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := a.Engine.Workflows.Resolve(ctx, args[0])
				if err != nil {
					return err
				}
				return printTemplate(t)
			})
		},
	}
}

func templateCloneCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "clone <template-id>",
		Short: "Deep-copy a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := a.Engine.Workflows.Clone(ctx, currentActor(), args[0], name)
				if err != nil {
					return err
				}
				return printTemplate(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name of the copy")
	return cmd
}

func templateLifecycleCmd(use, short string, apply func(*engine.Resolver, context.Context, domain.Actor, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <template-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := apply(a.Engine.Workflows, ctx, currentActor(), args[0]); err != nil {
					return err
				}
				fmt.Printf("%s: %sd\n", args[0], use)
				return nil
			})
		},
	}
}

func printTemplate(t domain.WorkflowTemplate) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	fmt.Printf("%s  %s  [%s]  %.1fh\n", t.ID, t.Name, t.Lifecycle, t.TotalEstimatedDurationHours)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Step", "Hours", "Checklist"})
	for i, s := range t.Steps {
		items := lo.Map(s.Items, func(it domain.ChecklistItem, _ int) string { return it.ID })
		tw.AppendRow(table.Row{i, s.ID + " " + s.Name, s.EstimatedDurationHours, strings.Join(items, ", ")})
	}
	tw.Render()
	return nil
}

func docCmd() *cobra.Command {
	d := &cobra.Command{Use: "doc", Short: "Manage case documents"}
	d.AddCommand(docUploadCmd())
	d.AddCommand(docListCmd())
	d.AddCommand(docStatusCmd())
	d.AddCommand(docVerifyCmd())
	d.AddCommand(docRestoreCmd())
	d.AddCommand(docDeleteCmd())
	return d
}

func docUploadCmd() *cobra.Command {
	var docType string
	cmd := &cobra.Command{
		Use:   "upload <case-id> <file>",
		Short: "Store a file as the next version of a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}
			name := filepath.Base(args[1])
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				v, err := a.Engine.Documents.UploadFile(ctx, currentActor(), args[0], docType, storage.Upload{
					Name:     name,
					MimeType: mime.TypeByExtension(filepath.Ext(name)),
					Size:     info.Size(),
					Body:     f,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&docType, "type", "", "document type")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func docListCmd() *cobra.Command {
	var docType string
	cmd := &cobra.Command{
		Use:   "list <case-id>",
		Short: "List document versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Documents.ListVersions(ctx, currentActor(), args[0], docType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Version", "Status", "Verification", "File", "Uploaded By"})
				for _, v := range items {
					tw.AppendRow(table.Row{v.ID, v.DocumentType, v.Version, v.Status, v.VerificationStatus, v.Meta.OriginalName, v.UploadedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&docType, "type", "", "document type filter")
	return cmd
}

func docStatusCmd() *cobra.Command {
	var required []string
	cmd := &cobra.Command{
		Use:   "status <case-id>",
		Short: "Show which required documents are uploaded and verified",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				st, err := a.Engine.Documents.GetDocumentStatus(ctx, currentActor(), args[0], required)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Type", "Uploaded", "Version", "Verification"})
				for _, d := range st.Documents {
					version, verification := "", ""
					if d.Active != nil {
						version = fmt.Sprint(d.Active.Version)
						verification = string(d.Active.VerificationStatus)
					}
					tw.AppendRow(table.Row{d.DocumentType, d.Uploaded, version, verification})
				}
				tw.AppendFooter(table.Row{"", fmt.Sprintf("all uploaded: %t", st.AllUploaded), "", fmt.Sprintf("all verified: %t", st.AllVerified)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&required, "required", nil, "override the service's required types")
	return cmd
}

func docVerifyCmd() *cobra.Command {
	var reject bool
	var reason string
	cmd := &cobra.Command{
		Use:   "verify <version-id>",
		Short: "Verify the active version (or reject it with --reject --reason)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome := domain.VerificationVerified
			if reject {
				outcome = domain.VerificationRejected
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				v, err := a.Engine.Documents.Verify(ctx, currentActor(), args[0], outcome, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of verify")
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func docRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <version-id>",
		Short: "Make a copy of an older version the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				v, err := a.Engine.Documents.Restore(ctx, currentActor(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
}

func docDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <version-id>",
		Short: "Soft-delete a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Engine.Documents.Delete(ctx, currentActor(), args[0]); err != nil {
					return err
				}
				fmt.Printf("%s: deleted\n", args[0])
				return nil
			})
		},
	}
}

func serviceCmd() *cobra.Command {
	s := &cobra.Command{Use: "service", Short: "Manage the service catalog"}
	var name string
	var docs []string
	define := &cobra.Command{
		Use:   "define <service-id>",
		Short: "Create or replace a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				svc := domain.Service{ID: args[0], Name: name, DocumentsRequired: docs}
				if err := a.DefineService(ctx, currentActor(), svc); err != nil {
					return err
				}
				return printJSONOrTable(svc)
			})
		},
	}
	define.Flags().StringVar(&name, "name", "", "display name")
	define.Flags().StringSliceVar(&docs, "documents", nil, "required document types")
	s.AddCommand(define)
	s.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Services(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Required documents"})
				for _, svc := range items {
					tw.AppendRow(table.Row{svc.ID, svc.Name, strings.Join(svc.DocumentsRequired, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	})
	return s
}
