package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowgate/internal/app"
	"flowgate/internal/config"
	"flowgate/internal/db"
	"flowgate/internal/engine"
	"flowgate/internal/migrate"
	"flowgate/internal/repo"
	"flowgate/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fg",
	Short: "Flowgate CLI",
	Long: `Flowgate moves projects through configurable approval workflows.
Core concepts:
- Workspace: your .flowgate directory holding the sqlite database; flowgate.yml seeds it.
- Statuses: named states work can sit in (Planning, In Review, Approved).
- Workflows: per entity type, an ordered set of statuses plus the transitions allowed between them; one workflow is the default per entity type.
- Transitions: directed edges between statuses; a transition may demand approval from listed roles or users and may carry gating tasks.
- Tasks: checklist items attached to a transition; required ones block execution until completed.
- Projects: the tracked items moving status to status; every move lands in the history log.
- Event log: diary of changes, view with 'fg log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FLOWGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "admin", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id used when a command takes none")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func statusCmd() *cobra.Command {
	st := &cobra.Command{
		Use:   "status",
		Short: "Manage statuses",
		Long:  "Statuses are the named states shared across workflows. A status can serve several entity types at once and cannot be deleted while a workflow or project still points at it.",
	}
	st.AddCommand(statusListCmd())
	st.AddCommand(statusCreateCmd())
	st.AddCommand(statusUpdateCmd())
	st.AddCommand(statusDeleteCmd())
	return st
}

func statusListCmd() *cobra.Command {
	var entityType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List statuses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListStatuses(ctx, entityType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Color", "Entity Types"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Color, strings.Join(s.EntityTypes, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "entity-type", "", "filter by entity type")
	return cmd
}

func statusCreateCmd() *cobra.Command {
	var opts engine.StatusCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a status",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateStatus(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "status id (slug of name if omitted)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Color, "color", "", "hex color, e.g. #10b981")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringArrayVar(&opts.EntityTypes, "entity-type", []string{}, "entity type this status serves (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func statusUpdateCmd() *cobra.Command {
	var name, color, description string
	var entityTypes []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.StatusUpdateOptions{ID: args[0], ActorID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("color") {
				opts.Color = &color
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("entity-type") {
				opts.EntityTypes = entityTypes
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.UpdateStatus(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&color, "color", "", "hex color")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringArrayVar(&entityTypes, "entity-type", []string{}, "replace entity types (repeatable)")
	return cmd
}

func statusDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteStatus(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:   "workflow",
		Short: "Manage workflows",
		Long:  "A workflow pins down which statuses an entity type may use and which transitions connect them. Edits are validated as a whole graph first; nothing is saved when a violation is found.",
	}
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowCreateCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowDeleteCmd())
	wf.AddCommand(workflowSetDefaultCmd())
	wf.AddCommand(workflowDiagnoseCmd())
	return wf
}

func workflowListCmd() *cobra.Command {
	var entityType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListWorkflows(ctx, entityType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Entity Type", "Default", "Statuses", "Transitions"})
				for _, wf := range items {
					tw.AppendRow(table.Row{wf.ID, wf.Name, wf.EntityType, wf.IsDefault, len(wf.StatusIDs), len(wf.Transitions)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "entity-type", "", "filter by entity type")
	return cmd
}

func workflowCreateCmd() *cobra.Command {
	var opts engine.WorkflowCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.CreateWorkflow(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(wf)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "workflow id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.EntityType, "entity-type", "", "entity type this workflow governs")
	cmd.Flags().StringArrayVar(&opts.StatusIDs, "status", []string{}, "member status id (repeatable)")
	cmd.Flags().BoolVar(&opts.IsDefault, "default", false, "make this the default workflow for the entity type")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("entity-type")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a workflow with its transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(wf)
			})
		},
	}
	return cmd
}

func workflowDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteWorkflow(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func workflowSetDefaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-default <id>",
		Short: "Make a workflow the default for its entity type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.SetDefaultWorkflow(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(wf)
			})
		},
	}
	return cmd
}

func workflowDiagnoseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagnose <id>",
		Short: "Report unreachable statuses, dead ends, and duplicate edges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				findings, err := e.DiagnoseWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"findings": findings})
				}
				if len(findings) == 0 {
					fmt.Println("no findings")
					return nil
				}
				for _, f := range findings {
					fmt.Println("-", f)
				}
				return nil
			})
		},
	}
	return cmd
}

func transitionCmd() *cobra.Command {
	tr := &cobra.Command{
		Use:   "transition",
		Short: "Manage transitions",
		Long:  "Transitions are the allowed moves inside a workflow. Use 'check' to dry-run an edit before saving it; 'requirements' shows who may approve a gated transition.",
	}
	tr.AddCommand(transitionAddCmd())
	tr.AddCommand(transitionUpdateCmd())
	tr.AddCommand(transitionRemoveCmd())
	tr.AddCommand(transitionCheckCmd())
	tr.AddCommand(transitionRequirementsCmd())
	return tr
}

func transitionAddCmd() *cobra.Command {
	var opts engine.TransitionCreateOptions
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a transition to a workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AddTransition(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.WorkflowID, "workflow", "", "workflow id")
	cmd.Flags().StringVar(&opts.ID, "id", "", "transition id")
	cmd.Flags().StringVar(&opts.FromStatusID, "from", "", "source status id")
	cmd.Flags().StringVar(&opts.ToStatusID, "to", "", "target status id")
	cmd.Flags().BoolVar(&opts.RequiresApproval, "requires-approval", false, "only listed approvers may execute")
	cmd.Flags().StringArrayVar(&opts.ApproverRoles, "approver-role", []string{}, "approver role (repeatable)")
	cmd.Flags().StringArrayVar(&opts.ApproverUserIDs, "approver-user", []string{}, "approver user id (repeatable)")
	cmd.Flags().StringVar(&opts.ConditionsJSON, "conditions-json", "", "opaque conditions JSON")
	_ = cmd.MarkFlagRequired("workflow")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func transitionUpdateCmd() *cobra.Command {
	var workflowID, from, to, conditions string
	var requiresApproval bool
	var approverRoles, approverUsers []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TransitionUpdateOptions{
				ID:         args[0],
				WorkflowID: workflowID,
				ActorID:    viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("from") {
				opts.FromStatusID = &from
			}
			if cmd.Flags().Changed("to") {
				opts.ToStatusID = &to
			}
			if cmd.Flags().Changed("requires-approval") {
				opts.RequiresApproval = &requiresApproval
			}
			if cmd.Flags().Changed("approver-role") {
				opts.ApproverRoles = approverRoles
			}
			if cmd.Flags().Changed("approver-user") {
				opts.ApproverUserIDs = approverUsers
			}
			if cmd.Flags().Changed("conditions-json") {
				opts.ConditionsJSON = &conditions
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTransition(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow id")
	cmd.Flags().StringVar(&from, "from", "", "source status id")
	cmd.Flags().StringVar(&to, "to", "", "target status id")
	cmd.Flags().BoolVar(&requiresApproval, "requires-approval", false, "only listed approvers may execute")
	cmd.Flags().StringArrayVar(&approverRoles, "approver-role", []string{}, "replace approver roles (repeatable)")
	cmd.Flags().StringArrayVar(&approverUsers, "approver-user", []string{}, "replace approver user ids (repeatable)")
	cmd.Flags().StringVar(&conditions, "conditions-json", "", "replace conditions JSON (empty clears)")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

func transitionRemoveCmd() *cobra.Command {
	var workflowID string
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteTransition(ctx, workflowID, args[0], viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow id")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

func transitionCheckCmd() *cobra.Command {
	var opts engine.TransitionCreateOptions
	var editingID string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Dry-run a transition against the workflow graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CheckTransition(ctx, opts.WorkflowID, opts, editingID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Valid {
					fmt.Println("transition OK")
					return nil
				}
				fmt.Println("transition would violate:")
				for _, v := range res.Violations {
					fmt.Println("-", v)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.WorkflowID, "workflow", "", "workflow id")
	cmd.Flags().StringVar(&opts.FromStatusID, "from", "", "source status id")
	cmd.Flags().StringVar(&opts.ToStatusID, "to", "", "target status id")
	cmd.Flags().BoolVar(&opts.RequiresApproval, "requires-approval", false, "only listed approvers may execute")
	cmd.Flags().StringArrayVar(&opts.ApproverRoles, "approver-role", []string{}, "approver role (repeatable)")
	cmd.Flags().StringArrayVar(&opts.ApproverUserIDs, "approver-user", []string{}, "approver user id (repeatable)")
	cmd.Flags().StringVar(&editingID, "editing-id", "", "transition id being edited, excluded from duplicate checks")
	_ = cmd.MarkFlagRequired("workflow")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func transitionRequirementsCmd() *cobra.Command {
	var workflowID string
	cmd := &cobra.Command{
		Use:   "requirements <id>",
		Short: "Show approval requirements for a transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.TransitionRequirements(ctx, workflowID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow id")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
		Long:  "Projects are the tracked items. 'next' lists the legal moves from the current status, 'exec' performs one, 'history' shows the transition log.",
	}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectNextCmd())
	prj.AddCommand(projectExecCmd())
	prj.AddCommand(projectHistoryCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.EntityType, "entity-type", "", "entity type")
	cmd.Flags().StringVar(&opts.WorkflowID, "workflow", "", "workflow id (defaults to the entity type's default workflow)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("entity-type")
	return cmd
}

func projectListCmd() *cobra.Command {
	var f repo.ProjectFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProjects(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Entity Type", "Status", "Version"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.EntityType, p.CurrentStatusID, p.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.EntityType, "entity-type", "", "entity type filter")
	cmd.Flags().StringVar(&f.WorkflowID, "workflow", "", "workflow filter")
	cmd.Flags().StringVar(&f.StatusID, "status", "", "current status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := projectTarget(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProject(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectNextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next [id]",
		Short: "List legal transitions out of the current status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := projectTarget(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				options, err := e.NextTransitions(ctx, target)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(options)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Transition", "To", "Approval", "Blocked", "Open Tasks"})
				for _, o := range options {
					to := string(o.Transition.ToStatusID)
					if o.ToStatus != nil {
						to = o.ToStatus.Name
					}
					tw.AppendRow(table.Row{o.Transition.ID, to, o.Transition.RequiresApproval, o.BlockedByTasks, len(o.IncompleteTasks)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectExecCmd() *cobra.Command {
	var transitionID, comment string
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "exec [id]",
		Short: "Execute a transition",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := projectTarget(args)
			if err != nil {
				return err
			}
			opts := engine.ExecuteOptions{
				ProjectID:    target,
				TransitionID: transitionID,
				ActorID:      viper.GetString("actor-id"),
				Comment:      comment,
			}
			if cmd.Flags().Changed("expected-version") {
				opts.ExpectedVersion = &expectedVersion
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, entry, err := e.ExecuteTransition(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"project": p, "history": entry})
			})
		},
	}
	cmd.Flags().StringVar(&transitionID, "transition", "", "transition id")
	cmd.Flags().StringVar(&comment, "comment", "", "comment stored on the history entry")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "fail unless the project is at this version")
	_ = cmd.MarkFlagRequired("transition")
	return cmd
}

func projectHistoryCmd() *cobra.Command {
	var n int
	var after int64
	cmd := &cobra.Command{
		Use:   "history [id]",
		Short: "Show the transition log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := projectTarget(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.History(ctx, target, n, after)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Transition", "From", "To", "Actor", "At"})
				for _, h := range entries {
					tw.AppendRow(table.Row{h.ID, h.TransitionID, h.FromStatusID, h.ToStatusID, h.ActorID, h.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of entries")
	cmd.Flags().Int64Var(&after, "after", 0, "only entries after this history id")
	return cmd
}

func projectTarget(args []string) (string, error) {
	if len(args) == 1 && args[0] != "" {
		return args[0], nil
	}
	if target := viper.GetString("project"); target != "" {
		return target, nil
	}
	return "", fmt.Errorf("project id required (pass it as an argument or with --project)")
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage gating tasks",
		Long:  "Tasks hang off transitions. While a required task is open, every project trying to take that transition is blocked, whoever asks.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskReopenCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task on a transition",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "task name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.TransitionID, "transition", "", "transition this task gates")
	cmd.Flags().StringVar(&opts.AssignedUserID, "assignee", "", "assigned user id")
	cmd.Flags().StringVar(&opts.Deadline, "deadline", "", "deadline (RFC 3339)")
	cmd.Flags().BoolVar(&opts.IsRequired, "required", false, "block the transition until completed")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("transition")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var required, completed bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("required") {
				f.Required = &required
			}
			if cmd.Flags().Changed("completed") {
				f.Completed = &completed
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Transition", "Required", "Completed", "Assignee"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Name, t.TransitionID, t.IsRequired, t.IsCompleted, t.AssignedUserID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TransitionID, "transition", "", "transition filter")
	cmd.Flags().StringVar(&f.AssignedUserID, "assignee", "", "assignee filter")
	cmd.Flags().BoolVar(&required, "required", false, "filter by required flag")
	cmd.Flags().BoolVar(&completed, "completed", false, "filter by completion")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark a task complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CompleteTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskReopenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reopen <id>",
		Short: "Reopen a completed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ReopenTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage users"}
	usr.AddCommand(userCreateCmd())
	usr.AddCommand(userListCmd())
	return usr
}

func userCreateCmd() *cobra.Command {
	var opts engine.UserCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CreateUser(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "user id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email")
	cmd.Flags().StringVar(&opts.Role, "role", "user", "role (admin or user)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Role"})
				for _, u := range items {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Email, u.Role})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
		Long:  "API keys authenticate server callers with the X-Api-Key header. The secret is shown once at creation; only its hash is stored.",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.CreateAPIKey(ctx, userID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"id":         key.ID,
						"user_id":    key.UserID,
						"name":       key.Name,
						"secret":     secret,
						"created_at": key.CreatedAt,
					})
				}
				fmt.Printf("API key %s created for %s\n", key.ID, key.UserID)
				fmt.Printf("Secret: %s\n", secret)
				fmt.Println("Store it now; only the hash is kept.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user the key belongs to")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: status edits, workflow changes, executed transitions, task stamps.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEventsFrom(ctx, n, 0, viper.GetString("project"), evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "At", "Type", "Entity", "Actor"})
				for _, evt := range events {
					entity := evt.EntityKind
					if evt.EntityID != "" {
						entity += "/" + evt.EntityID
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, entity, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Workspace config",
		Long:  "flowgate.yml declares entity types and the seed fixture (statuses, workflows, users). The seed is applied once per seed version; 'check' validates without touching the database.",
	}
	cfg.AddCommand(configCheckCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate flowgate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter flowgate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default()
			}
			e := engine.New(conn, cfg)
			if err := app.EnsureSeeded(cmd.Context(), e); err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("FLOWGATE_JWT_SECRET"),
				EnableDevLogin:         envBool("FLOWGATE_DEV_LOGIN"),
				AllowLegacyActorHeader: envBool("FLOWGATE_ALLOW_ACTOR_HEADER"),
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FLOWGATE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Flowgate API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	e := engine.New(conn, cfg)
	if err := app.EnsureSeeded(ctx, e); err != nil {
		return err
	}
	return fn(ctx, e)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envBool(name string) bool {
	v, err := strconv.ParseBool(os.Getenv(name))
	return err == nil && v
}
