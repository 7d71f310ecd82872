package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"siteflow/internal/config"
	"siteflow/internal/domain"
	"siteflow/internal/engine"
	"siteflow/internal/repo"
)

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tenant", Short: "Manage tenants"}

	var name string
	initCmd := &cobra.Command{
		Use:   "init <tenant-id>",
		Short: "Create a tenant and make the current actor its admin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := args[0]
			ws := viper.GetString("workspace")
			if _, err := os.Stat(config.Path(ws)); os.IsNotExist(err) {
				if err := os.WriteFile(config.Path(ws), []byte(config.GenerateDefault(tenantID)), 0o644); err != nil {
					return err
				}
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if e.Config != nil && e.Config.Tenant.ID != tenantID {
					e.Config = config.Default(tenantID)
				}
				t, err := e.InitTenant(ctx, tenantID, name, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t, table.Row{"ID", "Name", "Created"}, []table.Row{{t.ID, t.Name, t.CreatedAt}})
			})
		},
	}
	initCmd.Flags().StringVar(&name, "name", "", "display name")

	var role string
	addMemberCmd := &cobra.Command{
		Use:   "add-member <actor-id>",
		Short: "Grant an actor a role in the tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				m, err := e.AddMember(ctx, tenantID, args[0], role)
				if err != nil {
					return err
				}
				return printJSONOrTable(m, table.Row{"Actor", "Role"}, []table.Row{{m.ActorID, m.Role}})
			})
		},
	}
	addMemberCmd.Flags().StringVar(&role, "role", "", "role name (default from rbac.default_role)")

	cmd.AddCommand(initCmd, addMemberCmd)
	return cmd
}

func templateRows(items []domain.Template) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, t := range items {
		rows = append(rows, table.Row{t.ID, t.Code, t.Name, t.Status, t.UpdatedAt})
	}
	return rows
}

var templateHeader = table.Row{"ID", "Code", "Name", "Status", "Updated"}

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "template", Short: "Manage workflow templates"}

	createCmd := &cobra.Command{
		Use:   "create <code> <name>",
		Short: "Create a template",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				t, err := e.CreateTemplate(ctx, tenantID, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t, templateHeader, templateRows([]domain.Template{t}))
			})
		},
	}

	var status string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				items, err := e.ListTemplates(ctx, tenantID, status)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, templateHeader, templateRows(items))
			})
		},
	}
	listCmd.Flags().StringVar(&status, "status", "", "filter by status (draft|active|archived)")

	archiveCmd := &cobra.Command{
		Use:   "archive <template-id>",
		Short: "Archive a template; its versions stay readable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				t, err := e.ArchiveTemplate(ctx, tenantID, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t, templateHeader, templateRows([]domain.Template{t}))
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <template-id>",
		Short: "Delete a template that has no instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				if err := e.DeleteTemplate(ctx, tenantID, args[0], actorID()); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}

	var file string
	importCmd := &cobra.Command{
		Use:   "import <template-id>",
		Short: "Create a draft version from a YAML document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				v, err := e.ImportVersion(ctx, tenantID, args[0], doc, actorID())
				if err != nil {
					return err
				}
				return printVersion(v)
			})
		},
	}
	importCmd.Flags().StringVarP(&file, "file", "f", "", "version YAML file")
	_ = importCmd.MarkFlagRequired("file")

	cmd.AddCommand(createCmd, listCmd, archiveCmd, deleteCmd, importCmd)
	return cmd
}

func printVersion(v domain.TemplateVersion) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Printf("version %s (%s) of template %s", v.Version, v.ID, v.TemplateID)
	if v.Published() {
		fmt.Printf(", published %s by %s\n", deref(v.PublishedAt), deref(v.PublishedBy))
	} else {
		fmt.Println(", draft")
	}
	if len(v.Steps) == 0 {
		return nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Step ID", "Key", "Name", "Type", "Depends On", "SLA (h)", "Fields"})
	for _, s := range v.Steps {
		sla := ""
		if s.SLAHours != nil {
			sla = fmt.Sprint(*s.SLAHours)
		}
		keys := make([]string, 0, len(s.Fields))
		for _, f := range s.Fields {
			k := f.Key + ":" + string(f.Type)
			if f.Required {
				k += "*"
			}
			keys = append(keys, k)
		}
		tw.AppendRow(table.Row{s.ID, s.StepKey, s.Name, s.Type, s.DependsOn, sla, keys})
	}
	tw.Render()
	return nil
}

func versionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "version", Short: "Draft, edit and publish template versions"}

	var version string
	var clone bool
	draftCmd := &cobra.Command{
		Use:   "draft <template-id>",
		Short: "Start a draft version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				v, err := e.DraftVersion(ctx, tenantID, args[0], engine.DraftOptions{Version: version, CloneLatest: clone, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printVersion(v)
			})
		},
	}
	draftCmd.Flags().StringVar(&version, "version", "", "semantic version (default next minor)")
	draftCmd.Flags().BoolVar(&clone, "clone", false, "copy steps from the latest version")

	showCmd := &cobra.Command{
		Use:   "show <version-id>",
		Short: "Show a version with its steps and fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				v, err := e.GetVersion(ctx, tenantID, args[0])
				if err != nil {
					return err
				}
				return printVersion(v)
			})
		},
	}

	var stepName, stepType string
	var dependsOn []string
	var slaHours, order int
	addStepCmd := &cobra.Command{
		Use:   "add-step <version-id> <key>",
		Short: "Add a step to a draft version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := engine.StepInput{Key: args[1], Name: stepName, Type: stepType, DependsOn: dependsOn}
			if in.Name == "" {
				in.Name = args[1]
			}
			if cmd.Flags().Changed("sla-hours") {
				in.SLAHours = &slaHours
			}
			if cmd.Flags().Changed("order") {
				in.OrderIndex = &order
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				s, err := e.AddStep(ctx, tenantID, args[0], in, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(s, table.Row{"ID", "Key", "Type", "Order"}, []table.Row{{s.ID, s.StepKey, s.Type, s.OrderIndex}})
			})
		},
	}
	addStepCmd.Flags().StringVar(&stepName, "name", "", "display name (default key)")
	addStepCmd.Flags().StringVar(&stepType, "type", "task", "task|approval|form")
	addStepCmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "step keys this step waits for")
	addStepCmd.Flags().IntVar(&slaHours, "sla-hours", 0, "deadline in hours once the step is ready")
	addStepCmd.Flags().IntVar(&order, "order", 0, "display order")

	var label, fieldType, rules, defaultValue, visibleWhen string
	var required bool
	addFieldCmd := &cobra.Command{
		Use:   "add-field <step-def-id> <key>",
		Short: "Add a field to a draft step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := engine.FieldInput{Key: args[1], Label: label, Type: domain.FieldType(fieldType), Required: required, Rules: rules}
			if cmd.Flags().Changed("default") {
				in.Default = parseValue(defaultValue)
			}
			if visibleWhen != "" {
				var c domain.Condition
				if err := json.Unmarshal([]byte(visibleWhen), &c); err != nil {
					return fmt.Errorf("visible-when: %w", err)
				}
				in.VisibleWhen = &c
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				f, err := e.AddField(ctx, tenantID, args[0], in, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(f, table.Row{"ID", "Key", "Type", "Required"}, []table.Row{{f.ID, f.Key, f.Type, f.Required}})
			})
		},
	}
	addFieldCmd.Flags().StringVar(&label, "label", "", "field label")
	addFieldCmd.Flags().StringVar(&fieldType, "type", "string", "string|number|date|datetime|json")
	addFieldCmd.Flags().BoolVar(&required, "required", false, "value required before the step completes")
	addFieldCmd.Flags().StringVar(&rules, "rules", "", "validator rules, e.g. min=0,max=100")
	addFieldCmd.Flags().StringVar(&defaultValue, "default", "", "default value (JSON or plain string)")
	addFieldCmd.Flags().StringVar(&visibleWhen, "visible-when", "", `condition JSON, e.g. {"field":"kind","op":"eq","value":"slab"}`)

	publishCmd := &cobra.Command{
		Use:   "publish <version-id>",
		Short: "Validate the step graph and freeze the version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				v, err := e.Publish(ctx, tenantID, args[0], actorID())
				if err != nil {
					return err
				}
				return printVersion(v)
			})
		},
	}

	cmd.AddCommand(draftCmd, showCmd, addStepCmd, addFieldCmd, publishCmd)
	return cmd
}

var stepHeader = table.Row{"ID", "Key", "Name", "Type", "Status", "Assignee", "Deadline"}

func stepRows(steps []domain.StepInstance) []table.Row {
	rows := make([]table.Row, 0, len(steps))
	for _, s := range steps {
		rows = append(rows, table.Row{s.ID, s.StepKey, s.Name, s.Type, s.Status, deref(s.Assignee), deref(s.Deadline)})
	}
	return rows
}

var instanceHeader = table.Row{"ID", "Project", "Template", "Status", "Updated"}

func instanceRows(items []domain.Instance) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, in := range items {
		rows = append(rows, table.Row{in.ID, in.ProjectID, in.TemplateID, in.Status, in.UpdatedAt})
	}
	return rows
}

func printInstance(in domain.Instance) error {
	if viper.GetBool("json") {
		return printJSON(in)
	}
	fmt.Printf("instance %s project=%s status=%s\n", in.ID, in.ProjectID, in.Status)
	if len(in.Steps) > 0 {
		return printJSONOrTable(in, stepHeader, stepRows(in.Steps))
	}
	return nil
}

func instanceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "instance", Short: "Run workflow instances"}

	var project, attrs string
	startCmd := &cobra.Command{
		Use:   "start <version-id>",
		Short: "Instantiate a published version for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.InstantiateOptions{ProjectID: project, VersionID: args[0], ActorID: actorID()}
			if attrs != "" {
				if err := json.Unmarshal([]byte(attrs), &opts.Attributes); err != nil {
					return fmt.Errorf("attributes: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				in, err := e.Instantiate(ctx, tenantID, opts)
				if err != nil {
					return err
				}
				return printInstance(in)
			})
		},
	}
	startCmd.Flags().StringVar(&project, "project", "", "project id")
	startCmd.Flags().StringVar(&attrs, "attributes", "", "instance attributes as a JSON object")
	_ = startCmd.MarkFlagRequired("project")

	var listProject, listTemplate, listStatus string
	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				items, err := e.ListInstances(ctx, repo.InstanceFilters{
					TenantID:   tenantID,
					ProjectID:  listProject,
					TemplateID: listTemplate,
					Status:     listStatus,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(items, instanceHeader, instanceRows(items))
			})
		},
	}
	listCmd.Flags().StringVar(&listProject, "project", "", "filter by project")
	listCmd.Flags().StringVar(&listTemplate, "template", "", "filter by template id")
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().IntVar(&limit, "limit", 50, "max results")

	showCmd := &cobra.Command{
		Use:   "show <instance-id>",
		Short: "Show an instance and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				in, err := e.GetInstance(ctx, tenantID, args[0])
				if err != nil {
					return err
				}
				return printInstance(in)
			})
		},
	}

	var reason string
	cancelCmd := &cobra.Command{
		Use:   "cancel <instance-id>",
		Short: "Cancel an open instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				in, err := e.CancelInstance(ctx, tenantID, args[0], actorID(), reason)
				if err != nil {
					return err
				}
				return printInstance(in)
			})
		},
	}
	cancelCmd.Flags().StringVar(&reason, "reason", "", "why the instance is cancelled")

	cmd.AddCommand(startCmd, listCmd, showCmd, cancelCmd)
	return cmd
}

func stepCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "step", Short: "Move step instances through their lifecycle"}

	progressCmd := &cobra.Command{
		Use:   "progress <step-id> <status>",
		Short: "Set a step to in_progress, completed or blocked",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				s, err := e.RecordProgress(ctx, tenantID, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(s, stepHeader, stepRows([]domain.StepInstance{s}))
			})
		},
	}

	var reason string
	skipCmd := &cobra.Command{
		Use:   "skip <step-id>",
		Short: "Skip a step; dependents that can no longer run are skipped too",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				steps, err := e.SkipStep(ctx, tenantID, args[0], actorID(), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(steps, stepHeader, stepRows(steps))
			})
		},
	}
	skipCmd.Flags().StringVar(&reason, "reason", "", "why the step is skipped")

	assignCmd := &cobra.Command{
		Use:   "assign <step-id> <assignee>",
		Short: "Assign a step; an empty assignee clears it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				s, err := e.AssignStep(ctx, tenantID, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(s, stepHeader, stepRows([]domain.StepInstance{s}))
			})
		},
	}

	cmd.AddCommand(progressCmd, skipCmd, assignCmd)
	return cmd
}

var valueHeader = table.Row{"Field", "Type", "Value", "Updated By", "Updated"}

func valueRows(values []domain.FieldValue) []table.Row {
	rows := make([]table.Row, 0, len(values))
	for _, v := range values {
		rows = append(rows, table.Row{v.FieldKey, v.Type, v.Value(), v.UpdatedBy, v.UpdatedAt})
	}
	return rows
}

func valueCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "value", Short: "Read and write step field values"}

	setCmd := &cobra.Command{
		Use:   "set <step-id> <field-key> <value>",
		Short: "Set a field value; JSON literals are decoded, anything else is a string",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				v, err := e.SetValue(ctx, tenantID, args[0], args[1], parseValue(args[2]), actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(v, valueHeader, valueRows([]domain.FieldValue{v}))
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list <step-id>",
		Short: "List a step's field values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				values, err := e.ListValues(ctx, tenantID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(values, valueHeader, valueRows(values))
			})
		},
	}

	cmd.AddCommand(setCmd, listCmd)
	return cmd
}

var approvalHeader = table.Row{"ID", "Step", "Decision", "Requested By", "Approved By", "Comment"}

func approvalRows(items []domain.Approval) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, a := range items {
		rows = append(rows, table.Row{a.ID, a.StepInstanceID, a.Decision, a.RequestedBy, deref(a.ApprovedBy), a.Comment})
	}
	return rows
}

func approvalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "approval", Short: "Request and decide approvals"}

	var comment string
	requestCmd := &cobra.Command{
		Use:   "request <step-id>",
		Short: "Open an approval request on a step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				a, err := e.RequestApproval(ctx, tenantID, args[0], actorID(), comment)
				if err != nil {
					return err
				}
				return printJSONOrTable(a, approvalHeader, approvalRows([]domain.Approval{a}))
			})
		},
	}
	requestCmd.Flags().StringVar(&comment, "comment", "", "note for the approver")

	var decideComment string
	decideCmd := &cobra.Command{
		Use:   "decide <approval-id> <approved|rejected>",
		Short: "Record a decision on a pending approval",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				a, err := e.Decide(ctx, tenantID, args[0], args[1], actorID(), decideComment)
				if err != nil {
					return err
				}
				return printJSONOrTable(a, approvalHeader, approvalRows([]domain.Approval{a}))
			})
		},
	}
	decideCmd.Flags().StringVar(&decideComment, "comment", "", "decision comment")

	listCmd := &cobra.Command{
		Use:   "list <step-id>",
		Short: "List approvals for a step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				items, err := e.ListApprovals(ctx, tenantID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items, approvalHeader, approvalRows(items))
			})
		},
	}

	cmd.AddCommand(requestCmd, decideCmd, listCmd)
	return cmd
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "report", Short: "Operational reports"}

	var limit int
	var at string
	overdueCmd := &cobra.Command{
		Use:   "overdue",
		Short: "List open steps past their deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				now = t
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				steps, err := e.ListOverdue(ctx, tenantID, now, limit)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(steps))
				for _, s := range steps {
					rows = append(rows, table.Row{s.ID, s.InstanceID, s.StepKey, s.Status, deref(s.Assignee), deref(s.Deadline)})
				}
				return printJSONOrTable(steps, table.Row{"Step", "Instance", "Key", "Status", "Assignee", "Deadline"}, rows)
			})
		},
	}
	overdueCmd.Flags().IntVar(&limit, "limit", 100, "max results")
	overdueCmd.Flags().StringVar(&at, "at", "", "evaluate deadlines at this RFC3339 time instead of now")

	cmd.AddCommand(overdueCmd)
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Inspect the events outbox"}

	var limit int
	var evtType, entityKind, entityID string
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				evts, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
					TenantID:   tenantID,
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(evts))
				for _, evt := range evts {
					rows = append(rows, table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID, evt.Payload})
				}
				return printJSONOrTable(evts, table.Row{"ID", "TS", "Type", "Entity", "Entity ID", "Actor", "Payload"}, rows)
			})
		},
	}
	tailCmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events")
	tailCmd.Flags().StringVar(&evtType, "type", "", "filter by event type")
	tailCmd.Flags().StringVar(&entityKind, "entity-kind", "", "filter by entity kind")
	tailCmd.Flags().StringVar(&entityID, "entity-id", "", "filter by entity id")

	cmd.AddCommand(tailCmd)
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var name, forActor string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := forActor
			if actor == "" {
				actor = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				key, plain, err := e.CreateAPIKey(ctx, tenantID, actor, name)
				if err != nil {
					return err
				}
				out := map[string]string{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plain}
				return printJSONOrTable(out, table.Row{"ID", "Actor", "Name", "Key"}, []table.Row{{key.ID, key.ActorID, key.Name, plain}})
			})
		},
	}
	createCmd.Flags().StringVar(&name, "name", "", "key name")
	createCmd.Flags().StringVar(&forActor, "for", "", "actor the key acts as (default --actor-id)")

	cmd.AddCommand(createCmd)
	return cmd
}
