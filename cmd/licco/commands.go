package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/slaclab/licco-sub000/internal/adapters/datasets"
	"github.com/slaclab/licco-sub000/internal/core"
)

func nowUTC() time.Time { return time.Now().UTC() }

func newProjectsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "projects", Short: "Manage configuration projects"}

	var includeHidden bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, p := range a.svc.Projects(includeHidden) {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-12s owner=%s\n", p.Name, p.Status, p.Owner)
			}
			return nil
		},
	}
	list.Flags().BoolVar(&includeHidden, "all", false, "include hidden projects")

	var owner, description string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new draft project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.svc.CreateProject(cmd.Context(), args[0], description, owner, nowUTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created project %s (%s)\n", p.Name, p.ID)
			return nil
		},
	}
	create.Flags().StringVar(&owner, "owner", "", "owning user id")
	create.Flags().StringVar(&description, "description", "", "project description")
	_ = create.MarkFlagRequired("owner")

	var cloneOwner, cloneDescription string
	clone := &cobra.Command{
		Use:   "clone <source> <name>",
		Short: "Create a draft seeded from another project's device set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := a.projectByName(args[0])
			if err != nil {
				return err
			}
			p, err := a.svc.CloneProject(cmd.Context(), source.ID, args[1], cloneDescription, cloneOwner, nowUTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cloned %s into %s (%s)\n", source.Name, p.Name, p.ID)
			return nil
		},
	}
	clone.Flags().StringVar(&cloneOwner, "owner", "", "owning user id")
	clone.Flags().StringVar(&cloneDescription, "description", "", "project description")
	_ = clone.MarkFlagRequired("owner")

	var hideActor string
	hide := &cobra.Command{
		Use:   "hide <name>",
		Short: "Soft-delete a project (history is retained)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.projectByName(args[0])
			if err != nil {
				return err
			}
			hidden, err := a.svc.HideProject(cmd.Context(), p.ID, hideActor, nowUTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "hidden as %s\n", hidden.Name)
			return nil
		},
	}
	hide.Flags().StringVar(&hideActor, "actor", "", "acting user id")
	_ = hide.MarkFlagRequired("actor")

	history := &cobra.Command{
		Use:   "history <name>",
		Short: "Show a project's field-level change history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.projectByName(args[0])
			if err != nil {
				return err
			}
			entries, err := a.svc.ChangeHistory(cmd.Context(), p.ID)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s.%s: %v -> %v (%s)\n",
					e.At.Format(time.RFC3339), e.FC, e.Field, e.Previous, e.New, e.User)
			}
			return nil
		},
	}

	cmd.AddCommand(list, create, clone, hide, history)
	return cmd
}

func newDevicesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "devices", Short: "Inspect project device sets"}

	var asOfRaw string
	list := &cobra.Command{
		Use:   "list <project>",
		Short: "List a project's effective devices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.projectByName(args[0])
			if err != nil {
				return err
			}
			asOf, err := parseAsOf(asOfRaw)
			if err != nil {
				return err
			}
			devices, err := a.svc.ProjectDevices(cmd.Context(), p.ID, asOf)
			if err != nil {
				return err
			}
			for _, d := range devices {
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %-8s state=%v\n", d.FC, d.DeviceType, d.Attributes["state"])
			}
			return nil
		},
	}
	list.Flags().StringVar(&asOfRaw, "as-of", "", "resolve as of RFC3339 timestamp")

	cmd.AddCommand(list)
	return cmd
}

func newDiffCmd(a *app) *cobra.Command {
	var approvedOnly, changedOnly bool
	cmd := &cobra.Command{
		Use:   "diff <project-a> <project-b>",
		Short: "Compare the effective device sets of two projects",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pa, err := a.projectByName(args[0])
			if err != nil {
				return err
			}
			pb, err := a.projectByName(args[1])
			if err != nil {
				return err
			}
			entries, err := a.svc.DiffProjects(cmd.Context(), pa.ID, pb.ID, core.DiffOptions{ApprovedOnly: approvedOnly})
			if err != nil {
				return err
			}
			for _, e := range entries {
				if changedOnly && !e.Differs {
					continue
				}
				marker := " "
				if e.Differs {
					marker = "!"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %-40s %v | %v\n", marker, e.Key, e.ValueA, e.ValueB)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&approvedOnly, "approved-only", false, "only report keys present on side A")
	cmd.Flags().BoolVar(&changedOnly, "changed", true, "only print differing keys")
	return cmd
}

func newImportCmd(a *app) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "import <project> <file.csv>",
		Short: "Import device rows from a CSV file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.projectByName(args[0])
			if err != nil {
				return err
			}
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			summary, err := datasets.ImportCSV(cmd.Context(), a.svc, p.ID, actor, f, nowUTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created=%d updated=%d ignored=%d failed=%d\n",
				summary.Created, summary.Updated, summary.Ignored, summary.Failed)
			for _, line := range summary.Log {
				fmt.Fprintln(cmd.OutOrStdout(), " ", line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "acting user id")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var formatsRaw, actor string
	cmd := &cobra.Command{
		Use:   "export <project>",
		Short: "Export a project's device set to the artifact store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.projectByName(args[0])
			if err != nil {
				return err
			}
			store, err := a.blobStore(cmd.Context())
			if err != nil {
				return err
			}
			var formats []datasets.ExportFormat
			for _, f := range strings.Split(formatsRaw, ",") {
				if f = strings.TrimSpace(f); f != "" {
					formats = append(formats, datasets.ExportFormat(f))
				}
			}
			worker := datasets.NewWorker(a.svc, store, &datasets.MemoryAuditLog{})
			worker.Start()
			defer func() { _ = worker.Stop(context.Background()) }()

			record, err := worker.EnqueueExport(cmd.Context(), datasets.ExportInput{
				ProjectID:   p.ID,
				Formats:     formats,
				RequestedBy: actor,
			})
			if err != nil {
				return err
			}
			record, err = waitForExport(cmd.Context(), worker, record.ID)
			if err != nil {
				return err
			}
			for _, art := range record.Artifacts {
				fmt.Fprintf(cmd.OutOrStdout(), "%-5s %8d bytes %s\n", art.Format, art.SizeBytes, art.URL)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&formatsRaw, "formats", "csv,json", "comma-separated export formats")
	cmd.Flags().StringVar(&actor, "actor", "", "acting user id")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func waitForExport(ctx context.Context, worker *datasets.Worker, id string) (datasets.ExportRecord, error) {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		record, ok := worker.GetExport(id)
		if !ok {
			return datasets.ExportRecord{}, fmt.Errorf("export %s not found", id)
		}
		switch record.Status {
		case datasets.ExportStatusSucceeded:
			return record, nil
		case datasets.ExportStatusFailed:
			return record, fmt.Errorf("export failed: %s", record.Error)
		}
		select {
		case <-ctx.Done():
			return datasets.ExportRecord{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func newWorkflowCmds(a *app) []*cobra.Command {
	var submitter, approversRaw string
	submit := &cobra.Command{
		Use:   "submit <project>",
		Short: "Submit a project for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.projectByName(args[0])
			if err != nil {
				return err
			}
			var approvers []string
			for _, id := range strings.Split(approversRaw, ",") {
				if id = strings.TrimSpace(id); id != "" {
					approvers = append(approvers, id)
				}
			}
			submitted, err := a.svc.SubmitProject(cmd.Context(), p.ID, submitter, approvers, nowUTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "submitted %s; approvers: %s\n", submitted.Name, strings.Join(submitted.Approvers, ", "))
			return nil
		},
	}
	submit.Flags().StringVar(&submitter, "submitter", "", "submitting user id")
	submit.Flags().StringVar(&approversRaw, "approvers", "", "comma-separated approver ids")
	_ = submit.MarkFlagRequired("submitter")

	var approver string
	approve := &cobra.Command{
		Use:   "approve <project>",
		Short: "Record an approval; the final one merges into master",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.projectByName(args[0])
			if err != nil {
				return err
			}
			approved, merged, err := a.svc.ApproveProject(cmd.Context(), p.ID, approver, nowUTC())
			if err != nil {
				return err
			}
			if merged {
				fmt.Fprintf(cmd.OutOrStdout(), "approved %s and merged into master\n", approved.Name)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "approved %s (%d/%d approvals)\n", approved.Name, len(approved.ApprovedBy), len(approved.Approvers))
			return nil
		},
	}
	approve.Flags().StringVar(&approver, "approver", "", "approving user id")
	_ = approve.MarkFlagRequired("approver")

	var rejectActor, reason string
	reject := &cobra.Command{
		Use:   "reject <project>",
		Short: "Reject a submitted project back to development",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.projectByName(args[0])
			if err != nil {
				return err
			}
			rejected, err := a.svc.RejectProject(cmd.Context(), p.ID, rejectActor, reason, nowUTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rejected %s\n", rejected.Name)
			return nil
		},
	}
	reject.Flags().StringVar(&rejectActor, "actor", "", "rejecting user id")
	reject.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = reject.MarkFlagRequired("actor")

	var email string
	var admin, superApprover bool
	accounts := &cobra.Command{Use: "accounts", Short: "Manage user accounts"}
	accountsAdd := &cobra.Command{
		Use:   "add <id>",
		Short: "Register a user account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := a.svc.RegisterAccount(cmd.Context(), core.Account{
				ID:            args[0],
				Email:         email,
				Admin:         admin,
				SuperApprover: superApprover,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", account.ID)
			return nil
		},
	}
	accountsAdd.Flags().StringVar(&email, "email", "", "email address")
	accountsAdd.Flags().BoolVar(&admin, "admin", false, "grant admin rights")
	accountsAdd.Flags().BoolVar(&superApprover, "super-approver", false, "auto-assign to every submission")
	accounts.AddCommand(accountsAdd)

	var masterOwner string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the master project if it does not exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			master, err := a.svc.EnsureMasterProject(cmd.Context(), masterOwner, nowUTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "master project ready (%s)\n", master.ID)
			return nil
		},
	}
	initCmd.Flags().StringVar(&masterOwner, "owner", "", "owning user id")
	_ = initCmd.MarkFlagRequired("owner")

	switches := &cobra.Command{
		Use:   "switches",
		Short: "Show the master merge audit trail",
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, ev := range a.svc.Switches() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %-24s submitted by %s\n",
					ev.SwitchedAt.Format(time.RFC3339), ev.ProjectName, ev.Submitter)
			}
			return nil
		},
	}

	return []*cobra.Command{submit, approve, reject, accounts, initCmd, switches}
}

func parseAsOf(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --as-of timestamp: %w", err)
	}
	return &t, nil
}
