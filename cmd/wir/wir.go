package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"wirline/internal/domain"
	"wirline/internal/engine"
)

func wirCmd() *cobra.Command {
	w := &cobra.Command{Use: "wir", Short: "Manage work inspection requests"}
	w.AddCommand(wirCreateCmd())
	w.AddCommand(wirListCmd())
	w.AddCommand(wirShowCmd())
	w.AddCommand(wirUpdateCmd())
	w.AddCommand(wirAttachCmd())
	w.AddCommand(wirDispatchCmd())
	w.AddCommand(wirTransitionCmd())
	w.AddCommand(wirRecommendCmd())
	w.AddCommand(wirSaveCmd())
	w.AddCommand(wirRollForwardCmd())
	w.AddCommand(wirRescheduleCmd())
	w.AddCommand(wirNoteCmd())
	w.AddCommand(wirBICCmd())
	w.AddCommand(wirDeleteCmd())
	w.AddCommand(wirHistoryCmd())
	w.AddCommand(wirSeriesCmd())
	return w
}

// optional returns &v when the flag was given.
func optional(cmd *cobra.Command, flag, v string) *string {
	if !cmd.Flags().Changed(flag) {
		return nil
	}
	return &v
}

func wirCreateCmd() *cobra.Command {
	var project, title, desc, discipline, code, status string
	var inspector, contractor, hod, activity, forDate, forTime, city, state string
	var checklists []string
	var materialize bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a WIR",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.CreateOptions{
				ProjectID:     project,
				Title:         title,
				Description:   desc,
				Discipline:    domain.Discipline(discipline),
				Code:          optional(cmd, "code", code),
				Status:        domain.Status(status),
				Force:         viper.GetBool("force"),
				ForDate:       optional(cmd, "for-date", forDate),
				ForTime:       optional(cmd, "for-time", forTime),
				CityTown:      optional(cmd, "city", city),
				StateName:     optional(cmd, "state", state),
				InspectorID:   optional(cmd, "inspector", inspector),
				ContractorID:  optional(cmd, "contractor", contractor),
				HodID:         optional(cmd, "hod", hod),
				ActivityRefID: optional(cmd, "activity", activity),
				Checklists:    checklists,
				Caller:        caller(),
			}
			if cmd.Flags().Changed("materialize") {
				opts.Materialize = &materialize
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Create(ctx, opts)
				if err != nil {
					return err
				}
				return printWIR(w)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&discipline, "discipline", "", "Civil|MEP|Finishes")
	cmd.Flags().StringVar(&code, "code", "", "explicit WIR code")
	cmd.Flags().StringVar(&status, "status", "", "initial status (needs --force)")
	cmd.Flags().StringVar(&inspector, "inspector", "", "inspector user id")
	cmd.Flags().StringVar(&contractor, "contractor", "", "contractor user id")
	cmd.Flags().StringVar(&hod, "hod", "", "head of department user id")
	cmd.Flags().StringVar(&activity, "activity", "", "reference activity id or code")
	cmd.Flags().StringVar(&forDate, "for-date", "", "planned date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&forTime, "for-time", "", "planned time (HH:MM)")
	cmd.Flags().StringVar(&city, "city", "", "city or town")
	cmd.Flags().StringVar(&state, "state", "", "state")
	cmd.Flags().StringSliceVar(&checklists, "checklist", nil, "checklist id or code (repeatable)")
	cmd.Flags().BoolVar(&materialize, "materialize", false, "copy checklist items now")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func wirListCmd() *cobra.Command {
	var project, status, discipline, inspector string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List WIRs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wirs, err := e.List(ctx, engine.ListOptions{
					ProjectID:   project,
					Status:      domain.Status(status),
					Discipline:  domain.Discipline(discipline),
					InspectorID: inspector,
					Limit:       limit,
				})
				if err != nil {
					return err
				}
				return printWIRs(wirs)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&discipline, "discipline", "", "discipline filter")
	cmd.Flags().StringVar(&inspector, "inspector", "", "inspector filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func wirShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a WIR with its items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printWIR(w)
			})
		},
	}
}

// relationFlag maps a changed flag to Connect, or Disconnect when empty.
func relationFlag(cmd *cobra.Command, flag, v string) engine.Relation {
	if !cmd.Flags().Changed(flag) {
		return engine.Relation{}
	}
	if v == "" {
		return engine.Disconnect()
	}
	return engine.Connect(v)
}

func wirUpdateCmd() *cobra.Command {
	var title, desc, discipline, status, forDate, forTime, city, state string
	var inspector, contractor, hod string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Patch the header; pass an empty user flag to disconnect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := engine.HeaderPatch{
				Force:       viper.GetBool("force"),
				Title:       optional(cmd, "title", title),
				Description: optional(cmd, "description", desc),
				ForDate:     optional(cmd, "for-date", forDate),
				ForTime:     optional(cmd, "for-time", forTime),
				CityTown:    optional(cmd, "city", city),
				StateName:   optional(cmd, "state", state),
				Inspector:   relationFlag(cmd, "inspector", inspector),
				Contractor:  relationFlag(cmd, "contractor", contractor),
				Hod:         relationFlag(cmd, "hod", hod),
			}
			if cmd.Flags().Changed("status") {
				s := domain.Status(status)
				patch.Status = &s
			}
			if cmd.Flags().Changed("discipline") {
				d := domain.Discipline(discipline)
				patch.Discipline = &d
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.UpdateHeader(ctx, args[0], patch, caller())
				if err != nil {
					return err
				}
				return printWIR(w)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&discipline, "discipline", "", "Civil|MEP|Finishes")
	cmd.Flags().StringVar(&status, "status", "", "status")
	cmd.Flags().StringVar(&forDate, "for-date", "", "planned date")
	cmd.Flags().StringVar(&forTime, "for-time", "", "planned time")
	cmd.Flags().StringVar(&city, "city", "", "city or town")
	cmd.Flags().StringVar(&state, "state", "", "state")
	cmd.Flags().StringVar(&inspector, "inspector", "", "inspector user id")
	cmd.Flags().StringVar(&contractor, "contractor", "", "contractor user id")
	cmd.Flags().StringVar(&hod, "hod", "", "head of department user id")
	return cmd
}

func wirAttachCmd() *cobra.Command {
	var refs []string
	var materialize, replace bool
	cmd := &cobra.Command{
		Use:   "attach <id>",
		Short: "Attach reference checklists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Attach(ctx, args[0], engine.AttachOptions{
					Refs:        refs,
					Materialize: materialize,
					Replace:     replace,
					Caller:      caller(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("added %d, removed %d, materialized %d items\n", len(res.Added), len(res.Removed), res.MaterializedCount)
				for _, u := range res.Unmatched {
					fmt.Printf("unmatched: %s\n", u)
				}
				return printWIR(res.WIR)
			})
		},
	}
	cmd.Flags().StringSliceVar(&refs, "checklist", nil, "checklist id or code (repeatable)")
	cmd.Flags().BoolVar(&materialize, "materialize", false, "copy items now")
	cmd.Flags().BoolVar(&replace, "replace", false, "detach checklists not listed")
	_ = cmd.MarkFlagRequired("checklist")
	return cmd
}

func wirDispatchCmd() *cobra.Command {
	var inspector string
	var noMaterialize bool
	cmd := &cobra.Command{
		Use:   "dispatch <id>",
		Short: "Dispatch a Draft WIR to an inspector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.DispatchOptions{InspectorID: inspector, Caller: caller()}
				if noMaterialize {
					f := false
					opts.MaterializeIfNeeded = &f
				}
				if opts.InspectorID == "" {
					cur, err := e.Get(ctx, args[0])
					if err != nil {
						return err
					}
					if cur.InspectorID != nil {
						opts.InspectorID = *cur.InspectorID
					}
				}
				w, err := e.Dispatch(ctx, args[0], opts)
				if err != nil {
					return err
				}
				return printWIR(w)
			})
		},
	}
	cmd.Flags().StringVar(&inspector, "inspector", "", "inspector user id (defaults to the one on file)")
	cmd.Flags().BoolVar(&noMaterialize, "no-materialize", false, "do not copy pending checklist items")
	return cmd
}

func wirTransitionCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "transition <id> <status>",
		Short: "Move a WIR to Submitted, Recommended, Approved, Rejected or Returned",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Transition(ctx, args[0], domain.Status(args[1]), engine.TransitionOptions{Comment: comment, Caller: caller()})
				if err != nil {
					return err
				}
				return printWIR(w)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment for the history")
	return cmd
}

func wirRecommendCmd() *cobra.Command {
	var action, comment string
	cmd := &cobra.Command{
		Use:   "recommend <id>",
		Short: "Record the inspector's recommendation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.InspectorRecommend(ctx, args[0], engine.RecommendOptions{
					Action:  domain.Recommendation(action),
					Comment: comment,
					Caller:  caller(),
				})
				if err != nil {
					return err
				}
				return printWIR(w)
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "APPROVE|APPROVE_WITH_COMMENTS|REJECT")
	cmd.Flags().StringVar(&comment, "comment", "", "remarks")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func wirSaveCmd() *cobra.Command {
	var itemID, status, outcome, note, value, unit string
	cmd := &cobra.Command{
		Use:   "save <id>",
		Short: "Save the inspector outcome of one item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o := engine.ItemOutcome{
				ItemID: itemID,
				Note:   optional(cmd, "note", note),
				Unit:   optional(cmd, "unit", unit),
			}
			if cmd.Flags().Changed("status") {
				s := domain.ItemStatus(status)
				o.Status = &s
			}
			if cmd.Flags().Changed("outcome") {
				s := domain.Outcome(outcome)
				o.InspectorStatus = &s
			}
			if cmd.Flags().Changed("value") {
				v, err := decimal.NewFromString(value)
				if err != nil {
					return fmt.Errorf("--value: %w", err)
				}
				o.Value = &v
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.InspectorSave(ctx, args[0], []engine.ItemOutcome{o}, caller())
				if err != nil {
					return err
				}
				return printItems(items)
			})
		},
	}
	cmd.Flags().StringVar(&itemID, "item", "", "item id")
	cmd.Flags().StringVar(&status, "status", "", "Unknown|OK|NCR|Pending")
	cmd.Flags().StringVar(&outcome, "outcome", "", "PASS|FAIL|NA")
	cmd.Flags().StringVar(&note, "note", "", "note")
	cmd.Flags().StringVar(&value, "value", "", "measured value")
	cmd.Flags().StringVar(&unit, "unit", "", "unit of the value")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

func wirRollForwardCmd() *cobra.Command {
	var items []string
	var title, forDate, forTime string
	cmd := &cobra.Command{
		Use:   "roll-forward <id>",
		Short: "Open the next WIR of the series with failed or chosen items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.RollForward(ctx, args[0], engine.RollForwardOptions{
					ItemIDs: items,
					Title:   optional(cmd, "title", title),
					ForDate: optional(cmd, "for-date", forDate),
					ForTime: optional(cmd, "for-time", forTime),
					Caller:  caller(),
				})
				if err != nil {
					return err
				}
				return printWIR(w)
			})
		},
	}
	cmd.Flags().StringSliceVar(&items, "item", nil, "item id to carry (repeatable)")
	cmd.Flags().StringVar(&title, "title", "", "successor title")
	cmd.Flags().StringVar(&forDate, "for-date", "", "planned date")
	cmd.Flags().StringVar(&forTime, "for-time", "", "planned time")
	return cmd
}

func wirRescheduleCmd() *cobra.Command {
	var date, at, reason string
	cmd := &cobra.Command{
		Use:   "reschedule <id>",
		Short: "Move the planned inspection slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Reschedule(ctx, args[0], engine.RescheduleOptions{Date: date, Time: at, Reason: reason, Caller: caller()})
				if err != nil {
					return err
				}
				return printWIR(w)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "new date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&at, "time", "", "new time (HH:MM)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	_ = cmd.MarkFlagRequired("date")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func wirNoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "note <id> <text>",
		Short: "Append a note to the history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.AddNote(ctx, args[0], args[1], caller())
				if err != nil {
					return err
				}
				return printWIR(w)
			})
		},
	}
}

func wirBICCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bic <id> [user]",
		Short: "Hand the ball in court to a user; omit the user to clear it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var user *string
			if len(args) == 2 {
				user = &args[1]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.ChangeBIC(ctx, args[0], user, caller())
				if err != nil {
					return err
				}
				return printWIR(w)
			})
		},
	}
}

func wirDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a WIR; its history is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Delete(ctx, args[0], caller()); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func wirHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the audit history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rows, err := e.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "At", "Action", "Actor", "From", "To", "Notes"})
				for _, r := range rows {
					var from, to string
					if r.FromStatus != nil {
						from = string(*r.FromStatus)
					}
					if r.ToStatus != nil {
						to = string(*r.ToStatus)
					}
					tw.AppendRow(table.Row{r.ID, r.CreatedAt, r.Action, deref(r.ActorName), from, to, deref(r.Notes)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func wirSeriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "series <series_id>",
		Short: "List every WIR of one series, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wirs, err := e.Series(ctx, args[0])
				if err != nil {
					return err
				}
				return printWIRs(wirs)
			})
		},
	}
}

func printWIRs(wirs []domain.WIR) error {
	if viper.GetBool("json") {
		return printJSON(wirs)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Code", "Title", "Status", "Version", "Inspector", "BIC"})
	for _, w := range wirs {
		tw.AppendRow(table.Row{w.ID, deref(w.Code), w.Title, statusColor(w.Status), w.Version, deref(w.InspectorID), deref(w.BicUserID)})
	}
	tw.Render()
	return nil
}

func printWIR(w domain.WIR) error {
	if viper.GetBool("json") {
		return printJSON(w)
	}
	fmt.Printf("%s  %s  v%d  %s\n", deref(w.Code), statusColor(w.Status), w.Version, w.Title)
	fmt.Printf("id: %s  series: %s  project: %s\n", w.ID, w.SeriesID, w.ProjectID)
	fmt.Printf("inspector: %s  contractor: %s  hod: %s  bic: %s\n", deref(w.InspectorID), deref(w.ContractorID), deref(w.HodID), deref(w.BicUserID))
	for _, c := range w.Checklists {
		fmt.Printf("checklist %s %q: %d items\n", c.Code, c.Title, c.ItemCount)
	}
	if len(w.Items) == 0 {
		return nil
	}
	return printItems(w.Items)
}

func printItems(items []domain.WirItem) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Seq", "ID", "Name", "Tolerance", "Value", "Outcome", "Status"})
	for _, it := range items {
		var val, outcome string
		if it.Value.Valid {
			val = it.Value.Decimal.String()
		}
		if it.InspectorStatus != nil {
			outcome = string(*it.InspectorStatus)
		}
		tw.AppendRow(table.Row{it.Seq, it.ID, it.Name, it.Tolerance, val, outcome, itemStatusColor(it.Status)})
	}
	tw.Render()
	return nil
}
