package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentline/internal/app"
	"agentline/internal/config"
	"agentline/internal/db"
	"agentline/internal/dialogue"
	"agentline/internal/domain"
	"agentline/internal/ledger"
	"agentline/internal/plan"
	"agentline/internal/registry"
	"agentline/internal/server"
	"agentline/internal/waiter"
)

var rootCmd = &cobra.Command{
	Use:   "al",
	Short: "Agentline CLI",
	Long: `Agentline coordinates delegated agent work through a durable event ledger.
Core concepts:
- Workspace: your .agentline directory holding the ledger database.
- Ledger: the append-only diary of facts; projections (active epic, open
  intents, pending checkpoints) are rebuilt from it on startup.
- Epic: the one big unit of user-requested work; at most one is active.
- Tasks: delegated work items tracked pending -> running -> completed/failed,
  with heartbeats, timeouts, and bounded retries.
- Dialogues: multi-turn clarification exchanges whose accumulated direction
  only ever grows.
- Checkpoints: pending approval gates; a stuck or yielded task parks here
  until a human weighs in.`,
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
	viper.SetEnvPrefix("AGENTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent", "local", "acting agent identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent", rootCmd.PersistentFlags().Lookup("agent"))
}

func registerCommands() {
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(epicCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(dialogueCmd())
	rootCmd.AddCommand(waitCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(governanceCmd())
	rootCmd.AddCommand(learningCmd())
	rootCmd.AddCommand(handoffCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show coordination status",
		Long:  "The scoreboard: active epic, task counts, open intents, and pending checkpoints.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				active, err := a.Dialogues.Active(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"active_epic":         a.Ledger.ActiveEpic(),
					"task_counts":         a.Registry.CountByStatus(),
					"active_intents":      a.Ledger.ActiveIntents(),
					"pending_checkpoints": a.Ledger.PendingCheckpoints(),
					"active_dialogue":     active,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				if epic := a.Ledger.ActiveEpic(); epic != nil {
					fmt.Printf("Epic: %s (%s)\n", epic.Title, epic.Status)
				} else {
					fmt.Println("Epic: none")
				}
				fmt.Println("Tasks:")
				for status, c := range a.Registry.CountByStatus() {
					fmt.Printf("  %s: %d\n", status, c)
				}
				if intents := a.Ledger.ActiveIntents(); len(intents) > 0 {
					fmt.Println("Open intents:")
					for _, in := range intents {
						fmt.Printf("  %s [%s] %s\n", in.TaskID, in.Status, in.Title)
					}
				}
				if checks := a.Ledger.PendingCheckpoints(); len(checks) > 0 {
					fmt.Println("Pending checkpoints:")
					for _, c := range checks {
						fmt.Printf("  %s %s\n", c.TaskID, c.Summary)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Render the ledger snapshot document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				active, err := a.Dialogues.Active(ctx)
				if err != nil {
					return err
				}
				snap := a.Ledger.Snapshot(active)
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				fmt.Println(snap.Render())
				return nil
			})
		},
	}
	return cmd
}

func epicCmd() *cobra.Command {
	epic := &cobra.Command{
		Use:   "epic",
		Short: "Manage the active epic",
		Long:  "Epics bound a unit of user-requested work. At most one is active at a time; creating a new one makes it the active epic.",
	}
	epic.AddCommand(epicCreateCmd())
	epic.AddCommand(epicEventCmd("start", ledger.EpicStarted, "Mark the active epic started"))
	epic.AddCommand(epicEventCmd("complete", ledger.EpicCompleted, "Mark the active epic completed"))
	epic.AddCommand(epicEventCmd("fail", ledger.EpicFailed, "Mark the active epic failed"))
	epic.AddCommand(epicShowCmd())
	return epic
}

func epicCreateCmd() *cobra.Command {
	var id, title string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an epic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ev, err := a.Ledger.Append(ctx, ledger.EpicCreated, viper.GetString("agent"), domain.EventPayload{
					EpicID:    id,
					EpicTitle: title,
				})
				if err != nil {
					return err
				}
				return printJSONOrIndent(ev)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "epic id")
	cmd.Flags().StringVar(&title, "title", "", "epic title")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func epicEventCmd(use, evtType, short string) *cobra.Command {
	var summary string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				epic := a.Ledger.ActiveEpic()
				if epic == nil {
					return fmt.Errorf("no active epic")
				}
				ev, err := a.Ledger.Append(ctx, evtType, viper.GetString("agent"), domain.EventPayload{
					EpicID:  epic.ID,
					Summary: summary,
				})
				if err != nil {
					return err
				}
				return printJSONOrIndent(ev)
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "summary")
	return cmd
}

func epicShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active epic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				epic := a.Ledger.ActiveEpic()
				if epic == nil {
					return fmt.Errorf("no active epic")
				}
				return printJSONOrIndent(epic)
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tracked tasks",
		Long:  "Tasks are delegated work items tracked pending -> running -> completed/failed/timeout. Heartbeats keep them alive; sweep marks the silent ones.",
	}
	task.AddCommand(taskRegisterCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskStartCmd())
	task.AddCommand(taskHeartbeatCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskFailCmd())
	task.AddCommand(taskRetryCmd())
	task.AddCommand(taskSweepCmd())
	return task
}

func taskRegisterCmd() *cobra.Command {
	var opts registry.RegisterOptions
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Agent == "" {
				opts.Agent = viper.GetString("agent")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if opts.TimeoutMs == 0 {
					opts.TimeoutMs = a.Config.Tasks.DefaultTimeoutMs
				}
				if !cmd.Flags().Changed("max-retries") {
					opts.MaxRetries = a.Config.Tasks.DefaultMaxRetries
				}
				t, err := a.Registry.Register(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Agent, "task-agent", "", "executing agent (defaults to --agent)")
	cmd.Flags().StringVar(&opts.Prompt, "prompt", "", "task prompt")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "session id")
	cmd.Flags().Int64Var(&opts.TimeoutMs, "timeout-ms", 0, "execution timeout in ms")
	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", 0, "max automatic retries")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func taskListCmd() *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var tasks []domain.Task
				if session != "" {
					tasks = a.Registry.SessionTasks(session)
				} else {
					tasks = a.Registry.List()
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Agent", "Status", "Retries", "Heartbeat"})
				for _, t := range tasks {
					hb := ""
					if t.LastHeartbeat != nil {
						hb = *t.LastHeartbeat
					}
					tw.AppendRow(table.Row{t.ID, t.Agent, t.Status, fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries), hb})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session filter")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Registry.Get(args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	return cmd
}

func taskStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Mark a task running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Registry.MarkRunning(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	return cmd
}

func taskHeartbeatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heartbeat <id>",
		Short: "Record a heartbeat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Registry.Heartbeat(args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var result string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Registry.Complete(ctx, args[0], result)
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	cmd.Flags().StringVar(&result, "result", "", "result text")
	return cmd
}

func taskFailCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <id>",
		Short: "Fail a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Registry.Fail(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "error", "", "failure reason")
	return cmd
}

func taskRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a failed or timed-out task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Registry.Retry(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	return cmd
}

func taskSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one liveness evaluation pass",
		Long:  "Marks overdue running tasks as timed out, reports stuck tasks as pending checkpoints, and requeues retriable ones when auto-retry is on.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Registry.Sweep(ctx, registry.SweepOptions{
					StuckThreshold: a.Config.StuckThreshold(),
					AutoRetry:      a.Config.Tasks.AutoRetry,
				})
				if err != nil {
					return err
				}
				return printJSONOrIndent(res)
			})
		},
	}
	return cmd
}

func dialogueCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "dialogue",
		Short: "Manage clarification dialogues",
		Long:  "Dialogues carry multi-turn clarification with the user. Accumulated direction only grows across turns; approval gates resolve on an explicit yes.",
	}
	d.AddCommand(dialogueOpenCmd())
	d.AddCommand(dialogueAnswerCmd())
	d.AddCommand(dialogueApproveCmd())
	d.AddCommand(dialogueClearCmd())
	d.AddCommand(dialogueShowCmd())
	return d
}

type dialogueKeyFlags struct {
	command string
	session string
}

func (f *dialogueKeyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.command, "command", "", "originating command")
	cmd.Flags().StringVar(&f.session, "session", "", "root session id")
	_ = cmd.MarkFlagRequired("command")
	_ = cmd.MarkFlagRequired("session")
}

func dialogueOpenCmd() *cobra.Command {
	var key dialogueKeyFlags
	var questions []string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a dialogue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Dialogues.Set(ctx, viper.GetString("agent"), key.command, key.session, questions)
				if err != nil {
					return err
				}
				return printJSONOrIndent(d)
			})
		},
	}
	key.register(cmd)
	cmd.Flags().StringArrayVar(&questions, "question", []string{}, "pending question (repeatable)")
	return cmd
}

func dialogueAnswerCmd() *cobra.Command {
	var key dialogueKeyFlags
	cmd := &cobra.Command{
		Use:   "answer <reply>",
		Short: "Route a user reply into the open dialogue",
		Long:  "The reply is parsed (strict JSON, extracted JSON, then free text) and merged into the dialogue. With no open dialogue the reply comes back as a fresh request.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cont, err := a.Dialogues.Continue(ctx, viper.GetString("agent"), key.command, key.session, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cont)
				}
				if cont.Fresh {
					fmt.Println("no open dialogue; treating reply as a fresh request")
				}
				fmt.Println(cont.Prompt)
				return nil
			})
		},
	}
	key.register(cmd)
	return cmd
}

func dialogueApproveCmd() *cobra.Command {
	var key dialogueKeyFlags
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve and close the open dialogue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				agent := viper.GetString("agent")
				status := domain.DialogueApproved
				d, err := a.Dialogues.Update(ctx, agent, key.command, key.session, dialogue.UpdateOptions{Status: &status})
				if err != nil {
					return err
				}
				return printJSONOrIndent(d)
			})
		},
	}
	key.register(cmd)
	return cmd
}

func dialogueClearCmd() *cobra.Command {
	var key dialogueKeyFlags
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear the open dialogue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Dialogues.Clear(ctx, viper.GetString("agent"), key.command, key.session)
			})
		},
	}
	key.register(cmd)
	return cmd
}

func dialogueShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the most recently updated open dialogue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Dialogues.Active(ctx)
				if err != nil {
					return err
				}
				if d == nil {
					fmt.Println("no open dialogue")
					return nil
				}
				return printJSONOrIndent(d)
			})
		},
	}
	return cmd
}

func waitCmd() *cobra.Command {
	var taskID, agent string
	var types []string
	var timeoutMs int64
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Block until a matching event lands in the ledger",
		Long:  "Catches up on history first, then subscribes, so an event that already fired resolves immediately. A timeout resolves the wait without cancelling the work.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				timeout := a.Config.WaitTimeout()
				if timeoutMs > 0 {
					timeout = time.Duration(timeoutMs) * time.Millisecond
				}
				ev, err := a.Waiter.WaitFor(ctx, waiter.Filter{TaskID: taskID, Agent: agent, Types: types}, timeout)
				if errors.Is(err, waiter.ErrWaitTimeout) {
					if viper.GetBool("json") {
						return printJSON(map[string]any{"timed_out": true})
					}
					fmt.Println("wait timed out")
					return nil
				}
				if err != nil {
					return err
				}
				return printJSONOrIndent(ev)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id filter")
	cmd.Flags().StringVar(&agent, "wait-agent", "", "agent filter")
	cmd.Flags().StringArrayVar(&types, "type", []string{}, "event type filter (repeatable)")
	cmd.Flags().Int64Var(&timeoutMs, "timeout-ms", 0, "wait timeout in ms")
	return cmd
}

func planCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "plan",
		Short: "Validate task plans",
	}
	p.AddCommand(planCheckCmd())
	return p
}

func planCheckCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check a plan for dependency cycles and file collisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var tasks []domain.PlanTask
			if err := json.Unmarshal(data, &tasks); err != nil {
				return fmt.Errorf("parse plan: %w", err)
			}
			cyclic := plan.HasCircularDependencies(tasks)
			report := plan.DetectFileCollisions(tasks)
			out := map[string]any{
				"circular_dependencies": cyclic,
				"file_collisions":       report.Collisions,
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			if cyclic {
				fmt.Println("plan has circular dependencies")
			}
			for _, c := range report.Collisions {
				fmt.Printf("tasks %s and %s touch the same files: %s\n", c.TaskA, c.TaskB, strings.Join(c.Files, ", "))
			}
			if !cyclic && len(report.Collisions) == 0 {
				fmt.Println("plan OK")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to plan JSON (array of tasks)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func governanceCmd() *cobra.Command {
	g := &cobra.Command{
		Use:   "governance",
		Short: "Record standing directives and assumptions",
	}
	g.AddCommand(governanceAddCmd("directive", ledger.GovernanceDirectiveAdded))
	g.AddCommand(governanceAddCmd("assumption", ledger.GovernanceAssumptionAdded))
	return g
}

func governanceAddCmd(kind, evtType string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   kind + " <text>",
		Short: "Record a " + kind,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ev, err := a.Ledger.Append(ctx, evtType, viper.GetString("agent"), domain.EventPayload{Summary: args[0]})
				if err != nil {
					return err
				}
				return printJSONOrIndent(ev)
			})
		},
	}
	return cmd
}

func learningCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "learning",
		Short: "Record extracted learnings",
	}
	l.AddCommand(&cobra.Command{
		Use:   "add <text>",
		Short: "Record a learning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ev, err := a.Ledger.Append(ctx, ledger.LearningExtracted, viper.GetString("agent"), domain.EventPayload{Summary: args[0]})
				if err != nil {
					return err
				}
				return printJSONOrIndent(ev)
			})
		},
	})
	return l
}

func handoffCmd() *cobra.Command {
	h := &cobra.Command{
		Use:   "handoff",
		Short: "Leave a note for the next session",
	}
	h.AddCommand(&cobra.Command{
		Use:   "add <summary>",
		Short: "Record a handoff note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ev, err := a.Ledger.Append(ctx, ledger.HandoffCreated, viper.GetString("agent"), domain.EventPayload{Summary: args[0]})
				if err != nil {
					return err
				}
				return printJSONOrIndent(ev)
			})
		},
	})
	return h
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened, in append order.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Ledger.EventHistory(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "TS", "Type", "Actor", "Summary"})
				for _, ev := range events {
					summary := ev.Payload.Summary
					if summary == "" {
						summary = ev.Payload.TaskTitle
					}
					tw.AppendRow(table.Row{ev.Seq, ev.TS, ev.Type, ev.Actor, summary})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.ToYAML()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
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

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowAnonymous bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Open(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			if basePath == "" {
				basePath = a.Config.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:      os.Getenv("AGENTLINE_JWT_SECRET"),
				AllowAnonymous: allowAnonymous,
			}
			if authCfg.JWTSecret == "" && !allowAnonymous {
				return fmt.Errorf("AGENTLINE_JWT_SECRET is required for bearer auth (or pass --allow-anonymous)")
			}
			handler, err := server.New(server.Config{App: a, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			// Background sweep keeps timeouts and stuck detection running
			// while the server owns the registry.
			sweepCtx, stopSweep := context.WithCancel(cmd.Context())
			defer stopSweep()
			go func() {
				ticker := time.NewTicker(a.Config.SweepInterval())
				defer ticker.Stop()
				for {
					select {
					case <-sweepCtx.Done():
						return
					case <-ticker.C:
						if _, err := a.Registry.Sweep(sweepCtx, registry.SweepOptions{
							StuckThreshold: a.Config.StuckThreshold(),
							AutoRetry:      a.Config.Tasks.AutoRetry,
						}); err != nil {
							fmt.Fprintln(os.Stderr, "sweep:", err)
						}
					}
				}
			}()

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Agentline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	cmd.Flags().BoolVar(&allowAnonymous, "allow-anonymous", false, "skip bearer auth; identity from X-Agent header")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrIndent(v any) error {
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
