package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-pool/internal/agents"
	"github.com/hochfrequenz/agent-pool/internal/client"
	"github.com/hochfrequenz/agent-pool/internal/config"
	"github.com/hochfrequenz/agent-pool/internal/domain"
	"github.com/hochfrequenz/agent-pool/internal/tasklog"
	"github.com/hochfrequenz/agent-pool/web/api"
)

var (
	submitKind     string
	submitPriority string
	submitDir      string
	submitAgent    string
	submitTimeout  time.Duration
	submitWait     bool
	submitMeta     []string

	historyStatus string
	historyLimit  int

	logsFollow  bool
	agentsLocal bool
)

func init() {
	submitCmd := &cobra.Command{
		Use:   "submit DESCRIPTION",
		Short: "Delegate a task to the pool",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmit,
	}
	addTaskFlags(submitCmd)
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "wait for the task to finish")
	rootCmd.AddCommand(submitCmd)

	statusCmd := &cobra.Command{
		Use:   "status TASK",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List queued and running tasks",
		RunE:  runList,
	}
	rootCmd.AddCommand(listCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show worker and queue statistics",
		RunE:  runStats,
	}
	rootCmd.AddCommand(statsCmd)

	cancelCmd := &cobra.Command{
		Use:   "cancel TASK",
		Short: "Cancel a queued or running task",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
	rootCmd.AddCommand(cancelCmd)

	agentsCmd := &cobra.Command{
		Use:   "agents",
		Short: "Show registered agents and whether they are available",
		RunE:  runAgents,
	}
	agentsCmd.Flags().BoolVar(&agentsLocal, "local", false, "probe agents in this process instead of asking the server")
	rootCmd.AddCommand(agentsCmd)

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List finished tasks",
		RunE:  runHistory,
	}
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "filter by status (completed, failed, cancelled)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of tasks")
	rootCmd.AddCommand(historyCmd)

	logsCmd := &cobra.Command{
		Use:   "logs TASK",
		Short: "Print the output log of a task",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep printing until the task finishes")
	rootCmd.AddCommand(logsCmd)

	attachCmd := &cobra.Command{
		Use:   "attach TASK",
		Short: "Stream a task's live output from the server",
		Args:  cobra.ExactArgs(1),
		RunE:  runAttach,
	}
	rootCmd.AddCommand(attachCmd)

	schedulesCmd := &cobra.Command{
		Use:   "schedules",
		Short: "List cron schedules",
		RunE:  runSchedules,
	}
	schedulesCmd.AddCommand(&cobra.Command{
		Use:   "run NAME",
		Short: "Submit a schedule's task now",
		Args:  cobra.ExactArgs(1),
		RunE:  runScheduleNow,
	})
	rootCmd.AddCommand(schedulesCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "init [PATH]",
		Short: "Write a default config file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigInit,
	})
	rootCmd.AddCommand(configCmd)
}

func addTaskFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&submitKind, "kind", "", "task kind used for agent selection (default: general)")
	cmd.Flags().StringVar(&submitPriority, "priority", "", "high, normal or low")
	cmd.Flags().StringVar(&submitDir, "dir", "", "working directory for the agent")
	cmd.Flags().StringVar(&submitAgent, "agent", "", "preferred agent kind")
	cmd.Flags().DurationVar(&submitTimeout, "timeout", 0, "task timeout (default: from config)")
	cmd.Flags().StringSliceVar(&submitMeta, "meta", nil, "metadata as key=value, repeatable")
}

func submitRequest(description string) (api.SubmitRequest, error) {
	req := api.SubmitRequest{
		Description:    description,
		Kind:           submitKind,
		Priority:       submitPriority,
		WorkDir:        submitDir,
		PreferredAgent: submitAgent,
	}
	if submitTimeout > 0 {
		req.Timeout = submitTimeout.String()
	}
	if req.WorkDir == "" {
		if wd, err := os.Getwd(); err == nil {
			req.WorkDir = wd
		}
	}
	for _, kv := range submitMeta {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return req, fmt.Errorf("invalid --meta %q, want key=value", kv)
		}
		if req.Metadata == nil {
			req.Metadata = make(map[string]string)
		}
		req.Metadata[k] = v
	}
	return req, nil
}

func newClient() (*client.Client, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	url := serverURL
	if url == "" {
		host := cfg.Web.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		url = fmt.Sprintf("http://%s:%d", host, cfg.Web.Port)
	}
	return client.New(url), cfg, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	c, _, err := newClient()
	if err != nil {
		return err
	}
	req, err := submitRequest(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	id, err := c.Submit(ctx, req)
	if err != nil {
		return err
	}
	if !submitWait {
		if jsonOutput {
			return printJSON(api.SubmitResponse{TaskID: id})
		}
		fmt.Println(id)
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	task, err := c.Wait(ctx, id, time.Second)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(task)
	}
	printTask(task)
	if task.Status != domain.StatusCompleted {
		return fmt.Errorf("task %s %s", id, task.Status)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, _, err := newClient()
	if err != nil {
		return err
	}
	task, err := c.Task(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(task)
	}
	printTask(task)
	return nil
}

func printTask(t api.TaskResponse) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", t.ID)
	fmt.Fprintf(w, "Status:\t%s\n", t.Status)
	fmt.Fprintf(w, "Kind:\t%s\n", t.Kind)
	fmt.Fprintf(w, "Priority:\t%s\n", t.Priority)
	fmt.Fprintf(w, "Description:\t%s\n", t.Description)
	fmt.Fprintf(w, "Created:\t%s\n", humanize.Time(t.CreatedAt))
	if t.QueuePosition != nil {
		fmt.Fprintf(w, "Queue position:\t%d\n", *t.QueuePosition)
	}
	if t.AgentKind != "" && t.Result == nil {
		fmt.Fprintf(w, "Agent:\t%s (pid %d)\n", t.AgentKind, t.PID)
	}
	if t.WorkerID != nil {
		fmt.Fprintf(w, "Worker:\t%d\n", *t.WorkerID)
	}
	if t.StartedAt != nil {
		fmt.Fprintf(w, "Duration:\t%s\n", t.Duration().Round(time.Second))
	}
	if t.Result != nil {
		fmt.Fprintf(w, "Agent:\t%s (exit %d)\n", t.Result.AgentKind, t.Result.ExitCode)
		if u := t.Result.Usage; u != nil {
			fmt.Fprintf(w, "Tokens:\t%s in / %s out\n", humanize.Comma(int64(u.InputTokens)), humanize.Comma(int64(u.OutputTokens)))
		}
		if t.Result.CostUSD > 0 {
			fmt.Fprintf(w, "Cost:\t$%.4f\n", t.Result.CostUSD)
		}
	}
	if t.Error != nil {
		fmt.Fprintf(w, "Error:\t%s\n", t.Error.Error())
	}
	if t.OutputPartial {
		fmt.Fprintf(w, "Output:\tpartial\n")
	}
	w.Flush()

	if t.Result != nil && t.Result.Text != "" {
		fmt.Println()
		fmt.Println(t.Result.Text)
	}
}

func printTaskTable(tasks []api.TaskResponse, finished bool) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	if finished {
		fmt.Fprintln(w, "ID\tSTATUS\tKIND\tAGENT\tFINISHED\tDESCRIPTION")
	} else {
		fmt.Fprintln(w, "ID\tSTATUS\tKIND\tPRIORITY\tAGENT\tCREATED\tDESCRIPTION")
	}
	for _, t := range tasks {
		agent := t.AgentKind
		if t.Result != nil {
			agent = t.Result.AgentKind
		} else if t.Error != nil && t.Error.AgentKind != "" {
			agent = t.Error.AgentKind
		}
		if agent == "" {
			agent = "-"
		}
		desc := t.Description
		if len(desc) > 50 {
			desc = desc[:47] + "..."
		}
		if finished {
			when := "-"
			if t.CompletedAt != nil {
				when = humanize.Time(*t.CompletedAt)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", t.ID, t.Status, t.Kind, agent, when, desc)
		} else {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				t.ID, t.Status, t.Kind, t.Priority, agent, humanize.Time(t.CreatedAt), desc)
		}
	}
	w.Flush()
}

func runList(cmd *cobra.Command, args []string) error {
	c, _, err := newClient()
	if err != nil {
		return err
	}
	tasks, err := c.Active(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(tasks)
	}
	if len(tasks) == 0 {
		fmt.Println("No active tasks")
		return nil
	}
	printTaskTable(tasks, false)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	c, _, err := newClient()
	if err != nil {
		return err
	}
	stats, err := c.Stats(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(stats)
	}

	fmt.Printf("Workers: %d/%d busy | Queue: %d | Completed: %d | Failed: %d | Cancelled: %d\n",
		stats.BusyWorkers, stats.MaxWorkers, stats.QueueDepth, stats.Completed, stats.Failed, stats.Cancelled)
	if t := stats.Totals; t != nil && t.TotalCompleted > 0 {
		fmt.Printf("Avg duration: %s | Tokens: %s in / %s out\n",
			t.AvgDuration.Round(time.Second),
			humanize.Comma(int64(t.TotalTokensInput)), humanize.Comma(int64(t.TotalTokensOutput)))
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tSTATE\tTASK\tCOMPLETED\tFAILED")
	for _, wk := range stats.Workers {
		task := wk.CurrentTaskID
		if task == "" {
			task = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\n", wk.SlotID, wk.State, task, wk.TasksCompleted, wk.TasksFailed)
	}
	w.Flush()
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	c, _, err := newClient()
	if err != nil {
		return err
	}
	resp, err := c.Cancel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(resp)
	}
	if resp.Cancelled {
		fmt.Printf("Cancelling %s\n", args[0])
		return nil
	}
	fmt.Printf("Not cancelled: %s\n", resp.Reason)
	return nil
}

func runAgents(cmd *cobra.Command, args []string) error {
	var report []agents.Availability
	if agentsLocal {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg, err := cfg.Registry()
		if err != nil {
			return err
		}
		report = agents.NewSelector(reg, agents.SelectorOptions{CacheTTL: -1}).Report(cmd.Context())
	} else {
		c, _, err := newClient()
		if err != nil {
			return err
		}
		if report, err = c.Agents(cmd.Context()); err != nil {
			return err
		}
	}
	if jsonOutput {
		return printJSON(report)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tAGENT\tTASK KINDS\tCOMMAND\tAVAILABLE")
	for _, a := range report {
		avail := "yes"
		if !a.Available {
			avail = "no: " + a.Reason
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", a.Rank, a.Kind, strings.Join(a.TaskKinds, ","), a.Command, avail)
	}
	w.Flush()
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	c, _, err := newClient()
	if err != nil {
		return err
	}
	tasks, err := c.History(cmd.Context(), historyStatus, historyLimit)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(tasks)
	}
	if len(tasks) == 0 {
		fmt.Println("No finished tasks")
		return nil
	}
	printTaskTable(tasks, true)
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	c, cfg, err := newClient()
	if err != nil {
		return err
	}
	if cfg.General.LogDir == "" {
		return errors.New("log_dir is not configured")
	}
	path := tasklog.Path(cfg.General.LogDir, args[0])

	if !logsFollow {
		return tasklog.Copy(path, os.Stdout)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	var lastCheck time.Time
	finished := func() bool {
		if time.Since(lastCheck) < time.Second {
			return false
		}
		lastCheck = time.Now()
		task, err := c.Task(ctx, args[0])
		if err != nil {
			return client.IsNotFound(err)
		}
		return task.Status.IsTerminal()
	}
	return tasklog.Follow(ctx, path, os.Stdout, finished)
}

func runAttach(cmd *cobra.Command, args []string) error {
	c, _, err := newClient()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	end, err := c.StreamOutput(ctx, args[0], func(msg api.OutputMessage) error {
		if msg.Chunk == nil {
			return nil
		}
		if jsonOutput {
			return printJSON(msg.Chunk)
		}
		out := os.Stdout
		if msg.Chunk.Stream == "stderr" {
			out = os.Stderr
		}
		fmt.Fprintln(out, msg.Chunk.Line)
		return nil
	})
	if err != nil {
		return err
	}
	if end.Partial {
		fmt.Fprintln(os.Stderr, "(earlier output was dropped)")
	}
	return nil
}

func runSchedules(cmd *cobra.Command, args []string) error {
	c, _, err := newClient()
	if err != nil {
		return err
	}
	infos, err := c.Schedules(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(infos)
	}
	if len(infos) == 0 {
		fmt.Println("No schedules configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCRON\tNEXT\tLAST RUN\tLAST TASK\tSKIPPED")
	for _, s := range infos {
		last, lastTask := "-", "-"
		if !s.LastRun.IsZero() {
			last = humanize.Time(s.LastRun)
			lastTask = s.LastTaskID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", s.Name, s.Cron, humanize.Time(s.Next), last, lastTask, s.Skipped)
	}
	w.Flush()
	return nil
}

func runScheduleNow(cmd *cobra.Command, args []string) error {
	c, _, err := newClient()
	if err != nil {
		return err
	}
	id, err := c.RunSchedule(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := config.DefaultConfigPath()
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := config.Default().Save(path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
