package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"jobsman/internal/config"
	"jobsman/internal/store"
	"jobsman/pkg/logx"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage job definitions in the store",
	Long: `Create, inspect and delete job definitions.

Every mutation also appends an update marker, so a running "jobsman serve"
picks the change up on its next reload poll.`,
}

var (
	jobAddCommand      string
	jobAddSecond       string
	jobAddMinute       string
	jobAddHour         string
	jobAddDay          string
	jobAddMonth        string
	jobAddDayOfWeek    string
	jobAddTimeout      int
	jobAddCoalesce     bool
	jobAddMaxInstances int
	jobAddMisfireGrace int
)

var jobAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Add or update a job definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobAdd,
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all job definitions",
	RunE:  runJobList,
}

var jobGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one job definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobGet,
}

var jobRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a job definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobRm,
}

func init() {
	f := jobAddCmd.Flags()
	f.StringVar(&jobAddCommand, "command", "", "shell command to execute (required)")
	f.StringVar(&jobAddSecond, "second", "*", "cron second field")
	f.StringVar(&jobAddMinute, "minute", "*", "cron minute field")
	f.StringVar(&jobAddHour, "hour", "*", "cron hour field")
	f.StringVar(&jobAddDay, "day", "*", "cron day-of-month field")
	f.StringVar(&jobAddMonth, "month", "*", "cron month field")
	f.StringVar(&jobAddDayOfWeek, "day-of-week", "*", "cron day-of-week field")
	f.IntVar(&jobAddTimeout, "timeout", 60, "execution timeout in seconds")
	f.BoolVar(&jobAddCoalesce, "coalesce", false, "collapse a misfire backlog into one dispatch (omit to use the scheduler default)")
	f.IntVar(&jobAddMaxInstances, "max-instances", 0, "max concurrent executions (0 = scheduler default)")
	f.IntVar(&jobAddMisfireGrace, "misfire-grace", 0, "misfire grace in seconds (0 = scheduler default)")
	_ = jobAddCmd.MarkFlagRequired("command")

	jobCmd.AddCommand(jobAddCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobGetCmd)
	jobCmd.AddCommand(jobRmCmd)
}

// openStore opens the job store the same way the service does, using the
// shared config file.
func openStore() (store.Store, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	busy, err := config.ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout)
	if err != nil {
		return nil, err
	}
	return store.Open(store.Config{
		Driver:      cfg.Store.Driver,
		Path:        cfg.Store.Path,
		BusyTimeout: busy,
	}, logx.Nop())
}

func runJobAdd(cmd *cobra.Command, args []string) error {
	def := store.JobDefinition{
		ID:           args[0],
		Command:      jobAddCommand,
		Second:       jobAddSecond,
		Minute:       jobAddMinute,
		Hour:         jobAddHour,
		Day:          jobAddDay,
		Month:        jobAddMonth,
		DayOfWeek:    jobAddDayOfWeek,
		Timeout:      jobAddTimeout,
		MaxInstances: jobAddMaxInstances,
		MisfireGrace: jobAddMisfireGrace,
	}
	if cmd.Flags().Changed("coalesce") {
		v := jobAddCoalesce
		def.Coalesce = &v
	}
	if err := def.Validate(nil); err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := cliContext()
	defer cancel()

	if err := st.Upsert(ctx, def); err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	if err := st.NoteUpdate(ctx); err != nil {
		return fmt.Errorf("note update: %w", err)
	}

	fmt.Printf("job %s saved (schedule %q)\n", def.ID, def.Fields().Expr())
	return nil
}

func runJobList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := cliContext()
	defer cancel()

	defs, err := st.List(ctx)
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		fmt.Println("no jobs defined")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSCHEDULE\tTIMEOUT\tCOMMAND")
	for _, d := range defs {
		fmt.Fprintf(w, "%s\t%s\t%ds\t%s\n", d.ID, d.Fields().Expr(), d.Timeout, d.Command)
	}
	return w.Flush()
}

func runJobGet(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := cliContext()
	defer cancel()

	d, ok, err := st.Get(ctx, args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s not found", args[0])
	}

	fmt.Printf("id:            %s\n", d.ID)
	fmt.Printf("command:       %s\n", d.Command)
	fmt.Printf("schedule:      %s\n", d.Fields().Expr())
	fmt.Printf("timeout:       %ds\n", d.Timeout)
	if d.Coalesce != nil {
		fmt.Printf("coalesce:      %v\n", *d.Coalesce)
	} else {
		fmt.Printf("coalesce:      (scheduler default)\n")
	}
	fmt.Printf("max_instances: %d\n", d.MaxInstances)
	fmt.Printf("misfire_grace: %ds\n", d.MisfireGrace)
	return nil
}

func runJobRm(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := cliContext()
	defer cancel()

	if err := st.Delete(ctx, args[0]); err != nil {
		return err
	}
	if err := st.NoteUpdate(ctx); err != nil {
		return fmt.Errorf("note update: %w", err)
	}
	fmt.Printf("job %s removed\n", args[0])
	return nil
}

func cliContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
