package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/hashicorp/go-metrics"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"shardlock/internal/config"
	"shardlock/internal/journal"
	"shardlock/internal/logger"
	"shardlock/internal/scenario"
	"shardlock/internal/simulation"
)

const cmdName = "shardsim"

type runFlags struct {
	configPath   string
	scenarioName string
	scenarioFile string
	maxRounds    int
	journalPath  string
	logLevel     string
}

func main() {
	rootCmd := &cobra.Command{
		Use:           cmdName,
		Short:         "Round-based simulator of cross-shard locking with cooperative deadlock detection",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(runCommand(), listCommand(), replayCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("%s: %v", cmdName, err))
		os.Exit(1)
	}
}

func runCommand() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scenario until every transaction completes or the round budget is spent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(cmd, f)
		},
	}
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "path to YAML config")
	cmd.Flags().StringVarP(&f.scenarioName, "scenario", "s", "", "built-in scenario name")
	cmd.Flags().StringVarP(&f.scenarioFile, "file", "f", "", "path to YAML scenario")
	cmd.Flags().IntVar(&f.maxRounds, "max-rounds", 0, "round budget (overrides config)")
	cmd.Flags().StringVar(&f.journalPath, "journal", "", "bolt file to journal every round into (overrides config)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "log level (overrides config)")
	return cmd
}

func listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List built-in scenarios",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range scenario.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}

func replayCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Print the rounds stored in a journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := journal.Open(path)
			if err != nil {
				return err
			}
			defer j.Close()
			return printJournal(cmd.OutOrStdout(), j)
		},
	}
	cmd.Flags().StringVarP(&path, "journal", "j", "", "bolt journal file")
	if err := cmd.MarkFlagRequired("journal"); err != nil {
		panic(err)
	}
	return cmd
}

func loadConfig(f runFlags) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return cfg, err
		}
	}
	if f.maxRounds > 0 {
		cfg.MaxRounds = f.maxRounds
	}
	if f.journalPath != "" {
		cfg.Journal.Path = f.journalPath
	}
	if f.logLevel != "" {
		cfg.Logger.Level = f.logLevel
	}
	return cfg, cfg.Validate()
}

func loadScenario(f runFlags) (scenario.Scenario, error) {
	switch {
	case f.scenarioFile != "":
		return scenario.Load(f.scenarioFile)
	case f.scenarioName != "":
		sc, ok := scenario.Get(f.scenarioName)
		if !ok {
			return sc, errors.Errorf("unknown scenario %q (try %s list)", f.scenarioName, cmdName)
		}
		return sc, nil
	}
	return scenario.Scenario{}, errors.New("one of --scenario or --file is required")
}

func runScenario(cmd *cobra.Command, f runFlags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	log, logFile, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer logFile.Close()
	sc, err := loadScenario(f)
	if err != nil {
		return err
	}
	tree, err := sc.Tree()
	if err != nil {
		return err
	}

	m, sink, err := simulation.NewMetrics(cfg.Metrics)
	if err != nil {
		return errors.Wrap(err, "init metrics")
	}
	sim, err := simulation.New(tree, sc.Transactions,
		simulation.WithLogger(log.Named("clock")),
		simulation.WithMetrics(m),
		simulation.WithObserver(logger.NewEventLogger(log)),
	)
	if err != nil {
		return err
	}

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer j.Close()
		if err := j.SetScenario(sc.Name); err != nil {
			return err
		}
		record := j.Recorder()
		if err := record(sim); err != nil {
			return err
		}
		sim.AfterRound(record)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting", "scenario", sc.Name, "shards", len(tree.Shards()), "transactions", len(sc.Transactions), "max_rounds", cfg.MaxRounds)
	rounds, runErr := sim.Run(ctx, cfg.MaxRounds)

	out := cmd.OutOrStdout()
	renderProgress(out, sim.TxStates())
	if sink != nil {
		renderMetrics(out, sink, cfg.Metrics.ServiceName)
	}
	var perr *simulation.ProgressError
	switch {
	case runErr == nil:
		fmt.Fprintln(out, color.GreenString("PASS: %s finished in %d rounds", sc.Name, rounds))
		return nil
	case errors.As(runErr, &perr):
		fmt.Fprintln(out, color.RedString("FAIL: %s did not finish in %d rounds", sc.Name, perr.Rounds))
	default:
		log.Error("run aborted", "round", sim.Round(), "error", runErr)
	}
	return runErr
}

func renderProgress(w io.Writer, states []simulation.TxState) {
	tb := tablewriter.NewWriter(w)
	tb.SetHeader([]string{"tx", "attempt", "step", "rollback fwd", "rollback back", "return", "done"})
	for _, st := range states {
		tb.Append([]string{
			strconv.Itoa(int(st.Tx.ID)),
			strconv.Itoa(st.Attempt),
			strconv.Itoa(st.LatestStep),
			strconv.Itoa(st.LatestRollbackForward),
			strconv.Itoa(st.LatestRollbackBackward),
			strconv.Itoa(st.LatestReturn),
			strconv.FormatBool(st.Finished()),
		})
	}
	tb.Render()
}

// renderMetrics prints the counters of the sink's latest interval, which
// spans the whole run.
func renderMetrics(w io.Writer, sink *metrics.InmemSink, service string) {
	data := sink.Data()
	if len(data) == 0 {
		return
	}
	counters := data[len(data)-1].Counters
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)

	tb := tablewriter.NewWriter(w)
	tb.SetHeader([]string{"metric", "count"})
	for _, name := range names {
		tb.Append([]string{
			strings.TrimPrefix(name, service+"."),
			strconv.Itoa(counters[name].Count),
		})
	}
	tb.Render()
}

func printJournal(w io.Writer, j *journal.Journal) error {
	name, err := j.Scenario()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "scenario %s\n", name)
	return j.Replay(func(rec journal.RoundRecord) error {
		fmt.Fprintf(w, "round %d\n", rec.Round)
		for _, sr := range rec.Shards {
			if len(sr.Inbox) == 0 && len(sr.Outbox) == 0 && len(sr.Edges) == 0 {
				continue
			}
			fmt.Fprintf(w, "  shard %d in=%v", sr.Shard, sr.Inbox)
			for _, ob := range sr.Outbox {
				mark := ""
				if ob.Relayed {
					mark = "*"
				}
				fmt.Fprintf(w, " %s%s->%d", mark, ob.Label, ob.Dest)
			}
			for _, e := range sr.Edges {
				fmt.Fprintf(w, " %d=>%d[%d]", e.Waiter, e.Holder, e.Responsible)
			}
			fmt.Fprintln(w)
		}
		return nil
	})
}
