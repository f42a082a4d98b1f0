package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/activities"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/engine"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/planner"
)

type runFlags struct {
	mode        string
	breadth     int
	numQueries  int
	depth       int
	concurrency int
	interactive bool
	outputDir   string
}

// overrides turns flags the user actually set into plan overrides.
func (f runFlags) overrides(cmd *cobra.Command) planner.Overrides {
	var o planner.Overrides
	set := func(name string, v int) *int {
		if !cmd.Flags().Changed(name) {
			return nil
		}
		return &v
	}
	o.Breadth = set("breadth", f.breadth)
	o.NumQueries = set("num-queries", f.numQueries)
	o.DepthLimit = set("depth", f.depth)
	o.Concurrency = set("concurrency", f.concurrency)
	return o
}

func main() {
	var (
		configPath string
		adminAddr  string
	)
	root := &cobra.Command{
		Use:           "deepresearch",
		Short:         "Explore a research topic as a tree of queries and write a cited report",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (watched for changes)")
	root.PersistentFlags().StringVar(&adminAddr, "admin-addr", "", "serve progress streams, sessions, health and metrics on this address")

	root.AddCommand(runCmd(&configPath, &adminAddr), resumeCmd(&configPath, &adminAddr))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runCmd(configPath, adminAddr *string) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [topic]",
		Short: "Start a new research session",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := planner.ParseMode(f.mode)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath, *adminAddr)
			if err != nil {
				return err
			}
			defer a.Close()

			in := bufio.NewScanner(cmd.InOrStdin())
			topic := strings.TrimSpace(strings.Join(args, " "))
			if topic == "" {
				topic = prompt(cmd, in, "What would you like to research? ")
			}
			if topic == "" {
				return errors.New("a research topic is required")
			}
			if f.interactive {
				topic = a.clarify(ctx, cmd, in, topic)
			}

			res, err := a.engine.RunSession(ctx, engine.Request{
				Topic:     topic,
				Mode:      mode,
				Overrides: f.overrides(cmd),
			})
			return a.report(cmd, f.outputDir, topic, res, err)
		},
	}
	cmd.Flags().StringVar(&f.mode, "mode", string(planner.ModeBalanced), "research mode: fast, balanced or comprehensive")
	cmd.Flags().IntVar(&f.breadth, "breadth", 0, "override the number of sub-queries per expansion")
	cmd.Flags().IntVar(&f.numQueries, "num-queries", 0, "override the number of learnings and questions per query")
	cmd.Flags().IntVar(&f.depth, "depth", 0, "override the tree depth limit")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "override the number of queries researched at once")
	cmd.Flags().BoolVar(&f.interactive, "interactive", false, "answer clarifying questions before research starts")
	cmd.Flags().StringVar(&f.outputDir, "output", ".", "directory for the report and tree exports")
	return cmd
}

func resumeCmd(configPath, adminAddr *string) *cobra.Command {
	var outputDir string
	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Continue a stored session and rewrite its report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath, *adminAddr)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.engine.ResumeSession(ctx, args[0])
			topic := args[0]
			if res != nil && res.Tree != nil {
				topic = res.Tree.Query
			}
			return a.report(cmd, outputDir, topic, res, err)
		},
	}
	cmd.Flags().StringVar(&outputDir, "output", ".", "directory for the report and tree exports")
	return cmd
}

func prompt(cmd *cobra.Command, in *bufio.Scanner, question string) string {
	fmt.Fprint(cmd.OutOrStdout(), question)
	if !in.Scan() {
		return ""
	}
	return strings.TrimSpace(in.Text())
}

// clarify asks the model for follow-up questions and folds the answers into
// the topic. Failures fall back to the original topic.
func (a *app) clarify(ctx context.Context, cmd *cobra.Command, in *bufio.Scanner, topic string) string {
	questions, err := a.acts.FollowUpQuestions(ctx, topic, 3)
	if err != nil {
		a.logger.Warn("Follow-up questions unavailable, continuing with the original topic", zap.Error(err))
		return topic
	}
	if len(questions) == 0 {
		return topic
	}
	fmt.Fprintln(cmd.OutOrStdout(), "To better understand your research needs, please answer these follow-up questions:")
	answers := make([]string, len(questions))
	for i, q := range questions {
		answers[i] = prompt(cmd, in, fmt.Sprintf("%s\nYour answer: ", q))
	}
	return activities.CombineQuery(topic, questions, answers)
}

// report exports whatever the session produced and prints a summary. The
// session error is returned after the export so partial work is kept.
func (a *app) report(cmd *cobra.Command, outputDir, topic string, res *engine.Result, runErr error) error {
	if res == nil {
		return runErr
	}
	out := cmd.OutOrStdout()
	printSummary(out, res)

	paths, err := export(outputDir, topic, res)
	if err != nil {
		a.logger.Error("Failed to export session results", zap.String("session_id", res.SessionID), zap.Error(err))
		return errors.Join(runErr, err)
	}
	for _, p := range paths {
		fmt.Fprintf(out, "Wrote %s\n", p)
	}
	return runErr
}
