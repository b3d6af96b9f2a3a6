package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/manthysbr/datalens/internal/core/domain"
)

func newAskCmd(configPath *string) *cobra.Command {
	var (
		dataPath string
		outDir   string
		persist  bool
	)

	cmd := &cobra.Command{
		Use:   "ask --data FILE QUESTION [QUESTION...]",
		Short: "Ask one or more questions about a dataset",
		Long: "Loads the dataset into a fresh session and asks each question in order, so later\n" +
			"questions see the earlier answers. Charts are written to --out.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, questions []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{configPath: *configPath, inMemory: !persist, withEngine: true, requireEngine: true})
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := openSession(ctx, a, dataPath)
			if err != nil {
				return err
			}
			out := newPrinter(cmd.OutOrStdout(), outDir)
			out.dataset(sess.Dataset)

			for _, q := range questions {
				rec, err := a.sessions.Ask(ctx, sess.ID, q)
				if err != nil {
					return fmt.Errorf("ask %q: %w", q, err)
				}
				if err := out.answer(q, rec); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&dataPath, "data", "d", "", "CSV or XLSX file to analyse")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "directory for rendered charts")
	cmd.Flags().BoolVar(&persist, "persist", false, "keep the session in storage.path")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func newReplayCmd(configPath *string) *cobra.Command {
	var (
		dataPath  string
		tracePath string
		query     string
		outDir    string
	)

	cmd := &cobra.Command{
		Use:   "replay --data FILE --trace TRACE.json --query QUESTION",
		Short: "Run a recorded agent trace through the response pipeline",
		Long: "Reads an agent trace ({\"output\": ..., \"intermediate_steps\": [...]}) and turns it into\n" +
			"a response exactly as a live query would, without calling a model.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			trace, err := readTrace(tracePath)
			if err != nil {
				return err
			}

			a, err := newApp(ctx, appOptions{configPath: *configPath, inMemory: true})
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := openSession(ctx, a, dataPath)
			if err != nil {
				return err
			}
			rec, err := a.sessions.Replay(ctx, sess.ID, query, trace)
			if err != nil {
				return err
			}
			return newPrinter(cmd.OutOrStdout(), outDir).answer(query, rec)
		},
	}
	cmd.Flags().StringVarP(&dataPath, "data", "d", "", "CSV or XLSX file the trace ran against")
	cmd.Flags().StringVarP(&tracePath, "trace", "t", "", "JSON trace file")
	cmd.Flags().StringVarP(&query, "query", "q", "", "question the trace answers")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "directory for rendered charts")
	for _, name := range []string{"data", "trace", "query"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func openSession(ctx context.Context, a *app, path string) (*domain.Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()
	return a.sessions.CreateSession(ctx, filepath.Base(path), f)
}

func readTrace(path string) (*domain.AgentTrace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	var trace domain.AgentTrace
	if err := json.Unmarshal(data, &trace); err != nil {
		return nil, fmt.Errorf("parse trace %s: %w", path, err)
	}
	if trace.Output == "" && len(trace.Steps) == 0 {
		return nil, errors.New("trace has neither output nor intermediate_steps")
	}
	return &trace, nil
}
