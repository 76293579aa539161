package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dvloznov/finance-assistant/internal/orchestrator"
)

type askOptions struct {
	userID    string
	noSummary bool
	topK      int
	asJSON    bool
	timings   bool
}

func (o *askOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.userID, "user", "u", "", "user id (required)")
	cmd.Flags().BoolVar(&o.noSummary, "no-summary", false, "answer from templates only")
	cmd.Flags().IntVar(&o.topK, "top-k", 0, "documents to retrieve for knowledge questions")
	cmd.Flags().BoolVar(&o.asJSON, "json", false, "print the full response as JSON")
	cmd.Flags().BoolVar(&o.timings, "timings", false, "print per-stage timings")
	_ = cmd.MarkFlagRequired("user")
}

func askCmd(g *globals) *cobra.Command {
	opts := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask QUESTION",
		Short: "Answer one question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := g.open(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()
			return ask(ctx, a.Orchestrator, opts, strings.Join(args, " "), cmd.OutOrStdout())
		},
	}
	opts.bind(cmd)
	return cmd
}

func chatCmd(g *globals) *cobra.Command {
	opts := &askOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive session; follow-up questions use the conversation so far",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := g.open(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()
			return chat(ctx, a.Orchestrator, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	opts.bind(cmd)
	return cmd
}

type answerer interface {
	Handle(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error)
}

func ask(ctx context.Context, orch answerer, opts *askOptions, question string, out io.Writer) error {
	resp, err := orch.Handle(ctx, orchestrator.Request{
		UserID:    opts.userID,
		Query:     question,
		Summarize: !opts.noSummary,
		TopK:      opts.topK,
	})
	if resp == nil {
		return err
	}

	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(resp); encErr != nil {
			return encErr
		}
		return err
	}

	fmt.Fprintln(out, resp.Text)
	if opts.timings {
		fmt.Fprintln(out)
		for _, st := range resp.Timings {
			fmt.Fprintf(out, "  %-12s %v\n", strings.ToLower(string(st.Stage)), st.Duration)
		}
		fmt.Fprintf(out, "  %-12s %v\n", "total", resp.Total)
	}
	return err
}

func chat(ctx context.Context, orch answerer, opts *askOptions, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "Chatting as %s. Type 'exit' to quit.\n", opts.userID)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		if err := ask(ctx, orch, opts, line, out); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		fmt.Fprintln(out)
	}
}
