// Package main provides kbtool, a command line helper for MindfulMe knowledge bases.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mindfulme/mindfulme/internal/chat"
	"github.com/mindfulme/mindfulme/internal/config"
	"github.com/mindfulme/mindfulme/internal/identity"
	"github.com/mindfulme/mindfulme/internal/kb"
)

const defaultTopN = 3

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kbtool",
		Short:         "Inspect and test MindfulMe knowledge bases",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newValidateCmd(), newMatchCmd(), newTokenCmd())
	return root
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Check that a dataset parses and contains usable intents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err != nil {
				return fmt.Errorf("dataset %s: %w", args[0], err)
			}
			base, err := kb.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d intents, %d patterns\n", base.Len(), base.PatternCount())
			return nil
		},
	}
}

func newMatchCmd() *cobra.Command {
	var (
		path string
		topN int
	)
	cmd := &cobra.Command{
		Use:   "match [text]",
		Short: "Score a message against a dataset and print the ranked intents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := kb.Load(path)
			if err != nil {
				return err
			}
			ranked := chat.Score(strings.Join(args, " "), base, chat.NewConversationContext())
			printRanking(cmd.OutOrStdout(), ranked, topN)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "kb", "./data/kb.json", "dataset path (.json, .yaml or .yml)")
	cmd.Flags().IntVarP(&topN, "top", "n", defaultTopN, "number of candidates to print")
	return cmd
}

func printRanking(w io.Writer, ranked []chat.ScoredIntent, topN int) {
	if topN <= 0 || topN > len(ranked) {
		topN = len(ranked)
	}
	for i, c := range ranked[:topN] {
		if c.MatchedPattern != "" {
			fmt.Fprintf(w, "%d. %s score=%d pattern=%q\n", i+1, c.Intent.Tag, c.Score, c.MatchedPattern)
			continue
		}
		fmt.Fprintf(w, "%d. %s score=%d\n", i+1, c.Intent.Tag, c.Score)
	}
}

func newTokenCmd() *cobra.Command {
	var (
		secret string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token [user-id]",
		Short: "Issue a signed bearer token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := identity.IssueToken(secret, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	defaultSecret := config.DefaultJWTSecret
	if s, ok := os.LookupEnv("JWT_SECRET"); ok && s != "" {
		defaultSecret = s
	}
	cmd.Flags().StringVar(&secret, "secret", defaultSecret, "HMAC secret (defaults to JWT_SECRET)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
