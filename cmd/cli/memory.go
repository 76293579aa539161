package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func memoryCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect conversation memory (useful with memory.backend=redis)",
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show users and turns held",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.Memory.Stats(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}

	var userID string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print a user's recent turns, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			turns, err := a.Memory.Recent(cmd.Context(), userID, 0)
			if err != nil {
				return err
			}
			if len(turns) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No history for %s.\n", userID)
				return nil
			}
			for _, t := range turns {
				label := string(t.Intent)
				if t.Operation != "" {
					label += "/" + string(t.Operation)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s [%s] %s\n", t.Timestamp.Format("2006-01-02 15:04:05"), label, t.Query)
			}
			return nil
		},
	}
	show.Flags().StringVarP(&userID, "user", "u", "", "user id")
	_ = show.MarkFlagRequired("user")

	var clearUser string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget a user's conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Memory.Clear(cmd.Context(), clearUser); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared history for %s.\n", clearUser)
			return nil
		},
	}
	clearCmd.Flags().StringVarP(&clearUser, "user", "u", "", "user id")
	_ = clearCmd.MarkFlagRequired("user")

	cmd.AddCommand(stats, show, clearCmd)
	return cmd
}
