package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Find stored records that may describe the same entity as the query",
	Example: `  fuzzyfinder match --field surname=Smith --field dob=1985-03-02 --limit 5
  fuzzyfinder match --field surname=Smith --explain 42`,
	RunE: runMatch,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print a summary of the published token statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := bootstrap(cmd.Context(), cfg, nil)
		if err != nil {
			return err
		}
		defer a.Close()
		return printJSON(cmd.OutOrStdout(), a.service.Statistics())
	},
}

func init() {
	matchCmd.Flags().StringArrayP("field", "f", nil, "query field as name=value (repeatable)")
	matchCmd.Flags().IntP("limit", "n", 0, "maximum matches (default from config)")
	matchCmd.Flags().String("explain", "", "explain the score of one candidate id instead of ranking")
	_ = matchCmd.MarkFlagRequired("field")
}

func parseFields(pairs []string) (map[string]string, error) {
	fields := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("field %q must look like name=value", p)
		}
		fields[name] = value
	}
	return fields, nil
}

func runMatch(cmd *cobra.Command, _ []string) error {
	pairs, _ := cmd.Flags().GetStringArray("field")
	limit, _ := cmd.Flags().GetInt("limit")
	explain, _ := cmd.Flags().GetString("explain")
	fields, err := parseFields(pairs)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := bootstrap(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if explain != "" {
		br, err := a.service.Explain(ctx, fields, explain)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), br)
	}
	matches, err := a.service.FindPotentialMatches(ctx, fields, limit)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), matches)
}
