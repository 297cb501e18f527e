package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tessera-app/supervisor/internal/plan"
)

type checkResult struct {
	Path      string   `json:"path"`
	Policy    string   `json:"failure_policy,omitempty"`
	Order     []string `json:"order,omitempty"`
	Processes int      `json:"processes,omitempty"`
	Valid     bool     `json:"valid"`
	Error     string   `json:"error,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check [plan]",
	Short: "Validate a launch plan",
	Long:  "Parse and validate a YAML launch plan. Checks the given file or the configured plan.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheck,
}

func init() {
	checkCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")

	target := cfg.Plan
	if len(args) > 0 {
		target = args[0]
	}

	r := checkResult{Path: target}
	p, err := plan.Load(target)
	if err != nil {
		r.Error = err.Error()
	} else {
		r.Valid = true
		r.Policy = string(p.FailurePolicy)
		r.Processes = p.ProcessCount()
		groups, _ := p.StartOrder()
		for _, g := range groups {
			r.Order = append(r.Order, g.Name)
		}
	}

	if jsonOut {
		if err := printJSON(r); err != nil {
			return err
		}
	} else if r.Valid {
		fmt.Printf("OK    %s (%d processes, %s)\n", r.Path, r.Processes, r.Policy)
		fmt.Printf("      order: %v\n", r.Order)
	} else {
		fmt.Fprintf(os.Stderr, "FAIL  %s\n      %v\n", r.Path, r.Error)
	}

	if !r.Valid {
		return fmt.Errorf("plan failed validation")
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
