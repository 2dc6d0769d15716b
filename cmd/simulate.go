package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kilianp07/loadguard/core/scenario"
	"github.com/kilianp07/loadguard/infra/logger"
	"github.com/kilianp07/loadguard/infra/mqtt"
)

var scenarioPath string

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay a scenario file and print the setpoints of every cycle",
	RunE:  runSimulate,
}

func init() {
	simulateCmd.Flags().StringVarP(&scenarioPath, "scenario", "s", "", "scenario file (yaml)")
	_ = simulateCmd.MarkFlagRequired("scenario")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	sc, err := scenario.Load(scenarioPath)
	if err != nil {
		return fmt.Errorf("load scenario: %w", err)
	}
	results, err := scenario.Run(cmd.Context(), sc, mqtt.NewMockPublisher(), logger.New("simulate"))
	if err != nil {
		return err
	}
	if mismatches := printResults(cmd.OutOrStdout(), sc, results); mismatches > 0 {
		return fmt.Errorf("%d expectation(s) not met", mismatches)
	}
	return nil
}

func printResults(w io.Writer, sc *scenario.Scenario, results []scenario.StepResult) int {
	mismatches := 0
	fmt.Fprintf(w, "scenario %s\n", sc.Name)
	for _, r := range results {
		fmt.Fprintf(w, "step %d t+%s cycle %s\n", r.Step, r.At.Sub(scenario.Start), r.Result.ID)
		for _, a := range r.Result.Sorted() {
			line := fmt.Sprintf("  cp %-4d %6.2fA %-10s %v", a.ChargepointID, a.Current, a.Status, []float64(a.Currents))
			if err := r.Failed[a.ChargepointID]; err != nil {
				line += " publish failed: " + err.Error()
			}
			fmt.Fprintln(w, strings.TrimRight(line, " "))
		}
		for _, m := range r.Mismatches {
			fmt.Fprintf(w, "  MISMATCH %s\n", m)
			mismatches++
		}
	}
	return mismatches
}
