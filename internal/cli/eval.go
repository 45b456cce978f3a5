package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bank-rag/backend/internal/evaluation"
)

var evalVerbose bool

var evalCmd = &cobra.Command{
	Use:   "eval [dataset.json]",
	Short: "Score the query engine against a labelled question set",
	Long: `Runs every question of the dataset for the tenant and classifies each answer
as irrelevant, moderate or fully relevant from the expected facts and strategy.
The dataset's tenant_id is overridden by --tenant.`,
	Args: cobra.ExactArgs(1),
	RunE: runEval,
}

func init() {
	evalCmd.Flags().BoolVarP(&evalVerbose, "verbose", "v", false, "print every result")
	rootCmd.AddCommand(evalCmd)
}

func runEval(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read dataset: %w", err)
	}
	dataset, err := evaluation.LoadDataset(data)
	if err != nil {
		return err
	}
	dataset.TenantID = tenant

	evaluator := evaluation.NewEvaluator(application.Engine, application.Embedder.Embed)
	report, err := evaluator.RunDatasetEvaluation(commandContext(cmd), dataset)
	if err != nil {
		return err
	}

	if evalVerbose {
		for _, r := range report.Results {
			label := okColor(r.Classification)
			switch r.Classification {
			case evaluation.Irrelevant:
				label = errColor(r.Classification)
			case evaluation.Moderate:
				label = warnColor(r.Classification)
			}
			cmd.Printf("  %-16s facts %d/%d  %s\n", label, r.FactsFound, r.FactsExpected, r.Question)
		}
	}

	cmd.Println(evaluation.GenerateReport(report))
	return nil
}
