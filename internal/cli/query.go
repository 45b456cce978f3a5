package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bank-rag/backend/internal/query"
)

var (
	queryJSON     bool
	queryEvidence bool
)

var queryCmd = &cobra.Command{
	Use:   "query [question]",
	Short: "Ask a question about the tenant's documents",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuery,
}

func init() {
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "output the full response as JSON")
	queryCmd.Flags().BoolVarP(&queryEvidence, "evidence", "e", false, "print the evidence behind the answer")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	resp, err := application.Engine.ProcessQuery(commandContext(cmd), query.QueryRequest{
		TenantID: tenant,
		Question: strings.Join(args, " "),
	})
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	if queryJSON {
		data, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal response: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	cmd.Println(resp.Answer)
	cmd.Println()
	cmd.Println(dimColor(fmt.Sprintf("strategy: %s, evidence: %d, %d ms", resp.Strategy, len(resp.Evidence), resp.LatencyMS)))
	if resp.Degraded {
		cmd.Println(warnColor("degraded: no store could be searched"))
	}

	if queryEvidence {
		for i, it := range resp.Evidence {
			cmd.Printf("  [%d] (%s, %s) %.2f\n", i+1, it.Strategy, it.DocumentID, it.Score)
			cmd.Printf("      %s\n", it.Text)
		}
	}
	return nil
}
