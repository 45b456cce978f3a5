package cli

import (
	"github.com/spf13/cobra"
)

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Manage ingested documents",
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tenant's documents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		docs, err := application.DB.ListDocuments(commandContext(cmd), tenant)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			cmd.Println("No documents.")
			return nil
		}
		for _, d := range docs {
			cmd.Printf("  %-24s %-10s records=%d chunks=%d pending=%d  %s\n",
				d.DocumentID, d.Status, d.RecordCount, d.ChunkCount, d.PendingChunks, dimColor(d.Name))
		}
		return nil
	},
}

var documentsRemoveCmd = &cobra.Command{
	Use:   "remove [document-id]",
	Short: "Retire a document and its records and chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := application.Processor.RemoveDocument(commandContext(cmd), tenant, args[0]); err != nil {
			return err
		}
		cmd.Printf("%s removed %s\n", okColor("OK"), args[0])
		return nil
	},
}

var retryPendingCmd = &cobra.Command{
	Use:   "retry-pending",
	Short: "Embed chunks left pending by earlier failures",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := application.Processor.RetryPending(commandContext(cmd), tenant)
		if err != nil {
			return err
		}
		cmd.Printf("attempted %d, embedded %d, still pending %d\n",
			report.Attempted, report.Embedded, report.StillPending)
		return nil
	},
}

func init() {
	documentsCmd.AddCommand(documentsListCmd, documentsRemoveCmd)
	rootCmd.AddCommand(documentsCmd, retryPendingCmd)
}
