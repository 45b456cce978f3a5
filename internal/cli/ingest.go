package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bank-rag/backend/internal/ingestion"
)

var ingestDocumentID string

var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Ingest documents for a tenant",
	Long: `Parses each file, stores its hierarchical tables as records and its prose
as embedded chunks. Re-ingesting a file only writes what changed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestDocumentID, "id", "", "document id (single file only; default derived from the file name)")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	if ingestDocumentID != "" && len(args) > 1 {
		return fmt.Errorf("--id can only be used with one file")
	}

	sources := make([]ingestion.Source, 0, len(args))
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		sources = append(sources, ingestion.Source{
			TenantID:   tenant,
			DocumentID: ingestDocumentID,
			Name:       filepath.Base(path),
			Data:       data,
		})
	}

	results := application.Processor.IngestBatch(commandContext(cmd), sources)

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			cmd.Printf("%s %s: %v\n", errColor("FAIL"), res.Name, res.Err)
			continue
		}
		r := res.Report
		if r.Unchanged {
			cmd.Printf("%s %s (%s) unchanged\n", okColor("OK"), res.Name, r.DocumentID)
			continue
		}
		cmd.Printf("%s %s (%s)\n", okColor("OK"), res.Name, r.DocumentID)
		cmd.Printf("   records: %d inserted, %d updated, %d stale, %d unchanged\n",
			r.RecordInserts, r.RecordUpdates, r.RecordsStale, r.RecordsUnchanged)
		cmd.Printf("   chunks:  %d inserted, %d shared, %d deleted, %d unchanged\n",
			r.ChunkInserts, r.ChunksShared, r.ChunksDeleted, r.ChunksUnchanged)
		if r.PendingChunks > 0 {
			cmd.Printf("   %s %d chunks pending embedding\n", warnColor("WARN"), r.PendingChunks)
		}
		for _, e := range r.Errors {
			cmd.Printf("   %s %v\n", warnColor("WARN"), e)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(results))
	}
	return nil
}
