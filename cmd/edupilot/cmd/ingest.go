package cmd

import (
	"context"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	apperr "github.com/edupilot/edupilot/internal/errors"
	"github.com/edupilot/edupilot/internal/output"
	"github.com/edupilot/edupilot/internal/store"
)

func newIngestCmd() *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "ingest <path>",
		Short: "Ingest one document into the knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			c, err := openCore(cfg, false)
			if err != nil {
				return err
			}
			defer c.Close()

			w := output.Stdout()
			doc, err := ingestFile(cmd.Context(), c, args[0], source)
			if err != nil {
				return err
			}
			w.Successf("ingested %s (%d chunks, language %s)", doc.ID, doc.ChunkCount, doc.Language)
			w.Detail(doc.Title)
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "cli", "Source label recorded on the document")
	return cmd
}

func ingestFile(ctx context.Context, c *core, path, source string) (store.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store.Document{}, apperr.Validation("no such file: " + path)
		}
		return store.Document{}, err
	}

	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	return c.pipeline.IngestBytes(ctx, data, filepath.Base(path), mimeType, source)
}
