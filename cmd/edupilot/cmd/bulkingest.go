package cmd

import (
	"bufio"
	"os"
	"strings"

	"github.com/spf13/cobra"

	apperr "github.com/edupilot/edupilot/internal/errors"
	"github.com/edupilot/edupilot/internal/output"
)

func newBulkIngestCmd() *cobra.Command {
	var source string
	var keepGoing bool

	cmd := &cobra.Command{
		Use:   "bulk-ingest <manifest>",
		Short: "Ingest every document listed in a manifest file",
		Long: `Reads a manifest with one document path per line (blank lines and
lines starting with # are skipped) and ingests each file. With
--keep-going, failures are reported at the end instead of aborting.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			paths, err := readManifest(args[0])
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return apperr.Validation("manifest lists no documents")
			}

			c, err := openCore(cfg, false)
			if err != nil {
				return err
			}
			defer c.Close()

			w := output.Stdout()
			failed := 0
			for i, path := range paths {
				doc, err := ingestFile(cmd.Context(), c, path, source)
				if err != nil {
					if !keepGoing {
						return err
					}
					failed++
					w.Errorf("%s: %v", path, err)
					continue
				}
				w.Progress("ingest", i+1, len(paths))
				_ = doc
			}

			if failed > 0 {
				w.Warningf("ingested %d of %d documents (%d failed)", len(paths)-failed, len(paths), failed)
				return apperr.New(apperr.KindInternal, "bulk ingest finished with failures")
			}
			w.Successf("ingested %d documents", len(paths))
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "bulk", "Source label recorded on the documents")
	cmd.Flags().BoolVar(&keepGoing, "keep-going", false, "Continue past per-file failures")
	return cmd
}

func readManifest(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.Validation("no such manifest: " + path)
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var paths []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		paths = append(paths, line)
	}
	return paths, scanner.Err()
}
