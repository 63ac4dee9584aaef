package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edupilot/edupilot/internal/output"
	"github.com/edupilot/edupilot/internal/query"
	"github.com/edupilot/edupilot/internal/rerank"
	"github.com/edupilot/edupilot/internal/session"
)

func newQueryCmd() *cobra.Command {
	var language string
	var sessionID string
	var topK int

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Ask a question against the knowledge base",
		Long: `Runs one consultation turn. Without --session a fresh session is
created and its ID printed, so follow-up questions can continue the
conversation.`,
		Args: cobra.MinimumNArgs(1),
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

			ctx := cmd.Context()
			if err := c.pipeline.RebuildIndex(ctx); err != nil {
				return err
			}

			sessions, err := session.NewStore(filepath.Join(cfg.Paths.DataDir, "sessions"), cfg.Sessions.TTL, c.logger)
			if err != nil {
				return err
			}

			w := output.Stdout()
			if sessionID == "" {
				sess, err := sessions.Create("", language)
				if err != nil {
					return err
				}
				sessionID = sess.ID
				w.Statusf("session %s", sessionID)
			}

			var reranker query.Reranker
			if !cfg.Provider.Offline {
				breaker := rerank.NewBreaker(cfg.Rerank.CircuitThreshold, cfg.Rerank.CircuitReset, c.metrics)
				reranker = rerank.New(rerank.Config{
					BaseURL:     cfg.Provider.BaseURL,
					APIKey:      cfg.Provider.APIKey,
					Model:       cfg.Provider.RerankModel,
					Timeout:     cfg.Rerank.Timeout,
					MaxAttempts: cfg.Rerank.MaxAttempts,
				}, breaker, c.metrics, c.logger)
			}

			orchestrator := query.New(sessions, c.index, reranker, chatGenerator{c.provider},
				c.store, c.metrics, c.logger, c.queryConfig())

			resp, err := orchestrator.Execute(ctx, query.Request{
				SessionID: sessionID,
				Query:     strings.Join(args, " "),
				Language:  language,
				TopK:      topK,
			}, query.Events{})
			if err != nil {
				return err
			}

			w.Newline()
			w.Block(resp.Answer)
			w.Newline()

			for _, cit := range resp.Citations {
				w.Detail(fmt.Sprintf("[%d] %s — %s", cit.Marker, cit.Title, cit.Snippet))
			}
			if resp.Diagnostics.LowConfidence {
				w.Warning("low confidence answer; consider adding sources or refining the question")
			}
			if resp.Diagnostics.ReviewSuggested {
				w.Warning("a human counselor review is suggested for this conversation")
			}
			if len(resp.Diagnostics.MissingSlots) > 0 {
				w.Statusf("answers improve with: %s", strings.Join(resp.Diagnostics.MissingSlots, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&language, "language", "", "Answer language (en or zh, default auto-detect)")
	cmd.Flags().StringVar(&sessionID, "session", "", "Continue an existing session")
	cmd.Flags().IntVar(&topK, "top-k", 0, "Override retrieval depth")
	return cmd
}
