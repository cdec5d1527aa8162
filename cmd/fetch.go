// File: cmd/fetch.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crowhurst/pagebridge/api/schemas"
	"github.com/crowhurst/pagebridge/internal/handler"
	"github.com/crowhurst/pagebridge/internal/observability"
)

var fetchFlags struct {
	browser     bool
	contextName string
	navTimeout  time.Duration
	screenshot  string
	pdf         string
	printBody   bool
}

// fetchCmd downloads a single URL through the handler and prints a JSON
// summary. It is the operator-facing smoke path, not a crawling interface.
var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Fetch one URL through the download handler and print a summary.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()
		ctx := cmd.Context()

		h := handler.New(cfg, logger)
		if err := h.Open(ctx); err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := h.Close(closeCtx); err != nil {
				logger.Warn("Handler close failed.", zap.Error(err))
			}
		}()

		req := &schemas.Request{URL: args[0]}
		if fetchFlags.browser || fetchFlags.screenshot != "" || fetchFlags.pdf != "" {
			d := &schemas.BrowserDirectives{Context: fetchFlags.contextName}
			if fetchFlags.navTimeout > 0 {
				t := fetchFlags.navTimeout
				d.NavigationTimeout = &t
			}
			var ops []*schemas.PageOperation
			if fetchFlags.screenshot != "" {
				ops = append(ops, schemas.Op(schemas.OpScreenshot, true))
			}
			if fetchFlags.pdf != "" {
				ops = append(ops, schemas.Op(schemas.OpPDF))
			}
			d.Operations = ops
			req.Browser = d
		}

		resp, err := h.Download(ctx, req, nil)
		if err != nil {
			return err
		}

		if d := req.Browser; d != nil {
			for _, op := range d.Operations {
				data, ok := op.Result.([]byte)
				if !ok {
					continue
				}
				var path string
				switch op.Name {
				case schemas.OpScreenshot:
					path = fetchFlags.screenshot
				case schemas.OpPDF:
					path = fetchFlags.pdf
				}
				if path == "" {
					continue
				}
				if err := os.WriteFile(path, data, 0o644); err != nil {
					return fmt.Errorf("writing %s output: %w", op.Name, err)
				}
				logger.Info("Artifact written.", zap.String("op", op.Name), zap.String("path", path))
			}
		}

		if fetchFlags.printBody {
			_, err := os.Stdout.Write(resp.Body)
			return err
		}

		summary := map[string]any{
			"url":         resp.URL,
			"status":      resp.Status,
			"flags":       resp.Flags,
			"body_bytes":  len(resp.Body),
			"remote_addr": resp.RemoteAddr,
			"meta":        resp.Meta,
			"stats":       h.Stats(),
		}
		out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(summary, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	fetchCmd.Flags().BoolVar(&fetchFlags.browser, "browser", false, "render through the browser path")
	fetchCmd.Flags().StringVar(&fetchFlags.contextName, "context", "default", "browser context name")
	fetchCmd.Flags().DurationVar(&fetchFlags.navTimeout, "nav-timeout", 0, "navigation timeout override")
	fetchCmd.Flags().StringVar(&fetchFlags.screenshot, "screenshot", "", "write a full-page screenshot to this path (implies --browser)")
	fetchCmd.Flags().StringVar(&fetchFlags.pdf, "pdf", "", "write a PDF of the page to this path (implies --browser)")
	fetchCmd.Flags().BoolVar(&fetchFlags.printBody, "body", false, "print the response body instead of the summary")
	rootCmd.AddCommand(fetchCmd)
}
