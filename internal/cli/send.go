package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lattiq/mailpool"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a message to one or more recipients",
	Long: `Send a message through the configured servers. Recipients come from --to
and/or a file with one address per line (blank lines and # comments are
ignored).`,
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringSlice("to", nil, "Recipient address (repeatable)")
	sendCmd.Flags().String("recipients", "", "File with one recipient per line")
	sendCmd.Flags().String("subject", "", "Message subject")
	sendCmd.Flags().String("text", "", "Plain text body")
	sendCmd.Flags().String("html", "", "HTML body")
	sendCmd.Flags().String("sender-name", "", "Display name overriding the server default")
	sendCmd.Flags().Int("concurrency", 0, "Concurrent sends (0 uses the configured value)")
}

type sendReport struct {
	Total   int                    `json:"total"`
	Sent    int                    `json:"sent"`
	Failed  int                    `json:"failed"`
	Results []*mailpool.SendResult `json:"results"`
	Errors  []sendFailure          `json:"errors,omitempty"`
}

type sendFailure struct {
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func runSend(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	to, err := flags.GetStringSlice("to")
	if err != nil {
		return err
	}
	file, err := flags.GetString("recipients")
	if err != nil {
		return err
	}
	subject, _ := flags.GetString("subject")
	text, _ := flags.GetString("text")
	html, _ := flags.GetString("html")
	senderName, _ := flags.GetString("sender-name")
	concurrency, err := flags.GetInt("concurrency")
	if err != nil {
		return err
	}
	if concurrency < 0 {
		return errors.New("concurrency must not be negative")
	}

	recipients := append([]string(nil), to...)
	if file != "" {
		fromFile, err := readRecipients(file)
		if err != nil {
			return err
		}
		recipients = append(recipients, fromFile...)
	}
	if len(recipients) == 0 {
		return errors.New("no recipients: use --to or --recipients")
	}

	var opts []mailpool.Option
	if concurrency > 0 {
		opts = append(opts, mailpool.WithBatchConcurrency(concurrency))
	}
	coord, logger, err := newCoordinator(opts...)
	if err != nil {
		return err
	}
	defer coord.Close() // nolint:errcheck // shutdown errors are logged by the coordinator

	msg := &mailpool.Message{Subject: subject, TextBody: text, HTMLBody: html}
	results, sendErr := coord.SendBatch(cmd.Context(), msg, recipients, senderName)

	var batchErr *mailpool.BatchError
	if sendErr != nil && !errors.As(sendErr, &batchErr) {
		return sendErr
	}

	report := sendReport{Total: len(recipients)}
	for _, r := range results {
		if r != nil {
			report.Results = append(report.Results, r)
		}
	}
	if batchErr != nil {
		for _, item := range batchErr.Errors {
			report.Errors = append(report.Errors, sendFailure{
				Recipient: item.Recipient,
				Error:     item.Error.Error(),
				Retryable: mailpool.IsRetryable(item.Error),
			})
		}
	}
	report.Failed = len(report.Errors)
	report.Sent = report.Total - report.Failed

	logger.Info("send finished", zap.Int("sent", report.Sent), zap.Int("failed", report.Failed))

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d messages failed", report.Failed, report.Total)
	}
	return nil
}

func readRecipients(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close() // nolint:errcheck // best-effort cleanup on read-only file

	var out []string
	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		if !mailpool.ValidAddress(raw) {
			return nil, fmt.Errorf("invalid recipient on line %d: %q", line, raw)
		}
		out = append(out, raw)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
