package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ent0n29/taskpulse/internal/capture"
	"github.com/ent0n29/taskpulse/internal/validation"
)

type auditFailedError struct {
	err error
}

func (e *auditFailedError) Error() string { return "audit failed: " + e.err.Error() }
func (e *auditFailedError) Unwrap() error { return e.err }

type validateOptions struct {
	format           string
	requireFromStart bool
	requireTerminal  bool
	allowRedelivery  bool
}

func newValidateCmd() *cobra.Command {
	var opts validateOptions
	cmd := &cobra.Command{
		Use:   "validate <capture-file>...",
		Short: "Validate one or more capture files",
		Long:  "Reads capture files (plain JSON lines or .zst compressed), merges their streams and reports every ordering, lifecycle and isolation violation.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format := strings.ToLower(strings.TrimSpace(opts.format))
			switch format {
			case "text", "json", "yaml":
			default:
				return fmt.Errorf("invalid --format %q (expected text|json|yaml)", opts.format)
			}

			var streams []validation.Stream
			for _, path := range args {
				loaded, err := capture.ReadFile(path)
				if err != nil {
					return err
				}
				streams = append(streams, loaded...)
			}

			report := validation.Audit(streams, validation.Options{
				RequireFromStart: opts.requireFromStart,
				RequireTerminal:  opts.requireTerminal,
				AllowRedelivery:  opts.allowRedelivery,
			})
			if err := writeReport(cmd.OutOrStdout(), format, report); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			if !report.Passed {
				return &auditFailedError{err: report.Err()}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.format, "format", "text", "report format: text, json or yaml")
	cmd.Flags().BoolVar(&opts.requireFromStart, "require-from-start", false, "flag tasks whose first observed event is not seq 1")
	cmd.Flags().BoolVar(&opts.requireTerminal, "require-terminal", false, "flag tasks that never reached completed or error")
	cmd.Flags().BoolVar(&opts.allowRedelivery, "allow-redelivery", false, "ignore at-least-once redelivery of already seen events")
	return cmd
}

func writeReport(w io.Writer, format string, report validation.Report) error {
	if report.Violations == nil {
		report.Violations = []validation.Violation{}
	}
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return err
		}
		return enc.Close()
	}

	result := "PASSED"
	if !report.Passed {
		result = "FAILED"
	}
	if _, err := fmt.Fprintf(w, "streams: %d  consumers: %d  tasks: %d  events: %d\nresult: %s\n",
		report.Streams, report.Consumers, report.Tasks, report.Events, result); err != nil {
		return err
	}
	for _, v := range report.Violations {
		if _, err := fmt.Fprintf(w, "  - %s\n", v.Error()); err != nil {
			return err
		}
	}
	return nil
}
