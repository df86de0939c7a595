package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawtalk/clawtalk/pkg/audit"
)

func (a *app) processCmd() *cobra.Command {
	var asJSON, verbose bool
	cmd := &cobra.Command{
		Use:   "process [message...]",
		Short: "Run one user turn through routing, escalation and the LLM",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			text, err := input(cmd, args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := a.stack(ctx)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, s.Close(context.WithoutCancel(ctx))) }()

			res := s.Orchestrator.Process(ctx, text)
			if asJSON {
				out := map[string]any{
					"text":       res.Text,
					"handledBy":  res.HandledBy,
					"escalated":  res.Escalated,
					"reason":     res.Reason,
					"wireLog":    res.WireLog,
					"durationMs": res.Duration.Milliseconds(),
				}
				if res.Err != nil {
					out["error"] = res.Err.Error()
				}
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(out); err != nil {
					return err
				}
				return res.Err
			}
			if verbose {
				for _, line := range res.WireLog {
					_, _ = fmt.Fprintln(a.stderr, line)
				}
				_, _ = fmt.Fprintf(a.stderr, "handled by %v escalated=%t %s\n", res.HandledBy, res.Escalated, res.Duration)
			}
			if res.Err != nil {
				return res.Err
			}
			_, err = fmt.Fprintln(a.stdout, res.Text)
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print the wire log to stderr")
	return cmd
}

func (a *app) auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the audit trail",
	}
	var eventType string
	var since time.Duration
	var limit int
	query := &cobra.Command{
		Use:   "query",
		Short: "Print audit events as JSON lines, newest first",
		Long:  "Events come from the SQL sink when one is configured, otherwise from the JSON-lines file.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := audit.Filter{Type: audit.EventType(eventType), Limit: limit}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			evts, err := a.queryAudit(cmd.Context(), f)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(a.stdout)
			for _, e := range evts {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	query.Flags().StringVar(&eventType, "type", "", "event type, e.g. TPC_SEND or TEXT_FALLBACK")
	query.Flags().DurationVar(&since, "since", 0, "only events newer than this")
	query.Flags().IntVar(&limit, "limit", 0, "maximum number of events")
	cmd.AddCommand(query)
	return cmd
}

func (a *app) queryAudit(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	if a.cfg.Audit.SQLDriver != "" {
		sink, err := audit.OpenSQLSink(ctx, a.cfg.Audit.SQLDriver, a.cfg.Audit.SQLDSN)
		if err != nil {
			return nil, err
		}
		defer sink.Close()
		return sink.Query(ctx, f)
	}
	if a.cfg.Audit.Path == "" {
		return nil, fmt.Errorf("no audit sink configured")
	}
	file, err := os.Open(a.cfg.Audit.Path)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	defer file.Close()

	var evts []audit.Event
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e audit.Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		evts = append(evts, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(evts)-1; i < j; i, j = i+1, j-1 {
		evts[i], evts[j] = evts[j], evts[i]
	}
	if f.Limit > 0 && len(evts) > f.Limit {
		evts = evts[:f.Limit]
	}
	return evts, nil
}
