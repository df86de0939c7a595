package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/clawtalk/clawtalk/pkg/abbrev"
	"github.com/clawtalk/clawtalk/pkg/decoder"
	"github.com/clawtalk/clawtalk/pkg/dictionary"
	"github.com/clawtalk/clawtalk/pkg/encoder"
	"github.com/clawtalk/clawtalk/pkg/macro"
)

func (a *app) encodeCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "encode [text...]",
		Short: "Encode natural language as a CT/1 wire message",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := input(cmd, args)
			if err != nil {
				return err
			}
			res := encoder.Encode(text)
			if !asJSON {
				_, err = fmt.Fprintln(a.stdout, res.Wire)
				return err
			}
			enc := json.NewEncoder(a.stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"wire":       res.Wire,
				"intent":     res.Intent,
				"action":     res.Action,
				"confidence": res.Confidence,
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print classification details as JSON")
	return cmd
}

func (a *app) decodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode [wire...]",
		Short: "Render CT/1 wire messages as plain English",
		Long:  "Each input line is decoded on its own. Lines that are not wire text are printed unchanged.",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := input(cmd, args)
			if err != nil {
				return err
			}
			for _, line := range strings.Split(text, "\n") {
				if strings.TrimSpace(line) == "" {
					continue
				}
				if _, err := fmt.Fprintln(a.stdout, decoder.DecodeText(strings.TrimSpace(line))); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func (a *app) expandCmd() *cobra.Command {
	return &cobra.Command{
		Use:   `expand 'NAME(key="value", ...)'`,
		Short: "Expand a dictionary macro into wire text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			call := strings.Join(args, " ")
			inv, ok := macro.ParseInvocation(call)
			if !ok {
				return usageError{fmt.Errorf("not a macro invocation: %s", call)}
			}
			d := dictionary.Load(a.cfg.Dictionary.Path)
			out, err := macro.ExpandText(d, inv.Name, inv.Args)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.stdout, out)
			return err
		},
	}
}

func (a *app) dictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dict",
		Short: "Inspect and edit the macro dictionary",
	}
	load := func() *dictionary.Dictionary { return dictionary.Load(a.cfg.Dictionary.Path) }
	save := func(d *dictionary.Dictionary) error {
		if a.cfg.Dictionary.Path == "" {
			return fmt.Errorf("no dictionary path configured")
		}
		if a.cfg.Dictionary.MaxMacros > 0 {
			d.EvictLRU(a.cfg.Dictionary.MaxMacros)
		}
		return dictionary.Save(d, a.cfg.Dictionary.Path)
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List macros with their parameters and usage",
		RunE: func(*cobra.Command, []string) error {
			d := load()
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintf(tw, "NAME\tPARAMS\tUSES\tDESCRIPTION\n")
			for _, name := range d.MacroNames() {
				m, _ := d.Macro(name)
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", name, strings.Join(m.ParamNames, ","), m.UsageCount, m.Description)
			}
			return tw.Flush()
		},
	}

	show := &cobra.Command{
		Use:   "show NAME",
		Short: "Print one macro as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			m, ok := load().Macro(args[0])
			if !ok {
				return fmt.Errorf("%w: %s", macro.ErrUnknownMacro, dictionary.CanonicalName(args[0]))
			}
			enc := json.NewEncoder(a.stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(m)
		},
	}

	var description string
	add := &cobra.Command{
		Use:   "add NAME TEMPLATE",
		Short: "Add or replace a macro",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			d := load()
			if err := d.AddMacro(args[0], dictionary.Macro{Template: args[1], Description: description, AddedBy: "cli"}); err != nil {
				return err
			}
			if err := save(d); err != nil {
				return err
			}
			_, err := fmt.Fprintf(a.stdout, "added %s (version %d)\n", dictionary.CanonicalName(args[0]), d.Version())
			return err
		},
	}
	add.Flags().StringVar(&description, "description", "", "human-readable description")

	remove := &cobra.Command{
		Use:   "remove NAME",
		Short: "Delete a macro",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			d := load()
			if !d.RemoveMacro(args[0]) {
				return fmt.Errorf("%w: %s", macro.ErrUnknownMacro, dictionary.CanonicalName(args[0]))
			}
			return save(d)
		},
	}

	var reverse bool
	compress := &cobra.Command{
		Use:   "compress [text...]",
		Short: "Apply dictionary abbreviations to text",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := input(cmd, args)
			if err != nil {
				return err
			}
			d := load()
			if reverse {
				text = abbrev.Expand(text, d)
			} else {
				text = abbrev.Compress(text, d)
			}
			_, err = fmt.Fprintln(a.stdout, text)
			return err
		},
	}
	compress.Flags().BoolVar(&reverse, "expand", false, "expand abbreviations instead")

	cmd.AddCommand(list, show, add, remove, compress)
	return cmd
}
