package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawtalk/clawtalk/pkg/clawtalk"
	"github.com/clawtalk/clawtalk/pkg/decoder"
	"github.com/clawtalk/clawtalk/pkg/hooks"
	"github.com/clawtalk/clawtalk/pkg/tpc"
	"github.com/clawtalk/clawtalk/pkg/tpc/waveform"
)

func (a *app) tpcCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tpc",
		Short: "Send and receive agent messages over the TPC transport",
	}
	cmd.AddCommand(a.tpcSendCmd(), a.tpcRecvCmd(), a.tpcStatusCmd())
	return cmd
}

// withRuntime runs fn against an initialized stack and closes it afterwards.
func (a *app) withRuntime(ctx context.Context, fn func(*clawtalk.Stack) error) (err error) {
	s, err := a.stack(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, s.Close(context.WithoutCancel(ctx)))
	}()
	if err := s.Initialize(ctx); err != nil {
		return err
	}
	return fn(s)
}

func (a *app) tpcSendCmd() *cobra.Command {
	var from, to string
	var text bool
	cmd := &cobra.Command{
		Use:   "send --from AGENT --to AGENT [message...]",
		Short: "Send a wire or natural-language message to another agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := input(cmd, args)
			if err != nil {
				return err
			}
			return a.withRuntime(cmd.Context(), func(s *clawtalk.Stack) error {
				out, err := s.Hooks.SendAgentMessage(cmd.Context(), hooks.AgentMessage{From: from, To: to, Text: msg, DisableTPC: text})
				if err != nil {
					return err
				}
				if out.Transport == hooks.TransportText {
					_, err = fmt.Fprintf(a.stdout, "text %s\n", out.Text)
					return err
				}
				_, err = fmt.Fprintf(a.stdout, "tpc nonce=%s key=%s mode=%s bytes=%d\n",
					out.Receipt.Nonce, out.Receipt.KeyID, out.Receipt.Mode, out.Receipt.Bytes)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sending agent")
	cmd.Flags().StringVar(&to, "to", "", "receiving agent")
	cmd.Flags().BoolVar(&text, "text", false, "force plain text for this message")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func (a *app) tpcRecvCmd() *cobra.Command {
	var as string
	var wait time.Duration
	var follow, raw bool
	cmd := &cobra.Command{
		Use:   "recv --as AGENT",
		Short: "Receive messages addressed to an agent",
		Long: "Without --wait only pending messages are read. With --follow the command keeps " +
			"listening, reloading the config file when it changes, until interrupted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return a.withRuntime(ctx, func(s *clawtalk.Stack) error {
				if follow && a.configPath != "" {
					w, err := s.Watch(ctx, a.configPath)
					if err != nil {
						return err
					}
					defer w.Close()
				}
				for {
					in, err := a.receiveOne(ctx, s, as, wait, follow)
					switch {
					case follow && errors.Is(err, tpc.ErrTimeout):
						continue
					case follow && ctx.Err() != nil:
						return nil
					case err != nil:
						return err
					case in == nil:
						return fmt.Errorf("no pending messages for %s", as)
					}
					if err := a.printInbound(in, raw); err != nil {
						return err
					}
					if !follow {
						return nil
					}
				}
			})
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "receiving agent")
	cmd.Flags().DurationVar(&wait, "wait", 0, "how long to wait for a message (capped by max_message_age)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep receiving until interrupted")
	cmd.Flags().BoolVar(&raw, "raw", false, "print the wire payload instead of the English rendering")
	_ = cmd.MarkFlagRequired("as")
	return cmd
}

func (a *app) receiveOne(ctx context.Context, s *clawtalk.Stack, as string, wait time.Duration, block bool) (*hooks.Inbound, error) {
	if wait <= 0 && !block {
		d, err := s.Runtime.TryReceive(ctx, as)
		if err != nil || d == nil {
			return nil, err
		}
		text := string(d.Payload)
		if d.Message != nil {
			text = decoder.Decode(d.Message)
		}
		return &hooks.Inbound{Delivery: d, Text: text}, nil
	}
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	return s.Hooks.ReceiveAgentMessage(ctx, as)
}

func (a *app) printInbound(in *hooks.Inbound, raw bool) error {
	text := in.Text
	if raw {
		text = string(in.Delivery.Payload)
	}
	_, err := fmt.Fprintf(a.stdout, "[%s] %s\n", in.Delivery.Envelope.Sender, text)
	return err
}

func (a *app) tpcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Initialize the runtime and report its state as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.stack(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close(context.WithoutCancel(cmd.Context()))
			initErr := s.Initialize(cmd.Context())

			cfg := s.Runtime.Config()
			status := map[string]any{
				"enabled":   cfg.Enabled,
				"mode":      cfg.Mode,
				"state":     s.Runtime.State(),
				"deadDrop":  cfg.DeadDropPath,
				"parityLen": cfg.ParityLen,
				"breaker":   s.Runtime.Breaker().Snapshot(),
			}
			if initErr != nil {
				status["error"] = initErr.Error()
			}
			enc := json.NewEncoder(a.stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(status); err != nil {
				return err
			}
			return initErr
		},
	}
}

func (a *app) wavCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wav",
		Short: "Modulate and demodulate AFSK WAV files",
	}
	var profile, out string

	encode := &cobra.Command{
		Use:   "encode [text...]",
		Short: "Modulate text into a WAV file",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := input(cmd, args)
			if err != nil {
				return err
			}
			p, err := waveform.ParamsForMode(profile)
			if err != nil {
				return usageError{err}
			}
			wav, err := waveform.EncodeToWav([]byte(text), p)
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err = a.stdout.Write(wav)
				return err
			}
			return os.WriteFile(out, wav, 0o600)
		},
	}
	encode.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")

	decode := &cobra.Command{
		Use:   "decode [file]",
		Short: "Demodulate a WAV file and print its payload",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := waveform.ParamsForMode(profile)
			if err != nil {
				return usageError{err}
			}
			var data []byte
			if len(args) == 0 || args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			payload, err := waveform.DecodeFromWav(data, p)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.stdout, string(payload))
			return err
		},
	}

	profiles := &cobra.Command{
		Use:   "profiles",
		Short: "List the built-in modulation profiles",
		RunE: func(*cobra.Command, []string) error {
			for _, name := range waveform.Profiles() {
				p, _ := waveform.ParamsForMode(name)
				if _, err := fmt.Fprintf(a.stdout, "%-11s %4d baud  mark %6.0f Hz  space %6.0f Hz  %d Hz\n",
					p.Name, p.BaudRate, p.MarkHz, p.SpaceHz, p.SampleRate); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&profile, "profile", "p", waveform.ProfileAudible, "modulation profile")
	cmd.AddCommand(encode, decode, profiles)
	return cmd
}
