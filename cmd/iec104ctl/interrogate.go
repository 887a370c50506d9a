package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/arloliu/go-iec104/asdu"
	"github.com/arloliu/go-iec104/cs104"
	"github.com/spf13/cobra"
)

func interrogateCmd(opts *rootOptions) *cobra.Command {
	var (
		commonAddr uint16
		qoi        uint8
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "interrogate",
		Short: "Run a station interrogation and print the answer",
		Long: `interrogate sends an interrogation command (C_IC_NA_1) to the station and prints
the confirmation followed by every interrogated telegram as JSON, until the station
terminates the interrogation or the timeout expires.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("ca") {
				commonAddr = opts.cfg.CommonAddr
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			return runInterrogate(ctx, opts, cmd.OutOrStdout(), commonAddr, qoi, timeout)
		},
	}

	cmd.Flags().Uint16Var(&commonAddr, "ca", 1, "common address of the station")
	cmd.Flags().Uint8Var(&qoi, "qoi", asdu.QOIStation, "qualifier of interrogation, 20 for the whole station")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "bound for the whole interrogation")

	return cmd
}

func runInterrogate(ctx context.Context, opts *rootOptions, out io.Writer, ca uint16, qoi uint8, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, reader, err := opts.newClient(ctx, cs104.WithAutoReconnect(false))
	if err != nil {
		return err
	}
	defer client.Close()

	go func() {
		if err := reader.Run(); err != nil {
			opts.log.Error("reader stopped", "error", err)
		}
	}()

	if err := client.Open(false); err != nil {
		return err
	}
	if err := client.WaitActive(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", opts.cfg.Address, err)
	}

	out = &syncWriter{w: out}
	cmd := asdu.ParamsWide.InterrogationCmd(ca, qoi)

	// the answer may arrive before Command returns, so collect it concurrently
	collected := make(chan error, 1)
	go func() { collected <- printInterrogation(ctx, out, reader, ca) }()

	reply, err := client.Command(ctx, cmd)
	if err != nil {
		return fmt.Errorf("interrogation: %w", err)
	}

	enc := json.NewEncoder(out)
	if err := enc.Encode(newTelegramView(reply, time.Now())); err != nil {
		return err
	}

	if reply.Negative {
		return fmt.Errorf("interrogation rejected by station: %s", reply.Cause)
	}

	return <-collected
}

// printInterrogation prints the telegrams of common address ca until the interrogation
// is terminated.
func printInterrogation(ctx context.Context, out io.Writer, reader *cs104.Reader, ca uint16) error {
	enc := json.NewEncoder(out)

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errors.New("interrogation not terminated within timeout")
			}

			return ctx.Err()

		case a, ok := <-reader.Telegrams():
			if !ok {
				return cs104.ErrConnClosed
			}

			if a.CommonAddr != ca {
				continue
			}

			if err := enc.Encode(newTelegramView(a, time.Now())); err != nil {
				return err
			}

			if a.Type == asdu.C_IC_NA_1 && a.Cause == asdu.ActivationTerm {
				return nil
			}
		}
	}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.w.Write(p)
}
