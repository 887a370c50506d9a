package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/arloliu/go-iec104/cs104"
	"github.com/arloliu/go-iec104/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func monitorCmd(opts *rootOptions) *cobra.Command {
	var (
		listen       string
		pingKind     string
		pingInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Stream the telegrams of a station and serve link metrics",
		Long: `monitor keeps a link to the station open, logs every received telegram and serves

  /metrics     Prometheus metrics of the link
  /state       link state, sequence counters and outstanding commands as JSON
  /telegrams   websocket feed, one JSON object per telegram`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := &opts.cfg
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			if cmd.Flags().Changed("ping") {
				kind, err := parsePingKind(pingKind)
				if err != nil {
					return err
				}
				cfg.PingKind = kind
			}
			if cmd.Flags().Changed("ping-interval") {
				cfg.PingInterval = pingInterval
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			return runMonitor(ctx, opts)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", ":9104", "HTTP listen address")
	cmd.Flags().StringVar(&pingKind, "ping", "test", "keep-alive kind: test, ack, connect, idle")
	cmd.Flags().DurationVar(&pingInterval, "ping-interval", 10*time.Second, "keep-alive interval")

	return cmd
}

type monitor struct {
	client *cs104.Client
	hub    *telegramHub
	log    logger.Logger
}

func runMonitor(ctx context.Context, opts *rootOptions) error {
	cfg := opts.cfg
	log := opts.log

	client, reader, err := opts.newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	m := &monitor{client: client, hub: newTelegramHub(log), log: log}
	defer m.hub.close()

	client.AddStateHandler(func(prev, cur cs104.ConnState) {
		log.Info("link state changed", "prev", prev, "state", cur)
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	for _, c := range client.Metrics().Collectors("iec104", prometheus.Labels{"station": cfg.Address}) {
		reg.MustRegister(c)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           m.routes(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", "address", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		if err := reader.Run(); err != nil {
			log.Error("reader stopped", "error", err)
		}
	}()
	go m.pump(reader)

	if err := client.Open(false); err != nil {
		return err
	}

	if cfg.PingInterval > 0 {
		if err := client.Pinger(cfg.PingKind, cfg.PingInterval).Start(); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-srvErr:
		return err
	}

	_ = client.Close()
	<-readerDone

	return nil
}

// pump logs and broadcasts telegrams until the reader closes the channel.
func (m *monitor) pump(reader *cs104.Reader) {
	for {
		select {
		case ev := <-reader.RestartEvents():
			m.log.Info("connection (re)started", "epoch", ev.Epoch, "first", ev.First)

		case a, ok := <-reader.Telegrams():
			if !ok {
				return
			}

			m.log.Info("telegram", "asdu", a.String())
			m.hub.broadcast(newTelegramView(a, time.Now()))
		}
	}
}

func (m *monitor) routes(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/state", m.handleState)
	r.Get("/telegrams", m.hub.ServeHTTP)

	return r
}

type stateView struct {
	State       string                 `json:"state"`
	Sequence    *cs104.SequenceState   `json:"sequence,omitempty"`
	Pending     []cs104.PendingCommand `json:"pending"`
	Subscribers int                    `json:"subscribers"`
	Reconnects  uint64                 `json:"reconnects"`
	Retries     uint32                 `json:"connect_retries"`
}

func (m *monitor) handleState(w http.ResponseWriter, _ *http.Request) {
	metrics := m.client.Metrics()
	view := stateView{
		State:       m.client.State().String(),
		Pending:     m.client.Pending(),
		Subscribers: m.hub.size(),
		Reconnects:  metrics.ReconnectCount.Load(),
		Retries:     metrics.ConnRetryGauge.Load(),
	}
	if seq, ok := m.client.Sequence(); ok {
		view.Sequence = &seq
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(view); err != nil {
		m.log.Debug("write state", "error", err)
	}
}
