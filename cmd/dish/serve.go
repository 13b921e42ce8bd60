package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ironfang-ltd/go-dish"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a node",
	Long:  `Starts a node with the configured listeners, joins the configured peers and logs every delivery it receives until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := serveConfig(cmd)
		if err != nil {
			return err
		}
		if err := dish.InitLogger(cfg.Log.Level, cfg.Log.Format); err != nil {
			return err
		}
		return serve(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("config", "", "Path to a YAML config file")
	serveCmd.Flags().String("tcp", "", "TCP listen address")
	serveCmd.Flags().String("quic", "", "QUIC listen address")
	serveCmd.Flags().String("ws", "", "WebSocket listen address")
	serveCmd.Flags().String("admin", "", "Admin HTTP listen address")
	serveCmd.Flags().StringSlice("peer", nil, "Peer description to join (repeatable)")
}

// serveConfig loads the config file, if any, and applies flag overrides.
func serveConfig(cmd *cobra.Command) (dish.Config, error) {
	cfg := dish.DefaultConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := dish.LoadConfig(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("name") {
		cfg.Name, _ = flags.GetString("name")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Log.Format, _ = flags.GetString("log-format")
	}
	if flags.Changed("tcp") {
		cfg.Listen.TCP, _ = flags.GetString("tcp")
	}
	if flags.Changed("quic") {
		cfg.Listen.QUIC, _ = flags.GetString("quic")
	}
	if flags.Changed("ws") {
		cfg.Listen.WebSocket, _ = flags.GetString("ws")
	}
	if flags.Changed("admin") {
		cfg.Admin, _ = flags.GetString("admin")
	}
	if flags.Changed("peer") {
		peers, _ := flags.GetStringSlice("peer")
		cfg.Peers = append(cfg.Peers, peers...)
	}
	return cfg, cfg.Validate()
}

func serve(cfg dish.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := dish.NewMetrics(reg)

	opts := append(cfg.Options(), dish.WithMetrics(metrics), dish.WithLogger(slog.Default()))
	repo := dish.NewConnectionRepository(opts...).AddAll(dish.SupportedConnections(opts...)...)

	receiver := dish.ReceiverFunc(func(ctx context.Context, d dish.Delivery) error {
		slog.Info("delivery received", "uuid", d.UUID, "receiver", d.Receiver, "message", d.Message.String())
		return nil
	})
	node := dish.NewNode(repo, receiver, opts...)

	var closers []func() error

	if cfg.Listen.TCP != "" {
		ln, err := dish.ListenTCP(cfg.Listen.TCP, node.Accept, opts...)
		if err != nil {
			return err
		}
		ln.Start()
		closers = append(closers, ln.Close)
		slog.Info("listening", "description", ln.Description())
	}
	if cfg.Listen.QUIC != "" {
		ln, err := dish.ListenQUIC(cfg.Listen.QUIC, node.Accept, opts...)
		if err != nil {
			return err
		}
		ln.Start()
		closers = append(closers, ln.Close)
		slog.Info("listening", "description", ln.Description())
	}
	if cfg.Listen.WebSocket != "" {
		wsLn, err := net.Listen("tcp", cfg.Listen.WebSocket)
		if err != nil {
			return err
		}
		ws := dish.NewWebSocketServer(node.Accept, opts...)
		mux := http.NewServeMux()
		mux.Handle(cfg.Listen.WebSocketPath, ws)
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(wsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("websocket server error", "error", err)
			}
		}()
		closers = append(closers, ws.Close, srv.Close)
		slog.Info("listening", "description", fmt.Sprintf("ws://%s%s", wsLn.Addr(), cfg.Listen.WebSocketPath))
	}
	if cfg.Admin != "" {
		as, err := dish.NewAdminServer(node, cfg.Admin, reg)
		if err != nil {
			return err
		}
		as.Start()
		closers = append(closers, func() error { as.Stop(); return nil })
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, p := range cfg.Peers {
		joinCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Dial+cfg.Timeouts.Handshake+cfg.Timeouts.Transmit)
		if err := node.Join(joinCtx, p); err != nil {
			slog.Warn("join failed", "description", p, "error", err)
		}
		cancel()
	}

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := node.Close(shutdownCtx); err != nil {
		slog.Warn("leave failed", "error", err)
	}
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	return nil
}
