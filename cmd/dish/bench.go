package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ironfang-ltd/go-dish"
	"github.com/spf13/cobra"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure Deliver throughput between two in-process nodes",
	Long: `Starts a receiving node listening on the chosen transport and a sending node in
the same process, joins them and runs concurrent deliveries.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		transport, _ := cmd.Flags().GetString("transport")
		total, _ := cmd.Flags().GetInt("n")
		workers, _ := cmd.Flags().GetInt("c")
		size, _ := cmd.Flags().GetInt("size")
		if workers < 1 || total < 1 {
			return fmt.Errorf("-n and -c must be positive")
		}
		return bench(cmd, transport, total, workers, size)
	},
}

func init() {
	rootCmd.AddCommand(benchCmd)

	benchCmd.Flags().String("transport", "tcp", "Transport: tcp, quic, websocket or local")
	benchCmd.Flags().IntP("n", "n", 10000, "Total deliveries")
	benchCmd.Flags().IntP("c", "c", 16, "Concurrent senders")
	benchCmd.Flags().Int("size", 64, "Binary message size in bytes")
}

// benchTarget starts the receiving side and returns the description to
// join plus a cleanup function.
func benchTarget(transport string, server *dish.Node, local *dish.LocalNetwork, opts []dish.Option) (string, func(), error) {
	switch transport {
	case "tcp":
		ln, err := dish.ListenTCP("127.0.0.1:0", server.Accept, opts...)
		if err != nil {
			return "", nil, err
		}
		ln.Start()
		return ln.Description(), func() { ln.Close() }, nil
	case "quic":
		ln, err := dish.ListenQUIC("127.0.0.1:0", server.Accept, opts...)
		if err != nil {
			return "", nil, err
		}
		ln.Start()
		return ln.Description(), func() { ln.Close() }, nil
	case "websocket":
		nl, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return "", nil, err
		}
		ws := dish.NewWebSocketServer(server.Accept, opts...)
		srv := &http.Server{Handler: ws}
		go srv.Serve(nl)
		return "ws://" + nl.Addr().String() + "/", func() { ws.Close(); srv.Close() }, nil
	case "local":
		ln, err := local.Listen("bench", server.Accept, opts...)
		if err != nil {
			return "", nil, err
		}
		return ln.Description(), func() { ln.Close() }, nil
	default:
		return "", nil, fmt.Errorf("unknown transport %q", transport)
	}
}

func bench(cmd *cobra.Command, transport string, total, workers, size int) error {
	var received atomic.Int64
	receiver := dish.ReceiverFunc(func(ctx context.Context, d dish.Delivery) error {
		received.Add(1)
		return nil
	})

	local := dish.NewLocalNetwork()
	logger := slog.Default()

	serverOpts := []dish.Option{dish.WithName("bench-server"), dish.WithLogger(logger)}
	serverRepo := dish.NewConnectionRepository(serverOpts...)
	server := dish.NewNode(serverRepo, receiver, serverOpts...)

	description, cleanup, err := benchTarget(transport, server, local, serverOpts)
	if err != nil {
		return err
	}
	defer cleanup()

	clientOpts := []dish.Option{dish.WithName("bench-client"), dish.WithLogger(logger)}
	repo := dish.NewConnectionRepository(clientOpts...).
		Add(local.Factory(clientOpts...)).
		AddAll(dish.SupportedConnections(clientOpts...)...)
	client := dish.NewNode(repo, nil, clientOpts...)

	ctx := context.Background()
	if err := client.Join(ctx, description); err != nil {
		return err
	}
	defer client.Close(ctx)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "dish bench\n")
	fmt.Fprintf(out, "  transport:  %s (%s)\n", transport, description)
	fmt.Fprintf(out, "  deliveries: %d\n", total)
	fmt.Fprintf(out, "  senders:    %d\n", workers)
	fmt.Fprintf(out, "  size:       %d bytes\n\n", size)

	payload := dish.BinaryMessage(make([]byte, size))
	target := dish.NewAddress()

	var (
		next      atomic.Int64
		failures  atomic.Int64
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, total)
		wg        sync.WaitGroup
	)

	cpuStart := sampleCPU()
	start := time.Now()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mine := make([]time.Duration, 0, total/workers+1)
			for next.Add(1) <= int64(total) {
				t := time.Now()
				if err := client.Deliver(ctx, description, dish.NewDelivery(target, payload)); err != nil {
					failures.Add(1)
					continue
				}
				mine = append(mine, time.Since(t))
			}
			mu.Lock()
			latencies = append(latencies, mine...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	cpu := sampleCPU().since(cpuStart)

	slices.Sort(latencies)
	fmt.Fprintf(out, "=== SUMMARY ===\n")
	fmt.Fprintf(out, "  Duration:   %s\n", elapsed.Truncate(time.Millisecond))
	fmt.Fprintf(out, "  Delivered:  %d\n", len(latencies))
	fmt.Fprintf(out, "  Received:   %d\n", received.Load())
	fmt.Fprintf(out, "  Failures:   %d\n", failures.Load())
	fmt.Fprintf(out, "  Throughput: %.0f deliveries/s\n", float64(len(latencies))/elapsed.Seconds())
	fmt.Fprintf(out, "  Latency:    p50=%s  p99=%s  max=%s\n",
		percentile(latencies, 0.50), percentile(latencies, 0.99), percentile(latencies, 1))
	fmt.Fprintf(out, "  CPU time:   %s user + %s sys (%.1f cores)\n",
		cpu.user.Truncate(time.Millisecond), cpu.system.Truncate(time.Millisecond),
		cpu.total().Seconds()/elapsed.Seconds())
	return nil
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)-1) * p)
	return sorted[i]
}
