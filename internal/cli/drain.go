package cli

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/roach88/kbq/internal/metrics"
	"github.com/roach88/kbq/internal/poll"
)

// drainFlags configure the claim loop of job drain and rpc drain.
type drainFlags struct {
	max          int
	exitWhenIdle bool
	metricsAddr  string
}

func (f *drainFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.max, "max", 0, "stop after this many items (0 for no limit)")
	cmd.Flags().BoolVar(&f.exitWhenIdle, "exit-when-idle", false, "stop at the first empty poll")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while draining")
}

// drain runs claim under a rate-limited poller until ctx ends or the
// flags stop it.
func drain(ctx context.Context, opts *RootOptions, s *session, f drainFlags, claim poll.ClaimFunc) (int, error) {
	if f.metricsAddr != "" {
		stop, err := serveMetrics(f.metricsAddr, s)
		if err != nil {
			return 0, err
		}
		defer stop()
	}

	p := poll.New(rate.Limit(opts.Config.Poll.Rate), opts.Config.Poll.Burst, opts.Logger)
	n, err := p.Run(ctx, poll.Options{Max: f.max, StopWhenIdle: f.exitWhenIdle}, claim)
	slog.Info("drain finished", "handled", n)
	return n, err
}

func serveMetrics(addr string, s *session) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to listen on metrics address", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(s.registry))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "error", err)
		}
	}()
	slog.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
