package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	braum "github.com/braumchat/braumchat/sdk/golang"
)

var (
	tailMetricsAddr   string
	tailNotifications bool
)

func init() {
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	tailCmd.Flags().BoolVar(&tailNotifications, "notifications", true, "Also print notifications")
	rootCmd.AddCommand(tailCmd)
}

var tailCmd = &cobra.Command{
	Use:   "tail <endpoint>",
	Short: "Follow a conversation in real time",
	Long: "Print the history of a channel or thread and follow new messages until interrupted.\n" +
		"Endpoints: channel:<workspace>/<channel>, thread:<id> (alias dm:<id>) or notifications.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint, err := braum.ParseEndpoint(args[0])
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		var metrics *braum.Metrics
		if tailMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			metrics = braum.NewMetrics(reg)
			go serveMetrics(ctx, tailMetricsAddr, reg)
		}

		out := &printer{}
		session, err := startSession(ctx, metrics, func(sc *braum.SessionConfig) {
			sc.DisableNotifications = !tailNotifications && endpoint.HasMessages()
			sc.Handlers.OnStateChange = func(e braum.Endpoint, s braum.ConnectionState) {
				out.status("%s %s", e, s)
			}
			sc.Handlers.OnRead = func(e braum.Endpoint, r braum.ReadPayload) {
				out.status("%s read by %s", e, r.UserID)
			}
			sc.Handlers.OnError = func(err error) {
				out.status("error: %v", err)
			}
		})
		if err != nil {
			return err
		}
		defer session.Close()

		session.Notifications().On("", func(n braum.Notification) {
			out.status("notification %s %s", n.Type, strings.TrimSpace(string(n.Payload)))
		})
		fmt.Fprintf(os.Stderr, "Following %s as %s (%s). Press Ctrl-C to stop.\n",
			endpoint, session.User().DisplayName, valueOrDefault(session.cfg.Default.BaseURL, braum.DefaultBaseURL))

		if endpoint.HasMessages() {
			// Subscribe first so the initial history is not missed.
			unsubscribe := session.Stores().Store(endpoint).Subscribe(out.messages)
			defer unsubscribe()
			session.Typing().OnChange(func() {
				if ids := session.Typing().Typing(); len(ids) > 0 {
					out.status("typing: %s", joinIDs(ids))
				}
			})
			if _, err := session.Activate(endpoint); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
		case <-session.done:
			return errors.New("session ended: log in again")
		}
		return nil
	},
}

// liveSession is a started Session plus the config it was built from.
type liveSession struct {
	*braum.Session
	cfg *Config

	// done is closed by OnLogout.
	done chan struct{}
}

// startSession builds an authenticated Session from the effective
// config and starts it. configure may adjust the SessionConfig first.
func startSession(ctx context.Context, metrics *braum.Metrics, configure func(*braum.SessionConfig)) (*liveSession, error) {
	client, supplier, cfg, err := authenticatedClient()
	if err != nil {
		return nil, err
	}
	live := &liveSession{cfg: cfg, done: make(chan struct{})}
	sc := sessionConfig(cfg, metrics)
	if configure != nil {
		configure(&sc)
	}
	onLogout := sc.Handlers.OnLogout
	sc.Handlers.OnLogout = func(cause error) {
		logger.Warn("logged out", "cause", cause)
		if onLogout != nil {
			onLogout(cause)
		}
		close(live.done)
	}
	live.Session = braum.NewSession(client, supplier, sc)

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := live.Start(startCtx); err != nil {
		return nil, fmt.Errorf("cannot start session: %w", err)
	}
	return live, nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "error", err)
	}
}

// printer serializes output from handler goroutines.
type printer struct {
	mu   sync.Mutex
	seen map[braum.ID]bool
}

// messages prints confirmed messages not printed before. Entries that
// arrive out of order are printed when they arrive.
func (p *printer) messages(seq []braum.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen == nil {
		p.seen = make(map[braum.ID]bool)
	}
	for _, m := range seq {
		if m.Optimistic() || p.seen[m.ID] {
			continue
		}
		p.seen[m.ID] = true
		fmt.Println(formatMessage(m))
	}
}

func formatMessage(m braum.Message) string {
	name := valueOrDefault(m.Author.Name(), string(m.UserID))
	return fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04:05"), name, m.Content)
}

func (p *printer) status(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(os.Stderr, "-- "+format+"\n", args...)
}

func joinIDs(ids []braum.ID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}
