package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	rcchat "github.com/rcchat/rcchat/sdk/golang"
)

var (
	listenMetricsAddr string
	listenOpen        string
)

func init() {
	listenCmd.Flags().StringVar(&listenMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	listenCmd.Flags().StringVar(&listenOpen, "open", "", "Treat this chat as open: its messages do not alert")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Stay connected and print incoming activity",
	Long:  "Connect to the event channel, print presence and typing activity, and ring the terminal bell for new messages.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		sess, release, err := signedInSession(ctx, sessionOptions{
			registerer: reg,
			sink:       rcchat.NewTerminalSink(os.Stdout),
		})
		if err != nil {
			return err
		}
		defer release()

		if listenMetricsAddr != "" {
			srv := &http.Server{
				Addr:              listenMetricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
				}
			}()
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			fmt.Printf("Serving metrics on %s/metrics\n", listenMetricsAddr)
		}

		engine := sess.Engine()
		if err := engine.LoadChatList(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Could not refresh chats: %v\n", err)
		}
		if listenOpen != "" {
			engine.SetOpenConversation(listenOpen)
		}

		sub := sess.Realtime().Subscribe(64)
		defer sub.Unsubscribe()
		if err := sess.Connect(ctx); err != nil {
			return err
		}
		fmt.Println("Listening. Press Ctrl+C to stop.")

		for {
			select {
			case <-ctx.Done():
				fmt.Println()
				return nil
			case ev, ok := <-sub.C:
				if !ok {
					return nil
				}
				printEvent(os.Stdout, engine.State(), ev)
			}
		}
	},
}

// printEvent writes presence and typing activity. Messages reach the
// terminal through the notification sink.
func printEvent(w io.Writer, st *rcchat.State, ev rcchat.Event) {
	name := func(id string) string {
		if u, ok := st.User(id); ok {
			return u.DisplayName()
		}
		return id
	}
	ts := time.Now().Format("15:04:05")
	switch ev.Kind {
	case rcchat.EventConnected:
		fmt.Fprintf(w, "[%s] connected\n", ts)
	case rcchat.EventDisconnected:
		fmt.Fprintf(w, "[%s] disconnected: %v\n", ts, ev.Err)
	case rcchat.EventUserOnline:
		fmt.Fprintf(w, "[%s] %s is online\n", ts, name(ev.UserID))
	case rcchat.EventUserOffline:
		fmt.Fprintf(w, "[%s] %s went offline\n", ts, name(ev.UserID))
	case rcchat.EventTyping:
		fmt.Fprintf(w, "[%s] %s is typing...\n", ts, name(ev.UserID))
	}
}
