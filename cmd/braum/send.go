package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	braum "github.com/braumchat/braumchat/sdk/golang"
)

var sendWait time.Duration

func init() {
	sendCmd.Flags().DurationVar(&sendWait, "wait", 15*time.Second, "How long to wait for delivery to be confirmed")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <endpoint> <text...>",
	Short: "Send a message and wait until it is confirmed",
	Long: "Send a message to a channel or thread. The message goes over the realtime connection when it\n" +
		"opens in time and over the REST API otherwise; the command returns once the server confirmed it.",
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint, err := braum.ParseEndpoint(args[0])
		if err != nil {
			return err
		}
		if !endpoint.HasMessages() {
			return fmt.Errorf("cannot send to %s", endpoint)
		}
		text := strings.Join(args[1:], " ")

		ctx, stop := signalContext()
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, sendWait)
		defer cancel()

		opened := make(chan struct{}, 1)
		failed := make(chan error, 1)
		session, err := startSession(ctx, nil, func(sc *braum.SessionConfig) {
			sc.DisableNotifications = true
			sc.Handlers.OnStateChange = func(e braum.Endpoint, s braum.ConnectionState) {
				if e == endpoint && s.Phase == braum.PhaseOpen {
					select {
					case opened <- struct{}{}:
					default:
					}
				}
			}
			sc.Handlers.OnError = func(err error) {
				select {
				case failed <- err:
				default:
				}
			}
		})
		if err != nil {
			return err
		}
		defer session.Close()

		store, err := session.Activate(endpoint)
		if err != nil {
			return err
		}

		// Prefer the push path, but do not hold the message back long.
		select {
		case <-opened:
		case <-time.After(3 * time.Second):
			logger.Info("realtime connection not open, sending over REST")
		case <-ctx.Done():
			return ctx.Err()
		}

		if err := session.Submit(ctx, text); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()
		for store.PendingCount() > 0 {
			select {
			case err := <-failed:
				return fmt.Errorf("send failed: %w", err)
			case <-session.done:
				return errors.New("session ended: log in again")
			case <-ctx.Done():
				return fmt.Errorf("delivery not confirmed: %w", ctx.Err())
			case <-tick.C:
			}
		}
		fmt.Println("Sent.")
		return nil
	},
}
