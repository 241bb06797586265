package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/output"
)

func newTestConnCmd(v *viper.Viper) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "test-conn <backend>",
		Short: "Test the connection to a backend",
		Long: `Connect to a backend with its configured credentials and run a health
check over the connection. Dial retries follow the session settings in the
config file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			name := args[0]

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, v)
			if err != nil {
				return err
			}
			defer closeApp(a, &err)

			b, ok := a.dispatcher.Backend(name)
			if !ok {
				return fmt.Errorf("unknown backend %q", name)
			}

			if timeout > 0 {
				var cancelTimeout func()
				ctx, cancelTimeout = context.WithTimeout(ctx, timeout)
				defer cancelTimeout()
			}

			start := time.Now()
			h, connErr := a.dispatcher.TestConnection(ctx, name)
			status := output.ConnectionStatus{
				Backend:  b.Name,
				Kind:     b.Spec.Kind,
				Endpoint: b.Spec.Endpoint,
				State:    v1alpha1.SessionClosed,
				Latency:  time.Since(start),
			}
			if h == nil {
				for _, pooled := range a.sessions.Handles() {
					if pooled.Backend().Name == name {
						h = pooled
					}
				}
			}
			if h != nil {
				status.State = h.State()
				status.Attempts = h.Attempts()
				status.ConnectedAt = h.ConnectedAt()
			}
			if connErr != nil {
				status.Error = connErr.Error()
			}

			out, err := a.formatter.FormatConnection(status)
			if err != nil {
				return fmt.Errorf("failed to format output: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), out)

			if connErr != nil {
				return fmt.Errorf("connection test failed: %w", connErr)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this long (default: no limit beyond the dial attempt limit)")
	return cmd
}
