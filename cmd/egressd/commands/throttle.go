package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/busybox42/egressd/cmd/egressd/client"
	"github.com/busybox42/egressd/internal/api"
	"github.com/busybox42/egressd/internal/engine"
	"github.com/busybox42/egressd/internal/throttle"
)

func newThrottleCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "throttle",
		Short: "Inspect throttles",
	}

	var (
		quantity uint64
		apiURL   string
		asJSON   bool
	)
	check := &cobra.Command{
		Use:   "check <spec> <key>",
		Short: "Consume from a throttle and report the decision",
		Long: `Consume quantity units of key under spec, for example "100/min" or
"local:10/s,max_burst=20". The configured throttle store is used unless
--api-url points the check at a running server.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := throttle.ParseSpec(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			var resp *api.ThrottleCheckResponse
			if apiURL != "" {
				resp, err = client.NewClient(apiURL).ThrottleCheck(ctx, api.ThrottleCheckRequest{
					Key:      args[1],
					Spec:     args[0],
					Quantity: quantity,
				})
			} else {
				resp, err = checkLocal(ctx, opts, spec, args[1], quantity)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			state := "admitted"
			if resp.Throttled {
				state = "throttled"
			}
			fmt.Fprintf(out, "%s %s: %s (limit %d, remaining %d, reset after %s",
				resp.Key, resp.Spec, state, resp.Limit, resp.Remaining, seconds(resp.ResetAfter))
			if resp.Throttled {
				fmt.Fprintf(out, ", retry after %s", seconds(resp.RetryAfter))
			}
			fmt.Fprintln(out, ")")
			return nil
		},
	}
	check.Flags().Uint64VarP(&quantity, "quantity", "n", 1, "units to consume")
	check.Flags().StringVar(&apiURL, "api-url", "", "admin API to run the check against")
	check.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	cmd.AddCommand(check)
	return cmd
}

func checkLocal(ctx context.Context, opts *options, spec throttle.Spec, key string, quantity uint64) (*api.ThrottleCheckResponse, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	shared, err := engine.OpenThrottleStore(cfg)
	if err != nil {
		return nil, err
	}
	registry := throttle.NewRegistry(throttle.NewMemoryStore(), shared)
	defer registry.Close()

	if quantity == 0 {
		quantity = 1
	}
	res, err := registry.CheckQuantity(ctx, key, spec, quantity)
	if err != nil {
		return nil, err
	}
	return &api.ThrottleCheckResponse{
		Key:        key,
		Spec:       spec.String(),
		Throttled:  res.Throttled,
		Limit:      res.Limit,
		Remaining:  res.Remaining,
		ResetAfter: res.ResetAfter.Seconds(),
		RetryAfter: res.RetryAfter.Seconds(),
	}, nil
}

func seconds(s float64) string {
	return time.Duration(s * float64(time.Second)).Round(time.Millisecond).String()
}
