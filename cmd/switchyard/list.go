package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/inventory"
)

func newListCmd(v *viper.Viper) *cobra.Command {
	var (
		backend string
		kind    string
		filter  string
		refresh bool
	)

	cmd := &cobra.Command{
		Use:       "list hosts|guests",
		Short:     "List hosts or guests across backends",
		ValidArgs: []string{"hosts", "guests"},
		Long: `List hosts or guests from every configured backend, or from one.

Backends are queried in parallel. A backend that cannot be reached is
reported as a warning and the others are still listed.

Filters are comma separated key=value pairs. A bare value matches names:
  --filter web                       names or ids containing "web"
  --filter power=Running,host=esx01  running guests on host esx01`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			recordKind, err := parseRecordKind(args[0])
			if err != nil {
				return err
			}
			f, err := parseFilter(filter)
			if err != nil {
				return err
			}
			var backendKind v1alpha1.BackendKind
			if kind != "" {
				if backendKind, err = v1alpha1.ParseBackendKind(kind); err != nil {
					return err
				}
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, v)
			if err != nil {
				return err
			}
			defer closeApp(a, &err)

			var (
				records []inventory.Records
				failed  map[string]error
			)
			if backend != "" {
				get := a.cache.Get
				if refresh {
					get = a.cache.Refresh
				}
				r, err := get(ctx, backend, recordKind, f)
				if err != nil {
					return fmt.Errorf("failed to list %s on %s: %w", args[0], backend, err)
				}
				records = []inventory.Records{r}
			} else {
				records, failed = a.cache.List(ctx, backendKind, recordKind, f, refresh)
			}

			names := make([]string, 0, len(failed))
			for name := range failed {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s: %v\n", name, failed[name])
			}
			if len(records) == 0 && len(failed) > 0 {
				return fmt.Errorf("no backend answered")
			}

			var out string
			if recordKind == v1alpha1.RecordHost {
				out, err = a.formatter.FormatHosts(records)
			} else {
				out, err = a.formatter.FormatGuests(records)
			}
			if err != nil {
				return fmt.Errorf("failed to format output: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().StringVar(&backend, "backend", "", "List only this backend instance")
	cmd.Flags().StringVar(&kind, "kind", "", "List only backends of this kind")
	cmd.Flags().StringVar(&filter, "filter", "", "Filter records: name, power=<state>, host=<id>")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Bypass the inventory cache")
	return cmd
}

func parseRecordKind(s string) (v1alpha1.RecordKind, error) {
	switch strings.ToLower(s) {
	case "host", "hosts":
		return v1alpha1.RecordHost, nil
	case "guest", "guests", "vm", "vms":
		return v1alpha1.RecordGuest, nil
	}
	return "", fmt.Errorf("unknown record kind %q: expected hosts or guests", s)
}

func parseFilter(s string) (v1alpha1.Filter, error) {
	var f v1alpha1.Filter
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, val, ok := strings.Cut(part, "=")
		if !ok {
			f.Name = part
			continue
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "name":
			f.Name = val
		case "power", "state":
			f.Power = val
		case "host", "hostid":
			f.HostID = val
		default:
			return v1alpha1.Filter{}, fmt.Errorf("unknown filter key %q: expected name, power or host", k)
		}
	}
	return f, nil
}
