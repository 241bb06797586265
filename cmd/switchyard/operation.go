package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jbweber/switchyard/api/v1alpha1"
)

type operationFlags struct {
	backend string
	kind    string
	params  []string
	timeout time.Duration
}

func newOperationCmd(v *viper.Viper, kind v1alpha1.RecordKind) *cobra.Command {
	var flags operationFlags

	var verbs []string
	for _, verb := range v1alpha1.AllVerbs {
		if verb.RecordKind() == kind {
			verbs = append(verbs, strings.TrimPrefix(string(verb), string(kind)+"_"))
		}
	}

	cmd := &cobra.Command{
		Use:       string(kind) + " <verb> [target]",
		Short:     fmt.Sprintf("Run a %s lifecycle verb", kind),
		ValidArgs: verbs,
		Long: fmt.Sprintf(`Run a lifecycle verb against a %[1]s on one backend.

Verbs: %[2]s

The backend is chosen with --backend, or with --kind when exactly one
backend of that kind is configured. Verb specific arguments are passed
with repeated --param key=value flags.

Examples:
  switchyard %[1]s search --backend vcenter-lab
  switchyard %[1]s stop web-1 --kind xen --timeout 2m`, kind, strings.Join(verbs, ", ")),
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			op, err := buildOperation(kind, args, flags)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, v)
			if err != nil {
				return err
			}
			defer closeApp(a, &err)

			res := a.dispatcher.Submit(ctx, op)
			out, err := a.formatter.FormatResult(res)
			if err != nil {
				return fmt.Errorf("failed to format output: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), out)

			if !res.OK() {
				return res.Err()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.backend, "backend", "", "Backend instance name from the inventory")
	cmd.Flags().StringVar(&flags.kind, "kind", "", "Backend kind: vcenter, hyperv, rhevm, libvirt, xen, kubevirt or ahv")
	cmd.Flags().StringArrayVar(&flags.params, "param", nil, "Verb argument as key=value (repeatable)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "Operation deadline (default 60s for guests, 120s for hosts)")
	return cmd
}

// buildOperation turns "<verb> [target]" into an Operation. The verb may be
// given bare ("stop") or qualified ("guest_stop", "guest-stop").
func buildOperation(kind v1alpha1.RecordKind, args []string, flags operationFlags) (v1alpha1.Operation, error) {
	name := strings.ReplaceAll(strings.ToLower(args[0]), "-", "_")
	if !strings.HasPrefix(name, string(kind)+"_") {
		name = string(kind) + "_" + name
	}
	verb, err := v1alpha1.ParseVerb(name)
	if err != nil {
		return v1alpha1.Operation{}, fmt.Errorf("unknown %s verb %q", kind, args[0])
	}
	if verb.RecordKind() != kind {
		return v1alpha1.Operation{}, fmt.Errorf("%s is not a %s verb", verb, kind)
	}

	var backendKind v1alpha1.BackendKind
	if flags.kind != "" {
		if backendKind, err = v1alpha1.ParseBackendKind(flags.kind); err != nil {
			return v1alpha1.Operation{}, err
		}
	}
	if backendKind == "" && flags.backend == "" {
		return v1alpha1.Operation{}, fmt.Errorf("one of --backend or --kind is required")
	}

	var target string
	if len(args) > 1 {
		target = args[1]
	}

	params, err := parseParams(flags.params)
	if err != nil {
		return v1alpha1.Operation{}, err
	}

	op := v1alpha1.NewOperation(backendKind, verb, target)
	op.Backend = flags.backend
	op.Params = params
	op.Timeout = flags.timeout
	return op, nil
}

func parseParams(raw []string) (map[string]string, error) {
	params := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, val, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q: expected key=value", kv)
		}
		params[k] = val
	}
	return params, nil
}
