package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/output"
)

var (
	version = "dev"
	commit  = "unknown"
)

// envPrefix namespaces the environment variables bound to global flags,
// e.g. SWITCHYARD_INVENTORY or SWITCHYARD_LOG_LEVEL.
const envPrefix = "SWITCHYARD"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "switchyard",
		Short: "Switchyard - multi-backend hypervisor dispatch",
		Long: `Switchyard drives hosts and guests on vCenter, Hyper-V, RHEVM, Libvirt,
XEN, KubeVirt and AHV through one set of lifecycle verbs.

Backends are described in an inventory file of Backend resources. Runtime
settings (retries, timeouts, cache TTL, logging, credentials file) come from
an optional config file. Every global flag can also be set through a
SWITCHYARD_ environment variable.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return output.ValidateFormat(v.GetString("output"))
		},
	}

	flags := root.PersistentFlags()
	flags.StringP("output", "o", string(output.FormatTable), "Output format: table, yaml or json")
	flags.Bool("no-headers", false, "Omit the header row in table output")
	flags.String("log-level", "", "Log level: debug, info, warn or error (overrides the config file)")
	flags.String("config", "", "Path to the runtime config file")
	flags.String("inventory", "", "Path to the backend inventory file (overrides the config file)")
	flags.String("metrics-file", "", "Write Prometheus metrics to this file when the command ends")
	_ = v.BindPFlags(flags)

	root.AddCommand(
		newOperationCmd(v, v1alpha1.RecordHost),
		newOperationCmd(v, v1alpha1.RecordGuest),
		newListCmd(v),
		newBackendsCmd(v),
		newTestConnCmd(v),
	)
	return root
}
