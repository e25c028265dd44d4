package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"me.sttot/gclb-cert/src/services"
	"me.sttot/gclb-cert/src/utils"
)

const (
	projectFlag         = "project"
	regionFlag          = "region"
	storePathFlag       = "store-path"
	credentialsFileFlag = "credentials-file"
	credentialsJSONFlag = "credentials-json"
	endpointFlag        = "endpoint"
	pollIntervalFlag    = "poll-interval"
	pollTimeoutFlag     = "poll-timeout"
	debugFlag           = "debug"
)

func main() {
	defer utils.FlushLogger()

	if err := newRootCommand().Execute(); err != nil {
		utils.ErrorLog("%v", err)
		utils.FlushLogger()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "gclb-cert",
		Short:        "Manage TLS certificates of Google Cloud load balancers",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// 参数使用连字符，环境变量使用下划线
			viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
			viper.AutomaticEnv()
			if err := viper.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			utils.InitLogger(viper.GetBool(debugFlag))
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(projectFlag, "", "Google Cloud project that owns the certificates")
	flags.String(regionFlag, "", "Region of the certificates and proxies, empty for global resources")
	flags.String(storePathFlag, "", "Alternative to --project/--region in the form project[/region]")
	flags.String(credentialsFileFlag, "", "Path to a service account JSON key, application default credentials are used when empty")
	flags.String(credentialsJSONFlag, "", "Service account JSON key content, takes precedence over --credentials-file")
	flags.String(endpointFlag, "", "Override the Compute Engine API endpoint (disables authentication)")
	flags.Duration(pollIntervalFlag, services.DefaultPollInterval, "Interval between long-running operation status checks")
	flags.Duration(pollTimeoutFlag, services.DefaultPollTimeout, "Maximum time to wait for a long-running operation")
	flags.Bool(debugFlag, false, "Enable debug logging")
	_ = flags.MarkHidden(endpointFlag)
	cmd.SetGlobalNormalizationFunc(wordSepNormalizeFunc)

	cmd.AddCommand(
		newRotateCommand(),
		newRemoveCommand(),
		newInventoryCommand(),
		newSyncCommand(),
	)
	return cmd
}

// wordSepNormalizeFunc 参数名中的下划线视为连字符
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	if strings.Contains(name, "_") {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	}
	return pflag.NormalizedName(name)
}
