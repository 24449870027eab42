package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/skynet-lkas/lkas-sim/pkg/bus"
	actionCmd "github.com/skynet-lkas/lkas-sim/pkg/cmd/action"
	configCmd "github.com/skynet-lkas/lkas-sim/pkg/cmd/configdump"
	detectorCmd "github.com/skynet-lkas/lkas-sim/pkg/cmd/detector"
	paramCmd "github.com/skynet-lkas/lkas-sim/pkg/cmd/param"
	runCmd "github.com/skynet-lkas/lkas-sim/pkg/cmd/run"
	shmCmd "github.com/skynet-lkas/lkas-sim/pkg/cmd/shminspect"
	simCmd "github.com/skynet-lkas/lkas-sim/pkg/cmd/simserve"
	viewerCmd "github.com/skynet-lkas/lkas-sim/pkg/cmd/viewer"
	"github.com/skynet-lkas/lkas-sim/pkg/config"
	"github.com/skynet-lkas/lkas-sim/version"
)

const envPrefix = "LKAS"

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "lkas-sim",
	Short:   "Lane keeping simulation orchestrator",
	Long:    ``,
	Version: version.FullVersion,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:funlen // flag definitions
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is $HOME/.lkas-sim.yml)")

	rootCmd.PersistentFlags().StringVar(&config.LogLevel,
		"log-level",
		"info",
		"controls the log level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().StringVar(&config.LogFormat,
		"log-format",
		"text",
		"controls the log output format (json, text)")
	rootCmd.PersistentFlags().StringVar(&config.LogFilter,
		"log-filter",
		"",
		"zapfilter rules, e.g. '*:* -debug:orchestrator.roundtrip'")
	rootCmd.PersistentFlags().StringVar(&config.NatsURL,
		"nats-url",
		"nats://localhost:4222",
		"URL of the nats server")
	rootCmd.PersistentFlags().StringVar(&config.Transport,
		"transport",
		"nats",
		"pub-sub transport (nats, local)")
	rootCmd.PersistentFlags().StringVar(&config.TopicPrefix,
		"topic-prefix",
		bus.DefaultPrefix,
		"subject prefix of all topics")
	rootCmd.PersistentFlags().StringVar(&config.StatusBucket,
		"status-bucket",
		"",
		"jetstream key value bucket keeping the latest status (empty: disabled)")
	rootCmd.PersistentFlags().StringVar(&config.WaitForServices,
		"wait-for-services",
		"15s",
		"Duration to wait for other services to be ready")
	rootCmd.PersistentFlags().BoolVar(&config.EnableTelemetry,
		"enable-telemetry",
		false,
		"enables telemetry")
	rootCmd.PersistentFlags().StringVar(&config.TelemetryEndpoint,
		"telemetry-endpoint",
		"localhost:4317",
		"Endpoint that receives open telemetry data (stdout prints to console)")
	rootCmd.PersistentFlags().IntVar(&config.ProfilingPort,
		"profiling-port",
		0,
		"port to use for providing profiling data")

	// add commands here
	rootCmd.AddCommand(runCmd.NewRunCmd())
	rootCmd.AddCommand(detectorCmd.NewDetectorCmd())
	rootCmd.AddCommand(actionCmd.NewActionCmd())
	rootCmd.AddCommand(paramCmd.NewParamCmd())
	rootCmd.AddCommand(viewerCmd.NewViewerCmd())
	rootCmd.AddCommand(shmCmd.NewShmCmd())
	rootCmd.AddCommand(configCmd.NewConfigCmd())
	rootCmd.AddCommand(simCmd.NewSimCmd())
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".lkas-sim" (without extension).
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".lkas-sim")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	bindCommandTree(rootCmd, viper.GetViper())
}

func bindCommandTree(cmd *cobra.Command, v *viper.Viper) {
	bindFlags(cmd, v)
	for _, sub := range cmd.Commands() {
		bindCommandTree(sub, v)
	}
}

// Bind each cobra flag to its associated viper configuration
// (config file and environment variable)
func bindFlags(cmd *cobra.Command, v *viper.Viper) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		// Environment variables can't have dashes in them, so bind them to their
		// equivalent keys with underscores, e.g. --nats-url to LKAS_NATS_URL
		if strings.Contains(f.Name, "-") {
			envVarSuffix := strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
			if err := v.BindEnv(f.Name,
				fmt.Sprintf("%s_%s", envPrefix, envVarSuffix)); err != nil {
				fmt.Fprintf(os.Stderr, "Could not bind env var %s: %v", f.Name, err)
			}
		}
		// Apply the viper config value to the flag when the flag is not set and viper
		// has a value
		if !f.Changed && v.IsSet(f.Name) {
			val := v.Get(f.Name)
			if err := cmd.Flags().Set(f.Name, fmt.Sprintf("%v", val)); err != nil {
				fmt.Fprintf(os.Stderr, "Could set flag value for %s: %v", f.Name, err)
			}
		}
	})
}
