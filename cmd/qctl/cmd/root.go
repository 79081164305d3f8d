package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "qctl",
	Short: "Qctl is a command line tool for interacting with the qplane orchestrator",
	Long: `qctl is the command-line interface for the qplane hybrid workflow orchestrator.

qplane executes workflows that mix quantum circuit stages with classical
pre/post-processing stages. A workflow is a DAG of stages; the orchestrator
compiles circuit sources, schedules quantum stages onto devices from the
catalog, retries transient failures with backoff, and checkpoints completed
stages so interrupted jobs can resume.

Common workflows:

  Submit a workflow definition:
    qctl submit --file workflow.json --name "vqe-run" --priority 75

  Check job status:
    qctl status <job-id>

  Cancel a running job:
    qctl cancel <job-id>

  Stream the job event feed:
    qctl events <job-id> --follow

Configuration:
  Set the API endpoint via environment variables or a config file:
    QPLANE_URL    API endpoint (default: http://localhost:7171)`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".qctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".qctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "QPLANE_VARNAME"
	viper.SetEnvPrefix("QPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.qctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:7171", "qplane orchestrator URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
}
