package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [job_id]",
	Short: "Cancel a job",
	Long: `Request cancellation of a job. Cancellation is cooperative: stages already
in flight settle before the job reaches the CANCELLED state, and the command
returns as soon as the request is accepted.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		jobID := args[0]
		url := viper.GetString("url")

		client := NewJobClient(url)
		if err := client.CancelJob(jobID); err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Cancel failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Cancel failed: %v\n", err)
			}
			return
		}

		cmd.Printf("✓ Cancellation requested for job %s\n", jobID)
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
