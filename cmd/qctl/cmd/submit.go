package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"qplane/internal/workflow"
	"qplane/pkg/api"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a workflow for execution",
	Long: `Submit a workflow definition and start executing it.

The workflow file is a JSON document describing the stage DAG: each stage
names its kind (compile, quantum or classical), its dependencies, and its
inputs and outputs. The orchestrator validates the DAG before admitting it.

Example:
  qctl submit --file workflow.json
  qctl submit --file workflow.json --name "vqe-run" --priority 75 --deadline 1800`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		file, _ := flags.GetString("file")
		name, _ := flags.GetString("name")
		priority, _ := flags.GetInt("priority")
		deadline, _ := flags.GetInt("deadline")

		url := viper.GetString("url")

		if file == "" {
			cmd.Println("Error: --file is required")
			return
		}

		data, err := os.ReadFile(file)
		if err != nil {
			cmd.Printf("Failed to read workflow file: %v\n", err)
			return
		}

		var ir workflow.IR
		if err := json.Unmarshal(data, &ir); err != nil {
			cmd.Printf("Failed to parse workflow file: %v\n", err)
			return
		}
		if name != "" {
			ir.Name = name
		}

		client := NewJobClient(url)
		result, err := client.SubmitJob(api.SubmitJobRequest{
			Name:            ir.Name,
			IR:              ir,
			Priority:        priority,
			DeadlineSeconds: deadline,
		})
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Submit failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Submit failed: %v\n", err)
			}
			return
		}

		cmd.Printf("✓ Workflow submitted!\nJob ID: %s\n", result.JobID)
	},
}

func init() {
	flags := submitCmd.Flags()
	flags.StringP("file", "f", "", "Path to the workflow JSON file (required)")
	flags.StringP("name", "n", "", "Job name (overrides the workflow file name)")
	flags.IntP("priority", "p", 50, "Job priority between 0 and 100")
	flags.Int("deadline", 0, "Job wall-clock deadline in seconds (optional)")

	rootCmd.AddCommand(submitCmd)
}
