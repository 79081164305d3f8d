package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"qplane/pkg/api"
)

var statusCmd = &cobra.Command{
	Use:   "status [job_id]",
	Short: "Get status of a job",
	Long:  `Retrieve detailed status for a job: its lifecycle state (PENDING, COMPILING, QUEUED, RUNNING, DONE, ERROR, CANCELLED, TIMEOUT), the terminal cause code if any, and per-stage progress.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		jobID := args[0]
		url := viper.GetString("url")

		client := NewJobClient(url)
		job, err := client.GetJob(jobID)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Request failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Request failed: %v\n", err)
			}
			return
		}

		printStatus(cmd, job)
	},
}

func printStatus(cmd *cobra.Command, job *api.JobStatusResponse) {
	icon := stateIcon(job.State)
	cmd.Printf("%s %sJob Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s        %s\n", colorDim, colorReset, job.ID)
	if job.Name != "" {
		cmd.Printf("%sName:%s      %s\n", colorDim, colorReset, job.Name)
	}
	cmd.Printf("%sState:%s     %s\n", colorDim, colorReset, colorizeState(job.State))
	cmd.Printf("%sPriority:%s  %d\n", colorDim, colorReset, job.Priority)

	if job.Cause != "" {
		cmd.Printf("%sCause:%s     %s%s%s\n", colorDim, colorReset, colorRed, job.Cause, colorReset)
	}
	if job.DetailsRef != "" {
		cmd.Printf("%sDetails:%s   %s\n", colorDim, colorReset, job.DetailsRef)
	}

	cmd.Printf("%sCreated:%s   %s\n", colorDim, colorReset, formatTimeWithRelative(job.CreatedAt))
	cmd.Printf("%sUpdated:%s   %s\n", colorDim, colorReset, formatTimeWithRelative(job.UpdatedAt))

	if len(job.Stages) > 0 {
		cmd.Printf("\n%sStages%s\n", colorBold, colorReset)
		for _, st := range job.Stages {
			line := fmt.Sprintf("  %-20s %-12s attempt=%d", st.StageID, st.Status, st.Attempt)
			if st.DeviceID != "" {
				line += fmt.Sprintf(" device=%s", st.DeviceID)
			}
			if st.ErrorCause != "" {
				line += fmt.Sprintf(" %scause=%s%s", colorRed, st.ErrorCause, colorReset)
			}
			cmd.Println(line)
		}
	}

	if len(job.Transitions) > 0 {
		cmd.Printf("\n%sTransitions%s\n", colorBold, colorReset)
		for _, tr := range job.Transitions {
			line := fmt.Sprintf("  %s  %s → %s", tr.At.Format("15:04:05"), tr.From, tr.To)
			if tr.Cause != "" {
				line += fmt.Sprintf(" (%s)", tr.Cause)
			}
			cmd.Println(line)
		}
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func stateIcon(state string) string {
	switch state {
	case "DONE":
		return colorGreen + "✓" + colorReset
	case "ERROR", "TIMEOUT":
		return colorRed + "✗" + colorReset
	case "CANCELLED":
		return colorYellow + "⊘" + colorReset
	case "RUNNING", "COMPILING":
		return colorYellow + "⏳" + colorReset
	case "PENDING", "QUEUED":
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeState(state string) string {
	icon := stateIcon(state)
	switch state {
	case "DONE":
		return icon + " " + colorGreen + state + colorReset
	case "ERROR", "TIMEOUT":
		return icon + " " + colorRed + state + colorReset
	case "CANCELLED":
		return icon + " " + colorYellow + state + colorReset
	case "RUNNING", "COMPILING":
		return icon + " " + colorYellow + state + colorReset
	case "PENDING", "QUEUED":
		return icon + " " + colorCyan + state + colorReset
	default:
		return state
	}
}

func formatTimeWithRelative(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relativeTime(t), colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	}
	days := int(duration.Hours() / 24)
	if days == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
