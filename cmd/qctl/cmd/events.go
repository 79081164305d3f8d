package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"qplane/pkg/api"
)

var follow bool

var eventsCmd = &cobra.Command{
	Use:   "events [job_id]",
	Short: "Stream the event feed for a job",
	Long: `Print the ordered event feed for a job: lifecycle transitions, per-stage
progress, retries and checkpoints. With --follow the command polls for new
events until interrupted.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		jobID := args[0]
		url := viper.GetString("url")

		// Trap Ctrl+C to exit gracefully
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			<-sigChan
			os.Exit(0)
		}()

		client := NewJobClient(url)
		var lastSeq int64 = 0

		for {
			events, err := client.GetEvents(jobID, lastSeq)
			if err != nil {
				cmd.Printf("Error fetching events: %v\n", err)
				if !follow {
					break
				}
				time.Sleep(2 * time.Second) // Retry backoff
				continue
			}

			for _, ev := range events {
				cmd.Println(formatEvent(ev))
				if ev.Seq > lastSeq {
					lastSeq = ev.Seq
				}
			}

			if !follow {
				break
			}

			time.Sleep(1 * time.Second)
		}
	},
}

func formatEvent(ev api.JobEvent) string {
	line := fmt.Sprintf("%s#%-4d%s %s  %-16s", colorDim, ev.Seq, colorReset, ev.At.Format("15:04:05"), ev.Type)
	if ev.StageID != "" {
		line += fmt.Sprintf(" stage=%s", ev.StageID)
	}
	if ev.State != "" {
		line += fmt.Sprintf(" state=%s", colorizeState(ev.State))
	}
	if ev.Cause != "" {
		line += fmt.Sprintf(" %scause=%s%s", colorRed, ev.Cause, colorReset)
	}
	return line
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Poll for new events")
}
