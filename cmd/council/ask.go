package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mohammad-safakhou/council/internal/attachment"
	"github.com/mohammad-safakhou/council/internal/council"
	"github.com/spf13/cobra"
)

// askCMD runs one council in the terminal without persistence. Ctrl-C
// cancels the run the same way a disconnecting client does.
func askCMD(cfgPath *string) *cobra.Command {
	var agents []string
	var chairman string
	var files []string
	var raw bool

	var ask = &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask the council a question and print its deliberation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			var uploads []attachment.Attachment
			for _, path := range files {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				uploads = append(uploads, attachment.New(path, "", data))
			}
			query := strings.Join(args, " ")
			req := council.Request{
				Query:    attachment.AugmentQuery(query, uploads),
				Agents:   agents,
				Chairman: chairman,
				Flag:     council.NewFlag(),
			}
			go func() {
				<-ctx.Done()
				req.Flag.Set()
			}()

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			var failed error
			for ev := range a.orchestrator(nil).Stream(cmd.Context(), req) {
				if raw {
					_ = enc.Encode(ev)
				} else {
					printEvent(out, ev)
				}
				if ev.Type == council.EventError {
					failed = fmt.Errorf("council run failed: %s", ev.Message)
				}
			}
			return failed
		},
	}
	ask.Flags().StringSliceVar(&agents, "agents", nil, "agents to consult (default council.models)")
	ask.Flags().StringVar(&chairman, "chairman", "", "chairman agent (default council.chairman)")
	ask.Flags().StringSliceVarP(&files, "file", "f", nil, "attach a file to the question")
	ask.Flags().BoolVar(&raw, "json", false, "print raw events as JSON lines")
	return ask
}

func printEvent(w io.Writer, ev council.Event) {
	switch ev.Type {
	case council.EventStage1Start:
		if s, ok := ev.Data.(council.StageStart); ok {
			fmt.Fprintf(w, "Stage 1: consulting %d agents\n", s.Total)
		}
	case council.EventStage1Progress:
		if p, ok := ev.Data.(council.Progress); ok {
			fmt.Fprintf(w, "  [%d/%d] %s answered\n", p.Completed, p.Total, p.Model)
		}
	case council.EventStage2Start:
		fmt.Fprintln(w, "Stage 2: peer ranking")
	case council.EventStage2Complete:
		if ev.Metadata != nil {
			for i, r := range ev.Metadata.AggregateRankings {
				fmt.Fprintf(w, "  %d. %s (score %d, avg rank %.2f)\n", i+1, r.Model, r.Score, r.AverageRank)
			}
		}
	case council.EventStage3Start:
		fmt.Fprintln(w, "Stage 3: chairman synthesis")
	case council.EventStage3Complete:
		if r, ok := ev.Data.(council.Stage3Result); ok {
			fmt.Fprintf(w, "\n%s:\n%s\n", r.Model, r.Response)
		}
	case council.EventCancelled, council.EventError:
		fmt.Fprintf(w, "%s: %s\n", ev.Type, ev.Message)
	}
}
