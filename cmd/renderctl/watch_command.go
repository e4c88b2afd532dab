package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fasthttp/websocket"
	"github.com/spf13/cobra"

	"github.com/tecnicocursos/render-api/internal/model"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Stream progress until the job finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := ctx.client().streamURL(args[0])
			if err != nil {
				return err
			}
			conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), target, nil)
			if err != nil {
				return fmt.Errorf("open progress stream: %w", err)
			}
			defer conn.Close()

			go func() {
				<-cmd.Context().Done()
				_ = conn.Close()
			}()

			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
						return nil
					}
					return err
				}
				done, err := printStreamMessage(cmd.OutOrStdout(), data, ctx.jsonOut)
				if err != nil || done {
					return err
				}
			}
		},
	}
}

// printStreamMessage writes one stream frame and reports whether it ended the stream.
func printStreamMessage(w io.Writer, data []byte, raw bool) (bool, error) {
	var head model.WSMessage
	if err := json.Unmarshal(data, &head); err != nil {
		return false, fmt.Errorf("decode stream message: %w", err)
	}
	if head.Type == model.WSMessageTypeError {
		var msg model.WSErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return true, err
		}
		return true, errors.New(msg.Error.Code + ": " + msg.Error.Message)
	}

	var ev model.ProgressEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return false, fmt.Errorf("decode progress event: %w", err)
	}
	if raw {
		fmt.Fprintln(w, string(data))
		return ev.Terminal(), nil
	}

	line := fmt.Sprintf("%-9s %3d%%  %s", ev.Status, ev.Progress, stepLabel(string(ev.CurrentStep), ev.StepIndex, ev.TotalSteps))
	if ev.Attempt > 1 {
		line += fmt.Sprintf("  attempt %d", ev.Attempt)
	}
	switch {
	case ev.Output != nil:
		line += "  " + firstNonEmpty(ev.Output.URL, ev.Output.ArtifactRef)
	case ev.Error != nil:
		line += "  " + ev.Error.Message
	}
	fmt.Fprintln(w, line)
	return ev.Terminal(), nil
}
