package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/Shimano02/Iida-clinic/internal/protocol"
	"github.com/Shimano02/Iida-clinic/internal/waveform"
	"github.com/spf13/cobra"
)

const clearScreen = "\033[H\033[2J"

func newWatchCmd(deps *Dependencies) *cobra.Command {
	var (
		cols, rows int
		showWave   bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the session live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := deps.Connect(cmd.Context(), deps.configPath)
			if err != nil {
				return err
			}
			defer client.Close()

			v := &watchView{formatter: NewFormatter(deps.Out), out: deps.Out}
			if showWave {
				v.surface = waveform.NewTerminalSurface(cols, rows)
			}

			cancelStatus, err := client.Subscribe(protocol.SubjectSessionStatus, v.onStatus)
			if err != nil {
				return err
			}
			defer cancelStatus()
			if showWave {
				cancelWave, err := client.Subscribe(protocol.SubjectWaveformFrame, v.onFrame)
				if err != nil {
					return err
				}
				defer cancelWave()
			}

			if reply, err := request(cmd.Context(), deps, protocol.SubjectStatus, struct{}{}); err == nil && reply.Status != nil {
				v.onStatusValue(*reply.Status)
			}
			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().BoolVarP(&showWave, "waveform", "w", false, "Draw the live waveform (needs waveform.publish_frames)")
	cmd.Flags().IntVar(&cols, "cols", 64, "Waveform width in cells")
	cmd.Flags().IntVar(&rows, "rows", 8, "Waveform height in cells")
	return cmd
}

// watchView redraws the status and waveform as updates arrive.
type watchView struct {
	mu        sync.Mutex
	formatter *Formatter
	out       io.Writer
	surface   *waveform.TerminalSurface
	status    *protocol.Status
}

func (v *watchView) onStatus(data []byte) {
	var st protocol.Status
	if err := json.Unmarshal(data, &st); err != nil {
		return
	}
	v.onStatusValue(st)
}

func (v *watchView) onStatusValue(st protocol.Status) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.status = &st
	v.redrawLocked()
}

func (v *watchView) onFrame(data []byte) {
	var frame protocol.WaveformFrame
	if err := json.Unmarshal(data, &frame); err != nil || v.surface == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	waveform.Draw(v.surface, frame.Bins)
	v.redrawLocked()
}

func (v *watchView) redrawLocked() {
	fmt.Fprint(v.out, clearScreen)
	if v.surface != nil {
		fmt.Fprintln(v.out, v.surface.String())
	}
	if v.status != nil {
		v.formatter.Status(*v.status)
	}
}
