package cli

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Shimano02/Iida-clinic/internal/capability"
	"github.com/Shimano02/Iida-clinic/internal/protocol"
	"github.com/spf13/cobra"
)

func newDoctorCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the runtimes on the bus and what they support",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := request(cmd.Context(), deps, protocol.SubjectRuntimes, struct{}{})
			if err != nil {
				return err
			}
			if !reply.OK {
				return errors.New(reply.Error)
			}
			f := NewFormatter(deps.Out)
			if len(reply.Runtimes) == 0 {
				f.Error("no runtime has announced itself")
				return nil
			}
			for _, rt := range reply.Runtimes {
				f.Check(rt.ID, rt.Healthy, "last seen "+rt.LastSeen.Local().Format(time.TimeOnly))
				for _, name := range []string{"capture", "live-transcript", "waveform", "medical-record", "export"} {
					f.Check("  "+name, capability.WithCapability(name)(rt), describe(rt, name))
				}
			}
			return nil
		},
	}
}

func describe(rt protocol.Runtime, name string) string {
	for _, c := range rt.Capabilities {
		if c.Name != name {
			continue
		}
		keys := make([]string, 0, len(c.Attributes))
		for k := range c.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", k, c.Attributes[k]))
		}
		return strings.Join(parts, " ")
	}
	return "not available"
}
