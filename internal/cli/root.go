package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Shimano02/Iida-clinic/internal/bus"
	"github.com/Shimano02/Iida-clinic/internal/config"
	"github.com/Shimano02/Iida-clinic/internal/protocol"
	"github.com/spf13/cobra"
)

// Client is the slice of the bus the CLI needs.
type Client interface {
	RequestJSON(ctx context.Context, subject string, req, resp any) error
	Replay(ctx context.Context, subject string, limit int) ([][]byte, error)
	Subscribe(subject string, fn func(data []byte)) (func() error, error)
	Close()
}

type Dependencies struct {
	Out     io.Writer
	Logger  *slog.Logger
	Timeout time.Duration
	// Connect dials the daemon; replaced in tests.
	Connect func(ctx context.Context, configPath string) (Client, error)

	configPath string
}

// DialBus connects to the bus named by the config file and KARTE_* env.
func DialBus(logger *slog.Logger) func(ctx context.Context, configPath string) (Client, error) {
	return func(ctx context.Context, configPath string) (Client, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		c, err := bus.Connect(ctx, cfg.Bus, "karte-cli", logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func NewRootCmd(deps *Dependencies) *cobra.Command {
	if deps.Timeout <= 0 {
		deps.Timeout = protocol.DefaultRequestTimeout
	}
	rootCmd := &cobra.Command{
		Use:           "karte",
		Short:         "Control the consultation recorder",
		Long:          "Record a consultation, follow the live transcript, generate the medical record and export it.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&deps.configPath, "config", "c", "", "Path to configuration file")
	rootCmd.SetOut(deps.Out)

	rootCmd.AddCommand(
		newActionCmd(deps, "start", "Start recording", protocol.SubjectStart),
		newActionCmd(deps, "stop", "Stop recording", protocol.SubjectStop),
		newActionCmd(deps, "reset", "Discard the stopped recording", protocol.SubjectReset),
		newActionCmd(deps, "process", "Generate the medical record from the recording", protocol.SubjectProcess),
		newActionCmd(deps, "status", "Show the session", protocol.SubjectStatus),
		newSaveCmd(deps),
		newPatientCmd(deps),
		newRecordCmd(deps),
		newRecordsCmd(deps),
		newExportCmd(deps),
		newTranscriptCmd(deps),
		newWatchCmd(deps),
		newDoctorCmd(deps),
	)
	return rootCmd
}

// request sends one control request and fails on a negative reply.
func request(ctx context.Context, deps *Dependencies, subject string, req any) (protocol.Reply, error) {
	client, err := deps.Connect(ctx, deps.configPath)
	if err != nil {
		return protocol.Reply{}, err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, deps.Timeout)
	defer cancel()
	var reply protocol.Reply
	if err := client.RequestJSON(ctx, subject, req, &reply); err != nil {
		return protocol.Reply{}, err
	}
	return reply, nil
}
