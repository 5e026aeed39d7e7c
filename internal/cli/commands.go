package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Shimano02/Iida-clinic/internal/protocol"
	"github.com/Shimano02/Iida-clinic/internal/records"
	"github.com/spf13/cobra"
)

func newActionCmd(deps *Dependencies, use, short, subject string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := request(cmd.Context(), deps, subject, struct{}{})
			if err != nil {
				return err
			}
			return printReply(deps, reply)
		},
	}
}

func newSaveCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Save the current medical record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := request(cmd.Context(), deps, protocol.SubjectSave, struct{}{})
			if err != nil {
				return err
			}
			if err := printReply(deps, reply); err != nil {
				return err
			}
			fmt.Fprintf(deps.Out, "record id: %d\n", reply.RecordID)
			return nil
		},
	}
}

func newPatientCmd(deps *Dependencies) *cobra.Command {
	var p protocol.Patient
	cmd := &cobra.Command{
		Use:   "patient",
		Short: "Set the patient information sent with the recording",
		Long:  "Change the given patient fields; fields without a flag keep their current value.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var edit protocol.PatientEdit
			flags := cmd.Flags()
			if flags.Changed("name") {
				edit.Name = &p.Name
			}
			if flags.Changed("id") {
				edit.ID = &p.ID
			}
			if flags.Changed("age") {
				edit.Age = &p.Age
			}
			if flags.Changed("gender") {
				edit.Gender = &p.Gender
			}
			if edit == (protocol.PatientEdit{}) {
				return errors.New("no patient fields given")
			}
			reply, err := request(cmd.Context(), deps, protocol.SubjectPatient, edit)
			if err != nil {
				return err
			}
			return printReply(deps, reply)
		},
	}
	cmd.Flags().StringVar(&p.Name, "name", "", "Patient name")
	cmd.Flags().StringVar(&p.ID, "id", "", "Patient ID")
	cmd.Flags().StringVar(&p.Age, "age", "", "Age")
	cmd.Flags().StringVar(&p.Gender, "gender", "", "Gender")
	return cmd
}

func newRecordCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "record <field> <value>",
		Short: "Edit one field of the current medical record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := (records.Record{}).Get(args[0]); err != nil {
				return err
			}
			edit := protocol.RecordEdit{Field: args[0], Value: args[1]}
			reply, err := request(cmd.Context(), deps, protocol.SubjectRecord, edit)
			if err != nil {
				return err
			}
			return printReply(deps, reply)
		},
	}
}

func newRecordsCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "records",
		Short: "List saved medical records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := request(cmd.Context(), deps, protocol.SubjectRecords, struct{}{})
			if err != nil {
				return err
			}
			if !reply.OK {
				return errors.New(reply.Error)
			}
			NewFormatter(deps.Out).Records(reply.Records)
			return nil
		},
	}
}

func newExportCmd(deps *Dependencies) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "export [id...]",
		Short: "Export saved records to an Excel workbook",
		Long:  "Export the selected record ids, or every saved record when none are given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := protocol.ExportRequest{}
			for _, a := range args {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid record id %q", a)
				}
				req.IDs = append(req.IDs, id)
			}
			reply, err := request(cmd.Context(), deps, protocol.SubjectExport, req)
			if err != nil {
				return err
			}
			if !reply.OK {
				return errors.New(reply.Error)
			}
			path := filepath.Join(dir, reply.FileName)
			if err := os.WriteFile(path, reply.Data, 0o644); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			NewFormatter(deps.Out).Success("exported " + path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "Directory to write the workbook to")
	return cmd
}

func newTranscriptCmd(deps *Dependencies) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "transcript",
		Short: "Show recent live transcript updates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := deps.Connect(cmd.Context(), deps.configPath)
			if err != nil {
				return err
			}
			defer client.Close()

			payloads, err := client.Replay(cmd.Context(), protocol.SubjectTranscript, limit)
			if err != nil {
				return err
			}
			lines := make([]protocol.Transcript, 0, len(payloads))
			for _, data := range payloads {
				var tr protocol.Transcript
				if err := json.Unmarshal(data, &tr); err != nil {
					continue
				}
				lines = append(lines, tr)
			}
			NewFormatter(deps.Out).Transcript(lines)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of updates to show")
	return cmd
}

func printReply(deps *Dependencies, reply protocol.Reply) error {
	f := NewFormatter(deps.Out)
	if reply.Status != nil {
		f.Status(*reply.Status)
	}
	if !reply.OK {
		return errors.New(reply.Error)
	}
	return nil
}
