package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"colonytally/internal/core"
	"colonytally/pkg/aggregate"
	"colonytally/pkg/domain"
)

var errDriftFound = errors.New("aggregate drift found")

// decodeFile reads a JSON document keeping numbers as json.Number.
func decodeFile(path string, v any) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied path
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func newLoadCmd(opts *rootOptions) *cobra.Command {
	var recordsPath string
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Create records from a JSON array, maintaining aggregates as they land",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var records []domain.Record
			if err := decodeFile(recordsPath, &records); err != nil {
				return err
			}
			return withEnv(cmd, opts, func(e *env) error {
				created := 0
				for _, r := range records {
					if _, _, err := e.svc.CreateRecord(cmd.Context(), r); err != nil {
						return fmt.Errorf("record %d (%s %q): %w", created, r.Type, r.ID, err)
					}
					created++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "loaded %d records\n", created)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&recordsPath, "records", "", "JSON array of records")
	_ = cmd.MarkFlagRequired("records")
	return cmd
}

// eventInput is the JSON form of one child lifecycle event.
type eventInput struct {
	Action aggregate.Action `json:"action"`
	Source string           `json:"source"`
	Before *domain.Record   `json:"before,omitempty"`
	After  *domain.Record   `json:"after,omitempty"`
}

func (in eventInput) event() (aggregate.Event, error) {
	ev := aggregate.Event{Action: in.Action, Source: in.Source}
	if in.Before != nil {
		ev.Before = *in.Before
	}
	if in.After != nil {
		ev.After = *in.After
	}
	switch {
	case in.Source == "":
		return ev, errors.New("event has no source")
	case in.Action == aggregate.ActionCreate && in.After == nil,
		in.Action == aggregate.ActionDelete && in.Before == nil,
		in.Action == aggregate.ActionUpdate && (in.Before == nil || in.After == nil):
		return ev, fmt.Errorf("%s event is missing a snapshot", in.Action)
	case in.Action != aggregate.ActionCreate && in.Action != aggregate.ActionDelete && in.Action != aggregate.ActionUpdate:
		return ev, fmt.Errorf("unknown action %q", in.Action)
	}
	return ev, nil
}

func newPlanCmd(opts *rootOptions) *cobra.Command {
	var eventsPath string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the aggregate plans a batch of independent events would produce",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var inputs []eventInput
			if err := decodeFile(eventsPath, &inputs); err != nil {
				return err
			}
			events := make([]aggregate.Event, 0, len(inputs))
			for i, in := range inputs {
				ev, err := in.event()
				if err != nil {
					return fmt.Errorf("event %d: %w", i, err)
				}
				events = append(events, ev)
			}
			return withEnv(cmd, opts, func(e *env) error {
				plans, err := e.svc.Plan(cmd.Context(), events)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), plans)
			})
		},
	}
	cmd.Flags().StringVar(&eventsPath, "events", "", "JSON array of events")
	_ = cmd.MarkFlagRequired("events")
	return cmd
}

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute every aggregate and report stored values that drifted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, opts, func(e *env) error {
				drifts, err := e.svc.Verify(cmd.Context())
				if err != nil {
					return err
				}
				if drifts == nil {
					drifts = []core.Drift{}
				}
				if err := writeJSON(cmd.OutOrStdout(), drifts); err != nil {
					return err
				}
				if len(drifts) > 0 {
					return errDriftFound
				}
				return nil
			})
		},
	}
}

type refreshOutput struct {
	Record      domain.Record    `json:"record"`
	Corrections []aggregate.Plan `json:"corrections"`
}

func newRefreshCmd(opts *rootOptions) *cobra.Command {
	var ref aggregate.ParentRef
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Recompute every aggregate stored on one parent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, opts, func(e *env) error {
				rec, res, err := e.svc.Refresh(cmd.Context(), ref)
				if err != nil {
					return err
				}
				out := refreshOutput{Record: rec, Corrections: res.Plans}
				if out.Corrections == nil {
					out.Corrections = []aggregate.Plan{}
				}
				return writeJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().StringVar(&ref.Type, "type", "", "parent entity type")
	cmd.Flags().StringVar(&ref.ID, "id", "", "parent record id")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
