package cmd

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jmorganca/sdpipe/scheduler"
)

func NewScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Print the timesteps of a scheduler",
		Long:  "Print the timesteps a scheduler runs for a number of steps and a strength, from a scheduler_config.json or a class name with its defaults.",
		Args:  cobra.NoArgs,
		RunE:  scheduleHandler,
	}

	cmd.Flags().String("config", "", "Path to a scheduler_config.json")
	cmd.Flags().String("scheduler", "", "Scheduler class, e.g. EulerDiscreteScheduler")
	cmd.Flags().Int("steps", 50, "Number of inference steps")
	cmd.Flags().Float32("strength", 1, "Fraction of the schedule to run")
	cmd.MarkFlagsMutuallyExclusive("config", "scheduler")

	return cmd
}

func scheduleHandler(cmd *cobra.Command, args []string) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	name, err := cmd.Flags().GetString("scheduler")
	if err != nil {
		return err
	}

	steps, err := cmd.Flags().GetInt("steps")
	if err != nil {
		return err
	}

	strength, err := cmd.Flags().GetFloat32("strength")
	if err != nil {
		return err
	}

	var sched scheduler.Scheduler
	switch {
	case path != "":
		sched, err = scheduler.FromFile(path)
	case name != "":
		var cfg scheduler.Config
		if cfg, err = scheduler.DefaultConfig(name); err == nil {
			sched, err = scheduler.New(cfg)
		}
	default:
		return errors.New("one of --config or --scheduler is required")
	}
	if err != nil {
		return err
	}

	if err := sched.SetTimesteps(steps, strength); err != nil {
		return err
	}

	timesteps, err := sched.Timesteps()
	if err != nil {
		return err
	}

	return showSchedule(cmd.OutOrStdout(), sched.Config().ClassName, timesteps)
}

func showSchedule(w io.Writer, class string, timesteps []int64) error {
	if _, err := fmt.Fprintf(w, "%s, %d steps\n\n", class, len(timesteps)); err != nil {
		return err
	}

	data := make([][]string, len(timesteps))
	for i, t := range timesteps {
		data[i] = []string{strconv.Itoa(i), strconv.FormatInt(t, 10)}
	}

	table := newTable(w, "STEP", "TIMESTEP")
	table.AppendBulk(data)
	table.Render()
	return nil
}
