package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jmorganca/sdpipe/model"
	"github.com/jmorganca/sdpipe/pipeline"
	"github.com/jmorganca/sdpipe/scheduler"
)

func NewInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect DIR",
		Short: "Show the components and defaults of a model directory",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectHandler,
	}

	cmd.Flags().String("variant", pipeline.TextToImage.String(), "Pipeline variant: text2image, image2image or inpainting")

	return cmd
}

func inspectHandler(cmd *cobra.Command, args []string) error {
	name, err := cmd.Flags().GetString("variant")
	if err != nil {
		return err
	}

	variant, err := pipeline.ParseVariant(name)
	if err != nil {
		return err
	}

	return showModel(cmd.OutOrStdout(), args[0], variant)
}

func showModel(w io.Writer, dir string, variant pipeline.Variant) error {
	idx, err := model.ReadIndex(dir)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s\n\n", idx.ClassName)

	registered := model.Registered()
	data := make([][]string, 0, len(idx.Components))
	for _, name := range idx.Names() {
		c := idx.Components[name]

		supported := "-"
		if classes, ok := registered[name]; ok {
			supported = yesNo(slices.Contains(classes, c.Class))
		} else if name == "scheduler" {
			supported = yesNo(slices.Contains(scheduler.Names(), c.Class))
		}

		data = append(data, []string{name, c.Library, c.Class, supported})
	}

	table := newTable(w, "COMPONENT", "LIBRARY", "CLASS", "SUPPORTED")
	table.AppendBulk(data)
	table.Render()

	if cfg, err := scheduler.ReadConfig(filepath.Join(dir, "scheduler", "scheduler_config.json")); err == nil {
		fmt.Fprintf(w, "\nscheduler %s, %d train timesteps, %s betas\n", cfg.ClassName, cfg.NumTrainTimesteps, cfg.BetaSchedule)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	var denoiser model.DenoiseConfig
	if err := model.ReadConfig(filepath.Join(dir, "unet"), &denoiser); err != nil {
		return err
	}

	var codec model.CodecConfig
	for _, sub := range []string{"vae_decoder", "vae"} {
		err := model.ReadConfig(filepath.Join(dir, sub), &codec)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	gen, err := pipeline.DefaultGenerationConfig(idx.ClassName, variant, denoiser.SampleSize, codec.ScaleFactor())
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%s defaults\n\n", variant)

	table = newTable(w, "SETTING", "VALUE")
	table.AppendBulk([][]string{
		{"guidance_scale", strconv.FormatFloat(float64(gen.GuidanceScale), 'g', -1, 32)},
		{"num_inference_steps", strconv.Itoa(gen.NumInferenceSteps)},
		{"height", strconv.Itoa(gen.Height)},
		{"width", strconv.Itoa(gen.Width)},
		{"strength", strconv.FormatFloat(float64(gen.Strength), 'g', -1, 32)},
		{"num_images_per_prompt", strconv.Itoa(gen.NumImagesPerPrompt)},
		{"rng_seed", strconv.FormatUint(gen.Seed, 10)},
	})
	table.Render()
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
