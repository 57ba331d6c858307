package cmd

import (
	"fmt"
	"image"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmorganca/sdpipe/imageproc"
	"github.com/jmorganca/sdpipe/pipeline"
	"github.com/jmorganca/sdpipe/tensor"
)

func NewGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate DIR PROMPT",
		Short: "Generate images with a registered backend",
		Args:  cobra.ExactArgs(2),
		RunE:  generateHandler,
	}

	cmd.Flags().String("variant", pipeline.TextToImage.String(), "Pipeline variant: text2image, image2image or inpainting")
	cmd.Flags().String("backend", "", "Inference backend (default from SDPIPE_BACKEND)")
	cmd.Flags().String("device", "", "Device to compile for (default from SDPIPE_DEVICE)")
	cmd.Flags().String("image", "", "Initial image for image2image and inpainting")
	cmd.Flags().String("mask", "", "Inpainting mask, white marks the area to repaint")
	cmd.Flags().String("negative", "", "Negative prompt")
	cmd.Flags().Int("width", 0, "Image width")
	cmd.Flags().Int("height", 0, "Image height")
	cmd.Flags().Int("steps", 0, "Denoising steps")
	cmd.Flags().Int("images", 1, "Images per prompt")
	cmd.Flags().Float32("guidance", 0, "Guidance scale")
	cmd.Flags().Float32("strength", 0, "Strength for image2image and inpainting")
	cmd.Flags().Uint64("seed", 0, "Random seed (default from SDPIPE_SEED)")
	cmd.Flags().StringP("output", "o", "", "Output file name prefix (default from the prompt)")
	cmd.Flags().Bool("base64", false, "Print base64 encoded PNGs instead of writing files")

	return cmd
}

func generateHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	dir, prompt := args[0], args[1]

	name, _ := flags.GetString("variant")
	variant, err := pipeline.ParseVariant(name)
	if err != nil {
		return err
	}

	var initial, mask image.Image
	if path, _ := flags.GetString("image"); path != "" {
		if initial, err = imageproc.LoadImage(path); err != nil {
			return fmt.Errorf("could not load %s: %w", path, err)
		}
	}
	if path, _ := flags.GetString("mask"); path != "" {
		if mask, err = imageproc.LoadImage(path); err != nil {
			return fmt.Errorf("could not load %s: %w", path, err)
		}
	}

	opts := []pipeline.GenerateOption{pipeline.WithConfig(func(c *pipeline.GenerationConfig) {
		if flags.Changed("width") {
			c.Width, _ = flags.GetInt("width")
		}
		if flags.Changed("height") {
			c.Height, _ = flags.GetInt("height")
		}
		if flags.Changed("steps") {
			c.NumInferenceSteps, _ = flags.GetInt("steps")
		}
		if flags.Changed("images") {
			c.NumImagesPerPrompt, _ = flags.GetInt("images")
		}
		if flags.Changed("guidance") {
			c.GuidanceScale, _ = flags.GetFloat32("guidance")
		}
		if flags.Changed("strength") {
			c.Strength, _ = flags.GetFloat32("strength")
		}
		if flags.Changed("seed") {
			c.Seed, _ = flags.GetUint64("seed")
		}
	})}

	if negative, _ := flags.GetString("negative"); negative != "" {
		opts = append(opts, pipeline.WithNegativePrompt(negative))
	}

	opts = append(opts, pipeline.WithCallback(func(step, numSteps int, _ *tensor.Tensor) bool {
		slog.Info("denoising", "step", step+1, "of", numSteps)
		return false
	}))

	backend, _ := flags.GetString("backend")
	device, _ := flags.GetString("device")
	p, err := pipeline.Open(cmd.Context(), backend, device, variant, dir)
	if err != nil {
		return err
	}

	pixels, err := p.Generate(cmd.Context(), prompt, initial, mask, opts...)
	if err != nil {
		return err
	}

	images, err := p.Images(pixels)
	if err != nil {
		return err
	}

	if b64, _ := flags.GetBool("base64"); b64 {
		return writeBase64(cmd.OutOrStdout(), images)
	}

	prefix, _ := flags.GetString("output")
	if prefix == "" {
		prefix = sanitizeFilename(prompt)
	}
	return saveImages(cmd.OutOrStdout(), prefix, images)
}

func writeBase64(w io.Writer, images []*image.RGBA) error {
	for _, img := range images {
		s, err := imageproc.EncodeImageBase64(img)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, s); err != nil {
			return err
		}
	}
	return nil
}

// saveImages writes prefix.png, or prefix-1.png, prefix-2.png and so on
// when there is more than one image.
func saveImages(w io.Writer, prefix string, images []*image.RGBA) error {
	prefix = strings.TrimSuffix(prefix, ".png")
	for i, img := range images {
		path := prefix + ".png"
		if len(images) > 1 {
			path = fmt.Sprintf("%s-%d.png", prefix, i+1)
		}

		if err := imageproc.SaveImage(img, path); err != nil {
			return fmt.Errorf("failed to save image: %w", err)
		}
		fmt.Fprintf(w, "Image saved to: %s\n", path)
	}
	return nil
}

func sanitizeFilename(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "-")

	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}

	name := b.String()
	if len(name) > 50 {
		name = name[:50]
	}
	if name == "" {
		name = "image"
	}
	return name
}
