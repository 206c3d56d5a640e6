package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/museum-alive/internal/config"
	"github.com/snappy-loop/museum-alive/internal/llm"
	"github.com/snappy-loop/museum-alive/internal/models"
	"github.com/snappy-loop/museum-alive/internal/persona"
	"github.com/snappy-loop/museum-alive/internal/processor"
	"github.com/spf13/cobra"
)

var narrateOpts struct {
	name    string
	image   string
	out     string
	variant string
}

var narrateCmd = &cobra.Command{
	Use:   "narrate",
	Short: "Narrate one artifact from its name or a photo",
	Example: `  speak narrate --name 三星堆青铜面具
  speak narrate --image mask.jpg --out mask.wav`,
	RunE: narrateCommand,
}

func init() {
	narrateCmd.Flags().StringVarP(&narrateOpts.name, "name", "n", "", "artifact name")
	narrateCmd.Flags().StringVarP(&narrateOpts.image, "image", "i", "", "path to a JPEG/PNG/GIF photo of the artifact")
	narrateCmd.Flags().StringVarP(&narrateOpts.out, "out", "o", "", "audio output path (default $AUDIO_OUTPUT_PATH)")
	narrateCmd.Flags().StringVar(&narrateOpts.variant, "variant", "", "pipeline variant: vision, name or cloud")
	narrateCmd.MarkFlagsMutuallyExclusive("name", "image")
	narrateCmd.MarkFlagsOneRequired("name", "image")
}

func narrateCommand(cmd *cobra.Command, args []string) error {
	if err := applyVariant(cfg, narrateOpts.variant); err != nil {
		return err
	}
	if narrateOpts.out != "" {
		cfg.AudioOutputPath = narrateOpts.out
	}

	in, err := readInput(narrateOpts.name, narrateOpts.image)
	if err != nil {
		return err
	}

	p, err := persona.Load(cfg.PersonaFile)
	if err != nil {
		return fmt.Errorf("load persona: %w", err)
	}
	llmClient := llm.NewClient(cfg, p)
	narrationProcessor := processor.NewFromConfig(cfg, llmClient, processor.Deps{})

	log.Info().
		Str("variant", cfg.Variant).
		Bool("vision", narrationProcessor.VisionEnabled()).
		Str("input", string(in.Kind())).
		Msg("Narrating artifact")

	result, err := narrationProcessor.Run(cmd.Context(), processor.Request{
		Input:     in,
		AudioPath: cfg.AudioOutputPath,
		Observer:  consoleObserver{},
	})
	if err != nil {
		return err
	}

	printResult(cmd, result)
	return nil
}

func applyVariant(c *config.Config, variant string) error {
	switch variant {
	case "":
		return nil
	case config.VariantVision, config.VariantName, config.VariantCloud:
		c.Variant = variant
		c.VisionEnabled = variant == config.VariantVision
		return nil
	default:
		return fmt.Errorf("unknown variant %q (want vision, name or cloud)", variant)
	}
}

func readInput(name, imagePath string) (models.ArtifactInput, error) {
	if imagePath == "" {
		return models.NewNameInput(name)
	}
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return models.ArtifactInput{}, fmt.Errorf("read image: %w", err)
	}
	return models.NewImageInput(data, "")
}

func printResult(cmd *cobra.Command, result *models.NarrationResult) {
	out := cmd.OutOrStdout()
	if result.CredentialMissing {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: DEEPSEEK_API_KEY is not configured; no story was narrated")
	}
	if result.Description != nil {
		fmt.Fprintf(out, "Description:\n%s\n\n", *result.Description)
	}
	if result.Story != "" {
		fmt.Fprintf(out, "Story:\n%s\n\n", result.Story)
	}
	if result.HasAudio() {
		fmt.Fprintf(out, "Audio: %s\n", *result.AudioPath)
	} else {
		fmt.Fprintln(out, "Audio: not generated")
	}
}

// consoleObserver logs stage progress.
type consoleObserver struct{}

func (consoleObserver) StageStarted(stage, message string) {
	log.Info().Str("stage", stage).Msg(message)
}

func (consoleObserver) StageFinished(report models.StageReport) {
	ev := log.Debug()
	if report.Error != "" {
		ev = log.Warn().Str("error", report.Error)
	}
	ev.Str("stage", report.Stage).Str("status", report.Status).Int64("duration_ms", report.DurationMs).Msg("Stage finished")
}
