package main

import (
	"fmt"
	"strings"

	internal "github.com/ZanzyTHEbar/bds-sentiment/bds"
	"github.com/ZanzyTHEbar/bds-sentiment/bds/config"
	"github.com/ZanzyTHEbar/bds-sentiment/bds/model"
	"github.com/ZanzyTHEbar/bds-sentiment/bds/pipeline"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "bds",
		Short: "Fine-tune and publish a comment sentiment classifier",
		Long: `bds loads labelled comments, fine-tunes a pretrained text classifier on
them, reports evaluation accuracy and saves the model and tokenizer. The
saved model can optionally be published to a model hub.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default searches ./config.yaml and ~/.config/bds)")

	root.AddCommand(newTrainCmd(&configPath), newPublishCmd(&configPath), newPredictCmd())
	return root
}

func newTrainCmd(configPath *string) *cobra.Command {
	var publish bool
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run the fine-tuning pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if publish {
				cfg.Hub.Enabled = true
			}
			res, err := pipeline.Run(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "model saved to %s (%d train, %d eval)\n", res.OutputDir, res.TrainSize, res.EvalSize)
			if acc := res.Accuracy(); acc != nil {
				fmt.Fprintf(out, "eval accuracy: %.4f\n", *acc)
			}
			if res.Commit != nil {
				fmt.Fprintf(out, "published to %s\n", res.Commit.RepoID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&publish, "publish", false, "publish the saved model to the hub")
	return cmd
}

func newPublishCmd(configPath *string) *cobra.Command {
	var account, repo, message, dir string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Upload a saved model directory to the hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if account != "" {
				cfg.Hub.Account = account
			}
			if repo != "" {
				cfg.Hub.Repo = repo
			}
			if message != "" {
				cfg.Hub.CommitMessage = message
			}
			if dir != "" {
				cfg.Output.Dir = dir
			}
			commit, err := pipeline.Publish(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d files to %s\n", len(commit.Files), commit.RepoID)
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "hub account or organization")
	cmd.Flags().StringVar(&repo, "repo", "", "hub repository name")
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	cmd.Flags().StringVar(&dir, "dir", "", "model directory (default output.dir)")
	return cmd
}

func newPredictCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "predict [text...]",
		Short: "Classify texts with a saved model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := model.Load(dir)
			if err != nil {
				return err
			}
			preds, err := m.Predict(cmd.Context(), args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i, p := range preds {
				fmt.Fprintf(out, "%s\t%.4f\t%s\n", p.Label, p.Scores[p.LabelID], strings.ReplaceAll(args[i], "\n", " "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "model", internal.DefaultOutputDir, "saved model directory")
	return cmd
}
