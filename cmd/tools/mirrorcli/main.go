package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/the-mirror/backend/internal/config"
	"github.com/zhouzirui/the-mirror/backend/internal/logger"
	"github.com/zhouzirui/the-mirror/backend/internal/model/onboarding"
	"github.com/zhouzirui/the-mirror/backend/internal/service/ai"
	"github.com/zhouzirui/the-mirror/backend/internal/service/chat"
)

type options struct {
	logLevel       string
	skipOnboarding bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:          "mirrorcli",
		Short:        "Talk to The Mirror from a terminal",
		Long:         "Runs the onboarding questions and the conversation engine locally against the configured model.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level written to stderr")

	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session",
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, err := openConversation(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer conv.Wait()
			return runChat(cmd.Context(), conv, cmd.InOrStdin(), cmd.OutOrStdout(), !opts.skipOnboarding)
		},
	}
	chatCmd.Flags().BoolVar(&opts.skipOnboarding, "skip-onboarding", false, "go straight to free conversation")

	analyzeCmd := &cobra.Command{
		Use:   "analyze [text]",
		Short: "Run a one-shot cognitive distortion analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, err := openConversation(cmd.Context(), opts)
			if err != nil {
				return err
			}
			msg, err := conv.Analyze(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg.Text)
			return nil
		},
	}

	questionsCmd := &cobra.Command{
		Use:   "questions",
		Short: "Print the onboarding questions",
		Run: func(cmd *cobra.Command, args []string) {
			for _, q := range onboarding.Questions() {
				fmt.Fprintf(cmd.OutOrStdout(), "%d. %s\n", q.Step, q.Prompt)
			}
		},
	}

	root.AddCommand(chatCmd, analyzeCmd, questionsCmd)
	return root
}

func openConversation(ctx context.Context, opts *options) (*chat.Conversation, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	log, err := logger.New(logger.Config{Level: opts.logLevel, Format: "console", OutputPath: "stderr"})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	transport, err := ai.NewTransport(ctx, cfg.AI, log)
	if err != nil {
		return nil, err
	}
	log.Debug("transport ready", zap.String("provider", cfg.AI.Provider), zap.String("model", cfg.AI.Model))

	return chat.NewConversation(chat.NewStore(log), transport, chat.ConversationConfig{
		Model:           cfg.AI.Model,
		DisableThinking: cfg.AI.DisableThinking,
		TurnTimeout:     cfg.Chat.TurnTimeout,
		AnalysisTimeout: cfg.Chat.AnalysisTimeout,
	}, nil, log), nil
}
