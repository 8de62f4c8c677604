package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"policy-copilot/internal/cli"
	"policy-copilot/internal/config"
	"policy-copilot/internal/domain"
	"policy-copilot/internal/integrations/openai"
	"policy-copilot/internal/integrations/paramstore"
	"policy-copilot/internal/logging"
	"policy-copilot/internal/policy"
	"policy-copilot/internal/repository"
	"policy-copilot/internal/usecase"
)

// modelParamName optionally overrides the configured model when param-prefix is set.
const modelParamName = "config/model"

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:           "copilot",
	Short:         "Support copilot that answers questions grounded in policy documents",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(viper.New(), cmd.Flags())
		if err != nil {
			return err
		}
		if err := logging.Init(cfg.Log); err != nil {
			return err
		}
		log.Debug().Str("user_id", cfg.UserID).Str("thread_id", cfg.ThreadID).Msg("configuration loaded")
		return nil
	},
	RunE: runChat,
}

var episodesCmd = &cobra.Command{
	Use:   "episodes",
	Short: "Print logged turn summaries for --user-id (from state-table when set)",
	RunE:  runEpisodes,
}

func init() {
	config.RegisterFlags(rootCmd.PersistentFlags())
	episodesCmd.Flags().Bool("all", false, "Print episodes of every user")
	rootCmd.AddCommand(episodesCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("copilot failed")
		os.Exit(1)
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if err := cfg.ValidateGateway(); err != nil {
		return err
	}

	corpus, err := policy.Load(cfg.PolicyDir, cfg.MaxPolicyResults)
	if err != nil {
		return err
	}
	log.Info().Str("dir", cfg.PolicyDir).Int("documents", corpus.Len()).Msg("policy corpus loaded")

	profiles, err := repository.NewProfileFile(cfg.ProfilePath)
	if err != nil {
		return err
	}
	episodes, err := repository.NewEpisodeLog(cfg.EpisodePath)
	if err != nil {
		return err
	}

	threads, err := repository.OpenCheckpointer(repository.BadgerConfig{
		Path:     cfg.CheckpointPath,
		InMemory: cfg.Checkpoint == config.CheckpointMemory,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := threads.Close(); err != nil {
			log.Warn().Err(err).Msg("closing checkpointer")
		}
	}()

	llm, model, err := newGateway(ctx)
	if err != nil {
		return err
	}

	svc, err := usecase.NewTurnService(llm, profiles, corpus, episodes, threads, usecase.Options{
		Model:              model,
		PolicyKeywords:     cfg.PolicyKeywords,
		MaxMessageLength:   cfg.MaxMessageLength,
		MaxHistoryMessages: cfg.MaxHistoryMessages,
	})
	if err != nil {
		return err
	}

	err = cli.Run(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), svc, cli.Session{UserID: cfg.UserID, ThreadID: cfg.ThreadID})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newGateway builds the model client. Without a static API key the key, and
// optionally the model name, come from SSM below param-prefix.
func newGateway(ctx context.Context) (*openai.Client, string, error) {
	opts := []openai.Option{
		openai.WithTemperature(float32(cfg.Temperature)),
	}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	model := cfg.Model

	if cfg.OpenAIAPIKey != "" {
		opts = append(opts, openai.WithAPIKey(cfg.OpenAIAPIKey))
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("load AWS config: %w", err)
		}
		params, err := paramstore.New(awsssm.NewFromConfig(awsCfg), cfg.ParamPrefix)
		if err != nil {
			return nil, "", err
		}
		opts = append(opts, openai.WithParamStore(params))

		override, ok, err := params.Lookup(ctx, modelParamName)
		if err != nil {
			return nil, "", err
		}
		if ok && strings.TrimSpace(override) != "" {
			model = strings.TrimSpace(override)
			log.Info().Str("model", model).Str("param", params.Path(modelParamName)).Msg("model overridden from parameter store")
		}
	}

	client, err := openai.NewClient(opts...)
	if err != nil {
		return nil, "", err
	}
	return client, model, nil
}

// episodeLister is satisfied by the local episode log and the DynamoDB client.
type episodeLister interface {
	ListEpisodes(ctx context.Context, userID string) ([]domain.Episode, error)
}

func runEpisodes(cmd *cobra.Command, _ []string) error {
	all, err := cmd.Flags().GetBool("all")
	if err != nil {
		return err
	}
	lister, err := newEpisodeLister(cmd.Context(), all)
	if err != nil {
		return err
	}
	return printEpisodes(cmd.Context(), cmd.OutOrStdout(), lister, cfg.UserID, all)
}

// newEpisodeLister reads the DynamoDB table when state-table is set and the
// local episode log otherwise.
func newEpisodeLister(ctx context.Context, all bool) (episodeLister, error) {
	if cfg.StateTable == "" {
		episodes, err := repository.NewEpisodeLog(cfg.EpisodePath)
		if err != nil {
			return nil, err
		}
		return episodes, nil
	}
	if all {
		return nil, errors.New("--all is not supported with state-table: episodes are stored per user")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	state, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		return nil, err
	}
	return state, nil
}

func printEpisodes(ctx context.Context, out io.Writer, lister episodeLister, userID string, all bool) error {
	if all {
		userID = ""
	}
	eps, err := lister.ListEpisodes(ctx, userID)
	if err != nil {
		return err
	}
	for i, ep := range eps {
		if all {
			fmt.Fprintf(out, "%d. [%s] %s\n", i+1, ep.UserID, ep.Summary)
			continue
		}
		fmt.Fprintf(out, "%d. %s\n", i+1, ep.Summary)
	}
	return nil
}
