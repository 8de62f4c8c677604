package main

import (
	"context"
	"errors"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"policy-copilot/handler"
	"policy-copilot/internal/config"
	"policy-copilot/internal/integrations/openai"
	"policy-copilot/internal/integrations/paramstore"
	"policy-copilot/internal/logging"
	"policy-copilot/internal/policy"
	"policy-copilot/internal/repository"
	"policy-copilot/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (COPILOT_* environment only) ----
	cfg, err := config.Load(viper.New(), nil)
	if err != nil {
		fatal(err, "failed to load configuration")
	}
	cfg.Log.Format = "json"
	if err := logging.Init(cfg.Log); err != nil {
		fatal(err, "failed to initialise logging")
	}
	if cfg.StateTable == "" {
		log.Fatal().Msg("COPILOT_STATE_TABLE is not set")
	}
	if err := cfg.ValidateGateway(); err != nil {
		fatal(err, "no OpenAI API key source configured")
	}

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fatal(err, "failed to load AWS config")
	}

	// ---- Clients ----
	var params openai.Getter
	if cfg.ParamPrefix != "" {
		p, err := paramstore.New(awsssm.NewFromConfig(awsCfg), cfg.ParamPrefix)
		if err != nil {
			fatal(err, "failed to create SSM client")
		}
		params = p
	}
	state, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		fatal(err, "failed to create state client")
	}
	corpus, err := policy.Load(cfg.PolicyDir, cfg.MaxPolicyResults)
	if err != nil {
		fatal(err, "failed to load policy corpus")
	}

	llm, err := newGateway(cfg, params)
	if err != nil {
		fatal(err, "failed to create OpenAI client")
	}

	// ---- Handler ----
	turns, err := usecase.NewTurnService(llm, state, corpus, state, state, usecase.Options{
		Model:              cfg.Model,
		PolicyKeywords:     cfg.PolicyKeywords,
		MaxMessageLength:   cfg.MaxMessageLength,
		MaxHistoryMessages: cfg.MaxHistoryMessages,
	})
	if err != nil {
		fatal(err, "failed to create turn service")
	}

	h, err := handler.NewHandler(turns)
	if err != nil {
		fatal(err, "failed to create handler")
	}

	log.Info().Int("policies", corpus.Len()).Str("table", cfg.StateTable).Msg("lambda ready")
	lambda.Start(h.Handle)
}

// newGateway prefers a configured API key and falls back to the
// openai-api-key parameter below param-prefix. params may be nil.
func newGateway(cfg config.Config, params openai.Getter) (*openai.Client, error) {
	opts := []openai.Option{
		openai.WithTemperature(float32(cfg.Temperature)),
	}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	switch {
	case cfg.OpenAIAPIKey != "":
		opts = append(opts, openai.WithAPIKey(cfg.OpenAIAPIKey))
	case params != nil:
		opts = append(opts, openai.WithParamStore(params))
	default:
		return nil, errors.New("lambda: neither an API key nor a parameter store is configured")
	}
	return openai.NewClient(opts...)
}

func fatal(err error, msg string) {
	log.Error().Err(err).Msg(msg)
	os.Exit(1)
}
