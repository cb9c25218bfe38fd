package cmd

import (
	"context"
	"log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	logpkg "github.com/ruralhub/rural-match/internal/logger"
)

var opportunitiesCmd = &cobra.Command{
	Use:   "opportunities",
	Short: "Find economic opportunities (jobs, grants, markets) around a location",
	Run: func(cmd *cobra.Command, _ []string) {
		opportunities(cmd)
	},
}

func init() {
	rootCmd.AddCommand(opportunitiesCmd)

	opportunitiesCmd.Flags().String("user", "anonymous", "user identifier attached to the request")
	opportunitiesCmd.Flags().String("intent", "", "free-text description of the opportunity the user is after")
	opportunitiesCmd.Flags().Float64("lat", 0, "user latitude")
	opportunitiesCmd.Flags().Float64("lng", 0, "user longitude")
	opportunitiesCmd.Flags().Float64("max-distance", 0, "maximum distance in km (defaults to 50)")

	opportunitiesCmd.MarkFlagRequired("lat")
	opportunitiesCmd.MarkFlagRequired("lng")
}

func opportunities(cmd *cobra.Command) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	logger, err := logpkg.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	startMetrics(config, logger)

	eng, err := newEngine(ctx, config, logger)
	if err != nil {
		logger.Fatal("building the matching engine", zap.Error(err))
	}
	defer eng.close()

	user := userFromFlags(cmd)

	result, err := eng.orchestrator.EconomicOpportunities(ctx, user)
	if err != nil {
		logger.Fatal("finding opportunities failed", zap.Error(err))
	}

	if len(result.Candidates) == 0 {
		logger.Info("exiting", zap.String("reason", "no opportunities found in range"))
		return
	}

	if result.Degraded {
		logger.Warn("AI relevance was unavailable for some candidates; they are ranked by attributes only")
	}

	printCandidates(result)
}
