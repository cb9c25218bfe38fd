package cmd

import (
	"context"
	"log"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ruralhub/rural-match/internal/directory"
	logpkg "github.com/ruralhub/rural-match/internal/logger"
)

var reviewCmd = &cobra.Command{
	Use:   "review [business-id] [rating] [comment...]",
	Short: "Record a review for a business and fold it into its rating",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		review(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(reviewCmd)

	reviewCmd.Flags().String("user", "anonymous", "user identifier attached to the review")
}

func review(cmd *cobra.Command, args []string) {
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

	if config == nil || config.Directory == nil || config.Directory.Path == "" {
		logger.Fatal("directory.path is required in the configuration")
	}

	rating, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		logger.Fatal("parsing rating", zap.String("rating", args[1]), zap.Error(err))
	}

	userID, _ := cmd.Flags().GetString("user")

	store, err := directory.Open(config.Directory.Path, logger)
	if err != nil {
		logger.Fatal("opening business directory", zap.Error(err))
	}
	defer store.Close()

	r := directory.Review{
		BusinessID: args[0],
		UserID:     userID,
		Rating:     rating,
		Comment:    strings.Join(args[2:], " "),
	}
	if err := store.RecordReview(ctx, r); err != nil {
		logger.Fatal("recording review", zap.Error(err))
	}

	logger.Info("review recorded",
		zap.String("business_id", r.BusinessID),
		zap.Float64("rating", r.Rating),
	)
}
