package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ruralhub/rural-match/internal/logger"
	"github.com/ruralhub/rural-match/internal/matching"
)

const (
	PromptReportByCategory = "Report by category"
	PromptMatchesToFile    = "Dump matches to file"
	PromptExit             = "Exit"
)

var errExit = errors.New("exit requested")

var prompt = promptui.Select{
	Label: "What next?",
	Items: []string{PromptReportByCategory, PromptMatchesToFile, PromptExit},
}

var recommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Find and rank businesses and resources around a location",
	Run: func(cmd *cobra.Command, _ []string) {
		recommend(cmd)
	},
}

func init() {
	rootCmd.AddCommand(recommendCmd)

	recommendCmd.Flags().String("user", "anonymous", "user identifier attached to the request")
	recommendCmd.Flags().String("intent", "", "free-text description of what the user is looking for")
	recommendCmd.Flags().Float64("lat", 0, "user latitude")
	recommendCmd.Flags().Float64("lng", 0, "user longitude")
	recommendCmd.Flags().Float64("max-distance", 0, "maximum distance in km (defaults to 50)")
	recommendCmd.Flags().StringSlice("categories", nil, "preferred categories (retail, service, farm, economic-opportunity, other)")
	recommendCmd.Flags().IntP("top", "n", 0, "number of results to return")
	recommendCmd.Flags().Bool("ai", false, "force AI relevance scoring even without an explicit intent")
	recommendCmd.Flags().BoolP("no-menu", "q", false, "print the ranked list and exit without the action menu")

	recommendCmd.MarkFlagRequired("lat")
	recommendCmd.MarkFlagRequired("lng")
}

// recommend is the main command for the cli.
func recommend(cmd *cobra.Command) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	logger.Info("starting rural-match", zap.String("version", version))

	startMetrics(config, logger)

	eng, err := newEngine(ctx, config, logger)
	if err != nil {
		logger.Fatal("building the matching engine", zap.Error(err))
	}
	defer eng.close()

	user := userFromFlags(cmd)
	top, _ := cmd.Flags().GetInt("top")
	req := matching.MatchRequest{User: user, Limit: top}

	forceAI, _ := cmd.Flags().GetBool("ai")

	var result *matching.Result
	if forceAI {
		result, err = eng.orchestrator.AIMatches(ctx, req)
	} else {
		result, err = eng.orchestrator.Recommend(ctx, req)
	}
	if err != nil {
		logger.Fatal("matching failed", zap.Error(err))
	}

	if len(result.Candidates) == 0 {
		logger.Info("exiting", zap.String("reason", "no businesses matched the request"))
		return
	}

	if result.Degraded {
		logger.Warn("AI relevance was unavailable for some candidates; they are ranked by attributes only")
	}

	printCandidates(result)

	if noMenu, _ := cmd.Flags().GetBool("no-menu"); noMenu {
		return
	}

	for {
		_, action, err := prompt.Run()
		if err != nil {
			logger.Fatal("exiting", zap.Error(err))
		}

		if err := handleAction(action, logger, result); err != nil {
			if errors.Is(err, errExit) {
				return
			}
			logger.Fatal("exiting", zap.Error(err))
		}
	}
}

func handleAction(action string, logger *zap.Logger, result *matching.Result) error {
	switch action {
	case PromptReportByCategory:
		pretty, _ := json.MarshalIndent(reportByCategory(result), "", "  ")
		logger.Info(string(pretty), zap.Int("matches", len(result.Candidates)))
		return nil
	case PromptMatchesToFile:
		filename, err := dumpToTmpFile(result)
		if err != nil {
			return fmt.Errorf("dump matches to file: %w", err)
		}
		logger.Info("dumping matches to file", zap.String("filename", filename))
		return nil
	case PromptExit:
		logger.Info("exiting", zap.String("reason", "got exit from prompt"))
		return errExit
	default:
		return fmt.Errorf("invalid action: %s", action)
	}
}

func userFromFlags(cmd *cobra.Command) matching.UserContext {
	id, _ := cmd.Flags().GetString("user")
	intent, _ := cmd.Flags().GetString("intent")
	lat, _ := cmd.Flags().GetFloat64("lat")
	lng, _ := cmd.Flags().GetFloat64("lng")
	maxDist, _ := cmd.Flags().GetFloat64("max-distance")
	labels, _ := cmd.Flags().GetStringSlice("categories")

	categories := make([]matching.Category, 0, len(labels))
	for _, l := range labels {
		categories = append(categories, matching.ParseCategory(l))
	}

	return matching.UserContext{
		ID:       id,
		Location: matching.GeoPoint{Lat: lat, Lng: lng},
		Intent:   intent,
		Preferences: matching.Preferences{
			Categories:    categories,
			MaxDistanceKm: maxDist,
		},
	}
}

func printCandidates(result *matching.Result) {
	for i, c := range result.Candidates {
		marker := ""
		if c.Degraded {
			marker = " *"
		}
		fmt.Printf("%2d. %-32s %-20s score=%.3f%s\n     %s\n",
			i+1, c.Business.Name, "("+string(c.Business.Category)+")", c.CombinedScore, marker,
			strings.Join(c.Reasons, "; "))
	}
	if result.Degraded {
		fmt.Println("\n * ranked without AI relevance")
	}
}

func reportByCategory(result *matching.Result) map[matching.Category]int {
	report := make(map[matching.Category]int)
	for _, c := range result.Candidates {
		report[c.Business.Category]++
	}
	return report
}

func dumpToTmpFile(result *matching.Result) (string, error) {
	file, err := os.CreateTemp("", "matches_*.json")
	if err != nil {
		return "", err
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return "", err
	}
	return file.Name(), nil
}
