package cmd

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ruralhub/rural-match/internal/directory"
	logpkg "github.com/ruralhub/rural-match/internal/logger"
	"github.com/ruralhub/rural-match/internal/matching"
)

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Load business records from a YAML file into the directory",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		importBusinesses(cmd, args[0])
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}

// importedBusiness is the YAML shape of one directory entry.
type importedBusiness struct {
	ID          string                   `mapstructure:"id"`
	Name        string                   `mapstructure:"name"`
	Category    string                   `mapstructure:"category"`
	Lat         float64                  `mapstructure:"lat"`
	Lng         float64                  `mapstructure:"lng"`
	Rating      *float64                 `mapstructure:"rating"`
	PriceTier   string                   `mapstructure:"price_tier"`
	Description string                   `mapstructure:"description"`
	Hours       map[string]importedHours `mapstructure:"hours"`
}

type importedHours struct {
	Closed bool   `mapstructure:"closed"`
	Open   string `mapstructure:"open"`
	Close  string `mapstructure:"close"`
}

func importBusinesses(cmd *cobra.Command, path string) {
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

	records, err := loadBusinessFile(path)
	if err != nil {
		logger.Fatal("loading business file", zap.String("file", path), zap.Error(err))
	}

	store, err := directory.Open(config.Directory.Path, logger)
	if err != nil {
		logger.Fatal("opening business directory", zap.Error(err))
	}
	defer store.Close()

	if err := store.UpsertBusinesses(ctx, records); err != nil {
		logger.Fatal("importing businesses", zap.Error(err))
	}

	counts, err := store.CategoryCounts(ctx)
	if err != nil {
		logger.Fatal("reading directory stats", zap.Error(err))
	}

	logger.Info("import completed",
		zap.Int("imported", len(records)),
		zap.Any("directory_by_category", counts),
	)
}

func loadBusinessFile(path string) ([]matching.BusinessRecord, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read business file: %w", err)
	}

	var imported []importedBusiness
	cfg := &mapstructure.DecoderConfig{
		Result:  &imported,
		TagName: "mapstructure",
	}
	decoder, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(v.Get("businesses")); err != nil {
		return nil, fmt.Errorf("decode businesses: %w", err)
	}

	records := make([]matching.BusinessRecord, 0, len(imported))
	for _, in := range imported {
		record, err := in.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (in importedBusiness) toRecord() (matching.BusinessRecord, error) {
	record := matching.BusinessRecord{
		ID:          in.ID,
		Name:        in.Name,
		Category:    matching.ParseCategory(in.Category),
		Location:    matching.GeoPoint{Lat: in.Lat, Lng: in.Lng},
		Rating:      in.Rating,
		PriceTier:   matching.PriceTier(in.PriceTier),
		Description: in.Description,
	}

	if len(in.Hours) > 0 {
		record.Hours = make(matching.OperatingHours, len(in.Hours))
		for day, dh := range in.Hours {
			weekday, err := parseWeekday(day)
			if err != nil {
				return record, fmt.Errorf("business %s: %w", in.ID, err)
			}
			record.Hours[weekday] = matching.DayHours{Closed: dh.Closed, Open: dh.Open, Close: dh.Close}
		}
	}

	if err := record.Hours.Validate(); err != nil {
		return record, fmt.Errorf("business %s: %w", in.ID, err)
	}
	return record, nil
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func parseWeekday(s string) (time.Weekday, error) {
	if day, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]; ok {
		return day, nil
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
