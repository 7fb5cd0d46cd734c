package main

import (
	"context"
	"flag"
	"time"

	"cv-pipeline/internal/config"
	"cv-pipeline/internal/embedding"
	"cv-pipeline/internal/llm"
	"cv-pipeline/internal/storage"

	"github.com/sirupsen/logrus"
)

func main() {
	var dryRun bool
	var limit int
	var delay time.Duration
	flag.BoolVar(&dryRun, "dry-run", true, "If true, only list the profiles that would be embedded")
	flag.IntVar(&limit, "limit", 200, "Max number of profiles to process in one run")
	flag.DurationVar(&delay, "delay", 200*time.Millisecond, "Pause between embedding calls")
	flag.Parse()

	cfg := config.LoadConfig()
	logger := config.NewLogger(cfg.LogLevel)
	log := config.Component(logger, "backfill")

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	if cfg.OpenAIAPIKey == "" && !dryRun {
		log.Fatal("OPENAI_API_KEY is required")
	}

	db, err := storage.NewDB(cfg.DatabaseURL, config.Component(logger, "storage"))
	if err != nil {
		log.WithError(err).Fatal("failed to connect to db")
	}
	defer db.Close()

	ctx := context.Background()
	profiles, err := db.ListProfilesWithoutEmbedding(ctx, storage.NamespaceCandidate, limit)
	if err != nil {
		log.WithError(err).Fatal("query failed")
	}
	log.WithFields(logrus.Fields{"found": len(profiles), "limit": limit}).Info("parsed profiles without embeddings")

	if dryRun {
		for _, p := range profiles {
			log.WithFields(logrus.Fields{"applicant": p.ApplicantID, "skills": len(p.Skills)}).Info("would embed")
		}
		return
	}

	gen := embedding.NewGenerator(
		llm.NewOpenAIEmbedder(cfg.OpenAIAPIKey, "", cfg.HTTPTimeout),
		db, cfg.EmbeddingModel, config.Component(logger, "embedding"),
	)

	ok, failed := 0, 0
	for i, p := range profiles {
		dims, err := gen.ForProfile(ctx, p)
		if err != nil {
			log.WithError(err).WithField("applicant", p.ApplicantID).Warn("embedding failed")
			failed++
		} else {
			log.WithFields(logrus.Fields{"applicant": p.ApplicantID, "dimensions": dims}).Debug("embedded")
			ok++
		}
		if i < len(profiles)-1 {
			time.Sleep(delay)
		}
		if (i+1)%25 == 0 {
			log.Infof("progress: %d/%d", i+1, len(profiles))
		}
	}
	log.WithFields(logrus.Fields{"embedded": ok, "failed": failed}).Info("backfill done")
}
