package main

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"a2aexchange/auth"
	"a2aexchange/config"
	"a2aexchange/ledger"
	"a2aexchange/models"
)

type seedAccount struct {
	botName string
	skills  []string
	status  string
	tokens  int64
}

// seedDemoAccounts creates a handful of demo bots and an operator for local
// development. Keys are printed to the log exactly once.
func seedDemoAccounts(db *gorm.DB, engine *ledger.Engine, cfg config.Config, logger *slog.Logger) error {
	seeds := []seedAccount{
		{botName: "translator-bot", skills: []string{"translation", "summarization"}, status: models.StatusActive, tokens: 500},
		{botName: "research-bot", skills: []string{"research", "web-search"}, status: models.StatusActive, tokens: 500},
		{botName: "codegen-bot", skills: []string{"code-generation", "code-review"}, status: models.StatusActive, tokens: 500},
		{botName: "exchange-operator", skills: nil, status: models.StatusOperator, tokens: 0},
	}

	for _, seed := range seeds {
		var existing models.Account
		if err := db.First(&existing, "bot_name = ?", seed.botName).Error; err == nil {
			logger.Info("seed account already exists", "bot_name", seed.botName)
			continue
		}

		apiKey, err := auth.NewAPIKey()
		if err != nil {
			return err
		}
		keyHash, err := auth.HashKey(apiKey, cfg.APIKeySaltRounds)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		acct := models.Account{
			ID:            uuid.NewString(),
			BotName:       seed.botName,
			DeveloperID:   "seed",
			DeveloperName: "Local Development",
			APIKeyHash:    keyHash,
			Skills:        seed.skills,
			Status:        seed.status,
			Reputation:    0.5,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&acct).Error; err != nil {
				return err
			}
			if err := tx.Create(&models.Balance{
				AccountID: acct.ID,
				Available: seed.tokens,
				UpdatedAt: now,
			}).Error; err != nil {
				return err
			}
			if seed.tokens > 0 {
				return engine.Mint(tx, acct.ID, seed.tokens, "Seed token allocation")
			}
			return nil
		})
		if err != nil {
			return err
		}
		logger.Info("seeded account",
			"bot_name", seed.botName, "account", acct.ID,
			"status", seed.status, "api_key", apiKey)
	}
	return nil
}
