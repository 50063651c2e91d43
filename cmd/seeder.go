package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with sample data",
	Long:  `Seed the database with sample advertisers for development and testing purposes.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(".")
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}

		db, err := initDB(cfg.Database)
		if err != nil {
			log.Fatalf("failed to init db: %v", err)
		}
		defer db.Close()

		if clearData {
			if _, err := db.Exec("DELETE FROM payments"); err != nil {
				log.Fatalf("failed to clear payments: %v", err)
			}
			if _, err := db.Exec("DELETE FROM advertisers"); err != nil {
				log.Fatalf("failed to clear advertisers: %v", err)
			}
			fmt.Println("Cleared existing data")
		}

		// sandbox credentials only; production advertisers come through onboarding
		secret := "sandbox-secret"
		hash, _ := bcrypt.GenerateFromPassword([]byte(secret), cfg.Security.BCryptCost)

		seedAdvertisers := []struct {
			name   string
			apiKey string
		}{
			{"Nairobi Boda Network", "adv_nairobi_boda"},
			{"Mombasa Riders Co-op", "adv_mombasa_riders"},
		}

		for _, a := range seedAdvertisers {
			var exists int
			if err := db.QueryRow("SELECT 1 FROM advertisers WHERE api_key = $1", a.apiKey).Scan(&exists); err == nil {
				fmt.Printf("advertiser %s already exists, skipping\n", a.apiKey)
				continue
			}

			_, err := db.Exec(
				"INSERT INTO advertisers (name, api_key, api_secret_hash, is_active, created_at, updated_at) VALUES ($1, $2, $3, true, now(), now())",
				a.name, a.apiKey, string(hash),
			)
			if err != nil {
				log.Fatalf("failed to insert advertiser %s: %v", a.apiKey, err)
			}
			fmt.Printf("Seeded advertiser: %s (api_key=%s, api_secret=%s)\n", a.name, a.apiKey, secret)
		}
	},
}
