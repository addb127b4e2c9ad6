//go:build ignore

package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/aditya/go-carpool/internal/config"
	"github.com/aditya/go-carpool/internal/database"
	"github.com/aditya/go-carpool/internal/middleware"
	"github.com/aditya/go-carpool/internal/models"
	"github.com/aditya/go-carpool/internal/repository"
	"github.com/aditya/go-carpool/pkg/utils"
	"github.com/jmoiron/sqlx"
)

var (
	cities = []string{"Bangalore", "Mysore", "Chennai", "Hyderabad", "Pune", "Mumbai", "Goa", "Coimbatore",
		"Kochi", "Mangalore"}
	firstNames = []string{"rahul", "priya", "amit", "sneha", "vikram", "anita", "raj", "neha", "suresh", "kavita"}
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := database.NewPostgres(cfg.DatabaseURL, cfg.DBMaxConnections, cfg.DBMaxIdleConnections)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := database.Migrate(ctx, db.DB); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	offerRepo := repository.NewRideOfferRepository(db.DB)
	requestRepo := repository.NewRideRequestRepository(db.DB)
	transactor := database.NewTransactor(db.DB)
	auth := middleware.NewAuthenticator(cfg.JWTSecret)

	users := make([]models.Identity, 0, len(firstNames))
	for i, name := range firstNames {
		users = append(users, models.Identity{
			ID:    utils.GenerateID(),
			Email: fmt.Sprintf("%s%d@carpool.test", name, i),
		})
	}

	// Offers
	log.Println("Creating 40 ride offers...")
	offers := make([]*models.RideOffer, 0)
	for i := 0; i < 40; i++ {
		creator := users[rand.Intn(len(users))]
		from := rand.Intn(len(cities))
		to := (from + 1 + rand.Intn(len(cities)-1)) % len(cities)

		offer := &models.RideOffer{
			StartLocation:  cities[from],
			EndLocation:    cities[to],
			DepartureTime:  time.Now().UTC().Add(time.Duration(1+rand.Intn(72)) * time.Hour).Truncate(time.Minute),
			AvailableSeats: 1 + rand.Intn(4),
			Status:         models.OfferStatusAvailable,
			CreatorID:      creator.ID,
			CreatorEmail:   creator.Email,
		}
		if err := offerRepo.Create(ctx, offer); err != nil {
			log.Printf("Failed to create offer: %v", err)
			continue
		}
		offers = append(offers, offer)
	}
	log.Printf("Created %d offers", len(offers))

	// Pending requests from riders other than the creator
	log.Println("Creating pending ride requests...")
	requests := 0
	for _, offer := range offers {
		for _, rider := range users {
			if rider.ID == offer.CreatorID || rand.Float64() > 0.2 {
				continue
			}
			req := &models.RideRequest{
				RideOfferID:    offer.ID,
				RequesterID:    rider.ID,
				RequesterEmail: rider.Email,
				Status:         models.RequestStatusPending,
			}
			err := transactor.WithTx(ctx, func(tx *sqlx.Tx) error {
				return requestRepo.Create(ctx, tx, req)
			})
			if err != nil {
				log.Printf("Failed to create request: %v", err)
				continue
			}
			requests++
		}
	}
	log.Printf("Created %d requests", requests)

	// Summary
	log.Println("\n=== Seed Data Summary ===")
	log.Printf("Offers created: %d", len(offers))
	log.Printf("Requests created: %d", requests)
	log.Println("\nTokens (valid 24h):")
	for _, u := range users[:3] {
		token, err := auth.IssueToken(u, 24*time.Hour)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		log.Printf("%s %s", u.Email, token)
	}
}
