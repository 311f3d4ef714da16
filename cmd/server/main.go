package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/agridoc/backend/internal/model"
	"github.com/agridoc/backend/internal/pipeline"
	"github.com/agridoc/backend/internal/search"
	"github.com/agridoc/backend/internal/service"
	"github.com/agridoc/backend/internal/status"
	"github.com/agridoc/backend/internal/store"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8112"
	}

	ctx := context.Background()

	// Local development runs fully in-memory; production uses Firestore.
	useMemoryStore := os.Getenv("USE_MEMORY_STORE") == "true" || os.Getenv("ENV") == "local"

	var storeImpl store.Store
	if useMemoryStore {
		log.Println("Using in-memory store for local development")
		storeImpl = store.NewMemoryStore()
	} else {
		projectID := os.Getenv("GOOGLE_CLOUD_PROJECT")
		if projectID == "" {
			log.Fatal("GOOGLE_CLOUD_PROJECT is required when not using the memory store")
		}
		firestoreClient, err := firestore.NewClient(ctx, projectID)
		if err != nil {
			log.Fatalf("Failed to create Firestore client: %v", err)
		}
		defer firestoreClient.Close()
		storeImpl = store.NewFirestoreStore(firestoreClient)
	}

	// Extraction engines. Both default to a local stub endpoint so the full
	// pipeline is exercisable on a laptop.
	ocrURL := envOr("OCR_ENGINE_URL", "http://localhost:8113")
	aiURL := envOr("AI_ENGINE_URL", "http://localhost:8114")
	engines := map[model.Stage]pipeline.Extractor{
		model.StageOCR: pipeline.NewEngineClient("ocr", ocrURL),
		model.StageAI:  pipeline.NewEngineClient("ai", aiURL),
	}

	retryCfg := pipeline.DefaultRetryConfig
	if v := os.Getenv("RETRY_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			retryCfg.MaxRetries = n
		}
	}

	// Optional Algolia mirror for the admin panel's record search.
	var indexer pipeline.RecordIndexer
	var searcher *search.AlgoliaClient
	if appID := os.Getenv("ALGOLIA_APP_ID"); appID != "" {
		client, err := search.NewAlgoliaClient(search.Config{
			AppID:     appID,
			APIKey:    os.Getenv("ALGOLIA_API_KEY"),
			IndexName: os.Getenv("ALGOLIA_INDEX_NAME"),
		})
		if err != nil {
			log.Fatalf("Failed to create Algolia client: %v", err)
		}
		indexer = client
		searcher = client
		log.Println("Algolia record indexing enabled")
	}

	broker := status.NewBroker()
	pipelineSvc := pipeline.NewService(storeImpl, engines, pipeline.Config{
		Retry: retryCfg,
	}, broker, indexer, nil)

	dispatchInterval := 30 * time.Second
	if v := os.Getenv("DISPATCH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dispatchInterval = d
		}
	}
	go pipeline.NewDispatcher(pipelineSvc, dispatchInterval).Run(ctx)

	srv := service.NewServer(pipelineSvc, broker, status.DefaultPollConfig, searcher)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{
			"http://localhost:1234",
			"http://127.0.0.1:1234",
			"https://*.vercel.app",
		},
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"Last-Event-ID",
		},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: h2c.NewHandler(c.Handler(srv.Routes()), &http2.Server{}),
	}

	log.Printf("Starting server on port %s", port)
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
