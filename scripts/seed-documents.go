//go:build ignore
// +build ignore

// Seeds the local backend with a handful of sample documents and polls their
// status until every one reaches a terminal stage.
//
// Run against a dev server with a stub engine:
//
//	go run scripts/seed-documents.go
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

type submitRequest struct {
	SourceURI string `json:"source_uri"`
	Content   []byte `json:"content"`
}

type submitResponse struct {
	Document struct {
		ID string `json:"id"`
	} `json:"document"`
	Deduplicated bool `json:"deduplicated"`
}

type statusResponse struct {
	Stage           string `json:"stage"`
	NextPollAfterMs int64  `json:"next_poll_after_ms"`
	StopPolling     bool   `json:"stop_polling"`
}

var samples = []submitRequest{
	{
		SourceURI: "upload://declaration-dupont-2026.txt",
		Content: []byte("Declaration de parcelle\nProprietor: Jean Dupont\n" +
			"Address: 12 Rue des Champs, Lyon\nParcel: 69-384-0021\nArea: 4.2 ha\n"),
	},
	{
		SourceURI: "https://cadastre.example.org/parcels/69-384-0022",
		Content:   []byte("<html><body>Owner: Marie Laurent, Crop: wheat</body></html>"),
	},
	{
		SourceURI: "upload://lease-agreement-laurent.txt",
		Content:   []byte("Lease agreement\nApplicant name: Marie Laurent\nRegistered: 2026-02-14\n"),
	},
}

func main() {
	apiURL := os.Getenv("API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8112"
	}
	log.Printf("Seeding %d documents via %s", len(samples), apiURL)

	var ids []string
	for _, sample := range samples {
		payload, _ := json.Marshal(sample)
		resp, err := http.Post(apiURL+"/v1/documents", "application/json", bytes.NewReader(payload))
		if err != nil {
			log.Fatalf("submit %s: %v", sample.SourceURI, err)
		}
		var submitted submitResponse
		if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
			log.Fatalf("decode submit response: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			log.Fatalf("submit %s: status %d", sample.SourceURI, resp.StatusCode)
		}
		log.Printf("submitted %s -> document %s (deduplicated=%v)",
			sample.SourceURI, submitted.Document.ID, submitted.Deduplicated)
		ids = append(ids, submitted.Document.ID)
	}

	for _, id := range ids {
		waitTerminal(apiURL, id)
	}
	log.Println("Done")
}

func waitTerminal(apiURL, id string) {
	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		resp, err := http.Get(fmt.Sprintf("%s/v1/documents/%s/status", apiURL, id))
		if err != nil {
			log.Fatalf("status %s: %v", id, err)
		}
		var st statusResponse
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			log.Fatalf("decode status: %v", err)
		}
		resp.Body.Close()

		if st.StopPolling {
			log.Printf("document %s reached %s", id, st.Stage)
			return
		}
		time.Sleep(time.Duration(st.NextPollAfterMs) * time.Millisecond)
	}
	log.Printf("document %s did not reach a terminal stage in time", id)
}
