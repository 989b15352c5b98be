package config

import (
	"context"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GetGCSClient initializes a Google Cloud Storage client.
// Prefer ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS).
// To provide explicit JSON (e.g. locally), set GCS_CREDENTIALS_JSON.
func GetGCSClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}
