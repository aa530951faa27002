package engine

import (
	"context"
	"fmt"
	"log/slog"

	"flydelta/internal/config"
	"flydelta/internal/ddl"
)

// Secret names created in the shared DuckDB instance.
const (
	S3SecretName    = "flydelta_s3"
	GCSSecretName   = "flydelta_gcs"
	AzureSecretName = "flydelta_azure"
)

// storeOf maps a location scheme to the object store that serves it.
func storeOf(scheme string) string {
	switch scheme {
	case "s3", "s3a":
		return "s3"
	case "gs", "gcs":
		return "gs"
	case "az", "azure", "abfss", "abfs":
		return "az"
	default:
		return ""
	}
}

// CreateSecrets creates a DuckDB secret for every object store that is both in
// use and has credentials configured. Stores without credentials are left to
// DuckDB's credential chain.
func CreateSecrets(ctx context.Context, db Execer, st config.StorageConfig, schemes []string, logger *slog.Logger) error {
	inUse := map[string]bool{}
	for _, s := range schemes {
		inUse[storeOf(s)] = true
	}

	type secret struct {
		name  string
		build func() (string, error)
	}
	var secrets []secret
	if inUse["s3"] && st.HasS3() {
		secrets = append(secrets, secret{S3SecretName, func() (string, error) {
			return ddl.CreateS3Secret(S3SecretName, st.S3KeyID, st.S3Secret, st.S3Endpoint, st.S3Region, st.S3URLStyle)
		}})
	}
	if inUse["gs"] && st.HasGCSHMAC() {
		secrets = append(secrets, secret{GCSSecretName, func() (string, error) {
			return ddl.CreateGCSSecret(GCSSecretName, st.GCSHMACKeyID, st.GCSHMACSecret)
		}})
	}
	if inUse["az"] && st.HasAzure() {
		secrets = append(secrets, secret{AzureSecretName, func() (string, error) {
			return ddl.CreateAzureSecret(AzureSecretName, st.AzureAccountName, st.AzureAccountKey, st.AzureConnectionString)
		}})
	}

	for _, s := range secrets {
		stmt, err := s.build()
		if err != nil {
			return fmt.Errorf("build DDL: %w", err)
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create secret %q: %w", s.name, err)
		}
		logger.Info("storage secret created", "secret", s.name)
	}
	return nil
}
