package main

import (
	"context"
	"os"

	"github.com/nclav-io/nclav/pkg/domain"
	"github.com/nclav-io/nclav/pkg/driver"
	"github.com/nclav-io/nclav/pkg/log"
)

// buildRegistry registers the local driver unconditionally, then
// registers each cloud driver whose required environment variables are
// present. A deployment targeting only one cloud never needs to supply
// the others' credentials.
func buildRegistry(ctx context.Context) (*driver.Registry, error) {
	registry := driver.NewRegistry(domain.CloudLocal).Register(domain.CloudLocal, driver.NewLocalDriver())
	logger := log.WithComponent("cli")

	if parent := os.Getenv("NCLAV_GCP_PARENT"); parent != "" {
		gcpDriver, err := driver.NewGcpDriverFromADC(ctx, driver.GcpDriverConfig{
			Parent:         parent,
			BillingAccount: os.Getenv("NCLAV_GCP_BILLING_ACCOUNT"),
			DefaultRegion:  envOr("NCLAV_GCP_DEFAULT_REGION", "us-central1"),
		})
		if err != nil {
			return nil, err
		}
		registry.Register(domain.CloudGCP, gcpDriver)
		logger.Info().Str("parent", parent).Msg("gcp driver registered")
	}

	if tenantID := os.Getenv("NCLAV_AZURE_TENANT_ID"); tenantID != "" {
		azureDriver := driver.NewAzureDriver(driver.AzureDriverConfig{
			TenantID:           tenantID,
			ManagementGroupID:  os.Getenv("NCLAV_AZURE_MANAGEMENT_GROUP_ID"),
			BillingAccountName: os.Getenv("NCLAV_AZURE_BILLING_ACCOUNT_NAME"),
			BillingProfileName: os.Getenv("NCLAV_AZURE_BILLING_PROFILE_NAME"),
			InvoiceSectionName: os.Getenv("NCLAV_AZURE_INVOICE_SECTION_NAME"),
			DefaultLocation:    envOr("NCLAV_AZURE_DEFAULT_LOCATION", "eastus"),
			SubscriptionPrefix: envOr("NCLAV_AZURE_SUBSCRIPTION_PREFIX", "nclav"),
			ClientID:           os.Getenv("NCLAV_AZURE_CLIENT_ID"),
			ClientSecret:       os.Getenv("NCLAV_AZURE_CLIENT_SECRET"),
		})
		registry.Register(domain.CloudAzure, azureDriver)
		logger.Info().Str("tenant_id", tenantID).Msg("azure driver registered")
	}

	if orgUnitID := os.Getenv("NCLAV_AWS_ORG_UNIT_ID"); orgUnitID != "" {
		awsDriver := driver.NewAwsDriver(ctx, driver.AwsDriverConfig{
			OrgUnitID:        orgUnitID,
			EmailDomain:      os.Getenv("NCLAV_AWS_EMAIL_DOMAIN"),
			DefaultRegion:    envOr("NCLAV_AWS_DEFAULT_REGION", "us-east-1"),
			AccountPrefix:    envOr("NCLAV_AWS_ACCOUNT_PREFIX", "nclav"),
			CrossAccountRole: envOr("NCLAV_AWS_CROSS_ACCOUNT_ROLE", "OrganizationAccountAccessRole"),
			RoleArn:          os.Getenv("NCLAV_AWS_ROLE_ARN"),
		})
		registry.Register(domain.CloudAWS, awsDriver)
		logger.Info().Str("org_unit_id", orgUnitID).Msg("aws driver registered")
	}

	return registry, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
