package driver

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/oauth2/google"

	"github.com/nclav-io/nclav/pkg/domain"
	"github.com/nclav-io/nclav/pkg/log"
	"github.com/nclav-io/nclav/pkg/metrics"
)

// GcpDriverConfig carries the settings shared by every enclave the GCP
// driver provisions.
type GcpDriverConfig struct {
	// Parent is the GCP resource manager node new projects are created
	// under, e.g. "folders/123456" or "organizations/123456".
	Parent string
	// BillingAccount to attach to every new project, e.g.
	// "billingAccounts/AAAAAA-BBBBBB-CCCCCC".
	BillingAccount string
	// DefaultRegion used when an enclave does not specify its own region.
	DefaultRegion string
}

// gcpBaseUrls lets tests redirect every API call at a mock server by
// constructing a GcpDriver with non-default urls.
type gcpBaseUrls struct {
	resourcemanager string
	compute         string
	run             string
	iam             string
	pubsub          string
	sqladmin        string
	serviceusage    string
	cloudbilling    string
}

func defaultGcpBaseUrls() gcpBaseUrls {
	return gcpBaseUrls{
		resourcemanager: "https://cloudresourcemanager.googleapis.com",
		compute:         "https://compute.googleapis.com",
		run:             "https://run.googleapis.com",
		iam:             "https://iam.googleapis.com",
		pubsub:          "https://pubsub.googleapis.com",
		sqladmin:        "https://sqladmin.googleapis.com",
		serviceusage:    "https://serviceusage.googleapis.com",
		cloudbilling:    "https://cloudbilling.googleapis.com",
	}
}

// gcpTokenProvider abstracts bearer token acquisition so tests can inject a
// static token instead of talking to Application Default Credentials.
type gcpTokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// adcTokenProvider backs production use: it resolves Application Default
// Credentials (GOOGLE_APPLICATION_CREDENTIALS, workload identity, or
// `gcloud auth application-default login`) once and mints bearer tokens
// from the resulting token source.
type adcTokenProvider struct {
	creds *google.Credentials
}

func newAdcTokenProvider(ctx context.Context) (*adcTokenProvider, error) {
	creds, err := google.FindDefaultCredentials(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return nil, ErrInternal("initialise GCP ADC: %v", err)
	}
	return &adcTokenProvider{creds: creds}, nil
}

func (p *adcTokenProvider) Token(ctx context.Context) (string, error) {
	tok, err := p.creds.TokenSource.Token()
	if err != nil {
		return "", ErrInternal("GCP auth failed: %v", err)
	}
	return tok.AccessToken, nil
}

// staticTokenProvider returns a fixed token without any network call. Used
// exclusively in tests.
type staticTokenProvider struct{ token string }

func (p staticTokenProvider) Token(context.Context) (string, error) { return p.token, nil }

// requiredGcpAPIs is enabled on every new project before any partition is
// provisioned.
var requiredGcpAPIs = []string{
	"compute.googleapis.com",
	"run.googleapis.com",
	"iam.googleapis.com",
	"cloudresourcemanager.googleapis.com",
	"dns.googleapis.com",
	"pubsub.googleapis.com",
	"sqladmin.googleapis.com",
	"servicenetworking.googleapis.com",
	"cloudbilling.googleapis.com",
}

// gcpLroPollCap bounds how many times wait_for_operation polls a
// long-running operation before giving up.
const gcpLroPollCap = 120

var gcpBackoffSeconds = []int{1, 2, 4, 8, 16, 30}

// GcpDriver provisions enclaves, partitions, exports and imports against
// real GCP REST APIs.
type GcpDriver struct {
	config GcpDriverConfig
	client *RateLimitedClient
	token  gcpTokenProvider
	base   gcpBaseUrls
}

// NewGcpDriverFromADC builds a GcpDriver authenticated via Application
// Default Credentials.
func NewGcpDriverFromADC(ctx context.Context, config GcpDriverConfig) (*GcpDriver, error) {
	token, err := newAdcTokenProvider(ctx)
	if err != nil {
		return nil, err
	}
	return &GcpDriver{
		config: config,
		client: NewRateLimitedClient("gcp", 10, 20),
		token:  token,
		base:   defaultGcpBaseUrls(),
	}, nil
}

// newGcpDriverForTest builds a GcpDriver with a static bearer token and
// base urls pointed at a test server. Not exposed outside the package.
func newGcpDriverForTest(config GcpDriverConfig, token string, base gcpBaseUrls) *GcpDriver {
	return &GcpDriver{
		config: config,
		client: NewRateLimitedClient("gcp", 1000, 1000),
		token:  staticTokenProvider{token: token},
		base:   base,
	}
}

func (d *GcpDriver) Name() string { return "gcp" }

func (d *GcpDriver) bearer(ctx context.Context) (string, error) {
	return d.token.Token(ctx)
}

func (d *GcpDriver) region(enclave *domain.Enclave) string {
	if enclave.Region != "" {
		return enclave.Region
	}
	return d.config.DefaultRegion
}

// extractGcpError converts a GCP REST error envelope into a readable
// message, e.g. "PERMISSION_DENIED: ... [IAM_PERMISSION_DENIED — compute.networks.create]".
func extractGcpError(body map[string]any) string {
	errObj, _ := body["error"].(map[string]any)
	status := jsonString(errObj, "status", "UNKNOWN")
	message := jsonString(errObj, "message", "unknown error")

	var suffix string
	if details, ok := errObj["details"].([]any); ok && len(details) > 0 {
		if detail, ok := details[0].(map[string]any); ok {
			if reason, ok := detail["reason"].(string); ok {
				var metaVals []string
				if meta, ok := detail["metadata"].(map[string]any); ok {
					for _, v := range meta {
						if s, ok := v.(string); ok {
							metaVals = append(metaVals, s)
						}
					}
				}
				suffix = fmt.Sprintf(" [%s — %s]", reason, strings.Join(metaVals, ", "))
			}
		}
	}
	return fmt.Sprintf("%s: %s%s", status, message, suffix)
}

// waitForOperation polls a GCP long-running operation URL until it
// completes or the poll cap is exhausted.
//
// Backoff: 1s, 2s, 4s, 8s, 16s, 30s, then again from 1s, cycling;
// capped at 120 polls.
func (d *GcpDriver) waitForOperation(ctx context.Context, opURL string) (map[string]any, error) {
	token, err := d.bearer(ctx)
	if err != nil {
		return nil, err
	}

	for i := 0; i < gcpLroPollCap; i++ {
		resp, _, err := d.client.JSON(ctx, "GET", opURL, token, nil)
		if err != nil {
			return nil, ErrInternal("poll %s: %v", opURL, err)
		}

		if jsonBool(resp, "done") {
			metrics.DriverLroPolls.WithLabelValues("gcp").Observe(float64(i + 1))
			if _, hasErr := resp["error"]; hasErr {
				msg := extractGcpError(map[string]any{"error": resp["error"]})
				return nil, ErrProvisionFailed("operation failed: %s", msg)
			}
			response, _ := resp["response"].(map[string]any)
			return response, nil
		}

		delay := gcpBackoffSeconds[i%len(gcpBackoffSeconds)]
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
	}

	metrics.DriverLroPolls.WithLabelValues("gcp").Observe(float64(gcpLroPollCap))
	return nil, ErrProvisionFailed("GCP operation timed out after %d polls", gcpLroPollCap)
}

func (d *GcpDriver) postJSON(ctx context.Context, url, token string, body any) (map[string]any, error) {
	resp, _, err := d.client.JSON(ctx, "POST", url, token, body)
	if err != nil {
		return nil, ErrProvisionFailed("%v", err)
	}
	if _, hasErr := resp["error"]; hasErr {
		return nil, ErrProvisionFailed("%s", extractGcpError(resp))
	}
	return resp, nil
}

// ── provision_enclave ────────────────────────────────────────────────────

func (d *GcpDriver) ProvisionEnclave(ctx context.Context, enclave *domain.Enclave, existing Handle) (*ProvisionResult, error) {
	token, err := d.bearer(ctx)
	if err != nil {
		return nil, err
	}
	projectID := string(enclave.ID)
	region := d.region(enclave)

	if existing != nil {
		existingMap, err := decodeHandle(existing)
		if err == nil {
			if pid := jsonString(existingMap, "project_id", ""); pid != "" {
				url := fmt.Sprintf("%s/v3/projects/%s", d.base.resourcemanager, pid)
				_, resp, err := d.client.JSON(ctx, "GET", url, token, nil)
				if err == nil && resp != nil && resp.StatusCode/100 == 2 {
					log.WithComponent("driver.gcp").Debug().Str("project_id", pid).Msg("project already exists, skipping creation")
					return &ProvisionResult{Handle: existing, Outputs: map[string]string{}}, nil
				}
			}
		}
	}

	log.WithComponent("driver.gcp").Info().Str("project_id", projectID).Msg("creating GCP project")
	createURL := fmt.Sprintf("%s/v3/projects", d.base.resourcemanager)
	op, err := d.postJSON(ctx, createURL, token, map[string]any{
		"projectId":   projectID,
		"displayName": enclave.Name,
		"parent":      d.config.Parent,
	})
	if err != nil {
		return nil, err
	}
	opName := jsonString(op, "name", "")
	if opName == "" {
		return nil, ErrProvisionFailed("create project: no operation name")
	}
	projectResp, err := d.waitForOperation(ctx, fmt.Sprintf("%s/v3/%s", d.base.resourcemanager, opName))
	if err != nil {
		return nil, err
	}
	projectNumber := jsonString(projectResp, "projectNumber", "")

	billingURL := fmt.Sprintf("%s/v1/projects/%s/billingInfo", d.base.cloudbilling, projectID)
	if _, _, err := d.client.JSON(ctx, "PUT", billingURL, token, map[string]any{"billingAccountName": d.config.BillingAccount}); err != nil {
		return nil, ErrProvisionFailed("billing link: %v", err)
	}

	enableURL := fmt.Sprintf("%s/v1/projects/%s/services:batchEnable", d.base.serviceusage, projectID)
	enableOp, err := d.postJSON(ctx, enableURL, token, map[string]any{"serviceIds": requiredGcpAPIs})
	if err != nil {
		return nil, err
	}
	if opName := jsonString(enableOp, "name", ""); opName != "" {
		if _, err := d.waitForOperation(ctx, fmt.Sprintf("%s/v1/%s", d.base.serviceusage, opName)); err != nil {
			return nil, err
		}
	}

	saID := enclave.Identity
	if saID == "" {
		saID = projectID
	}
	saURL := fmt.Sprintf("%s/v1/projects/%s/serviceAccounts", d.base.iam, projectID)
	saResp, err := d.postJSON(ctx, saURL, token, map[string]any{
		"accountId":      saID,
		"serviceAccount": map[string]any{"displayName": enclave.Name},
	})
	if err != nil {
		return nil, err
	}
	saEmail := jsonString(saResp, "email", fmt.Sprintf("%s@%s.iam.gserviceaccount.com", saID, projectID))

	var vpcSelfLink string
	if enclave.Network != nil {
		vpcURL := fmt.Sprintf("%s/compute/v1/projects/%s/global/networks", d.base.compute, projectID)
		vpcOp, err := d.postJSON(ctx, vpcURL, token, map[string]any{"name": "nclav-vpc", "autoCreateSubnetworks": false})
		if err != nil {
			return nil, err
		}
		if opName := jsonString(vpcOp, "name", ""); opName != "" {
			opURL := fmt.Sprintf("%s/compute/v1/projects/%s/global/operations/%s", d.base.compute, projectID, opName)
			if _, err := d.waitForOperation(ctx, opURL); err != nil {
				return nil, err
			}
		}
		vpcSelfLink = fmt.Sprintf("https://www.googleapis.com/compute/v1/projects/%s/global/networks/nclav-vpc", projectID)
	}

	handle := mustMarshal(map[string]any{
		"driver":                "gcp",
		"kind":                  "enclave",
		"project_id":            projectID,
		"project_number":        projectNumber,
		"service_account_email": saEmail,
		"vpc_self_link":         vpcSelfLink,
		"region":                region,
	})
	return &ProvisionResult{Handle: handle, Outputs: map[string]string{}}, nil
}

func (d *GcpDriver) TeardownEnclave(ctx context.Context, enclave *domain.Enclave, _ Handle) error {
	token, err := d.bearer(ctx)
	if err != nil {
		return err
	}
	projectID := string(enclave.ID)
	url := fmt.Sprintf("%s/v3/projects/%s", d.base.resourcemanager, projectID)

	resp, httpResp, err := d.client.JSON(ctx, "DELETE", url, token, nil)
	if err != nil {
		return ErrTeardownFailed("%v", err)
	}
	if httpResp.StatusCode/100 != 2 && httpResp.StatusCode != 404 {
		return ErrTeardownFailed("%s", extractGcpError(resp))
	}
	log.WithComponent("driver.gcp").Info().Str("project_id", projectID).Msg("GCP project delete requested (30-day hold)")
	return nil
}

// ── provision_partition ──────────────────────────────────────────────────

func (d *GcpDriver) ProvisionPartition(ctx context.Context, enclave *domain.Enclave, partition *domain.Partition, resolvedInputs map[string]string, _ Handle) (*ProvisionResult, error) {
	token, err := d.bearer(ctx)
	if err != nil {
		return nil, err
	}
	projectID := string(enclave.ID)
	region := d.region(enclave)
	partitionID := string(partition.ID)

	switch partition.Produces {
	case domain.ProducesHTTP:
		return d.provisionCloudRun(ctx, token, projectID, region, partitionID, resolvedInputs)
	case domain.ProducesTCP:
		return d.provisionCloudSQL(ctx, token, projectID, region, partitionID)
	case domain.ProducesQueue:
		return d.provisionPubSubTopic(ctx, token, projectID, partitionID)
	default:
		return nil, ErrProvisionFailed("partition %q has no produces type; GCP driver requires one", partitionID)
	}
}

func (d *GcpDriver) provisionCloudRun(ctx context.Context, token, projectID, region, partitionID string, resolvedInputs map[string]string) (*ProvisionResult, error) {
	image := resolvedInputs["image"]
	if image == "" {
		image = "gcr.io/cloudrun/hello"
	}
	saEmail := fmt.Sprintf("%s@%s.iam.gserviceaccount.com", projectID, projectID)

	var env []map[string]string
	for k, v := range resolvedInputs {
		if k == "image" {
			continue
		}
		env = append(env, map[string]string{"name": k, "value": v})
	}

	serviceName := fmt.Sprintf("projects/%s/locations/%s/services/%s", projectID, region, partitionID)
	url := fmt.Sprintf("%s/v2/projects/%s/locations/%s/services", d.base.run, projectID, region)
	op, err := d.postJSON(ctx, url, token, map[string]any{
		"name": serviceName,
		"template": map[string]any{
			"serviceAccount": saEmail,
			"containers":     []map[string]any{{"image": image, "env": env}},
		},
		"ingress": "INGRESS_TRAFFIC_INTERNAL_ONLY",
	})
	if err != nil {
		return nil, err
	}

	if _, hasDone := op["done"]; hasDone && !jsonBool(op, "done") {
		opName := jsonString(op, "name", "")
		if opName == "" {
			return nil, ErrProvisionFailed("Cloud Run op: no name")
		}
		if _, err := d.waitForOperation(ctx, fmt.Sprintf("%s/v2/%s", d.base.run, opName)); err != nil {
			return nil, err
		}
	}

	getURL := fmt.Sprintf("%s/v2/projects/%s/locations/%s/services/%s", d.base.run, projectID, region, partitionID)
	svc, _, err := d.client.JSON(ctx, "GET", getURL, token, nil)
	if err != nil {
		return nil, ErrInternal("%v", err)
	}
	serviceURL := jsonString(svc, "uri", "")
	hostname := strings.TrimPrefix(serviceURL, "https://")

	handle := mustMarshal(map[string]any{
		"driver": "gcp", "kind": "partition", "type": "cloud_run",
		"project_id": projectID, "region": region, "service_name": serviceName, "service_url": serviceURL,
	})
	return &ProvisionResult{Handle: handle, Outputs: map[string]string{"hostname": hostname, "port": "443"}}, nil
}

func (d *GcpDriver) provisionCloudSQL(ctx context.Context, token, projectID, region, partitionID string) (*ProvisionResult, error) {
	url := fmt.Sprintf("%s/v1/projects/%s/instances", d.base.sqladmin, projectID)
	vpcLink := fmt.Sprintf("projects/%s/global/networks/nclav-vpc", projectID)
	op, err := d.postJSON(ctx, url, token, map[string]any{
		"name":            partitionID,
		"databaseVersion": "POSTGRES_16",
		"region":          region,
		"settings": map[string]any{
			"tier": "db-f1-micro",
			"ipConfiguration": map[string]any{
				"ipv4Enabled":    false,
				"privateNetwork": vpcLink,
			},
		},
	})
	if err != nil {
		return nil, err
	}
	if opName := jsonString(op, "name", ""); opName != "" {
		opURL := fmt.Sprintf("%s/v1/projects/%s/operations/%s", d.base.sqladmin, projectID, opName)
		if _, err := d.waitForOperation(ctx, opURL); err != nil {
			return nil, err
		}
	}

	getURL := fmt.Sprintf("%s/v1/projects/%s/instances/%s", d.base.sqladmin, projectID, partitionID)
	instance, _, err := d.client.JSON(ctx, "GET", getURL, token, nil)
	if err != nil {
		return nil, ErrInternal("%v", err)
	}
	hostname := privateIP(instance, "127.0.0.1")

	handle := mustMarshal(map[string]any{
		"driver": "gcp", "kind": "partition", "type": "cloud_sql",
		"project_id": projectID, "instance_name": partitionID, "region": region,
	})
	return &ProvisionResult{Handle: handle, Outputs: map[string]string{"hostname": hostname, "port": "5432"}}, nil
}

func (d *GcpDriver) provisionPubSubTopic(ctx context.Context, token, projectID, partitionID string) (*ProvisionResult, error) {
	url := fmt.Sprintf("%s/v1/projects/%s/topics/%s", d.base.pubsub, projectID, partitionID)
	resp, httpResp, err := d.client.JSON(ctx, "PUT", url, token, map[string]any{})
	if err != nil {
		return nil, ErrProvisionFailed("%v", err)
	}
	// 409 ALREADY_EXISTS is idempotent success.
	if httpResp.StatusCode/100 != 2 && httpResp.StatusCode != 409 {
		return nil, ErrProvisionFailed("%s", extractGcpError(resp))
	}

	queueURL := fmt.Sprintf("projects/%s/topics/%s", projectID, partitionID)
	handle := mustMarshal(map[string]any{
		"driver": "gcp", "kind": "partition", "type": "pubsub_topic",
		"project_id": projectID, "topic_name": queueURL,
	})
	return &ProvisionResult{Handle: handle, Outputs: map[string]string{"queue_url": queueURL}}, nil
}

func (d *GcpDriver) TeardownPartition(ctx context.Context, enclave *domain.Enclave, partition *domain.Partition, handle Handle) error {
	token, err := d.bearer(ctx)
	if err != nil {
		return err
	}
	projectID := string(enclave.ID)
	partitionID := string(partition.ID)
	region := d.region(enclave)

	handleMap, _ := decodeHandle(handle)
	var url string
	switch jsonString(handleMap, "type", "") {
	case "cloud_run":
		url = fmt.Sprintf("%s/v2/projects/%s/locations/%s/services/%s", d.base.run, projectID, region, partitionID)
	case "cloud_sql":
		url = fmt.Sprintf("%s/v1/projects/%s/instances/%s", d.base.sqladmin, projectID, partitionID)
	case "pubsub_topic":
		url = fmt.Sprintf("%s/v1/projects/%s/topics/%s", d.base.pubsub, projectID, partitionID)
	default:
		log.WithComponent("driver.gcp").Warn().Str("kind", jsonString(handleMap, "type", "")).Msg("teardown_partition: unknown partition type, skipping")
		return nil
	}

	resp, httpResp, err := d.client.JSON(ctx, "DELETE", url, token, nil)
	if err != nil {
		return ErrTeardownFailed("%v", err)
	}
	if httpResp.StatusCode/100 != 2 && httpResp.StatusCode != 404 {
		return ErrTeardownFailed("%s", extractGcpError(resp))
	}
	return nil
}

// ── provision_export / provision_import ──────────────────────────────────

func (d *GcpDriver) ProvisionExport(ctx context.Context, enclave *domain.Enclave, export *domain.Export, partitionOutputs map[string]string, _ Handle) (*ProvisionResult, error) {
	token, err := d.bearer(ctx)
	if err != nil {
		return nil, err
	}
	projectID := string(enclave.ID)
	region := d.region(enclave)

	switch export.ExportType {
	case domain.ExportHTTP:
		serviceName := fmt.Sprintf("projects/%s/locations/%s/services/%s", projectID, region, export.TargetPartition)
		var bindings []string
		if export.Auth == domain.AuthNone {
			iamURL := fmt.Sprintf("%s/v2/%s:setIamPolicy", d.base.run, serviceName)
			if _, err := d.postJSON(ctx, iamURL, token, map[string]any{
				"policy": map[string]any{
					"bindings": []map[string]any{{"role": "roles/run.invoker", "members": []string{"allUsers"}}},
				},
			}); err != nil {
				return nil, err
			}
			bindings = []string{"allUsers:roles/run.invoker"}
		}
		handle := mustMarshal(map[string]any{
			"driver": "gcp", "kind": "export", "type": "http",
			"project_id": projectID, "export_name": export.Name, "cloud_run_service": serviceName,
			"iam_bindings_applied": bindings, "outputs": partitionOutputs,
		})
		return &ProvisionResult{Handle: handle, Outputs: copyMap(partitionOutputs)}, nil

	case domain.ExportTCP:
		handle := mustMarshal(map[string]any{
			"driver": "gcp", "kind": "export", "type": "tcp",
			"project_id": projectID, "export_name": export.Name, "region": region, "outputs": partitionOutputs,
		})
		return &ProvisionResult{Handle: handle, Outputs: copyMap(partitionOutputs)}, nil

	case domain.ExportQueue:
		handle := mustMarshal(map[string]any{
			"driver": "gcp", "kind": "export", "type": "queue",
			"project_id": projectID, "export_name": export.Name, "topic": partitionOutputs["queue_url"], "outputs": partitionOutputs,
		})
		return &ProvisionResult{Handle: handle, Outputs: copyMap(partitionOutputs)}, nil

	default:
		return nil, ErrProvisionFailed("unsupported export type %q", export.ExportType)
	}
}

func (d *GcpDriver) ProvisionImport(ctx context.Context, importer *domain.Enclave, imp *domain.Import, exportHandle Handle, _ Handle) (*ProvisionResult, error) {
	token, err := d.bearer(ctx)
	if err != nil {
		return nil, err
	}
	importerProject := string(importer.ID)
	exportMap, _ := decodeHandle(exportHandle)
	exportType := jsonString(exportMap, "type", "")
	outputs := map[string]string{}

	switch exportType {
	case "http", "tcp":
		if outs, ok := exportMap["outputs"].(map[string]any); ok {
			for k, v := range outs {
				if s, ok := v.(string); ok {
					outputs[k] = s
				}
			}
		}
		handle := mustMarshal(map[string]any{
			"driver": "gcp", "kind": "import", "type": exportType,
			"importer_project": importerProject, "alias": imp.Alias, "outputs": outputs,
		})
		return &ProvisionResult{Handle: handle, Outputs: outputs}, nil

	case "queue":
		exporterTopic := jsonString(exportMap, "topic", "")
		subURL := fmt.Sprintf("%s/v1/projects/%s/subscriptions/%s", d.base.pubsub, importerProject, imp.Alias)
		resp, httpResp, err := d.client.JSON(ctx, "PUT", subURL, token, map[string]any{
			"topic": exporterTopic, "ackDeadlineSeconds": 60,
		})
		if err != nil {
			return nil, ErrProvisionFailed("%v", err)
		}
		if httpResp.StatusCode/100 != 2 && httpResp.StatusCode != 409 {
			return nil, ErrProvisionFailed("%s", extractGcpError(resp))
		}

		queueURL := fmt.Sprintf("projects/%s/subscriptions/%s", importerProject, imp.Alias)
		outputs["queue_url"] = queueURL
		handle := mustMarshal(map[string]any{
			"driver": "gcp", "kind": "import", "type": "queue",
			"importer_project": importerProject, "alias": imp.Alias, "subscription": queueURL, "outputs": outputs,
		})
		return &ProvisionResult{Handle: handle, Outputs: outputs}, nil

	default:
		return nil, ErrProvisionFailed("provision_import: unknown export type %q in export handle", exportType)
	}
}

// ── observe ───────────────────────────────────────────────────────────────

func (d *GcpDriver) ObserveEnclave(ctx context.Context, enclave *domain.Enclave, handle Handle) (*ObservedState, error) {
	token, err := d.bearer(ctx)
	if err != nil {
		return nil, err
	}
	handleMap, _ := decodeHandle(handle)
	projectID := jsonString(handleMap, "project_id", string(enclave.ID))

	url := fmt.Sprintf("%s/v3/projects/%s", d.base.resourcemanager, projectID)
	resp, httpResp, err := d.client.JSON(ctx, "GET", url, token, nil)
	if err != nil {
		return nil, ErrInternal("%v", err)
	}
	if httpResp.StatusCode == 404 {
		return &ObservedState{Outputs: map[string]string{}, Raw: mustMarshal(map[string]any{})}, nil
	}
	if httpResp.StatusCode/100 != 2 {
		return nil, ErrInternal("%s", extractGcpError(resp))
	}
	healthy := jsonString(resp, "lifecycleState", "") == "ACTIVE"
	return &ObservedState{Exists: true, Healthy: healthy, Outputs: map[string]string{}, Raw: mustMarshal(resp)}, nil
}

func (d *GcpDriver) ObservePartition(ctx context.Context, enclave *domain.Enclave, partition *domain.Partition, handle Handle) (*ObservedState, error) {
	token, err := d.bearer(ctx)
	if err != nil {
		return nil, err
	}
	handleMap, _ := decodeHandle(handle)
	projectID := jsonString(handleMap, "project_id", string(enclave.ID))
	region := d.region(enclave)
	partitionID := string(partition.ID)

	switch jsonString(handleMap, "type", "") {
	case "cloud_run":
		url := fmt.Sprintf("%s/v2/projects/%s/locations/%s/services/%s", d.base.run, projectID, region, partitionID)
		svc, httpResp, err := d.client.JSON(ctx, "GET", url, token, nil)
		if err != nil {
			return nil, ErrInternal("%v", err)
		}
		if httpResp.StatusCode == 404 {
			return &ObservedState{Outputs: map[string]string{}, Raw: mustMarshal(map[string]any{})}, nil
		}
		healthy := readyCondition(svc) == "True"
		serviceURL := jsonString(svc, "uri", "")
		hostname := strings.TrimPrefix(serviceURL, "https://")
		outputs := map[string]string{}
		if hostname != "" {
			outputs["hostname"] = hostname
			outputs["port"] = "443"
		}
		return &ObservedState{Exists: true, Healthy: healthy, Outputs: outputs, Raw: mustMarshal(svc)}, nil

	case "cloud_sql":
		url := fmt.Sprintf("%s/v1/projects/%s/instances/%s", d.base.sqladmin, projectID, partitionID)
		instance, httpResp, err := d.client.JSON(ctx, "GET", url, token, nil)
		if err != nil {
			return nil, ErrInternal("%v", err)
		}
		if httpResp.StatusCode == 404 {
			return &ObservedState{Outputs: map[string]string{}, Raw: mustMarshal(map[string]any{})}, nil
		}
		healthy := jsonString(instance, "state", "") == "RUNNABLE"
		hostname := privateIP(instance, "")
		outputs := map[string]string{}
		if hostname != "" {
			outputs["hostname"] = hostname
			outputs["port"] = "5432"
		}
		return &ObservedState{Exists: true, Healthy: healthy, Outputs: outputs, Raw: mustMarshal(instance)}, nil

	case "pubsub_topic":
		topic := jsonString(handleMap, "topic_name", fmt.Sprintf("projects/%s/topics/%s", projectID, partitionID))
		url := fmt.Sprintf("%s/v1/%s", d.base.pubsub, topic)
		topicResp, httpResp, err := d.client.JSON(ctx, "GET", url, token, nil)
		if err != nil {
			return nil, ErrInternal("%v", err)
		}
		if httpResp.StatusCode == 404 {
			return &ObservedState{Outputs: map[string]string{}, Raw: mustMarshal(map[string]any{})}, nil
		}
		queueURL := jsonString(topicResp, "name", topic)
		return &ObservedState{Exists: true, Healthy: true, Outputs: map[string]string{"queue_url": queueURL}, Raw: mustMarshal(topicResp)}, nil

	default:
		log.WithComponent("driver.gcp").Warn().Str("kind", jsonString(handleMap, "type", "")).Msg("observe_partition: unknown partition type")
		return &ObservedState{Outputs: map[string]string{}, Raw: mustMarshal(map[string]any{})}, nil
	}
}

// ── context_vars / auth_env ───────────────────────────────────────────────

func (d *GcpDriver) ContextVars(enclave *domain.Enclave, handle Handle) map[string]string {
	handleMap, _ := decodeHandle(handle)
	projectID := jsonString(handleMap, "project_id", "")
	region := jsonString(handleMap, "region", d.config.DefaultRegion)
	return map[string]string{
		"nclav_project_id": projectID,
		"nclav_region":     region,
		"nclav_enclave":    string(enclave.ID),
	}
}

func (d *GcpDriver) AuthEnv(_ *domain.Enclave, handle Handle) map[string]string {
	handleMap, _ := decodeHandle(handle)
	saEmail := jsonString(handleMap, "service_account_email", "")
	projectID := jsonString(handleMap, "project_id", "")

	env := map[string]string{}
	if projectID != "" {
		env["GOOGLE_PROJECT"] = projectID
	}
	if saEmail != "" {
		env["GOOGLE_IMPERSONATE_SERVICE_ACCOUNT"] = saEmail
	}
	return env
}

// ── helpers ──────────────────────────────────────────────────────────────

func privateIP(instance map[string]any, fallback string) string {
	addrs, ok := instance["ipAddresses"].([]any)
	if !ok {
		return fallback
	}
	for _, a := range addrs {
		addr, ok := a.(map[string]any)
		if !ok {
			continue
		}
		if jsonString(addr, "type", "") == "PRIVATE" {
			return jsonString(addr, "ipAddress", fallback)
		}
	}
	return fallback
}

func readyCondition(svc map[string]any) string {
	conditions, ok := svc["conditions"].([]any)
	if !ok {
		return ""
	}
	for _, c := range conditions {
		cond, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if jsonString(cond, "type", "") == "Ready" {
			return jsonString(cond, "status", "")
		}
	}
	return ""
}
