package driver

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nclav-io/nclav/pkg/domain"
	"github.com/nclav-io/nclav/pkg/log"
	"github.com/nclav-io/nclav/pkg/metrics"
)

// AzureDriverConfig is operator-level configuration for the Azure driver,
// never stored in per-enclave YAML.
type AzureDriverConfig struct {
	TenantID            string
	ManagementGroupID   string
	BillingAccountName  string
	BillingProfileName  string
	InvoiceSectionName  string
	DefaultLocation     string
	SubscriptionPrefix  string
	ClientID            string
	ClientSecret        string
}

type azureBaseUrls struct {
	management string
	login      string
}

func defaultAzureBaseUrls() azureBaseUrls {
	return azureBaseUrls{
		management: "https://management.azure.com",
		login:      "https://login.microsoftonline.com",
	}
}

type azureTokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type cachedToken struct {
	value  string
	expiry time.Time
}

// azureServicePrincipalTokenProvider exchanges a client id/secret for a
// management-plane bearer token, caching it until shortly before expiry.
type azureServicePrincipalTokenProvider struct {
	tenantID     string
	clientID     string
	clientSecret string
	loginBase    string
	client       *RateLimitedClient

	mu    sync.Mutex
	cache *cachedToken
}

func (p *azureServicePrincipalTokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.cache != nil && time.Now().Before(p.cache.expiry) {
		tok := p.cache.value
		p.mu.Unlock()
		return tok, nil
	}
	p.mu.Unlock()

	tokenURL := fmt.Sprintf("%s/%s/oauth2/v2.0/token", p.loginBase, p.tenantID)
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
		"scope":         {"https://management.azure.com/.default"},
	}
	resp, _, err := p.client.Form(ctx, tokenURL, form)
	if err != nil {
		return "", ErrInternal("SP token request: %v", err)
	}
	tok := jsonString(resp, "access_token", "")
	if tok == "" {
		return "", ErrInternal("SP token: no access_token in response")
	}
	expiresIn := int64(3600)
	if v, ok := resp["expires_in"].(float64); ok {
		expiresIn = int64(v)
	}
	if expiresIn < 60 {
		expiresIn = 60
	}

	p.mu.Lock()
	p.cache = &cachedToken{value: tok, expiry: time.Now().Add(time.Duration(expiresIn-60) * time.Second)}
	p.mu.Unlock()
	return tok, nil
}

// azureManagedIdentityTokenProvider fetches a token from the Azure
// Instance Metadata Service when running inside Azure with a managed
// identity attached.
type azureManagedIdentityTokenProvider struct {
	client *RateLimitedClient

	mu    sync.Mutex
	cache *cachedToken
}

func (p *azureManagedIdentityTokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.cache != nil && time.Now().Before(p.cache.expiry) {
		tok := p.cache.value
		p.mu.Unlock()
		return tok, nil
	}
	p.mu.Unlock()

	imdsURL := "http://169.254.169.254/metadata/identity/oauth2/token" +
		"?api-version=2018-02-01&resource=https%3A%2F%2Fmanagement.azure.com%2F"
	resp, _, err := p.client.JSONHeaders(ctx, "GET", imdsURL, nil, map[string]string{"Metadata": "true"})
	if err != nil {
		return "", ErrInternal("IMDS token request: %v", err)
	}
	tok := jsonString(resp, "access_token", "")
	if tok == "" {
		return "", ErrInternal("IMDS token: no access_token in response")
	}
	expiresIn := int64(3600)
	if s := jsonString(resp, "expires_in", ""); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			expiresIn = v
		}
	}
	if expiresIn < 60 {
		expiresIn = 60
	}

	p.mu.Lock()
	p.cache = &cachedToken{value: tok, expiry: time.Now().Add(time.Duration(expiresIn-60) * time.Second)}
	p.mu.Unlock()
	return tok, nil
}

// azureCliTokenProvider shells out to `az account get-access-token` for
// local development, requiring no credentials in process config at all.
type azureCliTokenProvider struct {
	tenantID string
}

func (p azureCliTokenProvider) Token(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "az", "account", "get-access-token",
		"--resource", "https://management.azure.com",
		"--tenant", p.tenantID,
		"--output", "json")
	out, err := cmd.Output()
	if err != nil {
		return "", ErrInternal("az CLI not found or failed: %v. Install Azure CLI or configure service principal credentials.", err)
	}
	decoded, err := decodeHandle(out)
	if err != nil {
		return "", ErrInternal("az CLI output parse: %v", err)
	}
	tok := jsonString(decoded, "accessToken", "")
	if tok == "" {
		return "", ErrInternal("az CLI: no accessToken in output")
	}
	return tok, nil
}

type azureStaticTokenProvider struct{ token string }

func (p azureStaticTokenProvider) Token(context.Context) (string, error) { return p.token, nil }

// AzureDriver provisions enclaves, partitions, exports and imports
// against real ARM REST APIs.
type AzureDriver struct {
	config AzureDriverConfig
	client *RateLimitedClient
	token  azureTokenProvider
	base   azureBaseUrls
}

// NewAzureDriver auto-selects the token provider in priority order:
// config client id/secret, then AZURE_CLIENT_ID/AZURE_CLIENT_SECRET env
// vars, then IMDS (managed identity), then the az CLI.
func NewAzureDriver(config AzureDriverConfig) *AzureDriver {
	client := NewRateLimitedClient("azure", 10, 20)
	base := defaultAzureBaseUrls()

	var token azureTokenProvider
	switch {
	case config.ClientID != "" && config.ClientSecret != "":
		token = &azureServicePrincipalTokenProvider{
			tenantID: config.TenantID, clientID: config.ClientID, clientSecret: config.ClientSecret,
			loginBase: base.login, client: client,
		}
	case os.Getenv("AZURE_CLIENT_ID") != "" && os.Getenv("AZURE_CLIENT_SECRET") != "":
		token = &azureServicePrincipalTokenProvider{
			tenantID: config.TenantID, clientID: os.Getenv("AZURE_CLIENT_ID"), clientSecret: os.Getenv("AZURE_CLIENT_SECRET"),
			loginBase: base.login, client: client,
		}
	case os.Getenv("IDENTITY_ENDPOINT") != "":
		token = &azureManagedIdentityTokenProvider{client: client}
	default:
		token = azureCliTokenProvider{tenantID: config.TenantID}
	}

	return &AzureDriver{config: config, client: client, token: token, base: base}
}

func newAzureDriverForTest(config AzureDriverConfig, token string, base azureBaseUrls) *AzureDriver {
	return &AzureDriver{
		config: config,
		client: NewRateLimitedClient("azure", 1000, 1000),
		token:  azureStaticTokenProvider{token: token},
		base:   base,
	}
}

func (d *AzureDriver) Name() string { return "azure" }

func (d *AzureDriver) bearer(ctx context.Context) (string, error) { return d.token.Token(ctx) }

func (d *AzureDriver) location(enclave *domain.Enclave) string {
	if enclave.Region != "" {
		return enclave.Region
	}
	return d.config.DefaultLocation
}

func (d *AzureDriver) subscriptionAlias(enclaveID string) string {
	raw := enclaveID
	if d.config.SubscriptionPrefix != "" {
		raw = d.config.SubscriptionPrefix + "-" + enclaveID
	}
	return sanitizeSubscriptionAlias(raw)
}

func (d *AzureDriver) billingScope() string {
	return fmt.Sprintf("/providers/Microsoft.Billing/billingAccounts/%s/billingProfiles/%s/invoiceSections/%s",
		d.config.BillingAccountName, d.config.BillingProfileName, d.config.InvoiceSectionName)
}

func parseArmError(body map[string]any) string {
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		errObj, _ = body["Error"].(map[string]any)
	}
	if errObj == nil {
		errObj = body
	}
	return fmt.Sprintf("%s: %s", jsonString(errObj, "code", "Unknown"), jsonString(errObj, "message", "unknown error"))
}

// waitForOperation polls an ARM async operation URL until status reaches
// "Succeeded"/"Failed"/"Canceled", backing off [1,2,4,8,16,30]s cycling,
// capped at 120 polls.
func (d *AzureDriver) waitForOperation(ctx context.Context, opURL string) (map[string]any, error) {
	token, err := d.bearer(ctx)
	if err != nil {
		return nil, err
	}
	for i := 0; i < gcpLroPollCap; i++ {
		body, _, err := d.client.JSON(ctx, "GET", opURL, token, nil)
		if err != nil {
			return nil, ErrInternal("poll %s: %v", opURL, err)
		}
		switch jsonString(body, "status", "Unknown") {
		case "Succeeded":
			metrics.DriverLroPolls.WithLabelValues("azure").Observe(float64(i + 1))
			return body, nil
		case "Failed", "Canceled":
			metrics.DriverLroPolls.WithLabelValues("azure").Observe(float64(i + 1))
			return nil, ErrProvisionFailed("ARM operation failed (%s): %s", jsonString(body, "status", ""), parseArmError(body))
		}
		if err := sleepCtx(ctx, gcpBackoffSeconds[i%len(gcpBackoffSeconds)]); err != nil {
			return nil, err
		}
	}
	metrics.DriverLroPolls.WithLabelValues("azure").Observe(float64(gcpLroPollCap))
	return nil, ErrProvisionFailed("Azure ARM operation timed out after %d polls: %s", gcpLroPollCap, opURL)
}

func (d *AzureDriver) armPut(ctx context.Context, u string, body any) (int, map[string]any, error) {
	token, err := d.bearer(ctx)
	if err != nil {
		return 0, nil, err
	}
	resp, httpResp, err := d.client.JSON(ctx, "PUT", u, token, body)
	if err != nil {
		return 0, nil, ErrProvisionFailed("PUT %s: %v", u, err)
	}
	return httpResp.StatusCode, resp, nil
}

func (d *AzureDriver) armGet(ctx context.Context, u string) (int, map[string]any, error) {
	token, err := d.bearer(ctx)
	if err != nil {
		return 0, nil, err
	}
	resp, httpResp, err := d.client.JSON(ctx, "GET", u, token, nil)
	if err != nil {
		return 0, nil, ErrInternal("GET %s: %v", u, err)
	}
	return httpResp.StatusCode, resp, nil
}

func (d *AzureDriver) armDelete(ctx context.Context, u string) error {
	token, err := d.bearer(ctx)
	if err != nil {
		return err
	}
	resp, httpResp, err := d.client.JSON(ctx, "DELETE", u, token, nil)
	if err != nil {
		return ErrTeardownFailed("%v", err)
	}
	if httpResp.StatusCode/100 != 2 && httpResp.StatusCode != 404 {
		return ErrTeardownFailed("%s", parseArmError(resp))
	}
	return nil
}

func (d *AzureDriver) armPost(ctx context.Context, u string, body any) (map[string]any, error) {
	token, err := d.bearer(ctx)
	if err != nil {
		return nil, err
	}
	resp, httpResp, err := d.client.JSON(ctx, "POST", u, token, body)
	if err != nil {
		return nil, ErrProvisionFailed("%v", err)
	}
	if httpResp.StatusCode/100 != 2 {
		return nil, ErrProvisionFailed("%s", parseArmError(resp))
	}
	return resp, nil
}

// armPutAndWait issues a PUT and, if Azure responds 202, polls the
// returned operation until completion.
func (d *AzureDriver) armPutAndWait(ctx context.Context, u string, body any) (map[string]any, error) {
	status, resp, err := d.armPut(ctx, u, body)
	if err != nil {
		return nil, err
	}
	if status == 200 || status == 201 {
		return resp, nil
	}
	if status == 202 {
		return d.waitForOperation(ctx, u)
	}
	if status == 409 {
		return nil, ErrProvisionFailed("conflict creating resource at %s", u)
	}
	return nil, ErrProvisionFailed("PUT %s: status %d — %s", u, status, parseArmError(resp))
}

// createSubscription creates (or finds) a subscription via the MCA alias
// API and returns its subscription id.
func (d *AzureDriver) createSubscription(ctx context.Context, alias, displayName string) (string, error) {
	u := fmt.Sprintf("%s/providers/Microsoft.Subscription/aliases/%s?api-version=2021-10-01", d.base.management, alias)
	body := map[string]any{
		"properties": map[string]any{
			"displayName": displayName,
			"billingScope": d.billingScope(),
			"workload":    "Production",
		},
	}

	status, respBody, err := d.armPut(ctx, u, body)
	if err != nil {
		return "", err
	}

	if status == 200 || status == 201 {
		if sid := propertiesString(respBody, "subscriptionId"); sid != "" {
			return sid, nil
		}
	}
	if status == 202 {
		result, err := d.waitForOperation(ctx, u)
		if err != nil {
			return "", err
		}
		_, aliasBody, err := d.armGet(ctx, u)
		if err != nil {
			return "", err
		}
		if sid := propertiesString(aliasBody, "subscriptionId"); sid != "" {
			return sid, nil
		}
		if sid := jsonString(result, "subscriptionId", propertiesString(result, "subscriptionId")); sid != "" {
			return sid, nil
		}
		return "", ErrProvisionFailed("subscription alias: no subscriptionId in operation result")
	}
	if status == 409 {
		log.WithComponent("driver.azure").Info().Str("alias", alias).Msg("subscription alias already exists, retrieving subscription id")
		getStatus, getBody, err := d.armGet(ctx, u)
		if err != nil {
			return "", err
		}
		if getStatus == 200 {
			if sid := propertiesString(getBody, "subscriptionId"); sid != "" {
				return sid, nil
			}
		}
		return "", ErrProvisionFailed("subscription alias 409 and GET returned %d: %s", getStatus, parseArmError(getBody))
	}

	return "", ErrProvisionFailed("create subscription alias %q: status %d — %s", alias, status, parseArmError(respBody))
}

func propertiesString(body map[string]any, key string) string {
	props, ok := body["properties"].(map[string]any)
	if !ok {
		return ""
	}
	return jsonString(props, key, "")
}

func (d *AzureDriver) moveToManagementGroup(ctx context.Context, subID string) error {
	u := fmt.Sprintf("%s/providers/Microsoft.Management/managementGroups/%s/subscriptions/%s?api-version=2020-05-01",
		d.base.management, d.config.ManagementGroupID, subID)
	status, resp, err := d.armPut(ctx, u, map[string]any{})
	if err != nil {
		return err
	}
	if status/100 == 2 || status == 204 || status == 409 {
		return nil
	}
	return ErrProvisionFailed("move subscription %s to MG %s: status %d — %s", subID, d.config.ManagementGroupID, status, parseArmError(resp))
}

func (d *AzureDriver) createResourceGroup(ctx context.Context, subID, location, enclaveID string) error {
	u := fmt.Sprintf("%s/subscriptions/%s/resourcegroups/nclav-rg?api-version=2021-04-01", d.base.management, subID)
	body := map[string]any{
		"location": location,
		"tags":     map[string]any{"nclav-managed": "true", "nclav-enclave": enclaveID},
	}
	_, err := d.armPutAndWait(ctx, u, body)
	return err
}

// createManagedIdentity creates a user-assigned managed identity in
// nclav-rg and returns (resourceID, principalID, clientID).
func (d *AzureDriver) createManagedIdentity(ctx context.Context, subID, name, location, enclaveID, partitionID string) (string, string, string, error) {
	u := fmt.Sprintf("%s/subscriptions/%s/resourceGroups/nclav-rg/providers/Microsoft.ManagedIdentity/userAssignedIdentities/%s?api-version=2023-01-31",
		d.base.management, subID, name)
	tags := map[string]any{"nclav-managed": "true", "nclav-enclave": enclaveID}
	if partitionID != "" {
		tags["nclav-partition"] = partitionID
	}
	status, body, err := d.armPut(ctx, u, map[string]any{"location": location, "tags": tags})
	if err != nil {
		return "", "", "", err
	}
	if status/100 != 2 {
		return "", "", "", ErrProvisionFailed("create managed identity %q: status %d — %s", name, status, parseArmError(body))
	}
	return jsonString(body, "id", ""), propertiesString(body, "principalId"), propertiesString(body, "clientId"), nil
}

// assignRole grants roleDefinitionID to principalID on scope, treating a
// 409 (already assigned) as success.
func (d *AzureDriver) assignRole(ctx context.Context, scope, roleDefinitionID, principalID string) error {
	u := fmt.Sprintf("%s%s/providers/Microsoft.Authorization/roleAssignments/%s?api-version=2022-04-01",
		d.base.management, scope, uuid.New().String())
	body := map[string]any{
		"properties": map[string]any{
			"roleDefinitionId": roleDefinitionID,
			"principalId":      principalID,
			"principalType":    "ServicePrincipal",
		},
	}
	status, resp, err := d.armPut(ctx, u, body)
	if err != nil {
		return err
	}
	if status/100 == 2 || status == 409 {
		return nil
	}
	return ErrProvisionFailed("assign role on %s: status %d — %s", scope, status, parseArmError(resp))
}

// sanitizeSubscriptionAlias coerces raw into a valid Azure subscription
// alias: 1-63 chars, alphanumeric/hyphen/underscore/period, no leading or
// trailing separator.
func sanitizeSubscriptionAlias(raw string) string {
	var b strings.Builder
	for _, c := range raw {
		if b.Len() == 63 {
			break
		}
		switch {
		case c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' || c == '.':
			b.WriteRune(c)
		default:
			s := b.String()
			if len(s) > 0 && !strings.HasSuffix(s, "-") {
				b.WriteByte('-')
			}
		}
	}
	out := strings.TrimFunc(b.String(), func(c rune) bool {
		return !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9')
	})
	return out
}

// partitionMiName derives a managed identity name for a partition,
// staying under Azure's 128-char limit.
func partitionMiName(partitionID string) string {
	candidate := "partition-" + partitionID
	if len(candidate) <= 64 {
		return candidate
	}
	truncated := partitionID
	if len(truncated) > 19 {
		truncated = truncated[:19]
	}
	return fmt.Sprintf("pt-%s-%06x", truncated, fnv32(partitionID)&0xFFFFFF)
}

func fnv32(s string) uint32 {
	const prime = 16777619
	var hash uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		hash ^= uint32(s[i])
		hash *= prime
	}
	return hash
}

// ── provision_enclave ────────────────────────────────────────────────────

func (d *AzureDriver) ProvisionEnclave(ctx context.Context, enclave *domain.Enclave, existing Handle) (*ProvisionResult, error) {
	if existing != nil {
		existingMap, _ := decodeHandle(existing)
		if jsonBool(existingMap, "provisioning_complete") {
			log.WithComponent("driver.azure").Info().Str("enclave_id", string(enclave.ID)).Msg("Azure enclave already provisioned, skipping")
			return &ProvisionResult{Handle: existing, Outputs: map[string]string{}}, nil
		}
	}

	enclaveID := string(enclave.ID)
	alias := d.subscriptionAlias(enclaveID)
	location := d.location(enclave)

	log.WithComponent("driver.azure").Info().Str("enclave_id", enclaveID).Str("alias", alias).Msg("provisioning Azure subscription enclave")

	subID, err := d.createSubscription(ctx, alias, enclave.Name)
	if err != nil {
		return nil, err
	}
	if err := d.moveToManagementGroup(ctx, subID); err != nil {
		return nil, err
	}
	if err := d.createResourceGroup(ctx, subID, location, enclaveID); err != nil {
		return nil, err
	}

	miName := enclave.Identity
	if miName == "" {
		miName = "nclav-identity"
	}
	identityResourceID, identityPrincipalID, identityClientID, err := d.createManagedIdentity(ctx, subID, miName, location, enclaveID, "")
	if err != nil {
		return nil, err
	}

	var vnetResourceID string
	if enclave.Network != nil {
		cidr := enclave.Network.VpcCIDR
		if cidr == "" {
			cidr = "10.0.0.0/16"
		}
		var subnets []map[string]any
		for i, prefix := range enclave.Network.Subnets {
			subnets = append(subnets, map[string]any{
				"name":       fmt.Sprintf("subnet-%d", i),
				"properties": map[string]any{"addressPrefix": prefix},
			})
		}
		vnetURL := fmt.Sprintf("%s/subscriptions/%s/resourceGroups/nclav-rg/providers/Microsoft.Network/virtualNetworks/nclav-vnet?api-version=2023-11-01",
			d.base.management, subID)
		vnetBody := map[string]any{
			"location": location,
			"tags":     map[string]any{"nclav-managed": "true", "nclav-enclave": enclaveID},
			"properties": map[string]any{
				"addressSpace": map[string]any{"addressPrefixes": []string{cidr}},
				"subnets":      subnets,
			},
		}
		vnetResult, err := d.armPutAndWait(ctx, vnetURL, vnetBody)
		if err != nil {
			return nil, ErrProvisionFailed("create VNet: %v", err)
		}
		vnetResourceID = jsonString(vnetResult, "id", "")
		if vnetResourceID == "" {
			_, vnetGet, err := d.armGet(ctx, vnetURL)
			if err == nil {
				vnetResourceID = jsonString(vnetGet, "id", "")
			}
		}
	}

	var dnsZoneName string
	if enclave.Dns != nil && enclave.Dns.Zone != "" {
		dnsZoneName = enclave.Dns.Zone
		zoneURL := fmt.Sprintf("%s/subscriptions/%s/resourceGroups/nclav-rg/providers/Microsoft.Network/privateDnsZones/%s?api-version=2020-06-01",
			d.base.management, subID, dnsZoneName)
		zoneBody := map[string]any{
			"location": "global",
			"tags":     map[string]any{"nclav-managed": "true", "nclav-enclave": enclaveID},
		}
		if _, err := d.armPutAndWait(ctx, zoneURL, zoneBody); err != nil {
			return nil, ErrProvisionFailed("create DNS zone: %v", err)
		}
		if vnetResourceID != "" {
			linkURL := fmt.Sprintf("%s/subscriptions/%s/resourceGroups/nclav-rg/providers/Microsoft.Network/privateDnsZones/%s/virtualNetworkLinks/nclav-link?api-version=2020-06-01",
				d.base.management, subID, dnsZoneName)
			linkBody := map[string]any{
				"location": "global",
				"properties": map[string]any{
					"virtualNetwork":       map[string]any{"id": vnetResourceID},
					"registrationEnabled": false,
				},
			}
			if _, err := d.armPutAndWait(ctx, linkURL, linkBody); err != nil {
				return nil, ErrProvisionFailed("create DNS VNet link: %v", err)
			}
		}
	}

	handle := mustMarshal(map[string]any{
		"driver": "azure", "kind": "enclave",
		"subscription_id": subID, "subscription_alias": alias, "resource_group": "nclav-rg",
		"location": location,
		"identity_resource_id": identityResourceID, "identity_principal_id": identityPrincipalID, "identity_client_id": identityClientID,
		"vnet_resource_id": vnetResourceID, "dns_zone_name": dnsZoneName, "provisioning_complete": true,
	})
	log.WithComponent("driver.azure").Info().Str("enclave_id", enclaveID).Str("subscription_id", subID).Msg("Azure enclave provisioning complete")
	return &ProvisionResult{Handle: handle, Outputs: map[string]string{}}, nil
}

func (d *AzureDriver) TeardownEnclave(ctx context.Context, enclave *domain.Enclave, handle Handle) error {
	handleMap, _ := decodeHandle(handle)
	subID := jsonString(handleMap, "subscription_id", "")
	if subID == "" {
		log.WithComponent("driver.azure").Warn().Str("enclave_id", string(enclave.ID)).Msg("teardown_enclave: no subscription_id in handle, nothing to cancel")
		return nil
	}
	log.WithComponent("driver.azure").Info().Str("enclave_id", string(enclave.ID)).Str("subscription_id", subID).Msg("cancelling Azure subscription (90-day hold applies)")
	u := fmt.Sprintf("%s/subscriptions/%s/providers/Microsoft.Subscription/cancel?api-version=2021-10-01", d.base.management, subID)
	_, err := d.armPost(ctx, u, map[string]any{})
	if err != nil {
		lower := strings.ToLower(err.Error())
		if strings.Contains(lower, "subscriptionnotfound") || strings.Contains(lower, "not found") {
			log.WithComponent("driver.azure").Warn().Str("subscription_id", subID).Msg("subscription not found during teardown, treating as already gone")
			return nil
		}
		return ErrTeardownFailed("cancel subscription %s: %v", subID, err)
	}
	log.WithComponent("driver.azure").Warn().Str("subscription_id", subID).Msg("Azure subscription cancelled; resources persist for ~90 days")
	return nil
}

// ── provision_partition ──────────────────────────────────────────────────

func (d *AzureDriver) ProvisionPartition(ctx context.Context, enclave *domain.Enclave, partition *domain.Partition, resolvedInputs map[string]string, existing Handle) (*ProvisionResult, error) {
	if existing != nil {
		existingMap, _ := decodeHandle(existing)
		if jsonString(existingMap, "kind", "") == "partition" && jsonString(existingMap, "driver", "") == "azure" {
			log.WithComponent("driver.azure").Info().Str("partition_id", string(partition.ID)).Msg("Azure partition already provisioned, skipping")
			return &ProvisionResult{Handle: existing, Outputs: map[string]string{}}, nil
		}
	}

	subID := resolvedInputs["nclav_subscription_id"]
	if subID == "" && existing != nil {
		existingMap, _ := decodeHandle(existing)
		subID = jsonString(existingMap, "subscription_id", "")
	}
	if subID == "" {
		subID = enclave.Identity
	}
	if subID == "" {
		return nil, ErrProvisionFailed(
			"provision_partition for enclave %q: cannot determine Azure subscription id; ensure provision_enclave has run first (injected via context_vars → nclav_subscription_id)",
			enclave.ID)
	}

	location := resolvedInputs["nclav_location"]
	if location == "" {
		location = d.location(enclave)
	}
	enclaveID := string(enclave.ID)
	partID := string(partition.ID)
	miName := partitionMiName(partID)

	identityResourceID, identityPrincipalID, identityClientID, err := d.createManagedIdentity(ctx, subID, miName, location, enclaveID, partID)
	if err != nil {
		return nil, err
	}

	contributorRole := fmt.Sprintf("/subscriptions/%s/providers/Microsoft.Authorization/roleDefinitions/b24988ac-6180-42a0-ab88-20f7382dd24c", subID)
	scope := "/subscriptions/" + subID
	if err := d.assignRole(ctx, scope, contributorRole, identityPrincipalID); err != nil {
		log.WithComponent("driver.azure").Warn().Str("partition_id", partID).Err(err).Msg("could not grant Contributor RBAC to partition MI (non-fatal)")
	}

	handle := mustMarshal(map[string]any{
		"driver": "azure", "kind": "partition", "type": "iac",
		"subscription_id": subID, "resource_group": "nclav-rg",
		"partition_identity_resource_id": identityResourceID, "partition_identity_principal_id": identityPrincipalID, "partition_identity_client_id": identityClientID,
	})
	return &ProvisionResult{Handle: handle, Outputs: map[string]string{}}, nil
}

func (d *AzureDriver) TeardownPartition(ctx context.Context, enclave *domain.Enclave, partition *domain.Partition, handle Handle) error {
	handleMap, _ := decodeHandle(handle)
	subID := jsonString(handleMap, "subscription_id", "")
	if subID == "" {
		log.WithComponent("driver.azure").Warn().Str("partition_id", string(partition.ID)).Msg("teardown_partition: no subscription_id in handle, skipping")
		return nil
	}
	miName := partitionMiName(string(partition.ID))
	u := fmt.Sprintf("%s/subscriptions/%s/resourceGroups/nclav-rg/providers/Microsoft.ManagedIdentity/userAssignedIdentities/%s?api-version=2023-01-31",
		d.base.management, subID, miName)
	if err := d.armDelete(ctx, u); err != nil {
		log.WithComponent("driver.azure").Warn().Str("partition_id", string(partition.ID)).Err(err).Msg("partition MI deletion failed (non-fatal)")
	}
	return nil
}

// ── provision_export / provision_import ──────────────────────────────────

func (d *AzureDriver) ProvisionExport(_ context.Context, enclave *domain.Enclave, export *domain.Export, partitionOutputs map[string]string, existing Handle) (*ProvisionResult, error) {
	if existing != nil {
		existingMap, _ := decodeHandle(existing)
		if jsonString(existingMap, "driver", "") == "azure" && jsonString(existingMap, "kind", "") == "export" {
			return &ProvisionResult{Handle: existing, Outputs: azureExportOutputsFromHandle(existingMap)}, nil
		}
	}

	switch export.ExportType {
	case domain.ExportHTTP:
		endpointURL, ok := partitionOutputs["endpoint_url"]
		if !ok {
			return nil, ErrProvisionFailed("provision_export %q: missing Terraform output 'endpoint_url'", export.Name)
		}
		port := 443
		if p, err := strconv.Atoi(partitionOutputs["port"]); err == nil {
			port = p
		}
		handle := mustMarshal(map[string]any{
			"driver": "azure", "kind": "export", "type": "http",
			"subscription_id": string(enclave.ID), "resource_group": "nclav-rg", "export_name": export.Name,
			"pls_resource_id": partitionOutputs["pls_id"], "endpoint_url": endpointURL, "port": port,
		})
		return &ProvisionResult{Handle: handle, Outputs: map[string]string{
			"hostname": extractURLHostname(endpointURL), "port": strconv.Itoa(port),
		}}, nil

	case domain.ExportTCP:
		plsResourceID, ok := partitionOutputs["pls_id"]
		if !ok {
			return nil, ErrProvisionFailed("provision_export %q: missing Terraform output 'pls_id'", export.Name)
		}
		port := 0
		if p, err := strconv.Atoi(partitionOutputs["port"]); err == nil {
			port = p
		}
		handle := mustMarshal(map[string]any{
			"driver": "azure", "kind": "export", "type": "tcp",
			"subscription_id": string(enclave.ID), "resource_group": "nclav-rg", "export_name": export.Name,
			"pls_resource_id": plsResourceID, "port": port,
		})
		return &ProvisionResult{Handle: handle, Outputs: map[string]string{
			"pls_resource_id": plsResourceID, "port": strconv.Itoa(port),
		}}, nil

	case domain.ExportQueue:
		nsName, ok1 := partitionOutputs["service_bus_namespace_name"]
		topicName, ok2 := partitionOutputs["topic_name"]
		sbResourceID, ok3 := partitionOutputs["service_bus_resource_id"]
		if !ok1 || !ok2 || !ok3 {
			return nil, ErrProvisionFailed("provision_export %q: missing required Terraform outputs for queue export", export.Name)
		}
		queueURL := fmt.Sprintf("%s.servicebus.windows.net/%s", nsName, topicName)
		handle := mustMarshal(map[string]any{
			"driver": "azure", "kind": "export", "type": "queue",
			"subscription_id": string(enclave.ID), "resource_group": "nclav-rg", "export_name": export.Name,
			"service_bus_namespace_name": nsName, "topic_name": topicName, "service_bus_resource_id": sbResourceID,
		})
		return &ProvisionResult{Handle: handle, Outputs: map[string]string{"queue_url": queueURL}}, nil

	default:
		return nil, ErrProvisionFailed("unsupported export type %q", export.ExportType)
	}
}

func azureExportOutputsFromHandle(h map[string]any) map[string]string {
	outputs := map[string]string{}
	switch jsonString(h, "type", "") {
	case "http":
		if u := jsonString(h, "endpoint_url", ""); u != "" {
			outputs["hostname"] = extractURLHostname(u)
		}
		if p, ok := h["port"].(float64); ok {
			outputs["port"] = strconv.Itoa(int(p))
		}
	case "tcp":
		if id := jsonString(h, "pls_resource_id", ""); id != "" {
			outputs["pls_resource_id"] = id
		}
		if p, ok := h["port"].(float64); ok {
			outputs["port"] = strconv.Itoa(int(p))
		}
	case "queue":
		ns := jsonString(h, "service_bus_namespace_name", "")
		topic := jsonString(h, "topic_name", "")
		if ns != "" && topic != "" {
			outputs["queue_url"] = fmt.Sprintf("%s.servicebus.windows.net/%s", ns, topic)
		}
	}
	return outputs
}

func (d *AzureDriver) ProvisionImport(_ context.Context, importer *domain.Enclave, imp *domain.Import, exportHandle Handle, existing Handle) (*ProvisionResult, error) {
	if existing != nil {
		existingMap, _ := decodeHandle(existing)
		if jsonString(existingMap, "driver", "") == "azure" && jsonString(existingMap, "kind", "") == "import" {
			return &ProvisionResult{Handle: existing, Outputs: azureImportOutputsFromHandle(existingMap)}, nil
		}
	}

	exportMap, _ := decodeHandle(exportHandle)
	exportType := jsonString(exportMap, "type", "http")
	outputs := map[string]string{}

	switch exportType {
	case "http", "tcp":
		if ip := jsonString(exportMap, "private_ip", ""); ip != "" {
			outputs["hostname"] = ip
		}
		handle := mustMarshal(map[string]any{
			"driver": "azure", "kind": "import", "type": exportType,
			"importer_id": string(importer.ID), "alias": imp.Alias, "outputs": outputs,
		})
		return &ProvisionResult{Handle: handle, Outputs: outputs}, nil

	case "queue":
		if qu := jsonString(exportMap, "queue_url", ""); qu != "" {
			outputs["queue_url"] = qu
		}
		handle := mustMarshal(map[string]any{
			"driver": "azure", "kind": "import", "type": "queue",
			"importer_id": string(importer.ID), "alias": imp.Alias, "queue_url": outputs["queue_url"], "outputs": outputs,
		})
		return &ProvisionResult{Handle: handle, Outputs: outputs}, nil

	default:
		return nil, ErrProvisionFailed("provision_import: unknown export type %q in export handle", exportType)
	}
}

func azureImportOutputsFromHandle(h map[string]any) map[string]string {
	outputs := map[string]string{}
	switch jsonString(h, "type", "") {
	case "http", "tcp":
		if ip := jsonString(h, "private_ip", ""); ip != "" {
			outputs["hostname"] = ip
		}
	case "queue":
		if qu := jsonString(h, "queue_url", ""); qu != "" {
			outputs["queue_url"] = qu
		}
	}
	return outputs
}

// extractURLHostname strips the scheme and anything after the first "/"
// or ":" from a URL string.
func extractURLHostname(u string) string {
	withoutProto := strings.TrimPrefix(strings.TrimPrefix(u, "https://"), "http://")
	withoutPath := strings.SplitN(withoutProto, "/", 2)[0]
	return strings.SplitN(withoutPath, ":", 2)[0]
}

// ── observe ───────────────────────────────────────────────────────────────

func (d *AzureDriver) ObserveEnclave(ctx context.Context, enclave *domain.Enclave, handle Handle) (*ObservedState, error) {
	handleMap, _ := decodeHandle(handle)
	subID := jsonString(handleMap, "subscription_id", "")
	if subID == "" {
		return &ObservedState{Outputs: map[string]string{}, Raw: handle}, nil
	}

	u := fmt.Sprintf("%s/subscriptions/%s?api-version=2022-12-01", d.base.management, subID)
	status, body, err := d.armGet(ctx, u)
	if err != nil {
		return nil, err
	}
	if status == 404 {
		return &ObservedState{Outputs: map[string]string{}, Raw: mustMarshal(body)}, nil
	}

	exists := status/100 == 2
	healthy := exists && jsonString(body, "state", "Unknown") == "Enabled"

	vnetHealthy := true
	if vnetResourceID := jsonString(handleMap, "vnet_resource_id", ""); vnetResourceID != "" {
		vnetStatus, _, err := d.armGet(ctx, fmt.Sprintf("%s%s?api-version=2023-11-01", d.base.management, vnetResourceID))
		vnetHealthy = err == nil && vnetStatus/100 == 2
	}
	miHealthy := true
	if miResourceID := jsonString(handleMap, "identity_resource_id", ""); miResourceID != "" {
		miStatus, _, err := d.armGet(ctx, fmt.Sprintf("%s%s?api-version=2023-01-31", d.base.management, miResourceID))
		miHealthy = err == nil && miStatus/100 == 2
	}
	if !vnetHealthy {
		log.WithComponent("driver.azure").Warn().Str("enclave_id", string(enclave.ID)).Msg("VNet nclav-vnet not found, drift detected")
	}
	if !miHealthy {
		log.WithComponent("driver.azure").Warn().Str("enclave_id", string(enclave.ID)).Msg("enclave MI not found, drift detected")
	}

	return &ObservedState{Exists: exists, Healthy: healthy && vnetHealthy && miHealthy, Outputs: map[string]string{}, Raw: mustMarshal(body)}, nil
}

func (d *AzureDriver) ObservePartition(_ context.Context, _ *domain.Enclave, _ *domain.Partition, handle Handle) (*ObservedState, error) {
	handleMap, _ := decodeHandle(handle)
	exists := jsonString(handleMap, "kind", "") == "partition" && jsonString(handleMap, "driver", "") == "azure"
	return &ObservedState{Exists: exists, Healthy: exists, Outputs: map[string]string{}, Raw: handle}, nil
}

// ── context_vars / auth_env ───────────────────────────────────────────────

func (d *AzureDriver) ContextVars(enclave *domain.Enclave, handle Handle) map[string]string {
	handleMap, _ := decodeHandle(handle)
	subID := jsonString(handleMap, "subscription_id", "")
	location := jsonString(handleMap, "location", d.config.DefaultLocation)
	return map[string]string{
		"nclav_project_id":         subID,
		"nclav_region":             location,
		"nclav_subscription_id":    subID,
		"nclav_resource_group":     "nclav-rg",
		"nclav_location":           location,
		"nclav_identity_client_id": jsonString(handleMap, "identity_client_id", ""),
		"nclav_enclave":            string(enclave.ID),
	}
}

func (d *AzureDriver) AuthEnv(_ *domain.Enclave, handle Handle) map[string]string {
	handleMap, _ := decodeHandle(handle)
	env := map[string]string{
		"ARM_TENANT_ID":       d.config.TenantID,
		"ARM_SUBSCRIPTION_ID": jsonString(handleMap, "subscription_id", ""),
	}
	if d.config.ClientID != "" {
		env["ARM_CLIENT_ID"] = d.config.ClientID
	}
	if d.config.ClientSecret != "" {
		env["ARM_CLIENT_SECRET"] = d.config.ClientSecret
	}
	if (d.config.ClientID == "" || d.config.ClientSecret == "") && os.Getenv("IDENTITY_ENDPOINT") != "" {
		env["ARM_USE_MSI"] = "true"
	}
	return env
}
