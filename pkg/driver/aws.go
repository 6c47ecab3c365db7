package driver

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nclav-io/nclav/pkg/domain"
	"github.com/nclav-io/nclav/pkg/log"
	"github.com/nclav-io/nclav/pkg/metrics"
)

// AwsDriverConfig is operator-level configuration for the AWS driver.
type AwsDriverConfig struct {
	OrgUnitID         string
	EmailDomain       string
	DefaultRegion     string
	AccountPrefix     string
	CrossAccountRole  string
	RoleArn           string
}

type awsBaseUrls struct {
	organizations, sts, ec2, iam, route53, tagging string
}

func awsBaseUrlsForRegion(region string) awsBaseUrls {
	return awsBaseUrls{
		organizations: "https://organizations.us-east-1.amazonaws.com",
		sts:           "https://sts.amazonaws.com",
		ec2:           fmt.Sprintf("https://ec2.%s.amazonaws.com", region),
		iam:           "https://iam.amazonaws.com",
		route53:       "https://route53.amazonaws.com",
		tagging:       fmt.Sprintf("https://tagging.%s.amazonaws.com", region),
	}
}

type awsCredentials struct {
	accessKeyID     string
	secretAccessKey string
	sessionToken    string
}

type awsCredentialsProvider interface {
	Credentials(ctx context.Context) (awsCredentials, error)
}

type staticAwsCredentialsProvider struct{ creds awsCredentials }

func (p staticAwsCredentialsProvider) Credentials(context.Context) (awsCredentials, error) {
	return p.creds, nil
}

type cachedAwsCredentials struct {
	creds  awsCredentials
	expiry time.Time
}

// imdsCredentialsProvider fetches credentials from EC2 IMDSv2 or, when
// AWS_CONTAINER_CREDENTIALS_RELATIVE_URI is set, the ECS task metadata
// endpoint.
type imdsCredentialsProvider struct {
	client *http.Client
	ecsURI string

	mu    sync.Mutex
	cache *cachedAwsCredentials
}

func (p *imdsCredentialsProvider) Credentials(ctx context.Context) (awsCredentials, error) {
	p.mu.Lock()
	if p.cache != nil && time.Now().Before(p.cache.expiry) {
		creds := p.cache.creds
		p.mu.Unlock()
		return creds, nil
	}
	p.mu.Unlock()

	var creds awsCredentials
	var err error
	if p.ecsURI != "" {
		creds, err = p.ecsCredentials(ctx)
	} else {
		creds, err = p.ec2Credentials(ctx)
	}
	if err != nil {
		return awsCredentials{}, err
	}

	p.mu.Lock()
	p.cache = &cachedAwsCredentials{creds: creds, expiry: time.Now().Add(10 * time.Minute)}
	p.mu.Unlock()
	return creds, nil
}

func (p *imdsCredentialsProvider) ecsCredentials(ctx context.Context) (awsCredentials, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", "http://169.254.170.2"+p.ecsURI, nil)
	if err != nil {
		return awsCredentials{}, ErrInternal("build ECS IMDS request: %v", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return awsCredentials{}, ErrInternal("ECS IMDS request: %v", err)
	}
	defer resp.Body.Close()
	body, _ := decodeHandle(mustReadAll(resp.Body))
	return awsCredentials{
		accessKeyID:     jsonString(body, "AccessKeyId", ""),
		secretAccessKey: jsonString(body, "SecretAccessKey", ""),
		sessionToken:    jsonString(body, "Token", ""),
	}, nil
}

func (p *imdsCredentialsProvider) ec2Credentials(ctx context.Context) (awsCredentials, error) {
	tokenReq, err := http.NewRequestWithContext(ctx, "PUT", "http://169.254.169.254/latest/api/token", nil)
	if err != nil {
		return awsCredentials{}, ErrInternal("build IMDSv2 token request: %v", err)
	}
	tokenReq.Header.Set("X-aws-ec2-metadata-token-ttl-seconds", "21600")
	tokenResp, err := p.client.Do(tokenReq)
	if err != nil {
		return awsCredentials{}, ErrInternal("IMDSv2 token request: %v", err)
	}
	defer tokenResp.Body.Close()
	tokenBytes, err := io.ReadAll(tokenResp.Body)
	if err != nil {
		return awsCredentials{}, ErrInternal("IMDSv2 token decode: %v", err)
	}
	imdsToken := string(tokenBytes)

	rolesReq, err := http.NewRequestWithContext(ctx, "GET", "http://169.254.169.254/latest/meta-data/iam/security-credentials/", nil)
	if err != nil {
		return awsCredentials{}, ErrInternal("build IMDS roles request: %v", err)
	}
	rolesReq.Header.Set("X-aws-ec2-metadata-token", imdsToken)
	rolesResp, err := p.client.Do(rolesReq)
	if err != nil {
		return awsCredentials{}, ErrInternal("IMDS roles request: %v", err)
	}
	defer rolesResp.Body.Close()
	rolesBytes, _ := io.ReadAll(rolesResp.Body)
	roleName := strings.SplitN(string(rolesBytes), "\n", 2)[0]
	if roleName == "" {
		return awsCredentials{}, ErrInternal("IMDS: no IAM role found")
	}

	credsReq, err := http.NewRequestWithContext(ctx, "GET", "http://169.254.169.254/latest/meta-data/iam/security-credentials/"+roleName, nil)
	if err != nil {
		return awsCredentials{}, ErrInternal("build IMDS creds request: %v", err)
	}
	credsReq.Header.Set("X-aws-ec2-metadata-token", imdsToken)
	credsResp, err := p.client.Do(credsReq)
	if err != nil {
		return awsCredentials{}, ErrInternal("IMDS creds request: %v", err)
	}
	defer credsResp.Body.Close()
	body, _ := decodeHandle(mustReadAll(credsResp.Body))
	return awsCredentials{
		accessKeyID:     jsonString(body, "AccessKeyId", ""),
		secretAccessKey: jsonString(body, "SecretAccessKey", ""),
		sessionToken:    jsonString(body, "Token", ""),
	}, nil
}

func mustReadAll(r io.Reader) []byte {
	b, _ := io.ReadAll(r)
	return b
}

// awsCliCredentialsProvider shells out to `aws sts get-session-token`.
type awsCliCredentialsProvider struct{}

func (awsCliCredentialsProvider) Credentials(ctx context.Context) (awsCredentials, error) {
	cmd := exec.CommandContext(ctx, "aws", "sts", "get-session-token", "--duration-seconds", "3600", "--output", "json")
	out, err := cmd.Output()
	if err != nil {
		return awsCredentials{}, ErrInternal("aws CLI not found: %v. Install AWS CLI or configure credentials via env vars.", err)
	}
	decoded, err := decodeHandle(out)
	if err != nil {
		return awsCredentials{}, ErrInternal("aws CLI output parse: %v", err)
	}
	creds, _ := decoded["Credentials"].(map[string]any)
	return awsCredentials{
		accessKeyID:     jsonString(creds, "AccessKeyId", ""),
		secretAccessKey: jsonString(creds, "SecretAccessKey", ""),
		sessionToken:    jsonString(creds, "SessionToken", ""),
	}, nil
}

// ── SigV4 signing ────────────────────────────────────────────────────────

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func deriveSigningKey(secret, date, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(date))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte(service))
	return hmacSHA256(kService, []byte("aws4_request"))
}

func urlHost(u string) string {
	withoutScheme := strings.TrimPrefix(strings.TrimPrefix(u, "https://"), "http://")
	if idx := strings.IndexByte(withoutScheme, '/'); idx != -1 {
		return withoutScheme[:idx]
	}
	return withoutScheme
}

// sigv4Headers builds SigV4 Authorization/x-amz-date/x-amz-content-sha256
// (and x-amz-security-token, when present) headers for one request.
func sigv4Headers(method, uriPath, queryString, contentType string, body []byte, creds awsCredentials, region, service, host string) map[string]string {
	now := time.Now().UTC()
	timestamp := now.Format("20060102T150405Z")
	date := now.Format("20060102")

	payloadHash := sha256Hex(body)

	type kv struct{ k, v string }
	headers := []kv{
		{"content-type", contentType},
		{"host", host},
		{"x-amz-content-sha256", payloadHash},
		{"x-amz-date", timestamp},
	}
	if creds.sessionToken != "" {
		headers = append(headers, kv{"x-amz-security-token", creds.sessionToken})
	}
	// Canonical headers must be sorted by lowercased name; x-amz-security-token
	// sorts after x-amz-date so the list above already lands in order.

	var signedNames []string
	var canonical strings.Builder
	for _, h := range headers {
		signedNames = append(signedNames, h.k)
		canonical.WriteString(h.k)
		canonical.WriteByte(':')
		canonical.WriteString(strings.TrimSpace(h.v))
		canonical.WriteByte('\n')
	}
	signedHeaders := strings.Join(signedNames, ";")

	canonicalRequest := strings.Join([]string{
		method, uriPath, queryString, canonical.String(), signedHeaders, payloadHash,
	}, "\n")

	scope := fmt.Sprintf("%s/%s/%s/aws4_request", date, region, service)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256", timestamp, scope, sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(creds.secretAccessKey, date, region, service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, []byte(stringToSign)))

	auth := fmt.Sprintf("AWS4-HMAC-SHA256 Credential=%s/%s,SignedHeaders=%s,Signature=%s",
		creds.accessKeyID, scope, signedHeaders, signature)

	out := map[string]string{
		"Authorization":         auth,
		"x-amz-date":            timestamp,
		"x-amz-content-sha256":  payloadHash,
	}
	if creds.sessionToken != "" {
		out["x-amz-security-token"] = creds.sessionToken
	}
	return out
}

// ── XML helpers (AWS Query-protocol responses) ──────────────────────────

// xmlText returns the text content of the first non-nested <tag> element.
func xmlText(body []byte, tag string) (string, bool) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	depth := 0
	inTag := false
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", false
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if !inTag && t.Name.Local == tag {
				inTag = true
				depth = 0
			} else if inTag {
				depth++
			}
		case xml.EndElement:
			if inTag {
				if depth == 0 {
					return "", false
				}
				depth--
			}
		case xml.CharData:
			if inTag && depth == 0 {
				text := strings.TrimSpace(string(t))
				if text != "" {
					return text, true
				}
			}
		}
	}
}

// xmlAllTexts collects the text content of every non-nested <tag> element.
func xmlAllTexts(body []byte, tag string) []string {
	dec := xml.NewDecoder(bytes.NewReader(body))
	var result []string
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return result
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 && t.Name.Local == tag {
				depth = 1
			} else if depth > 0 {
				depth++
			}
		case xml.EndElement:
			if depth > 0 {
				depth--
			}
		case xml.CharData:
			if depth == 1 {
				if text := strings.TrimSpace(string(t)); text != "" {
					result = append(result, text)
				}
			}
		}
	}
}

func xmlErrorCode(body []byte) string {
	if v, ok := xmlText(body, "Code"); ok {
		return v
	}
	if v, ok := xmlText(body, "code"); ok {
		return v
	}
	return "Unknown"
}

func xmlErrorMessage(body []byte) string {
	if v, ok := xmlText(body, "Message"); ok {
		return v
	}
	if v, ok := xmlText(body, "message"); ok {
		return v
	}
	return "unknown error"
}

// ── Name helpers ─────────────────────────────────────────────────────────

func sanitizeAccountName(name string) string {
	var b strings.Builder
	for _, c := range name {
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == ' ' || c == '-' {
			b.WriteRune(c)
		} else {
			b.WriteByte('-')
		}
	}
	out := strings.TrimFunc(b.String(), func(c rune) bool {
		return !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9')
	})
	if len(out) > 50 {
		out = out[:50]
	}
	return out
}

func partitionRoleName(partitionID string) string {
	const prefix = "nclav-partition-"
	base := prefix + partitionID
	if len(base) <= 64 {
		return base
	}
	sum := sha256.Sum256([]byte(partitionID))
	hash := hex.EncodeToString(sum[:4])
	maxIDLen := 64 - len(prefix) - 1 - len(hash)
	return fmt.Sprintf("%s%s-%s", prefix, partitionID[:maxIDLen], hash)
}

// AwsDriver provisions enclaves, partitions, exports and imports against
// raw AWS Query/JSON/REST-XML APIs, signing every request with SigV4.
type AwsDriver struct {
	config AwsDriverConfig
	client *http.Client
	creds  awsCredentialsProvider
	base   awsBaseUrls
}

// NewAwsDriver auto-selects the credentials provider: static env vars,
// then ECS task metadata, then EC2 IMDSv2 (probed with a short timeout),
// then the aws CLI.
func NewAwsDriver(ctx context.Context, config AwsDriverConfig) *AwsDriver {
	client := &http.Client{Timeout: 60 * time.Second}
	base := awsBaseUrlsForRegion(config.DefaultRegion)

	var creds awsCredentialsProvider
	switch {
	case os.Getenv("AWS_ACCESS_KEY_ID") != "" && os.Getenv("AWS_SECRET_ACCESS_KEY") != "":
		creds = staticAwsCredentialsProvider{creds: awsCredentials{
			accessKeyID: os.Getenv("AWS_ACCESS_KEY_ID"), secretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			sessionToken: os.Getenv("AWS_SESSION_TOKEN"),
		}}
	case os.Getenv("AWS_CONTAINER_CREDENTIALS_RELATIVE_URI") != "":
		creds = &imdsCredentialsProvider{client: client, ecsURI: os.Getenv("AWS_CONTAINER_CREDENTIALS_RELATIVE_URI")}
	default:
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		probeReq, _ := http.NewRequestWithContext(probeCtx, "GET", "http://169.254.169.254/latest/api/token", nil)
		probeReq.Header.Set("X-aws-ec2-metadata-token-ttl-seconds", "10")
		if resp, err := client.Do(probeReq); err == nil {
			resp.Body.Close()
			creds = &imdsCredentialsProvider{client: client}
		} else {
			creds = awsCliCredentialsProvider{}
		}
	}

	return &AwsDriver{config: config, client: client, creds: creds, base: base}
}

func newAwsDriverForTest(config AwsDriverConfig, creds awsCredentials, base awsBaseUrls) *AwsDriver {
	return &AwsDriver{
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
		creds:  staticAwsCredentialsProvider{creds: creds},
		base:   base,
	}
}

func (d *AwsDriver) Name() string { return "aws" }

func (d *AwsDriver) getCreds(ctx context.Context) (awsCredentials, error) {
	return d.creds.Credentials(ctx)
}

// ── AWS Query API (EC2, IAM, STS) ────────────────────────────────────────

func (d *AwsDriver) queryAPI(ctx context.Context, baseURL, region, service string, creds awsCredentials, params [][2]string) ([]byte, error) {
	host := urlHost(baseURL)
	u := strings.TrimRight(baseURL, "/") + "/"

	form := url.Values{}
	for _, p := range params {
		form.Add(p[0], p[1])
	}
	bodyStr := form.Encode()
	bodyBytes := []byte(bodyStr)
	const ct = "application/x-www-form-urlencoded; charset=utf-8"

	sigHeaders := sigv4Headers("POST", "/", "", ct, bodyBytes, creds, region, service, host)

	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, ErrInternal("build request: %v", err)
	}
	req.Header.Set("Content-Type", ct)
	for k, v := range sigHeaders {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, ErrInternal("POST %s failed: %v", u, err)
	}
	defer resp.Body.Close()
	text, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return nil, ErrProvisionFailed("%s: %s — %s", baseURL, xmlErrorCode(text), xmlErrorMessage(text))
	}
	return text, nil
}

// ── AWS JSON/Target API (Organizations, ResourceGroupsTagging) ──────────

func (d *AwsDriver) jsonAPI(ctx context.Context, baseURL, region, service, target string, creds awsCredentials, body map[string]any) (map[string]any, error) {
	host := urlHost(baseURL)
	u := strings.TrimRight(baseURL, "/") + "/"
	bodyBytes, err := marshalJSON(body)
	if err != nil {
		return nil, ErrInternal("encode request: %v", err)
	}
	const ct = "application/x-amz-json-1.1"

	sigHeaders := sigv4Headers("POST", "/", "", ct, bodyBytes, creds, region, service, host)
	sigHeaders["X-Amz-Target"] = target

	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, ErrInternal("build request: %v", err)
	}
	req.Header.Set("Content-Type", ct)
	for k, v := range sigHeaders {
		req.Header.Set(k, v)
	}

	timer := metrics.NewTimer()
	resp, err := d.client.Do(req)
	timer.ObserveDurationVec(metrics.DriverCallDuration, "aws", target)
	if err != nil {
		metrics.DriverCallsTotal.WithLabelValues("aws", target, "error").Inc()
		return nil, ErrInternal("POST %s failed: %v", u, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	respBody, _ := decodeHandle(raw)

	if resp.StatusCode >= 400 {
		metrics.DriverCallsTotal.WithLabelValues("aws", target, "http_error").Inc()
		errType := jsonString(respBody, "__type", "Unknown")
		msg := jsonString(respBody, "message", jsonString(respBody, "Message", "unknown error"))
		return nil, ErrProvisionFailed("%s [%s]: %s — %s", baseURL, target, errType, msg)
	}
	metrics.DriverCallsTotal.WithLabelValues("aws", target, "success").Inc()
	return respBody, nil
}

func marshalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// ── Route53 (REST XML) ───────────────────────────────────────────────────

func (d *AwsDriver) route53Post(ctx context.Context, path string, creds awsCredentials, xmlBody string) ([]byte, error) {
	base := d.base.route53
	host := urlHost(base)
	u := strings.TrimRight(base, "/") + path
	const ct = "text/xml; charset=utf-8"
	body := []byte(xmlBody)

	sigHeaders := sigv4Headers("POST", path, "", ct, body, creds, "us-east-1", "route53", host)

	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(body))
	if err != nil {
		return nil, ErrInternal("build request: %v", err)
	}
	req.Header.Set("Content-Type", ct)
	for k, v := range sigHeaders {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, ErrInternal("Route53 POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	text, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return nil, ErrProvisionFailed("Route53 %s: %s — %s", path, xmlErrorCode(text), xmlErrorMessage(text))
	}
	return text, nil
}

// ── STS AssumeRole ────────────────────────────────────────────────────────

func (d *AwsDriver) stsAssumeRole(ctx context.Context, creds awsCredentials, roleArn, sessionName string) (awsCredentials, error) {
	xmlResp, err := d.queryAPI(ctx, d.base.sts, "us-east-1", "sts", creds, [][2]string{
		{"Action", "AssumeRole"}, {"Version", "2011-06-15"},
		{"RoleArn", roleArn}, {"RoleSessionName", sessionName}, {"DurationSeconds", "3600"},
	})
	if err != nil {
		return awsCredentials{}, err
	}
	keyID, ok := xmlText(xmlResp, "AccessKeyId")
	if !ok {
		return awsCredentials{}, ErrInternal("STS AssumeRole: no AccessKeyId")
	}
	secret, ok := xmlText(xmlResp, "SecretAccessKey")
	if !ok {
		return awsCredentials{}, ErrInternal("STS AssumeRole: no SecretAccessKey")
	}
	token, _ := xmlText(xmlResp, "SessionToken")
	return awsCredentials{accessKeyID: keyID, secretAccessKey: secret, sessionToken: token}, nil
}

func (d *AwsDriver) enclaveCreds(ctx context.Context, accountID string) (awsCredentials, error) {
	base, err := d.getCreds(ctx)
	if err != nil {
		return awsCredentials{}, err
	}
	roleArn := fmt.Sprintf("arn:aws:iam::%s:role/%s", accountID, d.config.CrossAccountRole)
	return d.stsAssumeRole(ctx, base, roleArn, "nclav-session")
}

// ── Account naming ────────────────────────────────────────────────────────

func (d *AwsDriver) accountName(enclaveID string) string {
	raw := enclaveID
	if d.config.AccountPrefix != "" {
		raw = d.config.AccountPrefix + "-" + enclaveID
	}
	return sanitizeAccountName(raw)
}

func (d *AwsDriver) accountEmail(accountName string) string {
	clean := strings.ToLower(strings.ReplaceAll(accountName, " ", ""))
	return fmt.Sprintf("aws+%s@%s", clean, d.config.EmailDomain)
}

// ── Organizations helpers ─────────────────────────────────────────────────

func (d *AwsDriver) orgCreateAccount(ctx context.Context, creds awsCredentials, accountName, email string) (string, error) {
	log.WithComponent("driver.aws").Info().Str("account_name", accountName).Str("email", email).Msg("Organizations: CreateAccount")
	resp, err := d.jsonAPI(ctx, d.base.organizations, "us-east-1", "organizations", "AmazonOrganizationsV20161128.CreateAccount", creds,
		map[string]any{"AccountName": accountName, "Email": email})
	if err != nil {
		if strings.Contains(err.Error(), "DuplicateAccountException") {
			return "", ErrProvisionFailed("account %q already exists but no account ID in state; set provisioning_complete in the enclave handle to recover. Original error: %v", accountName, err)
		}
		return "", err
	}
	status, _ := resp["CreateAccountStatus"].(map[string]any)
	reqID := jsonString(status, "Id", "")
	if reqID == "" {
		return "", ErrProvisionFailed("CreateAccount: no CreateAccountStatus.Id in response")
	}
	return reqID, nil
}

func (d *AwsDriver) orgWaitForAccount(ctx context.Context, creds awsCredentials, reqID string) (string, error) {
	for i := 0; i < gcpLroPollCap; i++ {
		resp, err := d.jsonAPI(ctx, d.base.organizations, "us-east-1", "organizations", "AmazonOrganizationsV20161128.DescribeCreateAccountStatus", creds,
			map[string]any{"CreateAccountRequestId": reqID})
		if err != nil {
			return "", err
		}
		status, _ := resp["CreateAccountStatus"].(map[string]any)
		switch jsonString(status, "State", "UNKNOWN") {
		case "SUCCEEDED":
			metrics.DriverLroPolls.WithLabelValues("aws").Observe(float64(i + 1))
			accountID := jsonString(status, "AccountId", "")
			if accountID == "" {
				return "", ErrProvisionFailed("DescribeCreateAccountStatus: no AccountId in Succeeded response")
			}
			return accountID, nil
		case "FAILED":
			metrics.DriverLroPolls.WithLabelValues("aws").Observe(float64(i + 1))
			return "", ErrProvisionFailed("CreateAccount failed: %s", jsonString(status, "FailureReason", "unknown"))
		}
		if (i+1)%10 == 0 {
			log.WithComponent("driver.aws").Info().Int("poll", i+1).Str("request_id", reqID).Msg("still waiting for AWS account creation")
		}
		if err := sleepCtx(ctx, gcpBackoffSeconds[i%len(gcpBackoffSeconds)]); err != nil {
			return "", err
		}
	}
	metrics.DriverLroPolls.WithLabelValues("aws").Observe(float64(gcpLroPollCap))
	return "", ErrProvisionFailed("AWS account creation timed out after %d polls (request: %s)", gcpLroPollCap, reqID)
}

func (d *AwsDriver) orgListParents(ctx context.Context, creds awsCredentials, accountID string) (string, error) {
	resp, err := d.jsonAPI(ctx, d.base.organizations, "us-east-1", "organizations", "AmazonOrganizationsV20161128.ListParents", creds,
		map[string]any{"ChildId": accountID})
	if err != nil {
		return "", err
	}
	parents, _ := resp["Parents"].([]any)
	if len(parents) == 0 {
		return "", ErrProvisionFailed("ListParents for %s: no parent found", accountID)
	}
	first, _ := parents[0].(map[string]any)
	id := jsonString(first, "Id", "")
	if id == "" {
		return "", ErrProvisionFailed("ListParents for %s: no parent found", accountID)
	}
	return id, nil
}

func (d *AwsDriver) orgMoveAccount(ctx context.Context, creds awsCredentials, accountID, sourceParentID, destParentID string) error {
	_, err := d.jsonAPI(ctx, d.base.organizations, "us-east-1", "organizations", "AmazonOrganizationsV20161128.MoveAccount", creds,
		map[string]any{"AccountId": accountID, "SourceParentId": sourceParentID, "DestinationParentId": destParentID})
	if err != nil {
		if strings.Contains(err.Error(), "DuplicateAccountException") || strings.Contains(err.Error(), "AccountAlreadyInOrganizationException") {
			log.WithComponent("driver.aws").Info().Str("account_id", accountID).Str("dest_parent_id", destParentID).Msg("account already in target OU")
			return nil
		}
		return err
	}
	return nil
}

// ── EC2 helpers ───────────────────────────────────────────────────────────

func (d *AwsDriver) ec2CreateVpc(ctx context.Context, creds awsCredentials, region, cidr, encID string) (string, error) {
	log.WithComponent("driver.aws").Info().Str("cidr", cidr).Str("region", region).Msg("EC2: CreateVpc")
	xmlResp, err := d.queryAPI(ctx, d.base.ec2, region, "ec2", creds, [][2]string{
		{"Action", "CreateVpc"}, {"Version", "2016-11-15"}, {"CidrBlock", cidr},
		{"TagSpecification.1.ResourceType", "vpc"},
		{"TagSpecification.1.Tag.1.Key", "Name"}, {"TagSpecification.1.Tag.1.Value", "nclav-" + encID},
		{"TagSpecification.1.Tag.2.Key", "nclav-managed"}, {"TagSpecification.1.Tag.2.Value", "true"},
		{"TagSpecification.1.Tag.3.Key", "nclav-enclave"}, {"TagSpecification.1.Tag.3.Value", encID},
	})
	if err != nil {
		return "", err
	}
	vpcID, ok := xmlText(xmlResp, "vpcId")
	if !ok {
		return "", ErrProvisionFailed("EC2 CreateVpc: no vpcId in response")
	}
	return vpcID, nil
}

func (d *AwsDriver) ec2ModifyVpcAttribute(ctx context.Context, creds awsCredentials, region, vpcID, attr, value string) {
	_, _ = d.queryAPI(ctx, d.base.ec2, region, "ec2", creds, [][2]string{
		{"Action", "ModifyVpcAttribute"}, {"Version", "2016-11-15"}, {"VpcId", vpcID}, {attr, value},
	})
}

func (d *AwsDriver) ec2CreateSubnet(ctx context.Context, creds awsCredentials, region, vpcID, cidr, encID string, idx int) (string, error) {
	log.WithComponent("driver.aws").Info().Str("cidr", cidr).Str("vpc_id", vpcID).Msg("EC2: CreateSubnet")
	xmlResp, err := d.queryAPI(ctx, d.base.ec2, region, "ec2", creds, [][2]string{
		{"Action", "CreateSubnet"}, {"Version", "2016-11-15"}, {"VpcId", vpcID}, {"CidrBlock", cidr},
		{"TagSpecification.1.ResourceType", "subnet"},
		{"TagSpecification.1.Tag.1.Key", "Name"}, {"TagSpecification.1.Tag.1.Value", fmt.Sprintf("nclav-%s-subnet-%d", encID, idx)},
		{"TagSpecification.1.Tag.2.Key", "nclav-managed"}, {"TagSpecification.1.Tag.2.Value", "true"},
		{"TagSpecification.1.Tag.3.Key", "nclav-enclave"}, {"TagSpecification.1.Tag.3.Value", encID},
	})
	if err != nil {
		return "", err
	}
	subnetID, ok := xmlText(xmlResp, "subnetId")
	if !ok {
		return "", ErrProvisionFailed("EC2 CreateSubnet: no subnetId")
	}
	return subnetID, nil
}

// ── Route53 helpers ───────────────────────────────────────────────────────

func (d *AwsDriver) route53CreateHostedZone(ctx context.Context, creds awsCredentials, name, vpcID, region string, now time.Time) (string, error) {
	log.WithComponent("driver.aws").Info().Str("name", name).Str("vpc_id", vpcID).Msg("Route53: CreateHostedZone")
	callerRef := fmt.Sprintf("nclav-%s-%d", name, now.UnixMilli())
	xmlBody := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<CreateHostedZoneRequest xmlns="https://route53.amazonaws.com/doc/2013-04-01/">
  <Name>%s</Name>
  <CallerReference>%s</CallerReference>
  <HostedZoneConfig>
    <Comment>Managed by nclav</Comment>
    <PrivateZone>true</PrivateZone>
  </HostedZoneConfig>
  <VPC>
    <VPCRegion>%s</VPCRegion>
    <VPCId>%s</VPCId>
  </VPC>
</CreateHostedZoneRequest>`, name, callerRef, region, vpcID)

	respXML, err := d.route53Post(ctx, "/2013-04-01/hostedzone", creds, xmlBody)
	if err != nil {
		return "", err
	}
	id, ok := xmlText(respXML, "Id")
	if !ok {
		return "", ErrProvisionFailed("Route53 CreateHostedZone: no Id")
	}
	return strings.TrimPrefix(id, "/hostedzone/"), nil
}

// ── IAM helpers ───────────────────────────────────────────────────────────

func (d *AwsDriver) iamCreateRole(ctx context.Context, creds awsCredentials, roleName, trustPolicy, encID, partID string) (string, error) {
	log.WithComponent("driver.aws").Info().Str("role_name", roleName).Msg("IAM: CreateRole")
	params := [][2]string{
		{"Action", "CreateRole"}, {"Version", "2010-05-08"},
		{"RoleName", roleName}, {"AssumeRolePolicyDocument", trustPolicy},
		{"Tags.member.1.Key", "nclav-managed"}, {"Tags.member.1.Value", "true"},
		{"Tags.member.2.Key", "nclav-enclave"}, {"Tags.member.2.Value", encID},
	}
	if partID != "" {
		params = append(params, [2]string{"Tags.member.3.Key", "nclav-partition"}, [2]string{"Tags.member.3.Value", partID})
	}

	xmlResp, err := d.queryAPI(ctx, d.base.iam, "us-east-1", "iam", creds, params)
	if err != nil {
		if strings.Contains(err.Error(), "EntityAlreadyExists") {
			log.WithComponent("driver.aws").Info().Str("role_name", roleName).Msg("IAM role already exists, retrieving ARN")
			return d.iamGetRoleArn(ctx, creds, roleName)
		}
		return "", err
	}
	arn, ok := xmlText(xmlResp, "Arn")
	if !ok {
		return "", ErrProvisionFailed("IAM CreateRole: no Arn")
	}
	return arn, nil
}

func (d *AwsDriver) iamGetRoleArn(ctx context.Context, creds awsCredentials, roleName string) (string, error) {
	xmlResp, err := d.queryAPI(ctx, d.base.iam, "us-east-1", "iam", creds, [][2]string{
		{"Action", "GetRole"}, {"Version", "2010-05-08"}, {"RoleName", roleName},
	})
	if err != nil {
		return "", err
	}
	arn, ok := xmlText(xmlResp, "Arn")
	if !ok {
		return "", ErrProvisionFailed("IAM GetRole %s: no Arn", roleName)
	}
	return arn, nil
}

func (d *AwsDriver) iamAttachRolePolicy(ctx context.Context, creds awsCredentials, roleName, policyArn string) error {
	_, err := d.queryAPI(ctx, d.base.iam, "us-east-1", "iam", creds, [][2]string{
		{"Action", "AttachRolePolicy"}, {"Version", "2010-05-08"}, {"RoleName", roleName}, {"PolicyArn", policyArn},
	})
	return err
}

func (d *AwsDriver) iamDetachAllPolicies(ctx context.Context, creds awsCredentials, roleName string) error {
	xmlResp, err := d.queryAPI(ctx, d.base.iam, "us-east-1", "iam", creds, [][2]string{
		{"Action", "ListAttachedRolePolicies"}, {"Version", "2010-05-08"}, {"RoleName", roleName},
	})
	if err != nil {
		return err
	}
	for _, arn := range xmlAllTexts(xmlResp, "PolicyArn") {
		_, _ = d.queryAPI(ctx, d.base.iam, "us-east-1", "iam", creds, [][2]string{
			{"Action", "DetachRolePolicy"}, {"Version", "2010-05-08"}, {"RoleName", roleName}, {"PolicyArn", arn},
		})
	}
	return nil
}

func (d *AwsDriver) iamDeleteInlinePolicies(ctx context.Context, creds awsCredentials, roleName string) error {
	xmlResp, err := d.queryAPI(ctx, d.base.iam, "us-east-1", "iam", creds, [][2]string{
		{"Action", "ListRolePolicies"}, {"Version", "2010-05-08"}, {"RoleName", roleName},
	})
	if err != nil {
		return err
	}
	for _, name := range xmlAllTexts(xmlResp, "member") {
		_, _ = d.queryAPI(ctx, d.base.iam, "us-east-1", "iam", creds, [][2]string{
			{"Action", "DeleteRolePolicy"}, {"Version", "2010-05-08"}, {"RoleName", roleName}, {"PolicyName", name},
		})
	}
	return nil
}

func (d *AwsDriver) iamDeleteRole(ctx context.Context, creds awsCredentials, roleName string) error {
	_, err := d.queryAPI(ctx, d.base.iam, "us-east-1", "iam", creds, [][2]string{
		{"Action", "DeleteRole"}, {"Version", "2010-05-08"}, {"RoleName", roleName},
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchEntity") {
			log.WithComponent("driver.aws").Warn().Str("role_name", roleName).Msg("IAM role not found during teardown, skipping")
			return nil
		}
		return err
	}
	return nil
}

// ── provision_enclave ──────────────────────────────────────────────────────

func (d *AwsDriver) ProvisionEnclave(ctx context.Context, enclave *domain.Enclave, existing Handle) (*ProvisionResult, error) {
	if existing != nil {
		existingMap, _ := decodeHandle(existing)
		if jsonBool(existingMap, "provisioning_complete") {
			return &ProvisionResult{Handle: existing, Outputs: map[string]string{}}, nil
		}
	}

	encID := string(enclave.ID)
	region := enclave.Region
	if region == "" {
		region = d.config.DefaultRegion
	}

	baseCreds, err := d.getCreds(ctx)
	if err != nil {
		return nil, err
	}

	accountName := d.accountName(encID)
	email := d.accountEmail(accountName)
	log.WithComponent("driver.aws").Info().Str("enclave_id", encID).Str("account_name", accountName).Str("email", email).Msg("provisioning AWS account")

	reqID, err := d.orgCreateAccount(ctx, baseCreds, accountName, email)
	if err != nil {
		return nil, err
	}
	log.WithComponent("driver.aws").Info().Str("enclave_id", encID).Str("request_id", reqID).Msg("account creation request submitted, polling")

	accountID, err := d.orgWaitForAccount(ctx, baseCreds, reqID)
	if err != nil {
		return nil, err
	}
	log.WithComponent("driver.aws").Info().Str("enclave_id", encID).Str("account_id", accountID).Msg("AWS account created")

	rootID, err := d.orgListParents(ctx, baseCreds, accountID)
	if err != nil {
		return nil, err
	}
	if err := d.orgMoveAccount(ctx, baseCreds, accountID, rootID, d.config.OrgUnitID); err != nil {
		return nil, err
	}

	encCreds, err := d.enclaveCreds(ctx, accountID)
	if err != nil {
		return nil, err
	}

	cidr := "10.0.0.0/16"
	var subnetCIDRs []string
	if enclave.Network != nil {
		if enclave.Network.VpcCIDR != "" {
			cidr = enclave.Network.VpcCIDR
		}
		subnetCIDRs = enclave.Network.Subnets
	}

	vpcID, err := d.ec2CreateVpc(ctx, encCreds, region, cidr, encID)
	if err != nil {
		return nil, err
	}
	d.ec2ModifyVpcAttribute(ctx, encCreds, region, vpcID, "EnableDnsSupport.Value", "true")
	d.ec2ModifyVpcAttribute(ctx, encCreds, region, vpcID, "EnableDnsHostnames.Value", "true")

	var subnetIDs []string
	for i, subnetCIDR := range subnetCIDRs {
		subnetID, err := d.ec2CreateSubnet(ctx, encCreds, region, vpcID, subnetCIDR, encID, i)
		if err != nil {
			return nil, err
		}
		subnetIDs = append(subnetIDs, subnetID)
	}

	var zoneID string
	if enclave.Dns != nil && enclave.Dns.Zone != "" {
		zoneID, err = d.route53CreateHostedZone(ctx, encCreds, enclave.Dns.Zone, vpcID, region, time.Now())
		if err != nil {
			return nil, err
		}
	}

	var identityRoleArn string
	if enclave.Identity != "" {
		serverRoleArn := d.config.RoleArn
		if serverRoleArn == "" {
			serverRoleArn = "arn:aws:iam::*:root"
		}
		trustPolicy, _ := marshalJSON(map[string]any{
			"Version": "2012-10-17",
			"Statement": []map[string]any{{
				"Effect": "Allow", "Principal": map[string]any{"AWS": serverRoleArn}, "Action": "sts:AssumeRole",
			}},
		})
		identityRoleArn, err = d.iamCreateRole(ctx, encCreds, enclave.Identity, string(trustPolicy), encID, "")
		if err != nil {
			return nil, err
		}
	}

	handle := map[string]any{
		"driver": "aws", "kind": "enclave",
		"account_id": accountID, "account_name": accountName, "region": region,
		"vpc_id": vpcID, "subnet_ids": subnetIDs, "provisioning_complete": true,
	}
	if zoneID != "" {
		handle["route53_zone_id"] = zoneID
	}
	if identityRoleArn != "" {
		handle["identity_role_arn"] = identityRoleArn
	}
	return &ProvisionResult{Handle: mustMarshal(handle), Outputs: map[string]string{}}, nil
}

func (d *AwsDriver) TeardownEnclave(ctx context.Context, enclave *domain.Enclave, handle Handle) error {
	handleMap, _ := decodeHandle(handle)
	accountID := jsonString(handleMap, "account_id", "")
	if accountID == "" {
		log.WithComponent("driver.aws").Warn().Str("enclave_id", string(enclave.ID)).Msg("teardown_enclave: no account_id in handle, skipping")
		return nil
	}

	baseCreds, err := d.getCreds(ctx)
	if err != nil {
		return err
	}
	log.WithComponent("driver.aws").Warn().Str("enclave_id", string(enclave.ID)).Str("account_id", accountID).Msg("closing AWS account (90-day hold; account will be deactivated)")

	_, err = d.jsonAPI(ctx, d.base.organizations, "us-east-1", "organizations", "AmazonOrganizationsV20161128.CloseAccount", baseCreds,
		map[string]any{"AccountId": accountID})
	if err != nil {
		if strings.Contains(err.Error(), "AccountNotFoundException") {
			log.WithComponent("driver.aws").Warn().Str("account_id", accountID).Msg("AWS account not found during teardown, skipping")
			return nil
		}
		return err
	}
	return nil
}

// ── provision_partition ──────────────────────────────────────────────────

func (d *AwsDriver) ProvisionPartition(ctx context.Context, enclave *domain.Enclave, partition *domain.Partition, resolvedInputs map[string]string, existing Handle) (*ProvisionResult, error) {
	encID := string(enclave.ID)
	partID := string(partition.ID)

	if existing != nil {
		existingMap, _ := decodeHandle(existing)
		if jsonString(existingMap, "driver", "") == "aws" && jsonString(existingMap, "kind", "") == "partition" {
			return &ProvisionResult{Handle: existing, Outputs: map[string]string{}}, nil
		}
	}

	accountID := resolvedInputs["nclav_account_id"]
	if accountID == "" {
		return nil, ErrProvisionFailed(
			"provision_partition for enclave %q: cannot determine AWS account ID. Ensure provision_enclave has run first (account_id is injected via context_vars → nclav_account_id).",
			encID)
	}

	encCreds, err := d.enclaveCreds(ctx, accountID)
	if err != nil {
		return nil, err
	}

	roleName := partitionRoleName(partID)
	serverArn := d.config.RoleArn
	if serverArn == "" {
		serverArn = "arn:aws:iam::*:root"
	}
	trustPolicy, _ := marshalJSON(map[string]any{
		"Version": "2012-10-17",
		"Statement": []map[string]any{{
			"Effect": "Allow", "Principal": map[string]any{"AWS": serverArn}, "Action": "sts:AssumeRole",
		}},
	})

	roleArn, err := d.iamCreateRole(ctx, encCreds, roleName, string(trustPolicy), encID, partID)
	if err != nil {
		return nil, err
	}
	log.WithComponent("driver.aws").Info().Str("enclave_id", encID).Str("partition_id", partID).Str("role_arn", roleArn).Msg("partition IAM role created")

	if err := d.iamAttachRolePolicy(ctx, encCreds, roleName, "arn:aws:iam::aws:policy/AdministratorAccess"); err != nil {
		return nil, err
	}

	handle := map[string]any{
		"driver": "aws", "kind": "partition", "type": "iac",
		"account_id": accountID, "partition_role_arn": roleArn,
	}
	return &ProvisionResult{Handle: mustMarshal(handle), Outputs: map[string]string{}}, nil
}

func (d *AwsDriver) TeardownPartition(ctx context.Context, enclave *domain.Enclave, partition *domain.Partition, handle Handle) error {
	handleMap, _ := decodeHandle(handle)
	accountID := jsonString(handleMap, "account_id", "")
	if accountID == "" {
		log.WithComponent("driver.aws").Warn().Str("partition_id", string(partition.ID)).Msg("teardown_partition: no account_id in handle, skipping")
		return nil
	}

	encCreds, err := d.enclaveCreds(ctx, accountID)
	if err != nil {
		log.WithComponent("driver.aws").Warn().Str("partition_id", string(partition.ID)).Err(err).Msg("teardown_partition: could not assume enclave role, skipping")
		return nil
	}

	roleName := partitionRoleName(string(partition.ID))
	if err := d.iamDetachAllPolicies(ctx, encCreds, roleName); err != nil {
		return err
	}
	if err := d.iamDeleteInlinePolicies(ctx, encCreds, roleName); err != nil {
		return err
	}
	return d.iamDeleteRole(ctx, encCreds, roleName)
}

// ── provision_export / provision_import ──────────────────────────────────

func (d *AwsDriver) ProvisionExport(_ context.Context, _ *domain.Enclave, export *domain.Export, partitionOutputs map[string]string, existing Handle) (*ProvisionResult, error) {
	if existing != nil {
		existingMap, _ := decodeHandle(existing)
		if jsonString(existingMap, "driver", "") == "aws" {
			return &ProvisionResult{Handle: existing, Outputs: map[string]string{}}, nil
		}
	}

	var handle map[string]any
	outputs := map[string]string{}
	switch export.ExportType {
	case domain.ExportHTTP, domain.ExportTCP:
		endpointURL := partitionOutputs["endpoint_url"]
		defaultPort := 0
		if export.ExportType == domain.ExportHTTP {
			defaultPort = 443
		}
		port := defaultPort
		if p, err := strconv.Atoi(partitionOutputs["port"]); err == nil {
			port = p
		}
		handle = map[string]any{
			"driver": "aws", "kind": "export", "type": string(export.ExportType),
			"export_name": export.Name, "endpoint_url": endpointURL, "port": port,
		}
		if endpointURL != "" {
			outputs["endpoint_url"] = endpointURL
		}
	case domain.ExportQueue:
		queueURL := partitionOutputs["queue_url"]
		handle = map[string]any{
			"driver": "aws", "kind": "export", "type": "queue",
			"export_name": export.Name, "queue_url": queueURL,
		}
		if queueURL != "" {
			outputs["queue_url"] = queueURL
		}
	default:
		return nil, ErrProvisionFailed("unsupported export type %q", export.ExportType)
	}

	return &ProvisionResult{Handle: mustMarshal(handle), Outputs: outputs}, nil
}

func (d *AwsDriver) ProvisionImport(_ context.Context, _ *domain.Enclave, imp *domain.Import, exportHandle Handle, existing Handle) (*ProvisionResult, error) {
	if existing != nil {
		existingMap, _ := decodeHandle(existing)
		if jsonString(existingMap, "driver", "") == "aws" {
			return &ProvisionResult{Handle: existing, Outputs: map[string]string{}}, nil
		}
	}

	exportMap, _ := decodeHandle(exportHandle)
	exportType := jsonString(exportMap, "type", "http")
	outputs := map[string]string{}
	var handle map[string]any

	switch exportType {
	case "http", "tcp":
		endpointURL := jsonString(exportMap, "endpoint_url", "")
		port := 443
		if p, ok := exportMap["port"].(float64); ok {
			port = int(p)
		}
		if endpointURL != "" {
			outputs["endpoint_url"] = endpointURL
		}
		handle = map[string]any{
			"driver": "aws", "kind": "import", "alias": imp.Alias, "endpoint_url": endpointURL, "port": port, "outputs": outputs,
		}
	case "queue":
		queueURL := jsonString(exportMap, "queue_url", "")
		if queueURL != "" {
			outputs["queue_url"] = queueURL
		}
		handle = map[string]any{"driver": "aws", "kind": "import", "alias": imp.Alias, "queue_url": queueURL, "outputs": outputs}
	default:
		return nil, ErrProvisionFailed("provision_import %q: unknown export type %q", imp.Alias, exportType)
	}

	return &ProvisionResult{Handle: mustMarshal(handle), Outputs: outputs}, nil
}

// ── observe ───────────────────────────────────────────────────────────────

func (d *AwsDriver) ObserveEnclave(ctx context.Context, _ *domain.Enclave, handle Handle) (*ObservedState, error) {
	handleMap, _ := decodeHandle(handle)
	accountID := jsonString(handleMap, "account_id", "")
	if accountID == "" {
		return &ObservedState{Outputs: map[string]string{}, Raw: handle}, nil
	}

	baseCreds, err := d.getCreds(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := d.jsonAPI(ctx, d.base.organizations, "us-east-1", "organizations", "AmazonOrganizationsV20161128.DescribeAccount", baseCreds,
		map[string]any{"AccountId": accountID})
	if err != nil {
		if strings.Contains(err.Error(), "AccountNotFoundException") {
			return &ObservedState{Outputs: map[string]string{}, Raw: handle}, nil
		}
		return nil, err
	}

	account, _ := resp["Account"].(map[string]any)
	status := jsonString(account, "Status", "UNKNOWN")
	exists := status != "SUSPENDED"
	healthy := status == "ACTIVE"
	return &ObservedState{Exists: exists, Healthy: healthy, Outputs: map[string]string{}, Raw: mustMarshal(resp)}, nil
}

func (d *AwsDriver) ObservePartition(_ context.Context, _ *domain.Enclave, _ *domain.Partition, handle Handle) (*ObservedState, error) {
	handleMap, _ := decodeHandle(handle)
	exists := jsonString(handleMap, "driver", "") == "aws" && jsonString(handleMap, "kind", "") == "partition"
	return &ObservedState{Exists: exists, Healthy: exists, Outputs: map[string]string{}, Raw: handle}, nil
}

// ── context_vars / auth_env ───────────────────────────────────────────────

func (d *AwsDriver) ContextVars(enclave *domain.Enclave, handle Handle) map[string]string {
	handleMap, _ := decodeHandle(handle)
	accountID := jsonString(handleMap, "account_id", "")
	region := jsonString(handleMap, "region", d.config.DefaultRegion)
	roleArn := jsonString(handleMap, "partition_role_arn", "")
	return map[string]string{
		"nclav_project_id": accountID,
		"nclav_region":     region,
		"nclav_account_id": accountID,
		"nclav_role_arn":   roleArn,
		"nclav_enclave":    string(enclave.ID),
	}
}

func (d *AwsDriver) AuthEnv(_ *domain.Enclave, handle Handle) map[string]string {
	handleMap, _ := decodeHandle(handle)
	region := jsonString(handleMap, "region", d.config.DefaultRegion)
	roleArn := jsonString(handleMap, "partition_role_arn", "")
	env := map[string]string{"AWS_DEFAULT_REGION": region}
	if roleArn != "" {
		env["AWS_ROLE_ARN"] = roleArn
	}
	return env
}
