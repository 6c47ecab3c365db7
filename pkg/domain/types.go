// Package domain defines the typed entities nclav reconciles: enclaves,
// partitions, exports and imports, and the enums that constrain how they
// may be wired together.
package domain

// EnclaveID identifies a cloud account/project/subscription-level
// isolation boundary. It is used as a map key and appears in every log
// line and audit event concerning that enclave.
type EnclaveID string

// PartitionID identifies a deployable unit inside an enclave.
type PartitionID string

// CloudTarget selects which driver provisions an enclave.
type CloudTarget string

const (
	CloudLocal CloudTarget = "local"
	CloudGCP   CloudTarget = "gcp"
	CloudAzure CloudTarget = "azure"
	CloudAWS   CloudTarget = "aws"
)

// ExportType is the semantic kind of endpoint an export publishes.
type ExportType string

const (
	ExportHTTP  ExportType = "http"
	ExportTCP   ExportType = "tcp"
	ExportQueue ExportType = "queue"
)

// AuthType is the authentication mode an export requires of its importers.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthToken  AuthType = "token"
	AuthOauth  AuthType = "oauth"
	AuthMtls   AuthType = "mtls"
	AuthNative AuthType = "native"
)

// compatibleAuthTypes is the (export_type -> allowed auth types) matrix
// from invariant 5.
var compatibleAuthTypes = map[ExportType][]AuthType{
	ExportHTTP:  {AuthNone, AuthToken, AuthOauth, AuthMtls},
	ExportTCP:   {AuthNone, AuthMtls, AuthNative},
	ExportQueue: {AuthNone, AuthToken, AuthNative},
}

// IsAuthCompatible reports whether auth is a permitted auth type for et.
func (et ExportType) IsAuthCompatible(auth AuthType) bool {
	for _, a := range compatibleAuthTypes[et] {
		if a == auth {
			return true
		}
	}
	return false
}

// ProducesType is the semantic kind of endpoint a partition offers. It
// pins the set of output keys the partition must declare.
type ProducesType string

const (
	ProducesHTTP  ProducesType = "http"
	ProducesTCP   ProducesType = "tcp"
	ProducesQueue ProducesType = "queue"
)

var requiredOutputs = map[ProducesType][]string{
	ProducesHTTP:  {"hostname", "port"},
	ProducesTCP:   {"hostname", "port"},
	ProducesQueue: {"queue_url"},
}

// RequiredOutputs returns the output keys a partition with this produces
// type must include in its declared_outputs.
func (p ProducesType) RequiredOutputs() []string {
	return requiredOutputs[p]
}

// ExportType returns the export type a produces type maps to, for
// invariant 4 (produces/export type agreement).
func (p ProducesType) ExportType() ExportType {
	switch p {
	case ProducesHTTP:
		return ExportHTTP
	case ProducesTCP:
		return ExportTCP
	case ProducesQueue:
		return ExportQueue
	default:
		return ""
	}
}

// ExportTargetKind discriminates the shape of an ExportTarget.
type ExportTargetKind string

const (
	TargetPublic     ExportTargetKind = "public"
	TargetAnyEnclave ExportTargetKind = "any_enclave"
	TargetEnclave    ExportTargetKind = "enclave"
	TargetVpn        ExportTargetKind = "vpn"
	TargetPartition  ExportTargetKind = "partition"
)

// ExportTarget is the access-control target of an export's `to` field.
// Kind determines which of EnclaveID/PartitionID is populated.
type ExportTarget struct {
	Kind       ExportTargetKind
	EnclaveID  EnclaveID
	PartitionID PartitionID
}

// Backend selects how a partition's infrastructure is realized.
type Backend string

const (
	BackendManaged   Backend = "managed"
	BackendTerraform Backend = "terraform"
	BackendOpenTofu  Backend = "opentofu"
)

// TerraformConfig configures the IaC subprocess backend for a partition
// whose Backend is BackendTerraform or BackendOpenTofu.
type TerraformConfig struct {
	// Tool overrides the IaC binary name. Empty means use Backend's default
	// ("terraform" or "tofu").
	Tool string
	// Source is a module source URL. When it is set, no local .tf files
	// are symlinked into the workspace, and nclav generates no module
	// block that calls Source.
	Source string
	// Dir is the partition's own config directory, the local .tf source
	// used when Source is empty. Populated by the config loader, not by
	// config.yml itself.
	Dir string
}

// Export is a named, typed, access-controlled publication of a
// partition's endpoint.
type Export struct {
	Name            string
	TargetPartition PartitionID
	ExportType      ExportType
	To              ExportTarget
	Auth            AuthType
	Hostname        string
	Port            uint16
}

// Import is a reference to an export elsewhere, with a local alias used
// by template resolution.
type Import struct {
	From       EnclaveID
	ExportName string
	Alias      string
}

// Partition is a deployable unit inside an enclave.
type Partition struct {
	ID       PartitionID
	Name     string
	Produces ProducesType // empty means "no produces type"
	Imports  []Import
	Exports  []Export
	// Inputs maps input name to a template string that may reference
	// {{ alias.key }} placeholders resolved at provision time.
	Inputs          map[string]string
	DeclaredOutputs []string
	Backend         Backend
	Terraform       *TerraformConfig
}

// NetworkConfig is an enclave's optional VPC configuration.
type NetworkConfig struct {
	VpcCIDR string
	Subnets []string
}

// DnsConfig is an enclave's optional DNS zone configuration.
type DnsConfig struct {
	Zone string
}

// Enclave is a cloud account/project/subscription-level isolation unit.
type Enclave struct {
	ID     EnclaveID
	Name   string
	Cloud  CloudTarget // empty means "inherit process default"
	Region string
	// Identity is an optional service-account-like name the driver should
	// create or reuse for this enclave.
	Identity  string
	Network   *NetworkConfig
	Dns       *DnsConfig
	Imports   []Import
	Exports   []Export
	Partitions []Partition
}
