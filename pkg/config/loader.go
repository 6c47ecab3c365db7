package config

import (
	"os"
	"path/filepath"

	"github.com/nclav-io/nclav/pkg/domain"
	"github.com/nclav-io/nclav/pkg/log"
	"gopkg.in/yaml.v3"
)

// Load walks dir and loads every enclave found beneath it.
//
// Expected layout:
//
//	<dir>/
//	  <enclave-name>/
//	    config.yml          <- rawEnclave
//	    <partition-name>/
//	      config.yml        <- rawPartition
func Load(dir string) ([]domain.Enclave, error) {
	var enclaves []domain.Enclave

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, ioError(dir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := collectEnclaves(path, &enclaves); err != nil {
			return nil, err
		}
	}

	return enclaves, nil
}

func collectEnclaves(dir string, out *[]domain.Enclave) error {
	configPath := filepath.Join(dir, "config.yml")
	if fileExists(configPath) {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return ioError(configPath, err)
		}
		var raw rawEnclave
		if err := yaml.Unmarshal(content, &raw); err == nil && looksLikeEnclave(content) {
			log.WithComponent("config").Debug().Str("path", configPath).Msg("loading enclave")
			enc, err := convertEnclave(raw, dir, configPath)
			if err != nil {
				return err
			}
			*out = append(*out, *enc)
			return nil
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		// Best-effort recursion, matching the original loader's silent skip
		// of unreadable subtrees.
		return nil
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if err := collectEnclaves(filepath.Join(dir, entry.Name()), out); err != nil {
				return err
			}
		}
	}
	return nil
}

// looksLikeEnclave distinguishes an enclave config.yml from a partition
// one: only an enclave config declares a top-level `cloud` or `region`
// key pairing with `id`/`name` and no `produces`/`declared_outputs`.
func looksLikeEnclave(content []byte) bool {
	var probe struct {
		Cloud           string   `yaml:"cloud"`
		Region          string   `yaml:"region"`
		Produces        string   `yaml:"produces"`
		DeclaredOutputs []string `yaml:"declared_outputs"`
	}
	if err := yaml.Unmarshal(content, &probe); err != nil {
		return false
	}
	return (probe.Cloud != "" || probe.Region != "") && probe.Produces == "" && len(probe.DeclaredOutputs) == 0
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func convertEnclave(raw rawEnclave, dir, configPath string) (*domain.Enclave, error) {
	cloud, err := parseCloud(raw.Cloud, configPath)
	if err != nil {
		return nil, err
	}

	imports := make([]domain.Import, 0, len(raw.Imports))
	for _, ri := range raw.Imports {
		imports = append(imports, convertImport(ri))
	}

	exports := make([]domain.Export, 0, len(raw.Exports))
	for _, re := range raw.Exports {
		e, err := convertExport(re, configPath)
		if err != nil {
			return nil, err
		}
		exports = append(exports, e)
	}

	var partitions []domain.Partition

	// Explicitly named partitions must have a matching subdirectory and a
	// parseable config.yml, or loading fails.
	for _, name := range raw.Partitions {
		partDir := filepath.Join(dir, name)
		partConfig := filepath.Join(partDir, "config.yml")
		if !fileExists(partConfig) {
			return nil, conversionError(partConfig, "partition config not found for '"+name+"'")
		}
		content, err := os.ReadFile(partConfig)
		if err != nil {
			return nil, ioError(partConfig, err)
		}
		var rp rawPartition
		if err := yaml.Unmarshal(content, &rp); err != nil {
			return nil, yamlError(partConfig, err)
		}
		part, err := convertPartition(rp, partConfig)
		if err != nil {
			return nil, err
		}
		partitions = append(partitions, *part)
	}

	// With no explicit list, auto-discover: any subdirectory with a
	// config.yml that parses as a partition and declares at least one of
	// produces/imports/exports/declared_outputs. Anything else is
	// silently skipped (logged at debug) — see SPEC_FULL.md §4.
	if len(raw.Partitions) == 0 {
		entries, err := os.ReadDir(dir)
		if err == nil {
			for _, entry := range entries {
				if !entry.IsDir() {
					continue
				}
				partConfig := filepath.Join(dir, entry.Name(), "config.yml")
				if !fileExists(partConfig) {
					continue
				}
				content, err := os.ReadFile(partConfig)
				if err != nil {
					continue
				}
				var rp rawPartition
				if err := yaml.Unmarshal(content, &rp); err != nil {
					log.WithComponent("config").Debug().Str("path", partConfig).Msg("skipping unparseable auto-discovered partition")
					continue
				}
				if rp.Produces == "" && len(rp.Imports) == 0 && len(rp.Exports) == 0 && len(rp.DeclaredOutputs) == 0 {
					log.WithComponent("config").Debug().Str("path", partConfig).Msg("skipping empty auto-discovered partition")
					continue
				}
				part, err := convertPartition(rp, partConfig)
				if err != nil {
					return nil, err
				}
				partitions = append(partitions, *part)
			}
		}
	}

	var network *domain.NetworkConfig
	if raw.Network != nil {
		network = &domain.NetworkConfig{VpcCIDR: raw.Network.VpcCIDR, Subnets: raw.Network.Subnets}
	}
	var dns *domain.DnsConfig
	if raw.Dns != nil {
		dns = &domain.DnsConfig{Zone: raw.Dns.Zone}
	}

	return &domain.Enclave{
		ID:         domain.EnclaveID(raw.ID),
		Name:       raw.Name,
		Cloud:      cloud,
		Region:     raw.Region,
		Identity:   raw.Identity,
		Network:    network,
		Dns:        dns,
		Imports:    imports,
		Exports:    exports,
		Partitions: partitions,
	}, nil
}

func convertPartition(raw rawPartition, path string) (*domain.Partition, error) {
	produces, err := parseProduces(raw.Produces, path)
	if err != nil {
		return nil, err
	}

	imports := make([]domain.Import, 0, len(raw.Imports))
	for _, ri := range raw.Imports {
		imports = append(imports, convertImport(ri))
	}

	exports := make([]domain.Export, 0, len(raw.Exports))
	for _, re := range raw.Exports {
		e, err := convertExport(re, path)
		if err != nil {
			return nil, err
		}
		exports = append(exports, e)
	}

	backend, tf, err := parseBackend(raw.Backend, raw.Terraform, path)
	if err != nil {
		return nil, err
	}

	return &domain.Partition{
		ID:              domain.PartitionID(raw.ID),
		Name:            raw.Name,
		Produces:        produces,
		Imports:         imports,
		Exports:         exports,
		Inputs:          raw.Inputs,
		DeclaredOutputs: raw.DeclaredOutputs,
		Backend:         backend,
		Terraform:       tf,
	}, nil
}

func convertImport(raw rawImport) domain.Import {
	return domain.Import{
		From:       domain.EnclaveID(raw.From),
		ExportName: raw.ExportName,
		Alias:      raw.Alias,
	}
}

func convertExport(raw rawExport, path string) (domain.Export, error) {
	et, err := parseExportType(raw.Type, path)
	if err != nil {
		return domain.Export{}, err
	}
	auth, err := parseAuth(raw.Auth, path)
	if err != nil {
		return domain.Export{}, err
	}
	target, err := convertExportTarget(raw.To, path)
	if err != nil {
		return domain.Export{}, err
	}
	return domain.Export{
		Name:            raw.Name,
		TargetPartition: domain.PartitionID(raw.TargetPartition),
		ExportType:      et,
		To:              target,
		Auth:            auth,
		Hostname:        raw.Hostname,
		Port:            raw.Port,
	}, nil
}

func convertExportTarget(raw rawExportTarget, path string) (domain.ExportTarget, error) {
	if raw.Enclave != "" {
		return domain.ExportTarget{Kind: domain.TargetEnclave, EnclaveID: domain.EnclaveID(raw.Enclave)}, nil
	}
	if raw.Partition != "" {
		return domain.ExportTarget{Kind: domain.TargetPartition, PartitionID: domain.PartitionID(raw.Partition)}, nil
	}
	switch raw.Simple {
	case "public":
		return domain.ExportTarget{Kind: domain.TargetPublic}, nil
	case "any_enclave", "any-enclave":
		return domain.ExportTarget{Kind: domain.TargetAnyEnclave}, nil
	case "vpn":
		return domain.ExportTarget{Kind: domain.TargetVpn}, nil
	default:
		return domain.ExportTarget{}, conversionError(path, "unknown export target '"+raw.Simple+"'")
	}
}

func parseCloud(s, path string) (domain.CloudTarget, error) {
	switch s {
	case "":
		return "", nil
	case "local":
		return domain.CloudLocal, nil
	case "gcp":
		return domain.CloudGCP, nil
	case "azure":
		return domain.CloudAzure, nil
	case "aws":
		return domain.CloudAWS, nil
	default:
		return "", conversionError(path, "unknown cloud target '"+s+"'")
	}
}

func parseProduces(s, path string) (domain.ProducesType, error) {
	switch s {
	case "":
		return "", nil
	case "http":
		return domain.ProducesHTTP, nil
	case "tcp":
		return domain.ProducesTCP, nil
	case "queue":
		return domain.ProducesQueue, nil
	default:
		return "", conversionError(path, "unknown produces type '"+s+"'")
	}
}

func parseExportType(s, path string) (domain.ExportType, error) {
	switch s {
	case "http":
		return domain.ExportHTTP, nil
	case "tcp":
		return domain.ExportTCP, nil
	case "queue":
		return domain.ExportQueue, nil
	default:
		return "", conversionError(path, "unknown export type '"+s+"'")
	}
}

func parseAuth(s, path string) (domain.AuthType, error) {
	switch s {
	case "", "none":
		return domain.AuthNone, nil
	case "token":
		return domain.AuthToken, nil
	case "oauth":
		return domain.AuthOauth, nil
	case "mtls":
		return domain.AuthMtls, nil
	case "native":
		return domain.AuthNative, nil
	default:
		return "", conversionError(path, "unknown auth type '"+s+"'")
	}
}

func parseBackend(s string, raw *rawTerraform, path string) (domain.Backend, *domain.TerraformConfig, error) {
	switch s {
	case "", "managed":
		return domain.BackendManaged, nil, nil
	case "terraform":
		return domain.BackendTerraform, convertTerraform(raw, path), nil
	case "opentofu":
		return domain.BackendOpenTofu, convertTerraform(raw, path), nil
	default:
		return "", nil, conversionError(path, "unknown backend '"+s+"'")
	}
}

func convertTerraform(raw *rawTerraform, path string) *domain.TerraformConfig {
	dir := filepath.Dir(path)
	if raw == nil {
		return &domain.TerraformConfig{Dir: dir}
	}
	return &domain.TerraformConfig{Tool: raw.Tool, Source: raw.Source, Dir: dir}
}
