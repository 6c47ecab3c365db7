// Package config loads a directory tree of YAML enclave/partition
// definitions and converts them into domain.Enclave values.
package config

// rawEnclave is the YAML shape of an enclave's config.yml.
type rawEnclave struct {
	ID       string          `yaml:"id"`
	Name     string          `yaml:"name"`
	Cloud    string          `yaml:"cloud"`
	Region   string          `yaml:"region"`
	Identity string          `yaml:"identity"`
	Network  *rawNetwork     `yaml:"network"`
	Dns      *rawDns         `yaml:"dns"`
	Imports  []rawImport     `yaml:"imports"`
	Exports  []rawExport     `yaml:"exports"`
	Partitions []string      `yaml:"partitions"`
}

type rawNetwork struct {
	VpcCIDR string   `yaml:"vpc_cidr"`
	Subnets []string `yaml:"subnets"`
}

type rawDns struct {
	Zone string `yaml:"zone"`
}

// rawPartition is the YAML shape of a partition's config.yml.
type rawPartition struct {
	ID              string            `yaml:"id"`
	Name            string            `yaml:"name"`
	Produces        string            `yaml:"produces"`
	Imports         []rawImport       `yaml:"imports"`
	Exports         []rawExport       `yaml:"exports"`
	Inputs          map[string]string `yaml:"inputs"`
	DeclaredOutputs []string          `yaml:"declared_outputs"`
	Backend         string            `yaml:"backend"`
	Terraform       *rawTerraform     `yaml:"terraform"`
}

type rawTerraform struct {
	Tool   string `yaml:"tool"`
	Source string `yaml:"source"`
}

type rawExport struct {
	Name            string         `yaml:"name"`
	TargetPartition string         `yaml:"target_partition"`
	Type            string         `yaml:"type"`
	To              rawExportTarget `yaml:"to"`
	Auth            string         `yaml:"auth"`
	Hostname        string         `yaml:"hostname"`
	Port            uint16         `yaml:"port"`
}

// rawExportTarget accepts either a bare string ("public", "any_enclave",
// "any-enclave", "vpn") or an object ({enclave: id} / {partition: id}) —
// the untagged-enum shape of the original RawExportTarget.
type rawExportTarget struct {
	Simple    string `yaml:"-"`
	Enclave   string `yaml:"enclave"`
	Partition string `yaml:"partition"`
}

func (t *rawExportTarget) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		t.Simple = s
		return nil
	}
	var obj struct {
		Enclave   string `yaml:"enclave"`
		Partition string `yaml:"partition"`
	}
	if err := unmarshal(&obj); err != nil {
		return err
	}
	t.Enclave = obj.Enclave
	t.Partition = obj.Partition
	return nil
}

type rawImport struct {
	From       string `yaml:"from"`
	ExportName string `yaml:"export_name"`
	Alias      string `yaml:"alias"`
}
