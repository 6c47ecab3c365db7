// Package graph validates a loaded set of enclaves against the
// cross-enclave dependency invariants and produces a deterministic
// provisioning order.
package graph

import (
	"sort"

	"github.com/nclav-io/nclav/pkg/domain"
)

// Wiring is one validated cross-enclave import/export connection.
type Wiring struct {
	ImporterEnclave   domain.EnclaveID
	ImporterPartition domain.PartitionID // empty for enclave-level imports
	ExporterEnclave   domain.EnclaveID
	ExportName        string
}

// Resolved is returned by Validate on success.
type Resolved struct {
	// TopoOrder lists enclave ids such that for every wiring entry with
	// ExporterEnclave != ImporterEnclave, the exporter precedes the
	// importer.
	TopoOrder []domain.EnclaveID
	Wiring    []Wiring
}

// Validate checks invariants 1-4 and 6 of the data model across the full
// enclave set, then computes a topological order over the cross-enclave
// dependency graph. Invariant 5, the export type × auth compatibility
// matrix, is not checked here.
//
// Phase 1 (structural) accumulates every invariant violation found
// before failing, so a single call surfaces the complete picture rather
// than one error at a time. Phase 2 (topological) only runs if phase 1
// found nothing.
func Validate(enclaves []domain.Enclave) (*Resolved, error) {
	byID := make(map[domain.EnclaveID]*domain.Enclave, len(enclaves))
	for i := range enclaves {
		byID[enclaves[i].ID] = &enclaves[i]
	}

	var errs []*Error
	var wiring []Wiring

	for i := range enclaves {
		enc := &enclaves[i]

		for _, part := range enc.Partitions {
			if part.Produces == "" {
				continue
			}
			for _, key := range part.Produces.RequiredOutputs() {
				if !containsString(part.DeclaredOutputs, key) {
					errs = append(errs, &Error{
						Kind:         KindMissingRequiredOutput,
						Partition:    part.ID,
						ProducesType: string(part.Produces),
						Key:          key,
					})
				}
			}
		}

		for _, export := range enc.Exports {
			target := findPartition(enc.Partitions, export.TargetPartition)
			if target == nil || target.Produces == "" {
				continue
			}
			expected := target.Produces.ExportType()
			if expected != export.ExportType {
				errs = append(errs, &Error{
					Kind:         KindProducesExportMismatch,
					Partition:    target.ID,
					ProducesType: string(target.Produces),
					ExportName:   export.Name,
					ExportType:   string(export.ExportType),
				})
			}
		}

		for _, imp := range enc.Imports {
			w, err := checkImport(enc, "", imp, byID)
			if err != nil {
				errs = append(errs, err)
			} else {
				wiring = append(wiring, *w)
			}
		}

		for _, part := range enc.Partitions {
			for _, imp := range part.Imports {
				w, err := checkImport(enc, part.ID, imp, byID)
				if err != nil {
					errs = append(errs, err)
				} else {
					wiring = append(wiring, *w)
				}
			}
		}
	}

	if len(errs) > 0 {
		return nil, AsMultiple(errs)
	}

	topo, err := toposort(enclaves, wiring)
	if err != nil {
		return nil, err
	}

	return &Resolved{TopoOrder: topo, Wiring: wiring}, nil
}

func checkImport(importer *domain.Enclave, partitionID domain.PartitionID, imp domain.Import, byID map[domain.EnclaveID]*domain.Enclave) (*Wiring, *Error) {
	source, ok := byID[imp.From]
	if !ok {
		return nil, &Error{Kind: KindDanglingImportEnclave, Importer: importer.ID, From: imp.From}
	}

	export := findExport(source.Exports, imp.ExportName)
	if export == nil {
		return nil, &Error{Kind: KindDanglingImportExport, Importer: importer.ID, From: imp.From, ExportName: imp.ExportName}
	}

	permitted := false
	switch export.To.Kind {
	case domain.TargetPublic, domain.TargetAnyEnclave, domain.TargetVpn:
		permitted = true
	case domain.TargetEnclave:
		permitted = export.To.EnclaveID == importer.ID
	case domain.TargetPartition:
		permitted = false
	}
	if !permitted {
		return nil, &Error{Kind: KindAccessDenied, Importer: importer.ID, From: imp.From, ExportName: imp.ExportName}
	}

	return &Wiring{
		ImporterEnclave:   importer.ID,
		ImporterPartition: partitionID,
		ExporterEnclave:   imp.From,
		ExportName:        imp.ExportName,
	}, nil
}

func findPartition(partitions []domain.Partition, id domain.PartitionID) *domain.Partition {
	for i := range partitions {
		if partitions[i].ID == id {
			return &partitions[i]
		}
	}
	return nil
}

func findExport(exports []domain.Export, name string) *domain.Export {
	for i := range exports {
		if exports[i].Name == name {
			return &exports[i]
		}
	}
	return nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// toposort runs Kahn's algorithm over the edges exporter->importer
// (skipping intra-enclave wiring), detecting cycles, and returns a
// deterministic order by breaking ties on enclave id.
func toposort(enclaves []domain.Enclave, wiring []Wiring) ([]domain.EnclaveID, error) {
	ids := make([]domain.EnclaveID, 0, len(enclaves))
	indeg := make(map[domain.EnclaveID]int, len(enclaves))
	adj := make(map[domain.EnclaveID][]domain.EnclaveID)
	for _, e := range enclaves {
		ids = append(ids, e.ID)
		indeg[e.ID] = 0
	}

	for _, w := range wiring {
		if w.ExporterEnclave == w.ImporterEnclave {
			continue
		}
		adj[w.ExporterEnclave] = append(adj[w.ExporterEnclave], w.ImporterEnclave)
		indeg[w.ImporterEnclave]++
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var ready []domain.EnclaveID
	for _, id := range ids {
		if indeg[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	var order []domain.EnclaveID
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)

		next := append([]domain.EnclaveID(nil), adj[n]...)
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		for _, m := range next {
			indeg[m]--
			if indeg[m] == 0 {
				ready = insertSorted(ready, m)
			}
		}
	}

	if len(order) != len(ids) {
		return nil, &Error{Kind: KindCycleDetected}
	}
	return order, nil
}

func insertSorted(s []domain.EnclaveID, v domain.EnclaveID) []domain.EnclaveID {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= v })
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
