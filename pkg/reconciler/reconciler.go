package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nclav-io/nclav/pkg/config"
	"github.com/nclav-io/nclav/pkg/domain"
	"github.com/nclav-io/nclav/pkg/driver"
	"github.com/nclav-io/nclav/pkg/graph"
	"github.com/nclav-io/nclav/pkg/log"
	"github.com/nclav-io/nclav/pkg/metrics"
	"github.com/nclav-io/nclav/pkg/store"
)

// Reconcile loads the enclave tree at req.EnclavesDir, validates it,
// diffs it against the store's last-known state, and — unless
// req.DryRun — provisions the difference through registry, persisting
// every change and emitting an audit event per step.
func Reconcile(ctx context.Context, req Request, st store.StateStore, registry *driver.Registry) (*Report, error) {
	logger := log.WithComponent("reconciler")
	started := time.Now()
	outcome := "succeeded"
	defer func() {
		metrics.ReconciliationDuration.WithLabelValues(fmt.Sprint(req.DryRun)).Observe(time.Since(started).Seconds())
		metrics.ReconciliationCyclesTotal.WithLabelValues(outcome).Inc()
	}()

	report := newReport(req.DryRun)

	// 1. Load
	logger.Info().Str("dir", req.EnclavesDir).Msg("loading enclaves")
	desired, err := config.Load(req.EnclavesDir)
	if err != nil {
		outcome = "failed"
		return nil, loadError(err)
	}
	logger.Debug().Int("count", len(desired)).Msg("loaded enclaves")

	// 2. Validate
	logger.Info().Msg("validating enclave graph")
	resolved, err := graph.Validate(desired)
	if err != nil {
		outcome = "failed"
		return nil, validateError(err)
	}

	// 3. Snapshot actual
	actualList, err := st.ListEnclaves(ctx)
	if err != nil {
		outcome = "failed"
		return nil, storeError(err)
	}
	actual := make(map[domain.EnclaveID]store.EnclaveState, len(actualList))
	for _, s := range actualList {
		actual[s.Desired.ID] = s
	}

	// 4. Diff
	ordered := orderDesired(desired, resolved.TopoOrder)
	diffChanges(report, desired, actual, ordered)

	// 5. Dry-run gate
	if req.DryRun {
		logger.Info().Int("changes", len(report.Changes)).Msg("dry run, skipping provisioning")
		return report, nil
	}

	// 6. Ordered provisioning
	runID := uuid.New()
	if err := st.AppendEvent(ctx, &store.AuditEvent{
		Kind: store.EventReconcileStarted, ID: runID, At: time.Now(),
	}); err != nil {
		outcome = "failed"
		return nil, storeError(err)
	}

	desiredIDs := make(map[domain.EnclaveID]bool, len(desired))
	for _, e := range desired {
		desiredIDs[e.ID] = true
	}

	for id, s := range actual {
		if desiredIDs[id] {
			continue
		}
		if len(s.EnclaveHandle) > 0 {
			d, err := registry.ForEnclave(&s.Desired)
			if err != nil {
				outcome = "failed"
				return nil, driverError(err)
			}
			if err := d.TeardownEnclave(ctx, &s.Desired, s.EnclaveHandle); err != nil {
				logger.Error().Err(err).Str("enclave_id", string(id)).Msg("enclave teardown failed")
				report.Errors = append(report.Errors, fmt.Sprintf("teardown %s: %v", id, err))
				if err := st.AppendEvent(ctx, &store.AuditEvent{
					Kind: store.EventEnclaveError, ID: uuid.New(), At: time.Now(),
					EnclaveID: id, Message: err.Error(),
				}); err != nil {
					outcome = "failed"
					return nil, storeError(err)
				}
				continue
			}
		}
		if err := st.DeleteEnclave(ctx, id); err != nil {
			outcome = "failed"
			return nil, storeError(err)
		}
	}

	for i := range ordered {
		enc := ordered[i]
		existing, hadExisting := actual[enc.ID]

		d, err := registry.ForEnclave(enc)
		if err != nil {
			outcome = "failed"
			return nil, driverError(err)
		}

		var existingEnclaveHandle driver.Handle
		if hadExisting {
			existingEnclaveHandle = existing.EnclaveHandle
		}
		encResult, err := d.ProvisionEnclave(ctx, enc, existingEnclaveHandle)
		if err != nil {
			outcome = "failed"
			return nil, driverError(err)
		}

		encState := existing
		if !hadExisting {
			encState = store.NewEnclaveState(*enc)
		}
		encState.Desired = *enc
		encState.EnclaveHandle = encResult.Handle
		if encState.Partitions == nil {
			encState.Partitions = make(map[string]store.PartitionState)
		}
		if encState.ExportHandles == nil {
			encState.ExportHandles = make(map[string]store.Handle)
		}
		if encState.ImportHandles == nil {
			encState.ImportHandles = make(map[string]store.Handle)
		}

		contextVars := d.ContextVars(enc, encResult.Handle)

		for _, part := range enc.Partitions {
			partExisting, hadPart := encState.Partitions[string(part.ID)]

			resolvedInputs := resolveInputs(part.Inputs, encState)
			for k, v := range contextVars {
				if _, ok := resolvedInputs[k]; !ok {
					resolvedInputs[k] = v
				}
			}

			var existingPartHandle driver.Handle
			if hadPart {
				existingPartHandle = partExisting.PartitionHandle
			}
			partResult, err := d.ProvisionPartition(ctx, enc, &part, resolvedInputs, existingPartHandle)
			if err != nil {
				outcome = "failed"
				return nil, driverError(err)
			}

			encState.Partitions[string(part.ID)] = store.PartitionState{
				Desired:         part,
				PartitionHandle: partResult.Handle,
				ResolvedOutputs: partResult.Outputs,
			}

			if err := st.AppendEvent(ctx, &store.AuditEvent{
				Kind: store.EventPartitionProvisioned, ID: uuid.New(), At: time.Now(),
				EnclaveID: enc.ID, PartitionID: part.ID,
			}); err != nil {
				outcome = "failed"
				return nil, storeError(err)
			}
		}

		for _, export := range enc.Exports {
			partOutputs := encState.Partitions[string(export.TargetPartition)].ResolvedOutputs

			existingExportHandle := encState.ExportHandles[export.Name]
			exportResult, err := d.ProvisionExport(ctx, enc, &export, partOutputs, existingExportHandle)
			if err != nil {
				outcome = "failed"
				return nil, driverError(err)
			}
			encState.ExportHandles[export.Name] = exportResult.Handle

			if err := st.AppendEvent(ctx, &store.AuditEvent{
				Kind: store.EventExportWired, ID: uuid.New(), At: time.Now(),
				EnclaveID: enc.ID, ExportName: export.Name,
			}); err != nil {
				outcome = "failed"
				return nil, storeError(err)
			}
		}

		now := time.Now()
		encState.LastReconciledAt = &now
		if err := st.UpsertEnclave(ctx, &encState); err != nil {
			outcome = "failed"
			return nil, storeError(err)
		}

		if err := st.AppendEvent(ctx, &store.AuditEvent{
			Kind: store.EventEnclaveProvisioned, ID: uuid.New(), At: time.Now(), EnclaveID: enc.ID,
		}); err != nil {
			outcome = "failed"
			return nil, storeError(err)
		}
	}

	// 7. Second-pass import wiring: re-fetch each enclave's persisted
	// state so imports see export handles written by exporters earlier
	// in this same pass, regardless of declaration order.
	for i := range ordered {
		enc := ordered[i]
		encState, err := st.GetEnclave(ctx, enc.ID)
		if err != nil {
			outcome = "failed"
			return nil, storeError(err)
		}
		if encState == nil {
			s := store.NewEnclaveState(*enc)
			encState = &s
		}

		changed := false
		allImports := append(append([]domain.Import{}, enc.Imports...), partitionImports(enc.Partitions)...)

		for _, imp := range allImports {
			wired, err := wireImport(ctx, st, registry, enc, imp, encState)
			if err != nil {
				outcome = "failed"
				return nil, err
			}
			changed = changed || wired
		}

		if changed {
			if err := st.UpsertEnclave(ctx, encState); err != nil {
				outcome = "failed"
				return nil, storeError(err)
			}
		}
	}

	// 8. Finalize
	if err := st.AppendEvent(ctx, &store.AuditEvent{
		Kind: store.EventReconcileCompleted, ID: runID, At: time.Now(),
		Changes: len(report.Changes),
	}); err != nil {
		outcome = "failed"
		return nil, storeError(err)
	}

	for _, c := range report.Changes {
		metrics.ReconciliationChangesTotal.WithLabelValues(string(c.Kind)).Inc()
	}

	logger.Info().Int("changes", len(report.Changes)).Msg("reconcile complete")
	return report, nil
}

func partitionImports(partitions []domain.Partition) []domain.Import {
	var out []domain.Import
	for _, p := range partitions {
		out = append(out, p.Imports...)
	}
	return out
}

// wireImport resolves one import's exporter from the store and, if the
// export has been wired, calls ProvisionImport and records the
// resulting handle on encState. Returns whether encState changed.
func wireImport(ctx context.Context, st store.StateStore, registry *driver.Registry, enc *domain.Enclave, imp domain.Import, encState *store.EnclaveState) (bool, error) {
	exporter, err := st.GetEnclave(ctx, imp.From)
	if err != nil {
		return false, storeError(err)
	}
	if exporter == nil {
		return false, nil
	}
	exportHandle, ok := exporter.ExportHandles[imp.ExportName]
	if !ok {
		return false, nil
	}

	d, err := registry.ForEnclave(enc)
	if err != nil {
		return false, driverError(err)
	}
	importResult, err := d.ProvisionImport(ctx, enc, &imp, exportHandle, encState.ImportHandles[imp.Alias])
	if err != nil {
		return false, driverError(err)
	}
	if encState.ImportHandles == nil {
		encState.ImportHandles = make(map[string]store.Handle)
	}
	encState.ImportHandles[imp.Alias] = importResult.Handle

	if err := st.AppendEvent(ctx, &store.AuditEvent{
		Kind: store.EventImportWired, ID: uuid.New(), At: time.Now(),
		ImporterEnclave: enc.ID, ExportName: imp.ExportName,
	}); err != nil {
		return false, storeError(err)
	}
	return true, nil
}

// orderDesired returns desired enclaves in topological order, with any
// enclave absent from topoOrder (e.g. one with no cross-enclave wiring)
// appended afterward in its original, stable order.
func orderDesired(desired []domain.Enclave, topoOrder []domain.EnclaveID) []*domain.Enclave {
	byID := make(map[domain.EnclaveID]*domain.Enclave, len(desired))
	for i := range desired {
		byID[desired[i].ID] = &desired[i]
	}

	inTopo := make(map[domain.EnclaveID]bool, len(topoOrder))
	ordered := make([]*domain.Enclave, 0, len(desired))
	for _, id := range topoOrder {
		if enc, ok := byID[id]; ok {
			ordered = append(ordered, enc)
			inTopo[id] = true
		}
	}
	for i := range desired {
		if !inTopo[desired[i].ID] {
			ordered = append(ordered, &desired[i])
		}
	}
	return ordered
}

// diffChanges appends a Change per created/updated/deleted enclave,
// partition, export, and import, comparing desired against actual.
func diffChanges(report *Report, desired []domain.Enclave, actual map[domain.EnclaveID]store.EnclaveState, ordered []*domain.Enclave) {
	desiredIDs := make(map[domain.EnclaveID]bool, len(desired))
	for _, e := range desired {
		desiredIDs[e.ID] = true
	}

	var deletedIDs []domain.EnclaveID
	for id := range actual {
		if !desiredIDs[id] {
			deletedIDs = append(deletedIDs, id)
		}
	}
	sort.Slice(deletedIDs, func(i, j int) bool { return deletedIDs[i] < deletedIDs[j] })
	for _, id := range deletedIDs {
		report.Changes = append(report.Changes, Change{Kind: ChangeEnclaveDeleted, EnclaveID: id})
	}

	for _, enc := range ordered {
		existing, hadExisting := actual[enc.ID]

		switch {
		case !hadExisting:
			report.Changes = append(report.Changes, Change{Kind: ChangeEnclaveCreated, EnclaveID: enc.ID})
		case !enclaveEqual(existing.Desired, *enc):
			report.Changes = append(report.Changes, Change{Kind: ChangeEnclaveUpdated, EnclaveID: enc.ID})
		}

		for _, part := range enc.Partitions {
			partExisting, hadPart := existing.Partitions[string(part.ID)]
			switch {
			case !hadPart:
				report.Changes = append(report.Changes, Change{Kind: ChangePartitionCreated, EnclaveID: enc.ID, PartitionID: part.ID})
			case !partitionEqual(partExisting.Desired, part):
				report.Changes = append(report.Changes, Change{Kind: ChangePartitionUpdated, EnclaveID: enc.ID, PartitionID: part.ID})
			}
		}

		for _, export := range enc.Exports {
			if _, wired := existing.ExportHandles[export.Name]; !wired {
				report.Changes = append(report.Changes, Change{Kind: ChangeExportWired, EnclaveID: enc.ID, ExportName: export.Name})
			}
		}

		for _, imp := range enc.Imports {
			if _, wired := existing.ImportHandles[imp.Alias]; !wired {
				report.Changes = append(report.Changes, Change{Kind: ChangeImportWired, ImporterEnclave: enc.ID, Alias: imp.Alias})
			}
		}
		for _, part := range enc.Partitions {
			for _, imp := range part.Imports {
				if _, wired := existing.ImportHandles[imp.Alias]; !wired {
					report.Changes = append(report.Changes, Change{Kind: ChangeImportWired, ImporterEnclave: enc.ID, Alias: imp.Alias})
				}
			}
		}
	}
}

func enclaveEqual(a, b domain.Enclave) bool {
	return reflect.DeepEqual(a, b)
}

func partitionEqual(a, b domain.Partition) bool {
	return reflect.DeepEqual(a, b)
}

// resolveInputs evaluates {{ alias.key }} template placeholders in a
// partition's input values against the enclave's resolved import
// outputs.
func resolveInputs(inputs map[string]string, encState store.EnclaveState) map[string]string {
	out := make(map[string]string, len(inputs))
	for k, v := range inputs {
		out[k] = resolveTemplate(v, encState)
	}
	return out
}

// resolveTemplate substitutes every {{ alias.key }} placeholder it can
// resolve against encState.ImportHandles, leaving anything it can't
// resolve (unknown alias, missing key, malformed braces) untouched.
func resolveTemplate(tmpl string, encState store.EnclaveState) string {
	result := tmpl
	searchStart := 0

	for {
		idx := strings.Index(result[searchStart:], "{{")
		if idx < 0 {
			break
		}
		start := searchStart + idx
		endIdx := strings.Index(result[start:], "}}")
		if endIdx < 0 {
			break
		}
		end := start + endIdx + 2

		inner := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(result[start:end], "{{"), "}}"))
		alias, key, found := strings.Cut(inner, ".")

		if found {
			if val, ok := lookupImportOutput(encState, alias, key); ok {
				result = result[:start] + val + result[end:]
				searchStart = start + len(val)
				continue
			}
		}
		searchStart = end
	}

	return result
}

func lookupImportOutput(encState store.EnclaveState, alias, key string) (string, bool) {
	handle, ok := encState.ImportHandles[alias]
	if !ok || len(handle) == 0 {
		return "", false
	}
	var m map[string]any
	if err := json.Unmarshal(handle, &m); err != nil {
		return "", false
	}
	outputs, ok := m["outputs"].(map[string]any)
	if !ok {
		return "", false
	}
	val, ok := outputs[key].(string)
	return val, ok
}
