package model

// MigrateReport maps a stored report forward to the current schema
// version, filling fields introduced after it was written with safe
// defaults. Old reports stay readable indefinitely; reads never fail on
// version skew. Returns true if anything changed.
func MigrateReport(r *Report) bool {
	if r.Version == SchemaVersion {
		return false
	}

	// Pre-2.0 rows: mode, phase_progress, and the cache token counters did
	// not exist. Status and step payloads are untouched.
	if r.Mode == "" {
		r.Mode = ModeStandard
	}
	if r.StepResults == nil {
		r.StepResults = map[string]StepResult{}
	}
	if r.PhaseProgress == 0 && r.CurrentStep != "" {
		if def, err := ChainFor(r.Mode); err == nil {
			r.PhaseProgress = def.ProgressAfter(r.CurrentStep)
		}
	}
	if r.Status == StatusComplete && r.PhaseProgress < 100 {
		r.PhaseProgress = 100
	}
	for id, sr := range r.StepResults {
		if sr.SchemaVersion == "" {
			sr.SchemaVersion = r.Version
			r.StepResults[id] = sr
		}
	}

	r.Version = SchemaVersion
	return true
}
