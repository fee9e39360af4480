package playbook

// Builtin returns the control plane's shipped playbook catalog, covering
// the four failure modes Guardian's watchdog categories most commonly
// surface (spec.md §4.2). These are registered at boot in addition to
// whatever an operator-supplied catalog file contributes; a playbook id
// present in both wins by file (the boot sequence registers every
// Builtin() playbook first, then calls LoadFile).
func Builtin() []Playbook {
	return []Playbook{
		{
			ID:          "zombie_process.kill_and_release",
			TriggersOn:  []string{"guardian.issue.detected"},
			Predicates:  []Predicate{{Field: "category", Equals: "zombie_process"}},
			Steps: []Step{
				{
					Name:   "reap_zombie",
					Action: "process.reap",
					Inputs: map[string]interface{}{},
					Verify: "process.absent",
				},
			},
			Verifications: []string{"process.absent"},
			RiskLevel:     RiskLow,
			AutonomyTier:  AutonomyFull,
			FailureMode:   "zombie_process",
			Tags:          []string{"builtin", "guardian"},
		},
		{
			ID:         "port_conflict.reclaim",
			TriggersOn: []string{"guardian.issue.detected"},
			Predicates: []Predicate{{Field: "category", Equals: "port_conflict"}},
			Steps: []Step{
				{
					Name:             "terminate_port_holder",
					Action:           "process.terminate_by_port",
					Inputs:           map[string]interface{}{},
					Verify:           "port.free",
					CompensateAction: "process.restart_by_port",
				},
			},
			Verifications: []string{"port.free"},
			RiskLevel:     RiskMedium,
			AutonomyTier:  AutonomyFull,
			Rollback:      true,
			FailureMode:   "port_in_use",
			Tags:          []string{"builtin", "guardian"},
		},
		{
			ID:         "dns_failure.flush_resolve",
			TriggersOn: []string{"guardian.issue.detected"},
			Predicates: []Predicate{{Field: "category", Equals: "dns_resolution"}},
			Steps: []Step{
				{
					Name:   "flush_resolver_cache",
					Action: "dns.flush_cache",
					Inputs: map[string]interface{}{},
					Verify: "dns.resolves",
				},
			},
			Verifications: []string{"dns.resolves"},
			RiskLevel:     RiskLow,
			AutonomyTier:  AutonomyFull,
			FailureMode:   "dns_failure",
			Tags:          []string{"builtin", "guardian"},
		},
		{
			ID:         "time_wait_buildup.tune_backlog",
			TriggersOn: []string{"guardian.issue.detected"},
			Predicates: []Predicate{{Field: "category", Equals: "time_wait_buildup"}},
			Steps: []Step{
				{
					Name:             "lower_tw_reuse_and_backlog",
					Action:           "net.tune_time_wait",
					Inputs:           map[string]interface{}{},
					Verify:           "net.time_wait_count_below_threshold",
					CompensateAction: "net.restore_time_wait_defaults",
				},
			},
			Verifications: []string{"net.time_wait_count_below_threshold"},
			RiskLevel:     RiskMedium,
			AutonomyTier:  AutonomyAssisted,
			Rollback:      true,
			FailureMode:   "time_wait_buildup",
			Tags:          []string{"builtin", "guardian"},
		},
	}
}

// RegisterBuiltins registers every builtin playbook into r.
func RegisterBuiltins(r *Registry) error {
	for _, pb := range Builtin() {
		if err := r.Register(pb); err != nil {
			return err
		}
	}
	return nil
}
