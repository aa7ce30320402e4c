package config

import "reflect"

// ChangedSections lists the top-level sections that differ between two configs,
// in declaration order. Secrets are never part of the result.
func ChangedSections(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	pairs := []struct {
		name string
		a, b any
	}{
		{"logging", oldCfg.Logging, newCfg.Logging},
		{"storage", oldCfg.Storage, newCfg.Storage},
		{"ledger", oldCfg.Ledger, newCfg.Ledger},
		{"scheduler", oldCfg.Scheduler, newCfg.Scheduler},
		{"monitor", oldCfg.Monitor, newCfg.Monitor},
		{"recovery", oldCfg.Recovery, newCfg.Recovery},
		{"runner", oldCfg.Runner, newCfg.Runner},
		{"jobs", oldCfg.Jobs, newCfg.Jobs},
		{"admin", oldCfg.Admin, newCfg.Admin},
		{"notify", oldCfg.Notify, newCfg.Notify},
	}
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if !reflect.DeepEqual(p.a, p.b) {
			out = append(out, p.name)
		}
	}
	return out
}

// HasSection reports whether name is in sections.
func HasSection(sections []string, name string) bool {
	for _, s := range sections {
		if s == name {
			return true
		}
	}
	return false
}
