package rules

// DefaultRulePack is the builtin gate for the 429P1-17 capture profile. The
// same pack ships as profiles/429P1-17/rules.json for deployments that
// override individual rules.
func DefaultRulePack() RulePack {
	return RulePack{
		RulePackId: "a429gate-default",
		Version:    "1.0.0",
		Profile:    "429P1-17",
		Rules: []Rule{
			{
				RuleId: "A429-0001", Name: "Block sync", Scope: ScopeFile,
				Severity: ERROR, FixFunc: "CheckBlockSync",
				Refs:    []string{"A429CAP 3.1"},
				Message: "capture must start with the 0xA429 sync pattern",
			},
			{
				RuleId: "A429-0002", Name: "Block structure", Scope: ScopeFile,
				Severity: ERROR, FixFunc: "CheckBlockStructure",
				Refs:    []string{"A429CAP 3.2"},
				Message: "block headers and payloads must be well formed",
			},
			{
				RuleId: "A429-0003", Name: "Header checksum", Scope: ScopeFile,
				Severity: ERROR, Fixable: true, FixFunc: "FixHeaderChecksum",
				Refs:    []string{"A429CAP 3.3"},
				Message: "stored header checksums must match the header bytes",
			},
			{
				RuleId: "A429-0004", Name: "Data checksum", Scope: ScopeFile,
				Severity: ERROR, Fixable: true, FixFunc: "FixDataChecksum",
				Refs:    []string{"A429CAP 3.4"},
				Message: "payload checksum trailers must match the payload",
			},
			{
				RuleId: "A429-0005", Name: "Sequence numbers", Scope: ScopeChannel,
				Severity: ERROR, Fixable: true, FixFunc: "CheckSequence",
				Refs:    []string{"A429CAP 3.5"},
				Message: "block sequence numbers must increment mod 256 per channel",
			},
			{
				RuleId: "A429-0006", Name: "Word count", Scope: ScopeFile,
				Severity: ERROR, FixFunc: "CheckWordCount",
				Refs:    []string{"A429CAP 4.1"},
				Message: "channel status word count must match the payload size",
			},
			{
				RuleId: "A429-0007", Name: "Word parity", Scope: ScopeChannel,
				Severity: ERROR, Fixable: true, FixFunc: "FixWordParity",
				Refs:    []string{"ARINC429-P1 2.3.3"},
				Message: "every stored word must carry odd parity",
			},
			{
				RuleId: "A429-0008", Name: "Receiver parity flags", Scope: ScopeChannel,
				Severity: WARN, FixFunc: "WarnParityFlag",
				Refs:    []string{"ARINC429-P1 2.3.3"},
				Message: "receiver flagged a parity error on the bus",
			},
			{
				RuleId: "A429-0009", Name: "Minimum word gap", Scope: ScopeChannel,
				Severity: WARN, FixFunc: "CheckMinimumGap",
				Refs:    []string{"ARINC429-P1 2.2.4"},
				Message: "inter-word gap must be at least four bit times",
			},
			{
				RuleId: "A429-0010", Name: "Speed consistency", Scope: ScopeChannel,
				Severity: ERROR, FixFunc: "CheckSpeedConsistency",
				Refs:    []string{"ARINC429-P1 2.1.2"},
				Message: "a bus must not change speed mid-capture",
			},
			{
				RuleId: "A429-0011", Name: "Registry coverage", Scope: ScopeRegistry,
				Severity: ERROR, FixFunc: "CheckRegistryCoverage",
				Refs:    []string{"A429CAP 5.1"},
				Message: "observed buses must match the bus registry",
			},
		},
	}
}
