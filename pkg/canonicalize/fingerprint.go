package canonicalize

import "fmt"

type fingerprintKey struct {
	ScriptID string `json:"script_id"`
	Version  string `json:"version"`
	PolicyID string `json:"policy_id"`
	Input    any    `json:"input"`
}

// Fingerprint derives the judgment cache key for one evaluation of a script
// version against input under a policy. Inputs that differ only in key order,
// whitespace or Unicode normalization form share a fingerprint.
func Fingerprint(scriptID, version string, input any, policyID string) (string, error) {
	h, err := CanonicalHash(fingerprintKey{
		ScriptID: scriptID,
		Version:  version,
		PolicyID: policyID,
		Input:    input,
	})
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return "jfp:" + h, nil
}
