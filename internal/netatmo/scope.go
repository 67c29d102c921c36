package netatmo

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type Scope string

const (
	ScopeReadStation       Scope = "read_station"
	ScopeReadThermostat    Scope = "read_thermostat"
	ScopeWriteThermostat   Scope = "write_thermostat"
	ScopeReadCamera        Scope = "read_camera"
	ScopeWriteCamera       Scope = "write_camera"
	ScopeAccessCamera      Scope = "access_camera"
	ScopeReadPresence      Scope = "read_presence"
	ScopeAccessPresence    Scope = "access_presence"
	ScopeReadHomecoach     Scope = "read_homecoach"
	ScopeReadSmokedetector Scope = "read_smokedetector"
)

var knownScopes = map[Scope]struct{}{
	ScopeReadStation: {}, ScopeReadThermostat: {}, ScopeWriteThermostat: {},
	ScopeReadCamera: {}, ScopeWriteCamera: {}, ScopeAccessCamera: {},
	ScopeReadPresence: {}, ScopeAccessPresence: {},
	ScopeReadHomecoach: {}, ScopeReadSmokedetector: {},
}

// Scopes decodes from either a single string or a list of strings. Unknown
// scopes are rejected and the result is sorted.
type Scopes []Scope

func (s *Scopes) UnmarshalJSON(b []byte) error {
	if isNullJSON(b) {
		*s = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		out, err := ParseScopes([]string{one})
		if err != nil {
			return err
		}
		*s = out
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("token_scope: expected string or list of strings")
	}
	out, err := ParseScopes(many)
	if err != nil {
		return err
	}
	*s = out
	return nil
}

func (s Scopes) Strings() []string {
	out := make([]string, len(s))
	for i, v := range s {
		out[i] = string(v)
	}
	return out
}

func ParseScopes(raw []string) (Scopes, error) {
	out := make(Scopes, 0, len(raw))
	seen := map[Scope]struct{}{}
	for _, r := range raw {
		sc := Scope(strings.TrimSpace(r))
		if _, ok := knownScopes[sc]; !ok {
			return nil, fmt.Errorf("%q is an invalid value for scope", r)
		}
		if _, dup := seen[sc]; dup {
			continue
		}
		seen[sc] = struct{}{}
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func isNullJSON(b []byte) bool {
	return strings.TrimSpace(string(b)) == "null"
}
