// Package payload holds JSON field types shared by manual-trigger payloads,
// which may carry booleans as strings and lists as comma separated strings.
package payload

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Bool decodes true, false, "true" or "false".
type Bool bool

func (b *Bool) UnmarshalJSON(data []byte) error {
	var v bool
	if err := json.Unmarshal(data, &v); err == nil {
		*b = Bool(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("boolean flag: %s", data)
	}
	if s == "" {
		*b = false
		return nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("boolean flag: %q", s)
	}
	*b = Bool(v)
	return nil
}

// Strings decodes an array of strings or a comma separated string.
type Strings []string

func (s *Strings) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return fmt.Errorf("string list: %s", data)
	}
	*s = nil
	for _, v := range strings.Split(one, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*s = append(*s, v)
		}
	}
	return nil
}
