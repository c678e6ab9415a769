package locker

import (
	"encoding/json"
	"fmt"
	"sort"
)

// StatementID names the deny statement the locker owns.
const StatementID = "DenyWriteLockedSubmission"

const policyVersion = "2012-10-17"

// Policy is a bucket policy document. Statements other than the locker's
// are kept verbatim.
type Policy struct {
	Version   string            `json:"Version"`
	ID        string            `json:"Id,omitempty"`
	Statement []json.RawMessage `json:"Statement"`
}

// Statement is the locker's deny statement.
type Statement struct {
	Sid       string                           `json:"Sid"`
	Effect    string                           `json:"Effect"`
	Principal string                           `json:"Principal"`
	Action    stringList                       `json:"Action"`
	Resource  stringList                       `json:"Resource"`
	Condition map[string]map[string]stringList `json:"Condition,omitempty"`
}

// stringList accepts a JSON string or array of strings. Policy stores
// collapse single-element arrays into plain strings.
type stringList []string

func (s *stringList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*s = stringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParsePolicy decodes a policy document; "" yields an empty policy.
func ParsePolicy(doc string) (*Policy, error) {
	if doc == "" {
		return &Policy{Version: policyVersion}, nil
	}
	var p Policy
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("parse bucket policy: %w", err)
	}
	return &p, nil
}

// deny returns the locker's statement and its index, -1 when absent.
func (p *Policy) deny() (*Statement, int, error) {
	for i, raw := range p.Statement {
		var peek struct {
			Sid string `json:"Sid"`
		}
		if err := json.Unmarshal(raw, &peek); err != nil {
			return nil, -1, fmt.Errorf("parse policy statement %d: %w", i, err)
		}
		if peek.Sid != StatementID {
			continue
		}
		var st Statement
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, -1, fmt.Errorf("parse %s: %w", StatementID, err)
		}
		return &st, i, nil
	}
	return nil, -1, nil
}

// Resources returns the locked resource ARNs.
func (p *Policy) Resources() ([]string, error) {
	st, _, err := p.deny()
	if err != nil || st == nil {
		return nil, err
	}
	return st.Resource, nil
}

// SetResources replaces the deny statement's resource list, removing the
// statement when the list is empty.
func (p *Policy) SetResources(resources, exempt []string) error {
	_, idx, err := p.deny()
	if err != nil {
		return err
	}
	resources = dedupe(resources)

	if len(resources) == 0 {
		if idx >= 0 {
			p.Statement = append(p.Statement[:idx], p.Statement[idx+1:]...)
		}
		return nil
	}

	st := Statement{
		Sid:       StatementID,
		Effect:    "Deny",
		Principal: "*",
		Action:    stringList{"s3:PutObject", "s3:DeleteObject"},
		Resource:  resources,
	}
	if len(exempt) > 0 {
		st.Condition = map[string]map[string]stringList{
			"StringNotLike": {"aws:userId": exempt},
		}
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode %s: %w", StatementID, err)
	}
	if idx >= 0 {
		p.Statement[idx] = raw
	} else {
		p.Statement = append(p.Statement, raw)
	}
	if p.Version == "" {
		p.Version = policyVersion
	}
	return nil
}

// Empty reports whether the policy has no statements left.
func (p *Policy) Empty() bool { return len(p.Statement) == 0 }

func (p *Policy) String() string {
	b, _ := json.Marshal(p)
	return string(b)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
