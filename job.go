package faktory

import "encoding/json"

// Job describes a unit of work, either built by the caller for Push or
// decoded from a Fetch reply. CustomAttrs carries any field Faktory (or a
// caller's own convention) adds beyond the fixed set below — it round-trips
// through MarshalJSON/UnmarshalJSON merged at the top level, matching how
// the server itself treats a job payload as an open JSON object.
type Job struct {
	Jid        string `json:"jid,omitempty"`
	Jobtype    string `json:"jobtype"`
	Queue      string `json:"queue,omitempty"`
	Args       []any  `json:"args"`
	Priority   int    `json:"priority,omitempty"`
	Retry      *int   `json:"retry,omitempty"`
	At         string `json:"at,omitempty"`
	ReserveFor int    `json:"reserve_for,omitempty"`

	CustomAttrs map[string]any `json:"-"`
}

// MarshalJSON merges CustomAttrs into the same JSON object as Job's fixed
// fields, so unknown/server-specific keys (e.g. created_at, enqueued_at)
// round-trip without a nested "custom" wrapper object.
func (j Job) MarshalJSON() ([]byte, error) {
	type alias Job
	fixed, err := json.Marshal(alias(j))
	if err != nil {
		return nil, err
	}
	if len(j.CustomAttrs) == 0 {
		return fixed, nil
	}

	merged := make(map[string]json.RawMessage, len(j.CustomAttrs)+8)
	if err := json.Unmarshal(fixed, &merged); err != nil {
		return nil, err
	}
	for k, v := range j.CustomAttrs {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		merged[k] = raw
	}
	return json.Marshal(merged)
}

// fixedJobFields lists the JSON keys Job declares explicitly; everything
// else in a decoded payload is folded into CustomAttrs.
var fixedJobFields = map[string]struct{}{
	"jid": {}, "jobtype": {}, "queue": {}, "args": {},
	"priority": {}, "retry": {}, "at": {}, "reserve_for": {},
}

// UnmarshalJSON decodes Job's fixed fields and folds every other key in the
// payload into CustomAttrs.
func (j *Job) UnmarshalJSON(data []byte) error {
	type alias Job
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*j = Job(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if _, known := fixedJobFields[k]; known {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		if j.CustomAttrs == nil {
			j.CustomAttrs = make(map[string]any)
		}
		j.CustomAttrs[k] = val
	}
	return nil
}
