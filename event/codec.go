package event

import "encoding/json"

// knownDataKeys are the explicit fields of Data; anything else round-trips
// through Extra.
var knownDataKeys = []string{
	"task_id", "feature_id", "description", "assigned_agent", "agent",
	"role", "status", "priority", "error", "retry_count", "active_tasks",
	"event_name", "result", "embedded",
}

// MarshalJSON flattens Extra into the payload object so foreign keys are
// emitted at the same level they arrived at.
func (d Data) MarshalJSON() ([]byte, error) {
	type alias Data
	a := alias(d)
	a.Extra = nil

	raw, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return raw, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, err
	}
	for k, v := range d.Extra {
		if _, exists := merged[k]; exists {
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		merged[k] = b
	}
	return json.Marshal(merged)
}

// UnmarshalJSON captures keys outside the typed record into Extra.
func (d *Data) UnmarshalJSON(raw []byte) error {
	type alias Data
	var a alias
	if err := json.Unmarshal(raw, &a); err != nil {
		return err
	}

	var all map[string]any
	if err := json.Unmarshal(raw, &all); err != nil {
		return err
	}
	for _, k := range knownDataKeys {
		delete(all, k)
	}
	if len(all) > 0 {
		a.Extra = all
	}

	*d = Data(a)
	return nil
}
