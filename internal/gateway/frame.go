package gateway

import "encoding/json"

// frame wraps payload under a top-level "type" discriminator and
// marshals it to JSON, matching the wire shape every Gateway frame
// uses. Encoding errors are swallowed into an empty frame; payload
// types here are always trivially marshalable.
func frame(typ string, payload any) []byte {
	body, err := json.Marshal(payload)
	if err != nil {
		return []byte(`{"type":"` + typ + `"}`)
	}
	merged := map[string]json.RawMessage{"type": json.RawMessage(`"` + typ + `"`)}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err == nil {
		for k, v := range fields {
			merged[k] = v
		}
	} else {
		merged["payload"] = body
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return []byte(`{"type":"` + typ + `"}`)
	}
	return out
}
