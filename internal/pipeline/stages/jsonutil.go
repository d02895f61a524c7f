package stages

import "encoding/json"

func tryParseJSONObject(body []byte) map[string]any {
	var v map[string]any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil
	}
	return v
}
