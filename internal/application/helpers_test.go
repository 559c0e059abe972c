package application

import "encoding/json"

func jsonRoundTrip(frame any) (map[string]any, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func mustJSON(frame any) []byte {
	data, err := json.Marshal(frame)
	if err != nil {
		panic(err)
	}
	return data
}
