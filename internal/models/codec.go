package models

import "encoding/json"

// Rows, result events and triggers travel as JSON, both on the wire and in
// the kv store.

func (r *ViewRow) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

func (r *ViewRow) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}

func (e *ResultEvent) MarshalBinary() ([]byte, error) {
	return json.Marshal(e)
}

func (e *ResultEvent) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, e)
}

func (t *FutureTrigger) MarshalBinary() ([]byte, error) {
	return json.Marshal(t)
}

func (t *FutureTrigger) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, t)
}
