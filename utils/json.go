package utils

import (
	"encoding/json"
)

// Marshal generic struct to JSON
func MarshalToJSON[T any](input T) (string, error) {
	jsonData, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	return string(jsonData), nil
}

// Unmarshal JSON to generic struct
func UnmarshalFromJSON[T any](data []byte, output *T) error {
	return json.Unmarshal(data, output)
}

// DecodePayload decodes an optional JSON payload; empty or null leaves output untouched.
func DecodePayload[T any](data []byte, output *T) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, output)
}
