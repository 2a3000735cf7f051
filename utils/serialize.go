// Package utils pins the persistence codec in one place. Workflow,
// execution, plan, step and memory records all pass through these two
// functions on their way to the store.
package utils

import "encoding/json"

func Serialize(o any) ([]byte, error) {
	return json.Marshal(o)
}

func Unserialize(b []byte, o any) error {
	return json.Unmarshal(b, o)
}
