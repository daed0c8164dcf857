//
// Tencent is pleased to support the open source community by making trpc-flowfile-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flowfile-go is licensed under the Apache License Version 2.0.
//
//

package document

import (
	"encoding/json"
	"fmt"
)

// legacyOperators maps symbolic comparison operators from old documents to
// their canonical names. Canonical names pass through unchanged.
var legacyOperators = map[string]string{
	"=":  "equals",
	"==": "equals",
	"!=": "not_equals",
	"<>": "not_equals",
	">":  "greater_than",
	">=": "greater_than_or_equals",
	"<":  "less_than",
	"<=": "less_than_or_equals",
}

var canonicalOperators = map[string]struct{}{
	"equals": {}, "not_equals": {},
	"greater_than": {}, "greater_than_or_equals": {},
	"less_than": {}, "less_than_or_equals": {},
	"contains": {}, "not_contains": {}, "starts_with": {}, "ends_with": {},
	"is_null": {}, "is_not_null": {},
	"between": {}, "in": {}, "not_in": {},
}

// MigrateOperator resolves a persisted comparison operator to its canonical
// name. It reports false for operators it does not recognize.
func MigrateOperator(op string) (string, bool) {
	if canonical, ok := legacyOperators[op]; ok {
		return canonical, true
	}
	if _, ok := canonicalOperators[op]; ok {
		return op, true
	}
	return "", false
}

// migrate rewrites legacy node settings in place. Documents saved after a
// load therefore always carry the canonical form.
func migrate(d *Document) error {
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if n.Kind != "filter" || len(n.Settings) == 0 {
			continue
		}
		migrated, err := migrateFilterSettings(n.Settings)
		if err != nil {
			return fmt.Errorf("document: node %d: %w", n.ID, err)
		}
		n.Settings = migrated
	}
	return nil
}

// migrateFilterSettings upgrades a filter node's basic condition: symbolic
// operators become canonical names and the legacy filter_value key becomes
// value. Settings without a basic block pass through untouched.
func migrateFilterSettings(raw json.RawMessage) (json.RawMessage, error) {
	var settings map[string]json.RawMessage
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("filter settings: %w", err)
	}
	basicRaw, ok := settings["basic"]
	if !ok {
		return raw, nil
	}
	var basic map[string]json.RawMessage
	if err := json.Unmarshal(basicRaw, &basic); err != nil {
		return nil, fmt.Errorf("filter basic settings: %w", err)
	}
	changed := false
	if legacy, ok := basic["filter_value"]; ok {
		if _, dup := basic["value"]; !dup {
			basic["value"] = legacy
		}
		delete(basic, "filter_value")
		changed = true
	}
	if opRaw, ok := basic["operator"]; ok {
		var op string
		if err := json.Unmarshal(opRaw, &op); err != nil {
			return nil, fmt.Errorf("filter operator: %w", err)
		}
		canonical, known := MigrateOperator(op)
		if !known {
			return nil, fmt.Errorf("filter operator %q is not supported", op)
		}
		if canonical != op {
			blob, err := json.Marshal(canonical)
			if err != nil {
				return nil, err
			}
			basic["operator"] = blob
			changed = true
		}
	}
	if !changed {
		return raw, nil
	}
	basicBlob, err := json.Marshal(basic)
	if err != nil {
		return nil, err
	}
	settings["basic"] = basicBlob
	return json.Marshal(settings)
}
