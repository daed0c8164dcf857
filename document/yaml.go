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

	"github.com/goccy/go-yaml"
)

// UnmarshalYAML parses a YAML document by bridging through the JSON form, so
// migration and validation behave identically for both encodings.
func UnmarshalYAML(data []byte) (*Document, error) {
	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("document: %w", err)
	}
	blob, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("document: %w", err)
	}
	return Unmarshal(blob)
}

// MarshalYAML renders the document as YAML. The output reflects the
// canonical JSON encoding, so unknown fields survive here too.
func MarshalYAML(d *Document) ([]byte, error) {
	blob, err := Marshal(d)
	if err != nil {
		return nil, err
	}
	var tree any
	if err := json.Unmarshal(blob, &tree); err != nil {
		return nil, err
	}
	return yaml.Marshal(tree)
}
