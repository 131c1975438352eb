package normalizer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cuongbtq/paper-loom/internal/domain"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// contentListSchema accepts both the flat block list and the per-page list
const contentListSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "array",
	"items": {
		"type": "object",
		"anyOf": [
			{
				"required": ["type"],
				"properties": {
					"type": {"type": "string"},
					"page_idx": {"type": "integer", "minimum": 0}
				}
			},
			{
				"required": ["preproc_blocks"],
				"properties": {
					"preproc_blocks": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["type"],
							"properties": {"type": {"type": "string"}}
						}
					}
				}
			}
		]
	}
}`

type contentBlock struct {
	Type          string         `json:"type"`
	PageIdx       *int           `json:"page_idx"`
	PreprocBlocks []contentBlock `json:"preproc_blocks"`
}

func compileContentListSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("content_list.json", strings.NewReader(contentListSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("content_list.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// statsFromContentList returns ok=false when the sidecar is invalid or has no blocks
func statsFromContentList(schema *jsonschema.Schema, text string) (domain.Stats, bool, error) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return domain.Stats{}, false, fmt.Errorf("unmarshal content list: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return domain.Stats{}, false, fmt.Errorf("content list does not match schema: %w", err)
	}

	var entries []contentBlock
	if err := json.Unmarshal([]byte(text), &entries); err != nil {
		return domain.Stats{}, false, fmt.Errorf("unmarshal content list: %w", err)
	}

	var stats domain.Stats
	pageEntries := 0
	maxPageIdx := -1

	count := func(b contentBlock) {
		stats.TotalElements++
		switch b.Type {
		case "table":
			stats.Tables++
		case "image":
			stats.Figures++
		case "equation", "inline_equation", "interline_equation":
			stats.Formulas++
		}
	}

	for _, e := range entries {
		if e.PreprocBlocks != nil {
			pageEntries++
			for _, b := range e.PreprocBlocks {
				count(b)
			}
			continue
		}
		count(e)
		if e.PageIdx != nil && *e.PageIdx > maxPageIdx {
			maxPageIdx = *e.PageIdx
		}
	}

	if stats.TotalElements == 0 {
		return domain.Stats{}, false, nil
	}

	stats.TotalPages = pageEntries + maxPageIdx + 1
	return stats, true, nil
}
