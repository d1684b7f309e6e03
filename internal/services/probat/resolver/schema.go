package resolver

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const responseSchemaURL = "https://probat.local/schemas/retrieve_response.schema.json"

//go:embed retrieve_response.schema.json
var responseSchemaJSON []byte

var compileResponseSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(responseSchemaURL, bytes.NewReader(responseSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(responseSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
})

// retrieveResponse is the decision endpoint payload.
type retrieveResponse struct {
	ProposalID   string  `json:"proposal_id"`
	ExperimentID string  `json:"experiment_id"`
	Label        *string `json:"label"`
}

func decodeResponse(schema *jsonschema.Schema, raw []byte) (retrieveResponse, error) {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return retrieveResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return retrieveResponse{}, fmt.Errorf("validate response: %w", err)
	}
	var resp retrieveResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return retrieveResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}
