package relay

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var requestSchema = gojsonschema.NewStringLoader(`{
  "type": "object",
  "required": ["userId", "messages"],
  "properties": {
    "userId": {"type": "string", "minLength": 1},
    "messages": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["role", "content"],
        "properties": {
          "role": {"enum": ["user", "assistant"]},
          "content": {"type": ["string", "array", "null"]}
        }
      }
    },
    "code": {"type": "string"},
    "directoryContext": {"type": "string"},
    "projectName": {"type": "string"},
    "images": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["url"],
        "properties": {
          "url": {"type": "string", "minLength": 1},
          "name": {"type": "string"}
        }
      }
    }
  }
}`)

// validate checks a raw request body against the relay schema.
func validate(body []byte) error {
	result, err := gojsonschema.Validate(requestSchema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return fmt.Errorf("invalid request: %s", strings.Join(problems, "; "))
	}
	return nil
}
