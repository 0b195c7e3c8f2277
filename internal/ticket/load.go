package ticket

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed ticket-schema.json
var ticketSchema []byte

// Load reads and parses a ticket file. Both YAML and JSON documents are
// accepted (JSON parses as YAML).
func Load(path string) (*Ticket, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ticket %s: %w", path, err)
	}

	tk, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("ticket %s: %w", path, err)
	}

	return tk, nil
}

// Parse decodes a YAML or JSON ticket document, checks it against the
// ticket schema, and runs semantic validation.
func Parse(data []byte) (*Ticket, error) {
	var doc map[string]any

	docErr := yaml.Unmarshal(data, &doc)
	if docErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTicket, docErr)
	}

	schemaErr := validateSchema(doc)
	if schemaErr != nil {
		return nil, schemaErr
	}

	var tk Ticket

	decodeErr := yaml.Unmarshal(data, &tk)
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTicket, decodeErr)
	}

	validateErr := tk.Validate()
	if validateErr != nil {
		return nil, validateErr
	}

	return &tk, nil
}

// validateSchema checks document shape: field types and required keys.
// Semantic rules (non-empty source lists, trimmed strings) live in
// Ticket.Validate.
func validateSchema(doc map[string]any) error {
	schemaLoader := gojsonschema.NewBytesLoader(ticketSchema)
	docLoader := gojsonschema.NewGoLoader(doc)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("validate ticket schema: %w", err)
	}

	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, verr := range result.Errors() {
		details = append(details, fmt.Sprintf("%s: %s", verr.Field(), verr.Description()))
	}

	return fmt.Errorf("%w: %s", ErrInvalidTicket, strings.Join(details, "; "))
}
