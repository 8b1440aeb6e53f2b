// file: internal/profilestore/schema.go
package profilestore

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// profileSchema is the contract for records written to the profile store.
// Violations are reported as a list rather than an error so callers can
// decide severity.
const profileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "chargeauth://schemas/profile",
  "type": "object",
  "required": ["uid", "provider", "displayName"],
  "properties": {
    "uid": {"type": "string", "minLength": 1},
    "email": {"type": "string"},
    "displayName": {"type": "string", "minLength": 1},
    "realName": {"type": "string"},
    "photoURL": {"type": "string"},
    "provider": {"type": "string", "enum": ["apple", "google", "kakao"]},
    "kakaoId": {"type": "string", "minLength": 1},
    "googleId": {"type": "string", "minLength": 1},
    "appleId": {"type": "string", "minLength": 1},
    "registrationComplete": {"type": "boolean"},
    "updatedAt": {"type": "string"}
  },
  "allOf": [
    {
      "if": {"properties": {"provider": {"const": "apple"}}},
      "then": {"required": ["appleId"]}
    },
    {
      "if": {"properties": {"provider": {"const": "google"}}},
      "then": {"required": ["googleId"]}
    },
    {
      "if": {"properties": {"provider": {"const": "kakao"}}},
      "then": {"required": ["kakaoId"]}
    }
  ]
}`

var compiledProfileSchema = mustCompileProfileSchema()

func mustCompileProfileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("profile.json", strings.NewReader(profileSchema)); err != nil {
		panic(errors.Wrap(err, "failed to add profile schema resource"))
	}
	return compiler.MustCompile("profile.json")
}

// ValidateRecord checks a record against the profile schema and returns the
// violated rules, one message per violation. An empty slice means the record
// is valid.
func ValidateRecord(record Record) []string {
	raw, err := json.Marshal(record)
	if err != nil {
		return []string{"record is not serializable: " + err.Error()}
	}

	var doc any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&doc); err != nil {
		return []string{"record is not valid JSON: " + err.Error()}
	}

	err = compiledProfileSchema.Validate(doc)
	if err == nil {
		return nil
	}

	var valErr *jsonschema.ValidationError
	if !errors.As(err, &valErr) {
		return []string{err.Error()}
	}

	violations := make([]string, 0, len(valErr.Causes))
	for _, cause := range flattenCauses(valErr) {
		violations = append(violations, cause)
	}
	if len(violations) == 0 {
		violations = append(violations, valErr.Message)
	}
	return violations
}

// flattenCauses walks the validation error tree and collects leaf messages.
func flattenCauses(valErr *jsonschema.ValidationError) []string {
	if len(valErr.Causes) == 0 {
		location := valErr.InstanceLocation
		if location == "" {
			location = "/"
		}
		return []string{location + ": " + valErr.Message}
	}
	var leaves []string
	for _, cause := range valErr.Causes {
		leaves = append(leaves, flattenCauses(cause)...)
	}
	return leaves
}
