package validator

import "testing"

func validDoc() map[string]interface{} {
	return map[string]interface{}{
		"owner_id": "alice",
		"platform": "telegram",
		"model":    "gpt-4o",
		"credentials": map[string]interface{}{
			"bot_token":      "tok",
			"openai_api_key": "key",
		},
	}
}

func TestValidateDeploy(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if result := v.ValidateDeploy(validDoc()); !result.Valid {
		t.Errorf("valid doc rejected: %+v", result.Errors)
	}
}

func TestValidateDeployFailures(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(map[string]interface{})
	}{
		{"missing owner_id", func(d map[string]interface{}) { delete(d, "owner_id") }},
		{"empty owner_id", func(d map[string]interface{}) { d["owner_id"] = "" }},
		{"unknown platform", func(d map[string]interface{}) { d["platform"] = "pager" }},
		{"missing credentials", func(d map[string]interface{}) { delete(d, "credentials") }},
		{"missing bot_token", func(d map[string]interface{}) {
			d["credentials"] = map[string]interface{}{"openai_api_key": "key"}
		}},
		{"unexpected field", func(d map[string]interface{}) { d["shell"] = "/bin/sh" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := validDoc()
			tt.mutate(doc)
			result := v.ValidateDeploy(doc)
			if result.Valid {
				t.Error("invalid doc accepted")
			}
			if len(result.Errors) == 0 {
				t.Error("no field errors reported")
			}
		})
	}
}

func TestValidateDeployJSON(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if result := v.ValidateDeployJSON([]byte(`{not json`)); result.Valid {
		t.Error("malformed JSON accepted")
	}
}
