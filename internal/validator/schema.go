package validator

// deploySchemaJSON is the JSON schema for agent deploy requests.
const deploySchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "AgentDeployRequest",
  "type": "object",
  "required": ["owner_id", "platform", "model", "credentials"],
  "properties": {
    "owner_id": {
      "type": "string",
      "minLength": 1,
      "maxLength": 128
    },
    "platform": {
      "type": "string",
      "enum": ["telegram", "discord", "slack"]
    },
    "model": {
      "type": "string",
      "minLength": 1
    },
    "credentials": {
      "type": "object",
      "required": ["bot_token", "openai_api_key"],
      "properties": {
        "bot_token": {"type": "string", "minLength": 1},
        "openai_api_key": {"type": "string", "minLength": 1},
        "openai_endpoint": {"type": "string"}
      },
      "additionalProperties": {"type": "string"}
    },
    "request_id": {
      "type": "string",
      "maxLength": 128
    }
  },
  "additionalProperties": false
}`
