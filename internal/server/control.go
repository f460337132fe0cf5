package server

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed control.schema.json
var controlSchemaJSON []byte

const controlSchemaURL = "https://github.com/MrWong99/parley/control.schema.json"

// Control message types exchanged on the audio socket.
const (
	msgSession    = "session"
	msgStopAudio  = "stop_audio"
	msgCommit     = "commit"
	msgAIState    = "ai_state"
	msgLangUpdate = "lang_update"

	statusSpeaking  = "speaking"
	statusListening = "listening"
)

// controlMessage is the union of the client's control frames.
type controlMessage struct {
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`
	Lang   string `json:"lang,omitempty"`
}

// serverMessage is sent by the server on the audio socket.
type serverMessage struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

func compileControlSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(controlSchemaURL, bytes.NewReader(controlSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add control schema: %w", err)
	}
	schema, err := compiler.Compile(controlSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile control schema: %w", err)
	}
	return schema, nil
}

// parseControl validates raw against the control schema and decodes it.
func (s *Server) parseControl(raw []byte) (controlMessage, error) {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return controlMessage{}, err
	}
	if err := s.control.Validate(payload); err != nil {
		return controlMessage{}, err
	}
	var msg controlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return controlMessage{}, err
	}
	return msg, nil
}
