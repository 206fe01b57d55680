package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// EncodeInput serializes in and writes it to w.
func EncodeInput(w io.Writer, in *Input) error {
	if err := validate(in); err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(in); err != nil {
		return fmt.Errorf("failed to encode input: %w", err)
	}
	return nil
}

// MarshalInput is EncodeInput into a byte slice, for spool request files.
func MarshalInput(in *Input) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeInput(&buf, in); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeInput reads an envelope from r. Unknown fields are rejected so a module
// built against a newer envelope fails loudly.
func DecodeInput(r io.Reader) (*Input, error) {
	var in Input

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&in); err != nil {
		return nil, fmt.Errorf("failed to decode input: %w", err)
	}
	if err := validate(&in); err != nil {
		return nil, err
	}
	return &in, nil
}

func validate(in *Input) error {
	if in.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", in.Protocol)
	}
	if in.TransactionID == "" {
		return fmt.Errorf("input missing required field: transaction_id")
	}
	if in.Module == "" || in.Action == "" {
		return fmt.Errorf("input missing required field: module/action")
	}
	return nil
}
