package api

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Encode turns any JSON-encodable value into a Struct. Non-object values
// are wrapped under "value".
func Encode(v any) (*structpb.Struct, error) {
	val, err := EncodeValue(v)
	if err != nil {
		return nil, err
	}
	if s := val.GetStructValue(); s != nil {
		return s, nil
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{"value": val}}, nil
}

// EncodeValue converts v through its JSON form.
func EncodeValue(v any) (*structpb.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, err
	}
	return structpb.NewValue(generic)
}

// Decode fills v from a Struct produced by Encode. It goes through
// encoding/json rather than protojson, which writes large integers in
// exponent form that integer fields reject.
func Decode(s *structpb.Struct, v any) error {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// DecodeField decodes one field of s into v. A missing field leaves v
// untouched.
func DecodeField(s *structpb.Struct, key string, v any) error {
	f, ok := s.GetFields()[key]
	if !ok {
		return nil
	}
	b, err := json.Marshal(f.AsInterface())
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func str(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

func flag(req *structpb.Struct, key string) bool {
	return req.GetFields()[key].GetBoolValue()
}

func num(req *structpb.Struct, key string) int {
	return int(req.GetFields()[key].GetNumberValue())
}
