package scope

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// Codec converts state instances to and from the JSON stored in snapshots.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec uses encoding/json. It is the default for plain Go structs.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// ProtoJSONCodec uses protojson and requires proto.Message instances. It is
// the default for state types whose constructor returns a proto message.
type ProtoJSONCodec struct {
	MarshalOptions   protojson.MarshalOptions
	UnmarshalOptions protojson.UnmarshalOptions
}

func (c ProtoJSONCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("protojson codec: %T is not a proto.Message", v)
	}
	return c.MarshalOptions.Marshal(msg)
}

func (c ProtoJSONCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("protojson codec: %T is not a proto.Message", v)
	}
	return c.UnmarshalOptions.Unmarshal(data, msg)
}

// defaultCodec picks protojson for proto messages and encoding/json otherwise.
func defaultCodec(sample any) Codec {
	if _, ok := sample.(proto.Message); ok {
		return ProtoJSONCodec{UnmarshalOptions: protojson.UnmarshalOptions{DiscardUnknown: true}}
	}
	return JSONCodec{}
}
