// Package literal encodes CRDT data to bytes for backends that persist or
// transmit it. The literal form is carried as a protobuf Struct, marshaled
// deterministically and sealed in a checksummed envelope.
package literal

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/devrev/replstore/internal/crdt"
	"github.com/devrev/replstore/internal/errors"
	"github.com/devrev/replstore/internal/util"
)

var marshalOptions = proto.MarshalOptions{Deterministic: true}

// Encode serializes data. Equal data always yields identical bytes.
func Encode(data crdt.Data) ([]byte, error) {
	if data == nil {
		return nil, errors.InvalidArgument("cannot encode nil data", nil)
	}
	s, err := structpb.NewStruct(data.ToLiteral())
	if err != nil {
		return nil, errors.InternalError(fmt.Sprintf("failed to build %s literal", data.Kind()), err)
	}
	payload, err := marshalOptions.Marshal(s)
	if err != nil {
		return nil, errors.InternalError("failed to marshal literal", err)
	}
	return util.Seal(util.FormatStructProto, payload), nil
}

// Decode reverses Encode. Any damage to the bytes is reported as CorruptedData.
func Decode(raw []byte) (crdt.Data, error) {
	format, payload, err := util.Open(raw)
	if err != nil {
		return nil, errors.CorruptedData("invalid data envelope", err)
	}
	if format != util.FormatStructProto {
		return nil, errors.CorruptedData(fmt.Sprintf("unknown envelope format %d", format), nil)
	}
	var s structpb.Struct
	if err := proto.Unmarshal(payload, &s); err != nil {
		return nil, errors.CorruptedData("failed to unmarshal literal", err)
	}
	return crdt.DataFromLiteral(s.AsMap())
}
