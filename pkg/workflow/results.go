package workflow

import (
	"fmt"

	"github.com/aescanero/dagflow/pkg/codec"
	"github.com/aescanero/dagflow/pkg/domain"
)

// encodeResult returns the stored blob for v together with the value a
// reader of that blob would see
func encodeResult(v interface{}) ([]byte, interface{}, error) {
	blob, err := codec.Encode(v)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode result: %w", err)
	}
	decoded, err := codec.Decode(blob)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return blob, decoded, nil
}

func decodeResult(s *domain.WorkflowStep) (interface{}, error) {
	v, err := codec.Decode(s.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to decode result of step %s: %w", s.Name, err)
	}
	return v, nil
}

func decodeMetadata(s *domain.WorkflowStep, out *map[string]interface{}) error {
	if err := codec.DecodeInto(s.Metadata, out); err != nil {
		return fmt.Errorf("failed to decode metadata of step %s: %w", s.Name, err)
	}
	return nil
}
