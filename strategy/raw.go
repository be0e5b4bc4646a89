package strategy

import "context"

// Raw forwards the payload unchanged. It is never accumulated.
type Raw struct{}

// NewRaw constructs the RAW strategy.
func NewRaw() *Raw {
	return &Raw{}
}

func (r *Raw) Execute(ctx context.Context, deviceID, subjectID string, payload map[string]any, params map[string]any) (map[string]any, error) {
	return payload, nil
}
