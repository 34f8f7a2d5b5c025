package client

import (
	"context"

	"github.com/Tr1pa/Dataset-Generator/pkg/types"
)

// VisionClient is implemented by the vision model backends
type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (*types.Localization, error)
}
