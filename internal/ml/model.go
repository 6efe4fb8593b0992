package ml

import (
	"context"
	"fmt"

	"github.com/olliefit/nutriscan/internal/models"
)

// Model represents an analyzer backend that can turn a food photo into
// nutrition data.
type Model interface {
	// Load initializes the model with its configuration
	Load(ctx context.Context) error
	// ProcessImage takes an image and returns nutrition information
	ProcessImage(ctx context.Context, imageData []byte) (*models.NutritionResult, error)
}

// ModelFactory creates a new model instance based on configuration
type ModelFactory interface {
	CreateModel() (Model, error)
}

// NewModel creates a new model instance based on the model type.
// configPath may be empty; backends fall back to their default config file
// and environment variables.
func NewModel(modelType, configPath string) (Model, error) {
	var factory ModelFactory

	switch modelType {
	case "google":
		config := GoogleConfig{
			BaseConfig: BaseConfig{
				ConfigPath: configPath,
			},
		}
		if err := config.Load(); err != nil {
			return nil, fmt.Errorf("failed to load Google config: %w", err)
		}
		factory = NewGoogleModelFactory(config)
	case "local":
		config := LocalConfig{
			BaseConfig: BaseConfig{
				ConfigPath: configPath,
			},
		}
		if err := config.Load(); err != nil {
			return nil, fmt.Errorf("failed to load local config: %w", err)
		}
		factory = NewLocalModelFactory(config)
	default:
		return nil, fmt.Errorf("unsupported model type: %s", modelType)
	}
	return factory.CreateModel()
}
