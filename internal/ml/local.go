package ml

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/olliefit/nutriscan/internal/models"
)

// LocalConfig holds configuration for the local model
type LocalConfig struct {
	BaseConfig
	ModelPath string `json:"model_path"`
}

// Load loads the local configuration
func (c *LocalConfig) Load() error {
	if err := loadBackendConfig(c.ConfigPath, "local", c); err != nil {
		return err
	}

	if c.ModelPath == "" {
		c.ModelPath = os.Getenv("LOCAL_MODEL_PATH")
	}

	return nil
}

// LocalModel is a deterministic stand-in analyzer. It lets the dev server
// and integration tests exercise the full protocol without cloud
// credentials: the same image bytes always produce the same result.
type LocalModel struct {
	config LocalConfig
}

// LocalModelFactory implements ModelFactory for local models
type LocalModelFactory struct {
	config LocalConfig
}

// NewLocalModelFactory creates a new local model factory
func NewLocalModelFactory(config LocalConfig) *LocalModelFactory {
	return &LocalModelFactory{config: config}
}

// CreateModel creates a new local model instance
func (f *LocalModelFactory) CreateModel() (Model, error) {
	return &LocalModel{
		config: f.config,
	}, nil
}

// Load initializes the local model
func (m *LocalModel) Load(ctx context.Context) error {
	return nil
}

var sampleFoods = []struct {
	name     string
	calories float64
	carbs    float64
	protein  float64
	fat      float64
	sugar    float64
	fiber    float64
}{
	{"Apple", 95, 25, 0.5, 0.3, 19, 4.4},
	{"Chicken Salad", 350, 10, 30, 20, 4, 3},
	{"Spaghetti Bolognese", 560, 68, 26, 19, 9, 5},
	{"Greek Yogurt with Berries", 180, 22, 15, 4, 16, 3},
	{"Cheeseburger", 540, 41, 28, 29, 8, 2},
}

// ProcessImage returns a deterministic sample result derived from the image
// bytes.
func (m *LocalModel) ProcessImage(ctx context.Context, imageData []byte) (*models.NutritionResult, error) {
	if len(imageData) == 0 {
		return nil, fmt.Errorf("empty image data")
	}

	h := fnv.New32a()
	h.Write(imageData)
	food := sampleFoods[int(h.Sum32())%len(sampleFoods)]

	return &models.NutritionResult{
		FoodName:       food.name,
		Calories:       food.calories,
		Carbs:          food.carbs,
		Protein:        food.protein,
		Fat:            food.fat,
		Sugar:          food.sugar,
		Fiber:          food.fiber,
		AdditionalInfo: "Estimated by the local sample analyzer.",
	}, nil
}
