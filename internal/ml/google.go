package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/option"

	"github.com/olliefit/nutriscan/internal/models"
)

// GoogleConfig holds configuration for the Google model
type GoogleConfig struct {
	BaseConfig
	ProjectID       string `json:"project_id"`
	Location        string `json:"location"`
	CredentialsFile string `json:"credentials_file"`
}

// Load loads the Google configuration
func (c *GoogleConfig) Load() error {
	if err := loadBackendConfig(c.ConfigPath, "google", c); err != nil {
		return err
	}

	// Fall back to environment variables if not set
	if c.ProjectID == "" {
		c.ProjectID = os.Getenv("GOOGLE_PROJECT_ID")
	}
	if c.Location == "" {
		c.Location = os.Getenv("GOOGLE_LOCATION")
	}
	if c.CredentialsFile == "" {
		c.CredentialsFile = os.Getenv("GOOGLE_CREDENTIALS_FILE")
	}

	return nil
}

// GoogleModel implements the Model interface for Google's Vertex AI
type GoogleModel struct {
	config GoogleConfig
	client *genai.Client
	model  *genai.GenerativeModel
}

// GoogleModelFactory implements ModelFactory for Google models
type GoogleModelFactory struct {
	config GoogleConfig
}

// NewGoogleModelFactory creates a new Google model factory
func NewGoogleModelFactory(config GoogleConfig) *GoogleModelFactory {
	return &GoogleModelFactory{config: config}
}

// CreateModel creates a new Google model instance
func (f *GoogleModelFactory) CreateModel() (Model, error) {
	return &GoogleModel{
		config: f.config,
	}, nil
}

// Load initializes the Google model
func (m *GoogleModel) Load(ctx context.Context) error {
	opts := []option.ClientOption{}

	if m.config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(m.config.CredentialsFile))
	}

	client, err := genai.NewClient(ctx, m.config.ProjectID, m.config.Location, opts...)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	m.client = client
	m.model = client.GenerativeModel("gemini-pro-vision")
	return nil
}

// ProcessImage analyzes a food photo using Google's Vertex AI
func (m *GoogleModel) ProcessImage(ctx context.Context, imageData []byte) (*models.NutritionResult, error) {
	if m.model == nil {
		return nil, fmt.Errorf("model not loaded")
	}

	prompt := `Analyze this photo of food and estimate its nutritional content in a structured format:
- Name of the dish or food item
- Calories (kcal)
- Carbohydrates, protein, fat, sugar, fiber (grams)
- A short note with anything else worth knowing (portion caveats, allergens)

Format the response as a JSON object with exactly one of "error" or "success" populated.
Not all values can be zero. If the image does not show food, raise an error explaining what went wrong.
{
	"error": {
		"error_reason": "string",
		"suggestion_for_better_results": "string"
	},
	"success": {
		"food_name": "string",
		"calories": number,
		"carbs": number,
		"protein": number,
		"fat": number,
		"sugar": number,
		"fiber": number,
		"additional_info": "string"
	}
}`
	img := genai.ImageData("image/jpeg", imageData)

	resp, err := m.model.GenerateContent(ctx, genai.Text(prompt), img)
	if err != nil {
		return nil, fmt.Errorf("failed to call ai: %w", err)
	}

	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("no response generated")
	}

	candidate := resp.Candidates[0]
	if len(candidate.Content.Parts) == 0 {
		return nil, fmt.Errorf("no content in response")
	}

	// Get the text content and strip the markdown fence the model wraps
	// JSON in
	textContent := fmt.Sprintf("%v", candidate.Content.Parts[0])
	textContent = strings.TrimSpace(textContent)
	textContent = strings.TrimPrefix(textContent, "```json\n")
	textContent = strings.TrimSuffix(textContent, "\n```")

	var output struct {
		Error struct {
			ErrorReason string `json:"error_reason"`
			Suggestion  string `json:"suggestion_for_better_results"`
		} `json:"error"`
		Success struct {
			FoodName       string  `json:"food_name"`
			Calories       float64 `json:"calories"`
			Carbs          float64 `json:"carbs"`
			Protein        float64 `json:"protein"`
			Fat            float64 `json:"fat"`
			Sugar          float64 `json:"sugar"`
			Fiber          float64 `json:"fiber"`
			AdditionalInfo string  `json:"additional_info"`
		} `json:"success"`
	}

	// First unmarshal into a map to check for missing fields
	var rawMap map[string]interface{}
	if err := json.Unmarshal([]byte(textContent), &rawMap); err != nil {
		return nil, fmt.Errorf("failed to parse model response: %w while parsing %s", err, textContent)
	}

	if errObj, ok := rawMap["error"].(map[string]interface{}); ok {
		if reason, _ := errObj["error_reason"].(string); reason != "" {
			suggestion, _ := errObj["suggestion_for_better_results"].(string)
			return nil, fmt.Errorf("error: %s; suggestion: %s", reason, suggestion)
		}
	}

	successObj, ok := rawMap["success"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid success object in response")
	}

	requiredFields := []string{"food_name", "calories", "carbs", "protein", "fat"}
	for _, field := range requiredFields {
		if _, exists := successObj[field]; !exists {
			return nil, fmt.Errorf("missing required field '%s' in response", field)
		}
	}

	if err := json.Unmarshal([]byte(textContent), &output); err != nil {
		return nil, fmt.Errorf("failed to parse model response: %w", err)
	}

	return &models.NutritionResult{
		FoodName:       output.Success.FoodName,
		Calories:       output.Success.Calories,
		Carbs:          output.Success.Carbs,
		Protein:        output.Success.Protein,
		Fat:            output.Success.Fat,
		Sugar:          output.Success.Sugar,
		Fiber:          output.Success.Fiber,
		AdditionalInfo: output.Success.AdditionalInfo,
	}, nil
}
