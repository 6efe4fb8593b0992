package models

import (
	"time"
)

// AnalysisRequest is the outbound payload asking the server to analyze a
// previously stored image. The asset must already be fetchable at AssetURL.
type AnalysisRequest struct {
	AssetURL string `json:"assetUrl"`
	AssetID  string `json:"assetId"`
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
	FileSize int64  `json:"fileSize"`
}

// ProgressUpdate is an intermediate analysis progress event.
type ProgressUpdate struct {
	Progress int    `json:"progress"` // 0-100
	Message  string `json:"message"`
}

// NutritionResult is the terminal success payload of an analysis.
// If ID is non-empty the server has already persisted the item.
type NutritionResult struct {
	ID             string           `json:"id,omitempty"`
	FoodName       string           `json:"foodName"`
	Calories       float64          `json:"calories"` // kcal
	Carbs          float64          `json:"carbs"`    // grams
	Protein        float64          `json:"protein"`  // grams
	Fat            float64          `json:"fat"`      // grams
	Sugar          float64          `json:"sugar"`    // grams
	Fiber          float64          `json:"fiber"`    // grams
	AdditionalInfo string           `json:"additionalInfo,omitempty"`
	RawData        *RawAnalysisData `json:"rawData,omitempty"`
}

// RawAnalysisData carries the richer structured breakdown some analyzer
// backends produce alongside the headline macros.
type RawAnalysisData struct {
	ConfidenceScore float64             `json:"confidence_score"`
	ServingSize     ServingSize         `json:"serving_size"`
	TotalCalories   float64             `json:"total_calories"`
	Nutrients       map[string]Nutrient `json:"nutrients,omitempty"`
	Ingredients     []string            `json:"ingredients,omitempty"`
	Allergens       []string            `json:"allergens,omitempty"`
}

// ServingSize describes the portion the analysis refers to.
type ServingSize struct {
	Amount float64 `json:"amount"`
	Unit   string  `json:"unit"`
}

// Nutrient is a single entry in the structured nutrient breakdown.
type Nutrient struct {
	Amount               float64 `json:"amount"`
	Unit                 string  `json:"unit"`
	DailyValuePercentage float64 `json:"daily_value_percentage,omitempty"`
}

// AnalysisError is the terminal failure payload of an analysis.
type AnalysisError struct {
	Message string `json:"message"`
}

// NutritionItem is a completed analysis persisted in the local item store.
type NutritionItem struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	AssetURL       string    `json:"asset_url"`
	AssetID        string    `json:"asset_id"`
	FileName       string    `json:"file_name"`
	FoodName       string    `json:"food_name"`
	Calories       float64   `json:"calories"`
	Carbs          float64   `json:"carbs"`
	Protein        float64   `json:"protein"`
	Fat            float64   `json:"fat"`
	Sugar          float64   `json:"sugar"`
	Fiber          float64   `json:"fiber"`
	AdditionalInfo string    `json:"additional_info,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ItemFromResult builds a persistable item out of a terminal result and the
// request that produced it.
func ItemFromResult(userID string, req AnalysisRequest, res NutritionResult) *NutritionItem {
	now := time.Now()
	return &NutritionItem{
		ID:             res.ID,
		UserID:         userID,
		AssetURL:       req.AssetURL,
		AssetID:        req.AssetID,
		FileName:       req.FileName,
		FoodName:       res.FoodName,
		Calories:       res.Calories,
		Carbs:          res.Carbs,
		Protein:        res.Protein,
		Fat:            res.Fat,
		Sugar:          res.Sugar,
		Fiber:          res.Fiber,
		AdditionalInfo: res.AdditionalInfo,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
