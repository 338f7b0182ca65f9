package dto

import (
	"encoding/base64"
	"fmt"
	"testing"
)

func TestNormalizeCapsImageCount(t *testing.T) {
	tests := []struct {
		name string
		in   int
		max  int
		want int
	}{
		{"zero becomes one", 0, 8, 1},
		{"negative becomes one", -3, 8, 1},
		{"within range", 4, 8, 4},
		{"over hard cap", 20, 8, 8},
		{"configured lower cap", 6, 2, 2},
		{"configured cap above hard cap", 12, 16, MaxImagesPerRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerationRequest{NumberOfImages: tt.in}.Normalize(tt.max)
			if got.NumberOfImages != tt.want {
				t.Errorf("NumberOfImages = %d, want %d", got.NumberOfImages, tt.want)
			}
		})
	}
}

func TestNormalizeDefaults(t *testing.T) {
	got := GenerationRequest{Prompt: "p"}.Normalize(0)
	if got.ModelID != DefaultModelID || got.Width != DefaultWidth || got.Steps != DefaultSteps {
		t.Errorf("defaults not applied: %+v", got)
	}
	if got.DenoisingStrength != DefaultDenoisingStrength || got.TokenType != DefaultTokenType {
		t.Errorf("defaults not applied: %+v", got)
	}
}

func TestNormalizeDoesNotAliasImages(t *testing.T) {
	orig := GenerationRequest{ContextImages: []string{"a"}}
	norm := orig.Normalize(0)
	norm.ContextImages[0] = "b"
	if orig.ContextImages[0] != "a" {
		t.Error("normalized request shares its image slice with the original")
	}
}

func TestDecodeContextImages(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("\xff\xd8\xff\xe0jpeg"))
	imgs, err := GenerationRequest{ContextImages: []string{"data:image/jpeg;base64," + payload}}.DecodeContextImages()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(imgs) != 1 || string(imgs[0][4:]) != "jpeg" {
		t.Errorf("unexpected images %q", imgs)
	}

	if _, err := (GenerationRequest{}).DecodeContextImages(); err == nil {
		t.Error("expected error without images")
	}
	if _, err := (GenerationRequest{ContextImages: []string{"!!"}}).DecodeContextImages(); err == nil {
		t.Error("expected error for invalid payload")
	}
}

func TestAppendHistoryEvictsOldest(t *testing.T) {
	var items []HistoryItem
	for i := 0; i < HistoryLimit+5; i++ {
		items = AppendHistory(items, HistoryItem{ID: fmt.Sprint(i)}, HistoryLimit)
	}
	if len(items) != HistoryLimit {
		t.Fatalf("len = %d, want %d", len(items), HistoryLimit)
	}
	if items[0].ID != fmt.Sprint(HistoryLimit+4) {
		t.Errorf("newest item should come first, got %s", items[0].ID)
	}
	if items[len(items)-1].ID != "5" {
		t.Errorf("oldest kept item = %s, want 5", items[len(items)-1].ID)
	}
}
