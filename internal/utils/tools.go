package utils

import (
	"encoding/base64"
	"net/http"
	"strings"
)

// SplitDataURL returns the mime type and base64 payload of value. Bare
// payloads are assumed to be JPEG.
func SplitDataURL(value string) (string, string) {
	if !strings.HasPrefix(value, "data:") {
		return "image/jpeg", value
	}

	value = strings.TrimPrefix(value, "data:")
	parts := strings.SplitN(value, ";base64,", 2)
	if len(parts) != 2 {
		return "image/jpeg", ""
	}
	return parts[0], parts[1]
}

// EncodeDataURL renders raw image bytes as a data URL, sniffing the type.
func EncodeDataURL(data []byte) string {
	mimeType := http.DetectContentType(data)
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = "image/jpeg"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
