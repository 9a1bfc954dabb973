package api

import (
	"encoding/json"
	"log"
	"net/http"
)

// RespondWithError writes the uniform error envelope every service uses.
func RespondWithError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// RespondWithPayload writes the uniform success envelope.
func RespondWithPayload(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"data":    payload,
	})
}

func LogInfo(tag, msg string) {
	log.Printf("[%s] %s", tag, msg)
}

func LogError(tag string, err error) {
	log.Printf("[%s] ERROR: %v", tag, err)
}
