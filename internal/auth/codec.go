package auth

import (
	"encoding/json"

	"github.com/llmgatewayd/llmgatewayd/internal/domain"
)

func encodeApiKey(key domain.ApiKey) (string, bool) {
	b, err := json.Marshal(key)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func decodeApiKey(s string) (domain.ApiKey, bool) {
	var key domain.ApiKey
	if err := json.Unmarshal([]byte(s), &key); err != nil {
		return domain.ApiKey{}, false
	}
	return key, true
}
