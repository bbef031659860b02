package middleware

import (
	"encoding/json"
	"net/http"
)

func decodeJSON(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}
