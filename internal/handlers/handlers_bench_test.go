package handlers

import (
	"encoding/json"
	"io"
	"strings"
	"testing"
)

// BenchmarkJSONDecode measures JSON request parsing performance for a
// launch payload.
func BenchmarkJSONDecode(b *testing.B) {
	reqBody := `{"headless":true,"viewportWidth":1920,"viewportHeight":1080,"proxyUrl":"http://proxy:8080"}`

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var req launchRequest
		if err := json.Unmarshal([]byte(reqBody), &req); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkJSONDecodeWithPool measures decoding via the pooled buffer path
// that decodeBody uses on every launch/start request.
func BenchmarkJSONDecodeWithPool(b *testing.B) {
	reqBody := `{"headless":true,"viewportWidth":1920,"viewportHeight":1080,"proxyUrl":"http://proxy:8080"}`
	reader := strings.NewReader(reqBody)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		reader.Reset(reqBody)

		buf := getBuffer()
		_, _ = io.Copy(buf, reader)
		var req launchRequest
		if err := json.Unmarshal(buf.Bytes(), &req); err != nil {
			b.Fatal(err)
		}
		putBuffer(buf)
	}
}

// BenchmarkResponseEncode measures the buffered response-encoding path
// writeJSONResponse uses for every reply.
func BenchmarkResponseEncode(b *testing.B) {
	resp := Response{Status: StatusOK, Message: "ok", State: "live"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf := getResponseBuffer()
		if err := json.NewEncoder(buf).Encode(resp); err != nil {
			b.Fatal(err)
		}
		putResponseBuffer(buf)
	}
}
