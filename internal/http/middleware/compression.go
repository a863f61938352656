package middleware

import (
	"net/http"
	"strings"
)

// SkipCompressionForMedia wraps a compression middleware so media endpoints
// bypass it. Transport streams are already compressed and the forward loop
// relies on unbuffered flushing, which compression middleware breaks.
func SkipCompressionForMedia(compressionHandler func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressed := compressionHandler(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isMediaPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			compressed.ServeHTTP(w, r)
		})
	}
}

func isMediaPath(path string) bool {
	if strings.HasPrefix(path, "/live/") || strings.HasPrefix(path, "/hls/") {
		return true
	}
	return strings.HasSuffix(path, ".ts") || strings.HasSuffix(path, ".m3u8")
}
