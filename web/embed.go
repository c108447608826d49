// Package web embeds the MindfulMe chat frontend (dist/) and serves it as a
// single-page application. Paths under /api and /ws are never rewritten to
// index.html so clients see real 404s for unknown endpoints.
package web

import (
	"embed"
	"io/fs"
	"net/http"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

// SPAHandler serves files from dist/. Unknown paths get index.html so the
// client router can resolve them; index.html itself is never cached.
func SPAHandler() http.Handler {
	site, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic("web: failed to create sub filesystem: " + err.Error())
	}
	files := http.FileServerFS(site)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/ws/") {
			http.NotFound(w, r)
			return
		}

		name := strings.TrimPrefix(r.URL.Path, "/")
		if name == "" || name == "index.html" || !exists(site, name) {
			w.Header().Set("Cache-Control", "no-cache")
			http.ServeFileFS(w, r, site, "index.html")
			return
		}
		files.ServeHTTP(w, r)
	})
}

func exists(fsys fs.FS, name string) bool {
	info, err := fs.Stat(fsys, name)
	return err == nil && !info.IsDir()
}
