// Package assets provides embedded static content for the application,
// such as the HTML status page served at the root route.
package assets

import (
	"bytes"
	"html"
	"html/template"
	"regexp"
)

// versionSanitizer removes any potentially dangerous characters from the
// version string. This prevents XSS via build-time ldflags injection.
// Only allows alphanumeric characters, dots, dashes, underscores, and plus
// signs.
var versionSanitizer = regexp.MustCompile(`[^a-zA-Z0-9.\-_+]`)

// SanitizeVersion sanitizes a version string to prevent XSS attacks.
// Returns "unknown" if the result is empty after sanitization.
func SanitizeVersion(version string) string {
	escaped := html.EscapeString(version)
	sanitized := versionSanitizer.ReplaceAllString(escaped, "")
	if sanitized == "" {
		return "unknown"
	}
	if len(sanitized) > 100 {
		sanitized = sanitized[:100]
	}
	return sanitized
}

// StatusPageData contains the data for rendering the root status page.
type StatusPageData struct {
	Version   string
	GoVersion string
	State     string
	Pending   int
}

// statusPageTemplate is the pre-compiled status page template, using
// html/template for automatic XSS escaping of all values.
var statusPageTemplate = template.Must(template.New("status").Parse(statusPageHTML))

// RenderStatusPage renders the root status page with the given data.
func RenderStatusPage(data StatusPageData) (string, error) {
	data.Version = SanitizeVersion(data.Version)

	var buf bytes.Buffer
	if err := statusPageTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// statusPageHTML is the template source for the root status page.
// Uses html/template which auto-escapes all values; Version is additionally
// pre-sanitized before rendering.
const statusPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>browserd</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: linear-gradient(135deg, #1a1a2e 0%, #16213e 100%);
            color: #e0e0e0;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
            margin: 0;
        }
        .container {
            text-align: center;
            padding: 2rem;
            background: rgba(255,255,255,0.05);
            border-radius: 16px;
            backdrop-filter: blur(10px);
            box-shadow: 0 8px 32px rgba(0,0,0,0.3);
            max-width: 500px;
        }
        h1 {
            color: #00d9ff;
            margin-bottom: 0.5rem;
            font-size: 2.5rem;
        }
        .subtitle {
            color: #888;
            margin-bottom: 2rem;
        }
        .status {
            display: inline-flex;
            align-items: center;
            gap: 0.5rem;
            padding: 0.75rem 1.5rem;
            background: rgba(0, 255, 128, 0.1);
            border: 1px solid rgba(0, 255, 128, 0.3);
            border-radius: 8px;
            color: #00ff80;
            font-weight: 600;
            margin-bottom: 1.5rem;
        }
        .status::before {
            content: '';
            width: 10px;
            height: 10px;
            background: #00ff80;
            border-radius: 50%;
            animation: pulse 2s infinite;
        }
        @keyframes pulse {
            0%, 100% { opacity: 1; }
            50% { opacity: 0.5; }
        }
        .info {
            text-align: left;
            background: rgba(0,0,0,0.2);
            padding: 1rem;
            border-radius: 8px;
            font-family: monospace;
            font-size: 0.9rem;
        }
        .info div {
            padding: 0.25rem 0;
        }
        .label {
            color: #888;
        }
    </style>
</head>
<body>
    <div class="container">
        <h1>browserd</h1>
        <p class="subtitle">browser runtime</p>
        <div class="status">{{.State}}</div>
        <div class="info">
            <div><span class="label">Version:</span> {{.Version}}</div>
            <div><span class="label">Go Version:</span> {{.GoVersion}}</div>
            <div><span class="label">Pending tasks:</span> {{.Pending}}</div>
        </div>
    </div>
</body>
</html>`
