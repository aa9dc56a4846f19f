package routes

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ElliotCay/suivi-run-sub002/internal/config"
)

const docsIndexHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{ .Title }}</title>
  <style>
    :root {
      color-scheme: light;
      --bg: #f6f7f4;
      --text: #132019;
      --muted: #536258;
      --accent: #1f6f4a;
      --border: #d8ddd6;
      --code-bg: #0f172a;
      --code-text: #e2e8f0;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      font-family: Georgia, "Times New Roman", serif;
      color: var(--text);
      background: linear-gradient(180deg, #fcfcfa 0%, var(--bg) 100%);
    }
    main {
      max-width: 960px;
      margin: 0 auto;
      padding: 48px 20px 64px;
    }
    .hero, .panel {
      background: rgba(255, 255, 255, 0.92);
      border: 1px solid var(--border);
      border-radius: 18px;
      box-shadow: 0 20px 60px rgba(19, 32, 25, 0.08);
      padding: 24px;
      margin-bottom: 20px;
    }
    .hero h1 { margin: 0 0 12px; font-size: clamp(2rem, 5vw, 3rem); }
    .hero p { margin: 0; max-width: 48rem; color: var(--muted); line-height: 1.6; }
    .panel h2 {
      margin: 0 0 12px;
      font-size: 0.92rem;
      text-transform: uppercase;
      letter-spacing: 0.08em;
      color: var(--muted);
    }
    table { width: 100%; border-collapse: collapse; font-size: 0.95rem; }
    th, td {
      text-align: left;
      padding: 8px 10px;
      border-bottom: 1px solid var(--border);
    }
    th { color: var(--muted); font-weight: 600; }
    code {
      padding: 2px 6px;
      border-radius: 6px;
      background: var(--code-bg);
      color: var(--code-text);
      font-size: 0.88rem;
    }
    .method { color: var(--accent); font-weight: 700; }
    .meta { color: var(--muted); font-size: 0.9rem; }
  </style>
</head>
<body>
  <main>
    <section class="hero">
      <h1>{{ .Title }}</h1>
      <p>Development-only endpoint manifest for the training adjustment API. Every mutating route requires a Bearer token from <code>/api/auth/login</code>. Conversation state changes are pushed to connected clients over <code>/api/v1/ws</code>.</p>
    </section>
    {{ range .Sections }}
    <section class="panel">
      <h2>{{ .Name }}</h2>
      <table>
        <tr><th>Method</th><th>Path</th><th>Purpose</th></tr>
        {{ range .Endpoints }}
        <tr>
          <td class="method">{{ .Method }}</td>
          <td><code>{{ .Path }}</code></td>
          <td>{{ .Purpose }}</td>
        </tr>
        {{ end }}
      </table>
    </section>
    {{ end }}
    <p class="meta">Rendered {{ .LoadedAt }}. This page is only mounted when ENABLE_API_DOCS is set and APP_ENV is development.</p>
  </main>
</body>
</html>
`

type docsEndpoint struct {
	Method  string
	Path    string
	Purpose string
}

type docsSection struct {
	Name      string
	Endpoints []docsEndpoint
}

type docsPageData struct {
	Title    string
	LoadedAt string
	Sections []docsSection
}

func docsManifest() []docsSection {
	return []docsSection{
		{
			Name: "Auth",
			Endpoints: []docsEndpoint{
				{"POST", "/api/auth/register", "Create an account and receive a token"},
				{"POST", "/api/auth/login", "Exchange credentials for a token"},
				{"GET", "/api/auth/me", "Current user"},
			},
		},
		{
			Name: "Training plan",
			Endpoints: []docsEndpoint{
				{"POST", "/api/v1/blocks", "Create a training block"},
				{"GET", "/api/v1/blocks", "List the user's blocks"},
				{"GET", "/api/v1/blocks/:id", "Block detail"},
				{"POST", "/api/v1/blocks/:id/workouts", "Add a planned workout"},
				{"GET", "/api/v1/blocks/:id/workouts", "List workouts, optional from/to window"},
				{"GET", "/api/v1/workouts/:id", "Workout detail"},
			},
		},
		{
			Name: "Adjustment conversations",
			Endpoints: []docsEndpoint{
				{"GET", "/api/v1/chat/blocks/:blockId/active-conversation", "The block's open conversation, 404 when none"},
				{"POST", "/api/v1/chat/conversations", "Get or create the block's conversation"},
				{"GET", "/api/v1/chat/conversations/:id", "Conversation with history and pending proposal"},
				{"POST", "/api/v1/chat/conversations/:id/messages", "Send a message, returns the coach reply"},
				{"POST", "/api/v1/chat/conversations/:id/propose", "Derive an adjustment proposal from the discussion"},
				{"POST", "/api/v1/chat/conversations/:id/validate", "Apply the pending proposal to the plan"},
				{"POST", "/api/v1/chat/conversations/:id/reject", "Discard the pending proposal, keep chatting"},
				{"POST", "/api/v1/chat/conversations/:id/abandon", "Close the conversation without applying anything"},
				{"GET", "/api/v1/ws", "WebSocket event stream (token via query or Bearer header)"},
			},
		},
	}
}

func registerDocsRoutes(app fiber.Router, cfg *config.Config) error {
	if !cfg.DocsEnabled() {
		return nil
	}

	indexTemplate, err := template.New("docs-index").Parse(docsIndexHTML)
	if err != nil {
		return fmt.Errorf("parse docs template: %w", err)
	}

	pageData := docsPageData{
		Title:    "Training Adjustment API Docs",
		LoadedAt: time.Now().UTC().Format(time.RFC3339),
		Sections: docsManifest(),
	}

	indexHandler := func(c *fiber.Ctx) error {
		applyDocsBaseHeaders(c, fiber.MIMETextHTMLCharsetUTF8)
		c.Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; img-src 'self' data:; base-uri 'none'; form-action 'none'; frame-ancestors 'none'")

		var body bytes.Buffer
		if err := indexTemplate.Execute(&body, pageData); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to render api docs")
		}

		return c.Status(fiber.StatusOK).Send(body.Bytes())
	}

	app.Get("/docs", indexHandler)
	app.Get("/docs/", indexHandler)

	return nil
}

func applyDocsBaseHeaders(c *fiber.Ctx, contentType string) {
	c.Set(fiber.HeaderContentType, contentType)
	c.Set(fiber.HeaderCacheControl, "no-store, max-age=0")
	c.Set(fiber.HeaderPragma, "no-cache")
	c.Set(fiber.HeaderExpires, "0")
	c.Set(fiber.HeaderXContentTypeOptions, "nosniff")
	c.Set(fiber.HeaderXFrameOptions, "DENY")
	c.Set("Referrer-Policy", "no-referrer")
	c.Set("X-Robots-Tag", "noindex, nofollow")
}
