package service

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	docsPkg "github.com/onexay/forge/docs"
)

const swaggerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>forge API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    window.onload = function() {
      SwaggerUIBundle({
        url: 'openapi.yaml',
        dom_id: '#swagger-ui',
        deepLinking: true,
      });
    };
  </script>
</body>
</html>`

func (s *Service) handleSwagger(c echo.Context) error {
	switch tail := strings.TrimPrefix(c.Param("*"), "/"); tail {
	case "", "index.html":
		return c.HTML(http.StatusOK, swaggerHTML)
	case "openapi.yaml", "openapi.yml":
		return c.Blob(http.StatusOK, "application/yaml", docsPkg.OpenAPI)
	default:
		return echo.ErrNotFound
	}
}
