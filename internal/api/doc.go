// Package api hosts the HTTP router, middleware, and JSON handlers of the edge.
// Notable routes:
//   - GET /healthz / readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/og/{slug} and /api/share for link-preview bots.
//   - GET /api/articles/{slug} for tier-aware article rendering.
//   - POST /api/session to trade a signed-in CMS member for a reader token.
//   - /api/welcome/sessions for the post-payment welcome flow.
//   - GET /api/previews for the crawler preview log, behind the operator
//     API key when one is configured.
//
// Anything the router does not know is handed to the NotFound handler, which
// in production is the reverse proxy to the single-page application origin.
package api
