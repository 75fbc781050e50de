// Package api hosts the HTTP server, middleware, and read-only handlers over
// the harvested dataset. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes; readyz pings Postgres.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/listings filtered by year, mileage, price, mpg, dealer ids and
//     an optional zip+miles radius.
//   - GET /v1/dealers?zip=&miles= for dealerships nearest first.
//   - POST /v1/attributes with a JSON array of year/make/model/trim_slug.
package api
