// Package httpmw holds the middleware of the storefront API.
//
// httpserver.NewHandler composes it outermost first: security headers,
// panic recovery, request id, client address, flood guard, tracing, trace
// response headers, metrics, request logger, then the chi router with
// compression, route annotation and the access log. Routes add MaxBody and
// Scope themselves.
//
// Logs carry only values the server derived: no query strings, no user
// agent, no form fields. Game account ids and payer names stay out.
package httpmw
