// route-limiter serves and inspects route-scoped rate-limit rules.
//
// Usage:
//
//	# Validate a rule file
//	route-limiter validate rules.yaml
//
//	# Show which rule covers a path
//	route-limiter check rules.yaml /api/auth/login --identity alice
//
//	# Run the demo server against Redis, reloading rules on change
//	route-limiter serve --rules rules.yaml --store redis --redis-addr localhost:6379 --watch
//
// Every flag can also be set through a ROUTELIMIT_* environment variable
// (e.g. ROUTELIMIT_REDIS_ADDR) or a .env file.
package main

func main() {
	Execute()
}
