// Package interceptors wraps RPC request handlers with cross-cutting
// behaviour without touching the handlers themselves.
//
// Built-in interceptors:
//   - LoggingInterceptor: logs each request with its status code and timing
//   - TimeoutInterceptor: answers 504 when a handler overruns its budget
//   - RateLimitingInterceptor: answers 429 when a queue is over its budget
//
// Example usage:
//
//	chain := interceptors.NewInterceptorChain(logger).
//		Add(interceptors.NewLoggingInterceptor(logger)).
//		Add(interceptors.NewRateLimitingInterceptor(interceptors.NewTokenBucketLimiter(100, 10))).
//		Add(interceptors.NewTimeoutInterceptor(2 * time.Second))
//
//	listener, err := server.Listen(ctx, "users.get", chain.Wrap(handler))
//
// Custom interceptors implement the Interceptor interface or use
// NewInterceptorFunc.
package interceptors
