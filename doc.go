// Package tracevine is a client-side telemetry SDK that captures
// hierarchical session → step → event traces from application code,
// including LLM provider calls, and delivers them to a remote collector.
//
// Events are buffered in an in-process delivery queue that preserves
// parent-before-child transmission order, offloads oversized payloads
// out of band, retries transient failures, and drains on process exit.
//
// Usage:
//
//	client, err := tracevine.Init(
//	    tracevine.WithAPIKey(os.Getenv("TRACEVINE_API_KEY")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Shutdown(context.Background())
//
//	sess, _ := client.StartSession(ctx, tracevine.WithSessionTags("checkout"))
//	handle := tracevine.Wrap(sess, "handleOrder", handleOrder)
//	result, err := handle(ctx, order)
//
// Wrapped functions receive a context carrying the current telemetry
// frame; nested wrapped calls and instrumented SDK calls made with that
// context are attributed to the correct parent event automatically, even
// across goroutines.
package tracevine
