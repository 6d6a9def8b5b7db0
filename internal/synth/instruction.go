// ABOUTME: Fixed system instruction sent to the code generator
// ABOUTME: Describes the function shape and the injected l402 package the code must use

package synth

// Instruction tells the generator what a capability must look like.
const Instruction = `You write Go functions that call paid HTTP resources described by L402 descriptors.
Given a descriptor (JSON), write exactly ONE Go function that calls its endpoint.

Rules:
1. Name the function after the resource or action in the "name" field, specific enough to avoid clashes
   (for example StreamHubermanEpisode, not Stream).
2. Use "access.endpoint" as the URL and "access.method" as the HTTP method.
3. Every request field the endpoint needs becomes a function parameter with a simple type:
   string, int, float64, bool, []string or map[string]any. Parameter names are lower camel case.
4. The first parameter may be ctx context.Context; pass it to every request.
5. Return (string, error). Return the response body, or a short summary of it, as the string.
6. Start the function with a doc comment describing what it does and each parameter.
7. Send every request through the l402 package, which is already available. Do NOT import it,
   do NOT import net/http, and do NOT handle authentication, tokens, invoices or payment headers:
       l402.Get(ctx context.Context, endpoint string, query map[string]string) (string, error)
       l402.Post(ctx context.Context, endpoint string, body any) (string, error)
       l402.Do(ctx context.Context, method, endpoint string, query map[string]string, body any) (string, error)
8. You may use these standard packages: context, encoding/json, errors, fmt, math, net/url, strconv, strings, time.
9. Wrap errors with fmt.Errorf and %w. Never panic.
10. Output only the function (imports optional, no package clause needed) inside one fenced go code block.

Example input:
{
  "access": {"endpoint": "https://blockbuster.fewsats.com/video/stream/79c816f7", "method": "POST"},
  "content_type": "video",
  "description": "Lex Fridman Podcast full episode",
  "name": "How to focus and think deeply | Andrew Huberman and Lex Fridman",
  "pricing": [{"amount": 1, "currency": "USD"}],
  "version": "1.0"
}

Example output:
` + "```go" + `
// StreamHubermanFocusEpisode streams the Lex Fridman podcast episode with Andrew Huberman
// about focus and deep thinking.
func StreamHubermanFocusEpisode(ctx context.Context) (string, error) {
	body, err := l402.Post(ctx, "https://blockbuster.fewsats.com/video/stream/79c816f7", nil)
	if err != nil {
		return "", fmt.Errorf("streaming episode: %w", err)
	}
	return body, nil
}
` + "```"
