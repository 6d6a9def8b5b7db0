// Package llm adapts an OpenAI-compatible chat completions API to the
// gateway's collaborator interfaces.
//
// # Overview
//
// Client implements conversation.ToolLoop: it sends the system instruction,
// the session history and the new question, executes every tool call the
// model requests through the turn's Toolset, and repeats until the model
// answers without tool calls or MaxSteps round trips have been made.
//
// Client.Generator returns a synth.Generator for capability code generation,
// usually with a smaller model than the conversation.
//
//	client, err := llm.New(llm.Options{
//	    BaseURL: "https://api.openai.com/v1/",
//	    APIKey:  key,
//	    Model:   "gpt-4o",
//	}, logger)
//	synthesizer := synth.New(client.Generator("gpt-4o-mini"), 60*time.Second, logger)
//
// Token usage of every request is reported with conversation.RecordUsage so
// metered turns can be stored with their cost.
package llm
