// Package testdata provides golden fixtures for the Veritas Gateway. Each
// fixture pairs a request body with a canned upstream response and the
// capture the interception pipeline is expected to submit.
package testdata

import "encoding/json"

// Fixture is one buffered-mode golden scenario.
type Fixture struct {
	Name             string // human-readable scenario name
	RequestBody      string // JSON request body sent to the proxy
	UpstreamResponse string // body the mock upstream returns
	UpstreamStatus   int    // HTTP status from the mock upstream
	ExpectedPrompt   string // prompt the capture job must carry
	ExpectedCapture  string // assistant text the capture job must carry
	ExpectJob        bool   // whether a capture job must be submitted
}

// HappyPath is a standard single-turn chat completion.
func HappyPath() Fixture {
	return Fixture{
		Name: "happy_path",
		RequestBody: `{
			"model": "gpt-4o-mini",
			"messages": [{"role": "user", "content": "What is the capital of France?"}]
		}`,
		UpstreamResponse: envelope("chatcmpl-abc123", "gpt-4o-mini",
			"The capital of France is Paris."),
		UpstreamStatus:  200,
		ExpectedPrompt:  "[user]: What is the capital of France?",
		ExpectedCapture: "The capital of France is Paris.",
		ExpectJob:       true,
	}
}

// SystemAndUser exercises the prompt-formatting rule: system and user turns
// in order, assistant turns excluded.
func SystemAndUser() Fixture {
	return Fixture{
		Name: "system_and_user",
		RequestBody: `{
			"model": "gpt-4o",
			"messages": [
				{"role": "system", "content": "be brief"},
				{"role": "assistant", "content": "ignored"},
				{"role": "user", "content": "q?"}
			]
		}`,
		UpstreamResponse: envelope("chatcmpl-sys001", "gpt-4o", "a."),
		UpstreamStatus:   200,
		ExpectedPrompt:   "[system]: be brief\n[user]: q?",
		ExpectedCapture:  "a.",
		ExpectJob:        true,
	}
}

// MultiTurn is a longer conversation with interleaved assistant turns.
func MultiTurn() Fixture {
	return Fixture{
		Name: "multi_turn",
		RequestBody: `{
			"model": "gpt-4o-mini",
			"messages": [
				{"role": "system", "content": "You are a geography tutor."},
				{"role": "user", "content": "Largest country by area?"},
				{"role": "assistant", "content": "Russia."},
				{"role": "user", "content": "And second largest?"}
			]
		}`,
		UpstreamResponse: envelope("chatcmpl-mt002", "gpt-4o-mini", "Canada."),
		UpstreamStatus:   200,
		ExpectedPrompt: "[system]: You are a geography tutor.\n" +
			"[user]: Largest country by area?\n[user]: And second largest?",
		ExpectedCapture: "Canada.",
		ExpectJob:       true,
	}
}

// EmptyAssistant has a parseable envelope whose content is empty — no job.
func EmptyAssistant() Fixture {
	return Fixture{
		Name: "empty_assistant",
		RequestBody: `{
			"model": "gpt-4o-mini",
			"messages": [{"role": "user", "content": "say nothing"}]
		}`,
		UpstreamResponse: envelope("chatcmpl-empty", "gpt-4o-mini", ""),
		UpstreamStatus:   200,
		ExpectedPrompt:   "[user]: say nothing",
		ExpectJob:        false,
	}
}

// UnparseableEnvelope returns a body that is not a completion envelope; the
// bytes still pass through, nothing is captured.
func UnparseableEnvelope() Fixture {
	return Fixture{
		Name: "unparseable_envelope",
		RequestBody: `{
			"model": "gpt-4o-mini",
			"messages": [{"role": "user", "content": "hi"}]
		}`,
		UpstreamResponse: `this is not json`,
		UpstreamStatus:   200,
		ExpectedPrompt:   "[user]: hi",
		ExpectJob:        false,
	}
}

// UpstreamError is a provider-side 500; the status and body pass through.
func UpstreamError() Fixture {
	return Fixture{
		Name: "upstream_error",
		RequestBody: `{
			"model": "gpt-4o-mini",
			"messages": [{"role": "user", "content": "hi"}]
		}`,
		UpstreamResponse: `{"error":{"message":"internal","type":"server_error"}}`,
		UpstreamStatus:   500,
		ExpectedPrompt:   "[user]: hi",
		ExpectJob:        false,
	}
}

// EmptyMessages has no conversation at all: empty prompt, and an empty
// envelope means no job either.
func EmptyMessages() Fixture {
	return Fixture{
		Name:             "empty_messages",
		RequestBody:      `{"model": "gpt-4o-mini", "messages": []}`,
		UpstreamResponse: envelope("chatcmpl-nomsg", "gpt-4o-mini", ""),
		UpstreamStatus:   200,
		ExpectedPrompt:   "",
		ExpectJob:        false,
	}
}

// AllFixtures returns every buffered golden scenario.
func AllFixtures() []Fixture {
	return []Fixture{
		HappyPath(),
		SystemAndUser(),
		MultiTurn(),
		EmptyAssistant(),
		UnparseableEnvelope(),
		UpstreamError(),
		EmptyMessages(),
	}
}

// StreamFixture is one streaming-mode golden scenario.
type StreamFixture struct {
	Name         string
	Stream       string // raw SSE bytes the mock upstream emits
	ExpectedText string // reconstructed assistant text
}

// StreamHelloWorld is the canonical three-fragment stream.
func StreamHelloWorld() StreamFixture {
	return StreamFixture{
		Name: "hello_world",
		Stream: sse(delta("Hello"), delta(" "), delta("World")) +
			"data: [DONE]\n\n",
		ExpectedText: "Hello World",
	}
}

// StreamSingleFrame holds exactly one data frame; extraction is the identity.
func StreamSingleFrame() StreamFixture {
	return StreamFixture{
		Name:         "single_frame",
		Stream:       sse(delta("Paris.")) + "data: [DONE]\n\n",
		ExpectedText: "Paris.",
	}
}

// StreamEmptyDeltas interleaves empty and role-only deltas that contribute
// nothing.
func StreamEmptyDeltas() StreamFixture {
	return StreamFixture{
		Name: "empty_deltas",
		Stream: "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
			sse(delta("The answer"), delta("")) +
			sse(delta(" is 42.")) +
			"data: [DONE]\n\n",
		ExpectedText: "The answer is 42.",
	}
}

// StreamDataAfterDone carries frames past [DONE]; they must be ignored.
func StreamDataAfterDone() StreamFixture {
	return StreamFixture{
		Name: "data_after_done",
		Stream: sse(delta("kept")) + "data: [DONE]\n\n" +
			sse(delta(" dropped")),
		ExpectedText: "kept",
	}
}

// StreamNoData has comments and blank lines only — nothing to capture.
func StreamNoData() StreamFixture {
	return StreamFixture{
		Name:         "no_data",
		Stream:       ": keep-alive\n\n: another comment\n\n",
		ExpectedText: "",
	}
}

// AllStreamFixtures returns every streaming golden scenario.
func AllStreamFixtures() []StreamFixture {
	return []StreamFixture{
		StreamHelloWorld(),
		StreamSingleFrame(),
		StreamEmptyDeltas(),
		StreamDataAfterDone(),
		StreamNoData(),
	}
}

// envelope builds a minimal completion envelope with the given content.
func envelope(id, model, content string) string {
	return mustJSON(map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"model":   model,
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15,
		},
	})
}

// delta builds one streaming chunk body with the given delta content.
func delta(content string) string {
	return mustJSON(map[string]any{
		"choices": []map[string]any{
			{"delta": map[string]string{"content": content}},
		},
	})
}

// sse wraps chunk bodies in data: framing.
func sse(chunks ...string) string {
	out := ""
	for _, c := range chunks {
		out += "data: " + c + "\n\n"
	}
	return out
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}
