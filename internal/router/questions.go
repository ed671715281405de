package router

import (
	"encoding/json"
	"strconv"

	"github.com/chatbridge/relay/pkg/events"
)

// askUserToolName identifies the structured-question tool in permission
// requests. Its input is a list of user-answerable questions; the decision
// carries the collected answers instead of a plain allow.
const askUserToolName = "AskUserQuestion"

// questionAggregator accumulates answers for one ask-user request. It owns
// the completion rule: the decision is released only once every question
// has a recorded answer.
type questionAggregator struct {
	requestID string
	questions []events.Question
	answers   map[int]string
	drafts    map[int][]string // multi-select selections before commit
}

func newQuestionAggregator(requestID string, questions []events.Question) *questionAggregator {
	return &questionAggregator{
		requestID: requestID,
		questions: questions,
		answers:   make(map[int]string),
		drafts:    make(map[int][]string),
	}
}

// recordAnswer captures the final answer for one question. Out-of-range
// indexes are ignored.
func (a *questionAggregator) recordAnswer(idx int, answer string) {
	if idx < 0 || idx >= len(a.questions) {
		return
	}
	a.answers[idx] = answer
	delete(a.drafts, idx)
}

// toggleDraft adds or removes a multi-select option from the question's
// draft. The draft becomes the answer on commitDraft.
func (a *questionAggregator) toggleDraft(idx int, option string) {
	if idx < 0 || idx >= len(a.questions) || !a.questions[idx].MultiSelect {
		return
	}
	draft := a.drafts[idx]
	for i, existing := range draft {
		if existing == option {
			a.drafts[idx] = append(draft[:i], draft[i+1:]...)
			return
		}
	}
	a.drafts[idx] = append(draft, option)
}

// commitDraft finalizes a multi-select question from its draft, joining
// selections as a JSON array string.
func (a *questionAggregator) commitDraft(idx int) {
	if idx < 0 || idx >= len(a.questions) {
		return
	}
	data, err := json.Marshal(a.drafts[idx])
	if err != nil {
		return
	}
	a.answers[idx] = string(data)
	delete(a.drafts, idx)
}

// tryFinalize returns the collected answers keyed by question index once
// every question is answered.
func (a *questionAggregator) tryFinalize() (map[string]interface{}, bool) {
	if len(a.answers) < len(a.questions) {
		return nil, false
	}
	out := make(map[string]interface{}, len(a.answers))
	for idx, answer := range a.answers {
		out[strconv.Itoa(idx)] = answer
	}
	return out, true
}

// parseQuestions extracts the question list from an ask-user tool input.
func parseQuestions(toolInput map[string]interface{}) []events.Question {
	raw, ok := toolInput["questions"]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var questions []events.Question
	if err := json.Unmarshal(data, &questions); err != nil {
		return nil
	}
	return questions
}
