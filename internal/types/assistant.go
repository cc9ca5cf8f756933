package types

// AssistantType identifies which assistant handles a topic.
type AssistantType string

const (
	AssistantGpt    AssistantType = "explain_gpt"
	AssistantLaw    AssistantType = "explain_law"
	AssistantEstate AssistantType = "explain_estate"
	AssistantImg    AssistantType = "explain_img"
)

// TopicsType scopes a topic list request to one assistant.
type TopicsType string

const (
	TopicsAll    TopicsType = "all"
	TopicsLaw    TopicsType = "law"
	TopicsGpt    TopicsType = "gpt"
	TopicsEstate TopicsType = "estate"
)

// TopicsTypeFor maps an assistant to the topic list scope the backend
// expects for it.
func TopicsTypeFor(assistant AssistantType) TopicsType {
	switch assistant {
	case AssistantLaw:
		return TopicsLaw
	case AssistantGpt:
		return TopicsGpt
	case AssistantEstate:
		return TopicsEstate
	default:
		return TopicsAll
	}
}

// Message property flags the backend understands. web_search applies to every
// assistant, judicial_practice and short_answer to law, reasoning to gpt.
const (
	PropertyWebSearch        = "web_search"
	PropertyJudicialPractice = "judicial_practice"
	PropertyReasoning        = "reasoning"
	PropertyShortAnswer      = "short_answer"
)
