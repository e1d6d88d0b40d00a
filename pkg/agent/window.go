package agent

import (
	"fmt"

	"github.com/agentplane/agentplane/pkg/models"
)

// trimWindow enforces the context budget over a run's transcript. The system
// prompt may use at most systemShare of the window; system plus messages must
// fit within totalShare. Overflow drops the earliest messages, never below
// one, and keeps trimming until the retained head is a human message so the
// model never sees a conversation that starts mid-exchange.
//
// estimate must be monotone in text length; precision is not required.
func trimWindow(systemPrompt string, msgs []models.Message, window int, systemShare, totalShare float64, estimate func(string) int) ([]models.Message, error) {
	systemTokens := estimate(systemPrompt)
	if float64(systemTokens) > systemShare*float64(window) {
		return nil, &Error{Reason: fmt.Sprintf("System prompt can not exceed %.0f%% of the context window", systemShare*100)}
	}

	budget := int(totalShare*float64(window)) - systemTokens

	total := 0
	for i := range msgs {
		total += estimate(string(msgs[i].Data))
	}

	start := 0
	for start < len(msgs)-1 && total > budget {
		total -= estimate(string(msgs[start].Data))
		start++
	}
	if start > 0 {
		for start < len(msgs)-1 && msgs[start].Type != models.MessageTypeHuman {
			start++
		}
	}

	return msgs[start:], nil
}
