package assistant

import (
	"fmt"
	"strings"
	"sync"

	"github.com/freelaince/syncbridge/internal/protocol"
)

var freelanceAdvice = []string{
	"Set your rates based on value delivered, not hours worked.",
	"Always get project scope in writing before you start.",
	"Keep a buffer of at least three months of expenses.",
	"Follow up on every proposal within 48 hours.",
	"Raise your rates with every few completed projects.",
}

const helpText = "I can help you with:\n" +
	"- 'schedule' or 'calendar': open your calendar\n" +
	"- 'offers' or 'jobs': open the job offer board\n" +
	"- 'advice': freelance tips\n" +
	"- anything else: I'll do my best to answer"

// responder maps free-text chat onto canned replies and navigation
// commands. Stateful only for rotating through the advice list.
type responder struct {
	mu          sync.Mutex
	adviceIndex int
}

func newResponder() *responder {
	return &responder{}
}

func chatAnswer(message string) protocol.Envelope {
	env := protocol.New(protocol.TypeChatAnswer)
	env.Sender = "bot"
	env.Message = message
	return env
}

func openTab(url string) protocol.Envelope {
	env := protocol.New(protocol.TypeOpenTab)
	env.URL = url
	return env
}

// respond returns the ordered envelopes to send back for one user
// message. Navigation requests produce an open_tab command followed
// by a spoken confirmation.
func (r *responder) respond(message string) []protocol.Envelope {
	text := strings.ToLower(strings.TrimSpace(message))
	switch {
	case text == "":
		return []protocol.Envelope{chatAnswer("Say something and I'll try to help.")}
	case strings.Contains(text, "calendar") || strings.Contains(text, "schedule"):
		return []protocol.Envelope{
			openTab("calendar"),
			chatAnswer("Opening your calendar."),
		}
	case strings.Contains(text, "offer") || strings.Contains(text, "job"):
		return []protocol.Envelope{
			openTab("offers"),
			chatAnswer("Opening your job offers."),
		}
	case strings.Contains(text, "help"):
		return []protocol.Envelope{chatAnswer(helpText)}
	case strings.Contains(text, "advice") || strings.Contains(text, "tip"):
		return []protocol.Envelope{chatAnswer(r.nextAdvice())}
	case strings.Contains(text, "hello") || strings.Contains(text, "hi "), text == "hi":
		return []protocol.Envelope{chatAnswer("Hi! How can I help with your freelance work today?")}
	default:
		return []protocol.Envelope{chatAnswer(fmt.Sprintf("You said: %s", strings.TrimSpace(message)))}
	}
}

func (r *responder) nextAdvice() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	advice := freelanceAdvice[r.adviceIndex%len(freelanceAdvice)]
	r.adviceIndex++
	return advice
}
