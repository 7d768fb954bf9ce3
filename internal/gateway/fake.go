package gateway

import (
	"context"
	"fmt"
	"sync"

	"crm-mailer/internal/account"
)

// FakeGateway records sends instead of talking to a transport. Used in unit
// tests and in the DEV environment.
type FakeGateway struct {
	mu      sync.Mutex
	counter int

	Sent    []Message
	Err     error
	FailFor map[string]error // keyed by first recipient
}

func NewFake() *FakeGateway {
	return &FakeGateway{FailFor: map[string]error{}}
}

func (g *FakeGateway) Send(_ context.Context, _ account.Account, msg Message) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.Err != nil {
		return "", g.Err
	}

	if len(msg.To) > 0 {
		if err, ok := g.FailFor[msg.To[0]]; ok {
			return "", err
		}
	}

	g.counter++
	g.Sent = append(g.Sent, msg)
	return fmt.Sprintf("fake-%d@local.test", g.counter), nil
}

// SendCount returns how many messages went through.
func (g *FakeGateway) SendCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Sent)
}
