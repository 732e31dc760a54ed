package agent

import (
	"fmt"
	"sync"
)

// PendingReplies tracks agent-initiated requests (permission grants,
// questions) that block until the user answers. The JSON-RPC read loop
// parks each request on a channel; ReplyToPermission/ReplyToQuestion
// deliver the answer from the API side.
type PendingReplies struct {
	mu          sync.Mutex
	permissions map[string]chan string
	questions   map[string]chan [][]string
}

func NewPendingReplies() *PendingReplies {
	return &PendingReplies{
		permissions: make(map[string]chan string),
		questions:   make(map[string]chan [][]string),
	}
}

// AwaitPermission registers a permission request and returns the channel
// its answer will arrive on.
func (p *PendingReplies) AwaitPermission(requestID string) <-chan string {
	ch := make(chan string, 1)
	p.mu.Lock()
	p.permissions[requestID] = ch
	p.mu.Unlock()
	return ch
}

// AwaitQuestion registers a question and returns its answer channel.
func (p *PendingReplies) AwaitQuestion(questionID string) <-chan [][]string {
	ch := make(chan [][]string, 1)
	p.mu.Lock()
	p.questions[questionID] = ch
	p.mu.Unlock()
	return ch
}

// AnswerPermission delivers a permission outcome. It errors when the
// request is unknown or already answered.
func (p *PendingReplies) AnswerPermission(requestID, outcome string) error {
	p.mu.Lock()
	ch, ok := p.permissions[requestID]
	if ok {
		delete(p.permissions, requestID)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending permission request %q", requestID)
	}
	ch <- outcome
	return nil
}

// AnswerQuestion delivers question answers, one option id list per group.
func (p *PendingReplies) AnswerQuestion(questionID string, answers [][]string) error {
	p.mu.Lock()
	ch, ok := p.questions[questionID]
	if ok {
		delete(p.questions, questionID)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending question %q", questionID)
	}
	ch <- answers
	return nil
}

// DropPermission and DropQuestion unregister without answering, used when
// the awaiting goroutine gives up (disconnect, context cancellation).
func (p *PendingReplies) DropPermission(requestID string) {
	p.mu.Lock()
	delete(p.permissions, requestID)
	p.mu.Unlock()
}

func (p *PendingReplies) DropQuestion(questionID string) {
	p.mu.Lock()
	delete(p.questions, questionID)
	p.mu.Unlock()
}
