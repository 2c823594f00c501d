package types

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const ActiveGenerationTimeout = 30 * time.Minute

// ActiveGeneration is the state of one in-flight generation. At most one
// non-quiet generation may be active per chat; a quiet generation may run
// alongside it without touching the visible tail.
type ActiveGeneration struct {
	Id     string
	ChatId string
	Type   GenerationType
	DryRun bool

	// Ctx governs the whole session. ModelCtx is a child context for the
	// provider request so the request can be cancelled separately.
	Ctx           context.Context
	CancelFn      context.CancelFunc
	ModelCtx      context.Context
	CancelModelFn context.CancelFunc

	StartedAt time.Time

	// StreamDoneCh receives nil on success or the terminal error.
	StreamDoneCh chan *GenError

	// StoppingStrings are computed once at session start and reused for every
	// increment's cleanup pass.
	StoppingStrings []string

	// TargetIndex is the chatlog index the session writes into, -1 for
	// impersonation (output goes to the compose box, not the chat).
	TargetIndex int

	mu              sync.Mutex
	firstToken      bool
	currentText     string
	swipeCandidates []string
	logprobs        []LogprobRecord

	subscriptions  map[string]*subscription
	subscriptionMu sync.Mutex
	streamCh       chan string
}

type subscription struct {
	ch           chan string
	ctx          context.Context
	cancelFn     context.CancelFunc
	mu           sync.Mutex
	messageQueue []string
	cond         *sync.Cond
}

func NewActiveGeneration(chatId string, genType GenerationType, parent context.Context) *ActiveGeneration {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, ActiveGenerationTimeout)
	modelCtx, cancelModel := context.WithCancel(ctx)

	active := &ActiveGeneration{
		Id:            uuid.New().String(),
		ChatId:        chatId,
		Type:          genType,
		Ctx:           ctx,
		CancelFn:      cancel,
		ModelCtx:      modelCtx,
		CancelModelFn: cancelModel,
		StartedAt:     time.Now(),
		TargetIndex:   -1,
		StreamDoneCh:  make(chan *GenError, 1),
		subscriptions: map[string]*subscription{},
		streamCh:      make(chan string),
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Recovered in generation stream fan-out: %v\n", r)
			}
		}()
		for {
			select {
			case <-active.Ctx.Done():
				return
			case msg := <-active.streamCh:
				active.subscriptionMu.Lock()
				subs := active.subscriptions
				active.subscriptionMu.Unlock()
				for _, sub := range subs {
					sub.enqueueMessage(msg)
				}
			}
		}
	}()

	return active
}

// ResetModelCtx gives the session a fresh request context after a retry or a
// programmatic continue, without restarting the whole session.
func (ag *ActiveGeneration) ResetModelCtx() {
	ag.CancelModelFn()
	ag.ModelCtx, ag.CancelModelFn = context.WithCancel(ag.Ctx)
}

// RecordChunk stores the cumulative text (and any extra candidates) for the
// latest increment. Returns true if this was the first token of the session.
func (ag *ActiveGeneration) RecordChunk(chunk StreamChunk) bool {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	first := !ag.firstToken && chunk.Text != ""
	if chunk.Text != "" {
		ag.firstToken = true
	}
	ag.currentText = chunk.Text
	if len(chunk.Swipes) > 0 {
		ag.swipeCandidates = chunk.Swipes
	}
	if len(chunk.Logprobs) > 0 {
		ag.logprobs = append(ag.logprobs, chunk.Logprobs...)
	}
	return first
}

func (ag *ActiveGeneration) CurrentText() string {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	return ag.currentText
}

func (ag *ActiveGeneration) ReceivedFirstToken() bool {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	return ag.firstToken
}

func (ag *ActiveGeneration) SwipeCandidates() []string {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	return ag.swipeCandidates
}

func (ag *ActiveGeneration) Logprobs() []LogprobRecord {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	return ag.logprobs
}

// Stream sends a serialized event to every subscriber.
func (ag *ActiveGeneration) Stream(msg string) {
	select {
	case <-ag.Ctx.Done():
	case ag.streamCh <- msg:
	}
}

// Subscribe attaches a listener for serialized stream events. The returned
// channel closes when either the request or the session ends.
func (ag *ActiveGeneration) Subscribe(reqCtx context.Context) (string, chan string) {
	ag.subscriptionMu.Lock()
	defer ag.subscriptionMu.Unlock()

	id := uuid.New().String()

	subCtx, subCancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-reqCtx.Done():
		case <-ag.Ctx.Done():
		}
		subCancel()
	}()

	sub := newSubscription(subCtx)
	ag.subscriptions[id] = sub
	return id, sub.ch
}

func (ag *ActiveGeneration) Unsubscribe(id string) {
	ag.subscriptionMu.Lock()
	defer ag.subscriptionMu.Unlock()

	if sub, ok := ag.subscriptions[id]; ok {
		sub.cancelFn()
		sub.cond.Signal()
		delete(ag.subscriptions, id)
	}
}

func (ag *ActiveGeneration) NumSubscribers() int {
	ag.subscriptionMu.Lock()
	defer ag.subscriptionMu.Unlock()
	return len(ag.subscriptions)
}

func newSubscription(ctx context.Context) *subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		ch:           make(chan string),
		ctx:          ctx,
		cancelFn:     cancel,
		messageQueue: make([]string, 0),
	}
	sub.cond = sync.NewCond(&sub.mu)
	go sub.processMessages()
	return sub
}

func (sub *subscription) processMessages() {
	for {
		sub.mu.Lock()
		for len(sub.messageQueue) == 0 {
			sub.cond.Wait()
			if sub.ctx.Err() != nil {
				sub.mu.Unlock()
				return
			}
		}
		msg := sub.messageQueue[0]
		sub.messageQueue = sub.messageQueue[1:]
		sub.mu.Unlock()

		select {
		case <-sub.ctx.Done():
			return
		case sub.ch <- msg:
		}
	}
}

func (sub *subscription) enqueueMessage(msg string) {
	sub.mu.Lock()
	sub.messageQueue = append(sub.messageQueue, msg)
	sub.mu.Unlock()
	sub.cond.Signal()
}
